package localize

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ahodges/stagehand/internal/model"
	"github.com/ahodges/stagehand/internal/objectcopy"
	"github.com/ahodges/stagehand/internal/pathmap"
)

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return b
}

func newEngine() *Engine {
	return NewEngine(objectcopy.NewRouter(nil))
}

// bindTask binds local paths and fails the test on error.
func bindTask(t *testing.T, task *model.Task) {
	t.Helper()
	if err := pathmap.BindTask(task); err != nil {
		t.Fatalf("BindTask: %v", err)
	}
}

func TestLocalizeSingleInput(t *testing.T) {
	remote := t.TempDir()
	data := t.TempDir()
	write(t, filepath.Join(remote, "ref.fa"), "ACGT")

	task := &model.Task{Inputs: []model.Param{{Name: "REF", URI: filepath.Join(remote, "ref.fa")}}}
	bindTask(t, task)

	host := pathmap.Resolver{Root: data}
	if err := newEngine().Localize(context.Background(), host, task.Inputs); err != nil {
		t.Fatalf("Localize: %v", err)
	}
	if got := read(t, filepath.Join(data, "input", "REF", "ref.fa")); string(got) != "ACGT" {
		t.Errorf("localized content = %q", got)
	}
}

func TestLocalizeRecursiveInput(t *testing.T) {
	remote := t.TempDir()
	data := t.TempDir()
	write(t, filepath.Join(remote, "reads", "r1.fq"), "1")
	write(t, filepath.Join(remote, "reads", "lane2", "r2.fq"), "2")

	task := &model.Task{Inputs: []model.Param{{Name: "READS", URI: filepath.Join(remote, "reads"), Recursive: true}}}
	bindTask(t, task)

	host := pathmap.Resolver{Root: data}
	if err := newEngine().Localize(context.Background(), host, task.Inputs); err != nil {
		t.Fatalf("Localize: %v", err)
	}
	if got := read(t, filepath.Join(data, "input", "READS", "lane2", "r2.fq")); string(got) != "2" {
		t.Errorf("nested file content = %q", got)
	}
}

func TestLocalizeMissingRequiredInput(t *testing.T) {
	data := t.TempDir()
	task := &model.Task{Inputs: []model.Param{{Name: "IN", URI: filepath.Join(t.TempDir(), "absent.txt")}}}
	bindTask(t, task)

	err := newEngine().Localize(context.Background(), pathmap.Resolver{Root: data}, task.Inputs)
	var lerr *Error
	if !errors.As(err, &lerr) {
		t.Fatalf("Localize error = %v, want *localize.Error", err)
	}
	if lerr.Param != "IN" {
		t.Errorf("error param = %q, want IN", lerr.Param)
	}
	if !errors.Is(err, ErrMissing) {
		t.Errorf("error does not wrap ErrMissing: %v", err)
	}
}

func TestLocalizeMissingOptionalInput(t *testing.T) {
	data := t.TempDir()
	task := &model.Task{Inputs: []model.Param{{Name: "IN", URI: filepath.Join(t.TempDir(), "absent.txt"), Optional: true}}}
	bindTask(t, task)

	if err := newEngine().Localize(context.Background(), pathmap.Resolver{Root: data}, task.Inputs); err != nil {
		t.Fatalf("missing optional input should not fail: %v", err)
	}
}

func TestDelocalizeSingleOutput(t *testing.T) {
	remote := t.TempDir()
	data := t.TempDir()

	task := &model.Task{Outputs: []model.Param{{Name: "OUT", URI: filepath.Join(remote, "results", "out.txt")}}}
	bindTask(t, task)

	host := pathmap.Resolver{Root: data}
	write(t, host.Path(task.Outputs[0].LocalPath), "payload")

	if err := newEngine().Delocalize(context.Background(), host, task.Outputs); err != nil {
		t.Fatalf("Delocalize: %v", err)
	}
	if got := read(t, filepath.Join(remote, "results", "out.txt")); string(got) != "payload" {
		t.Errorf("remote content = %q", got)
	}
}

func TestDelocalizeWildcardZeroMatches(t *testing.T) {
	remote := t.TempDir()
	data := t.TempDir()

	task := &model.Task{Outputs: []model.Param{{Name: "VCFS", URI: filepath.Join(remote, "results", "*.vcf")}}}
	bindTask(t, task)

	if err := newEngine().Delocalize(context.Background(), pathmap.Resolver{Root: data}, task.Outputs); err != nil {
		t.Fatalf("zero wildcard matches should not fail: %v", err)
	}
	entries, _ := os.ReadDir(filepath.Join(remote, "results"))
	if len(entries) != 0 {
		t.Errorf("expected zero copies, found %d entries", len(entries))
	}
}

func TestDelocalizeWildcardMatches(t *testing.T) {
	remote := t.TempDir()
	data := t.TempDir()

	task := &model.Task{Outputs: []model.Param{{Name: "VCFS", URI: filepath.Join(remote, "results", "*.vcf")}}}
	bindTask(t, task)

	host := pathmap.Resolver{Root: data}
	outDir := filepath.Dir(host.Path(task.Outputs[0].LocalPath))
	write(t, filepath.Join(outDir, "chr1.vcf"), "v1")
	write(t, filepath.Join(outDir, "chr2.vcf"), "v2")
	write(t, filepath.Join(outDir, "notes.txt"), "skip")

	if err := newEngine().Delocalize(context.Background(), host, task.Outputs); err != nil {
		t.Fatalf("Delocalize: %v", err)
	}
	if got := read(t, filepath.Join(remote, "results", "chr1.vcf")); string(got) != "v1" {
		t.Errorf("chr1.vcf = %q", got)
	}
	if got := read(t, filepath.Join(remote, "results", "chr2.vcf")); string(got) != "v2" {
		t.Errorf("chr2.vcf = %q", got)
	}
	if _, err := os.Stat(filepath.Join(remote, "results", "notes.txt")); !os.IsNotExist(err) {
		t.Error("non-matching file was copied")
	}
}

// The script writes to its bound output path without creating directories,
// so every output's directory must exist before execution.
func TestPrepareOutputDirs(t *testing.T) {
	remote := t.TempDir()
	data := t.TempDir()

	task := &model.Task{Outputs: []model.Param{
		{Name: "OUT", URI: filepath.Join(remote, "results", "out.txt")},
		{Name: "VCFS", URI: filepath.Join(remote, "results", "*.vcf")},
		{Name: "TREE", URI: filepath.Join(remote, "tree"), Recursive: true},
	}}
	bindTask(t, task)

	host := pathmap.Resolver{Root: data}
	if err := newEngine().PrepareOutputDirs(host, task.Outputs); err != nil {
		t.Fatalf("PrepareOutputDirs: %v", err)
	}

	// A plain write to the bound path must now succeed with no MkdirAll.
	outPath := host.Path(task.Outputs[0].LocalPath)
	if err := os.WriteFile(outPath, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write to prepared output path: %v", err)
	}
	if err := os.WriteFile(filepath.Join(filepath.Dir(host.Path(task.Outputs[1].LocalPath)), "chr1.vcf"), []byte("v"), 0o644); err != nil {
		t.Fatalf("write into prepared wildcard dir: %v", err)
	}
	info, err := os.Stat(host.Path(task.Outputs[2].LocalPath))
	if err != nil || !info.IsDir() {
		t.Fatalf("recursive output dir not created: %v", err)
	}
}

func TestDelocalizeMissingRequiredOutput(t *testing.T) {
	remote := t.TempDir()
	data := t.TempDir()

	task := &model.Task{Outputs: []model.Param{{Name: "OUT", URI: filepath.Join(remote, "out.txt")}}}
	bindTask(t, task)

	err := newEngine().Delocalize(context.Background(), pathmap.Resolver{Root: data}, task.Outputs)
	var lerr *Error
	if !errors.As(err, &lerr) {
		t.Fatalf("Delocalize error = %v, want *localize.Error", err)
	}
	if !errors.Is(err, ErrMissing) {
		t.Errorf("missing output does not wrap ErrMissing: %v", err)
	}
}

// An output path that cannot be stat'd for a reason other than nonexistence
// keeps its underlying error instead of being reported as missing.
func TestDelocalizeInaccessibleOutput(t *testing.T) {
	remote := t.TempDir()
	data := t.TempDir()

	task := &model.Task{Outputs: []model.Param{{Name: "OUT", URI: filepath.Join(remote, "f", "out.txt")}}}
	bindTask(t, task)

	// Make the output's parent a regular file so stat fails with ENOTDIR.
	host := pathmap.Resolver{Root: data}
	parent := filepath.Dir(host.Path(task.Outputs[0].LocalPath))
	if err := os.MkdirAll(filepath.Dir(parent), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(parent, []byte("not a dir"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	err := newEngine().Delocalize(context.Background(), host, task.Outputs)
	var lerr *Error
	if !errors.As(err, &lerr) {
		t.Fatalf("Delocalize error = %v, want *localize.Error", err)
	}
	if errors.Is(err, ErrMissing) {
		t.Errorf("inaccessible output misreported as missing: %v", err)
	}
}

func TestDelocalizeRecursiveOutput(t *testing.T) {
	remote := t.TempDir()
	data := t.TempDir()

	task := &model.Task{Outputs: []model.Param{{Name: "TREE", URI: filepath.Join(remote, "tree"), Recursive: true}}}
	bindTask(t, task)

	host := pathmap.Resolver{Root: data}
	write(t, filepath.Join(host.Path(task.Outputs[0].LocalPath), "sub", "f.txt"), "deep")

	if err := newEngine().Delocalize(context.Background(), host, task.Outputs); err != nil {
		t.Fatalf("Delocalize: %v", err)
	}
	if got := read(t, filepath.Join(remote, "tree", "sub", "f.txt")); string(got) != "deep" {
		t.Errorf("tree file = %q", got)
	}
}

// Localize then delocalize an unmodified input to the same remote path;
// repeating the pair must leave byte-identical remote content.
func TestRoundTripIdempotence(t *testing.T) {
	remote := t.TempDir()
	data := t.TempDir()
	original := []byte("ten bytes!")
	write(t, filepath.Join(remote, "obj.bin"), string(original))

	task := &model.Task{
		Inputs:  []model.Param{{Name: "IN", URI: filepath.Join(remote, "obj.bin")}},
		Outputs: []model.Param{{Name: "OUT", URI: filepath.Join(remote, "obj.bin")}},
	}
	bindTask(t, task)

	eng := newEngine()
	host := pathmap.Resolver{Root: data}
	for i := 0; i < 2; i++ {
		if err := eng.Localize(context.Background(), host, task.Inputs); err != nil {
			t.Fatalf("Localize #%d: %v", i+1, err)
		}
		// The script "copies" input to output unchanged.
		in := read(t, host.Path(task.Inputs[0].LocalPath))
		write(t, host.Path(task.Outputs[0].LocalPath), string(in))
		if err := eng.Delocalize(context.Background(), host, task.Outputs); err != nil {
			t.Fatalf("Delocalize #%d: %v", i+1, err)
		}
	}

	if got := read(t, filepath.Join(remote, "obj.bin")); !bytes.Equal(got, original) {
		t.Errorf("remote content changed: %q", got)
	}
}
