package local

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ahodges/stagehand/internal/model"
	"github.com/ahodges/stagehand/internal/pathmap"
)

// Per-attempt state files, written next to the data directory.
const (
	statusFile = "status.txt"
	eventsFile = "events.txt"
	logFile    = "log.txt"
	stdoutFile = "stdout.txt"
	stderrFile = "stderr.txt"
	metaFile   = "meta.json"

	// cancelMarker lives at the task directory level so it covers every
	// attempt. Its presence means "stop this task".
	cancelMarker = "cancel"

	dataDirName = "data"
)

func taskDir(root, jobID, index string) string {
	return filepath.Join(root, jobID, index)
}

func attemptDir(root, jobID, index string, attempt int) string {
	return filepath.Join(taskDir(root, jobID, index), strconv.Itoa(attempt))
}

// meta is the metadata file enumerating the attempt's identity and resolved
// parameter bindings.
type meta struct {
	JobID   string        `json:"job_id"`
	TaskID  string        `json:"task_id"`
	Attempt int           `json:"attempt"`
	Inputs  []model.Param `json:"inputs,omitempty"`
	Outputs []model.Param `json:"outputs,omitempty"`
}

// workspace is the exclusive on-disk tree for one task attempt: the data
// subtree staged for the container plus the attempt's state files. No other
// actor writes to it for the lifetime of the attempt.
type workspace struct {
	taskDir string
	dir     string // attempt directory
	dataDir string

	logF *os.File
	Log  *logrus.Logger
}

// newWorkspace creates the attempt directory tree and opens the
// orchestration log.
func newWorkspace(root string, job *model.Job, task *model.Task) (*workspace, error) {
	w := &workspace{
		taskDir: taskDir(root, job.ID, task.Index),
		dir:     attemptDir(root, job.ID, task.Index, task.Attempt),
	}
	w.dataDir = filepath.Join(w.dir, dataDirName)

	for _, area := range pathmap.Areas() {
		if err := os.MkdirAll(filepath.Join(w.dataDir, string(area)), 0o755); err != nil {
			return nil, fmt.Errorf("create workspace area %s: %w", area, err)
		}
	}

	f, err := os.OpenFile(filepath.Join(w.dir, logFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", logFile, err)
	}
	w.logF = f

	w.Log = logrus.New()
	w.Log.SetOutput(f)
	w.Log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
		DisableColors:   true,
	})

	m := meta{
		JobID:   job.ID,
		TaskID:  task.ID,
		Attempt: task.Attempt,
		Inputs:  task.Inputs,
		Outputs: task.Outputs,
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.dir, metaFile), b, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", metaFile, err)
	}

	w.WriteStatus(model.StatusRunning)
	return w, nil
}

// Resolver returns the host-side path resolver rooted at the data directory.
func (w *workspace) Resolver() pathmap.Resolver {
	return pathmap.Resolver{Root: w.dataDir}
}

// WriteStatus replaces the status file. Best-effort: a write failure is
// logged, not escalated, because the registry row is the canonical record.
func (w *workspace) WriteStatus(status string) {
	if err := os.WriteFile(filepath.Join(w.dir, statusFile), []byte(status+"\n"), 0o644); err != nil {
		w.Log.Errorf("write %s: %v", statusFile, err)
	}
}

// AppendEvent appends one "event,timestamp" line to the events file.
func (w *workspace) AppendEvent(name string, ts time.Time) {
	f, err := os.OpenFile(filepath.Join(w.dir, eventsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		w.Log.Errorf("open %s: %v", eventsFile, err)
		return
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%s,%s\n", name, ts.UTC().Format(time.RFC3339)); err != nil {
		w.Log.Errorf("append %s: %v", eventsFile, err)
	}
}

// CancelRequested reports whether the cancellation marker is present.
func (w *workspace) CancelRequested() bool {
	_, err := os.Stat(filepath.Join(w.taskDir, cancelMarker))
	return err == nil
}

// requestCancel places the cancellation marker for a task.
func requestCancel(root, jobID, index string) error {
	dir := taskDir(root, jobID, index)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, cancelMarker), nil, 0o644); err != nil {
		return fmt.Errorf("write cancel marker: %w", err)
	}
	return nil
}

// File returns the path of a state file in the attempt directory.
func (w *workspace) File(name string) string {
	return filepath.Join(w.dir, name)
}

// Close flushes and closes the orchestration log.
func (w *workspace) Close() {
	if w.logF != nil {
		w.logF.Close()
	}
}

// Cleanup removes the staged data subtree. State files (status, events,
// logs, meta) are kept for inspection. Retain skips removal for debugging.
func (w *workspace) Cleanup(retain bool) error {
	if retain {
		return nil
	}
	return os.RemoveAll(w.dataDir)
}

// readStateFile reads one state file of a given attempt, returning "" when
// the file does not exist.
func readStateFile(root, jobID, index string, attempt int, name string) string {
	b, err := os.ReadFile(filepath.Join(attemptDir(root, jobID, index, attempt), name))
	if err != nil {
		return ""
	}
	return string(b)
}

// lineWriter splits a write stream into lines and hands each to fn. Partial
// lines are buffered until their newline arrives; Flush delivers a trailing
// unterminated line.
type lineWriter struct {
	fn  func(string)
	buf bytes.Buffer
}

func newLineWriter(fn func(string)) *lineWriter {
	return &lineWriter{fn: fn}
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	lw.buf.Write(p)
	for {
		line, err := lw.buf.ReadString('\n')
		if err != nil {
			// Put the partial line back and wait for more bytes.
			lw.buf.WriteString(line)
			break
		}
		lw.fn(line[:len(line)-1])
	}
	return len(p), nil
}

func (lw *lineWriter) Flush() {
	if lw.buf.Len() > 0 {
		lw.fn(lw.buf.String())
		lw.buf.Reset()
	}
}
