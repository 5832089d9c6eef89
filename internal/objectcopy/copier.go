// Package objectcopy is the object-copier boundary of the localization
// engine. A Copier moves single objects or whole trees between durable
// storage and a task workspace; the localization engine owns path
// computation and ordering, copiers own only the byte movement. Copies are
// overwrite-safe so re-running a delocalization is idempotent.
package objectcopy

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Copier moves objects between locations named by URI or local path.
type Copier interface {
	// Copy copies one object from src to dst, overwriting any existing
	// object at dst. Parent directories are created as needed.
	Copy(ctx context.Context, src, dst string) error

	// CopyTree recursively copies everything under the src prefix to the
	// dst prefix, preserving relative paths.
	CopyTree(ctx context.Context, src, dst string) error

	// Exists reports whether an object exists at the given location.
	Exists(ctx context.Context, loc string) (bool, error)
}

// IsRemote reports whether loc names an object-store location rather than a
// local filesystem path. file:// URIs count as local.
func IsRemote(loc string) bool {
	return strings.Contains(loc, "://") && !strings.HasPrefix(loc, "file://")
}

// localPath strips an optional file:// scheme.
func localPath(loc string) string {
	return strings.TrimPrefix(loc, "file://")
}

// FileCopier implements Copier over the local filesystem. It serves file://
// and plain-path parameter URIs and is the copier used in tests.
type FileCopier struct{}

var _ Copier = FileCopier{}

func (FileCopier) Copy(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, dst = localPath(src), localPath(dst)

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}

	// O_TRUNC makes same-name overwrite idempotent.
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return out.Close()
}

func (fc FileCopier) CopyTree(ctx context.Context, src, dst string) error {
	src, dst = localPath(src), localPath(dst)

	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walk %s: %w", src, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil // symlinks and devices are not staged
		}
		return fc.Copy(ctx, p, target)
	})
}

func (FileCopier) Exists(ctx context.Context, loc string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(localPath(loc))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", loc, err)
	}
	return true, nil
}

// Router dispatches copy operations to an object-store copier when either
// side of the copy is remote, and to the local filesystem copier otherwise.
type Router struct {
	Object Copier // may be nil when no object store is configured
	Local  Copier
}

var _ Copier = (*Router)(nil)

// NewRouter builds a Router over the given object-store copier. object may
// be nil, in which case remote URIs are rejected.
func NewRouter(object Copier) *Router {
	return &Router{Object: object, Local: FileCopier{}}
}

func (r *Router) pick(locs ...string) (Copier, error) {
	for _, l := range locs {
		if IsRemote(l) {
			if r.Object == nil {
				return nil, fmt.Errorf("no object store configured for %q", l)
			}
			return r.Object, nil
		}
	}
	return r.Local, nil
}

func (r *Router) Copy(ctx context.Context, src, dst string) error {
	c, err := r.pick(src, dst)
	if err != nil {
		return err
	}
	return c.Copy(ctx, src, dst)
}

func (r *Router) CopyTree(ctx context.Context, src, dst string) error {
	c, err := r.pick(src, dst)
	if err != nil {
		return err
	}
	return c.CopyTree(ctx, src, dst)
}

func (r *Router) Exists(ctx context.Context, loc string) (bool, error) {
	c, err := r.pick(loc)
	if err != nil {
		return false, err
	}
	return c.Exists(ctx, loc)
}
