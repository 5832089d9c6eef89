// Package localize stages task inputs into a workspace before execution and
// task outputs back to durable storage after execution. It owns path
// computation, existence checks, and ordering; byte movement is delegated to
// the object copier.
package localize

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ahodges/stagehand/internal/model"
	"github.com/ahodges/stagehand/internal/objectcopy"
	"github.com/ahodges/stagehand/internal/pathmap"
)

// Error reports a failed localization or delocalization of one parameter.
type Error struct {
	Param string // logical parameter name
	Loc   string // the location that was missing or inaccessible
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("localization of %s (%s): %v", e.Param, e.Loc, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrMissing marks a required input or output that does not exist.
var ErrMissing = errors.New("required file does not exist")

// Engine stages parameters between durable storage and a task workspace.
type Engine struct {
	copier objectcopy.Copier
}

// NewEngine creates a localization engine over the given copier.
func NewEngine(c objectcopy.Copier) *Engine {
	return &Engine{copier: c}
}

// Localize stages every input parameter under the host-side data root. A
// missing or inaccessible required input fails with *Error; a missing
// optional input is skipped.
func (e *Engine) Localize(ctx context.Context, host pathmap.Resolver, inputs []model.Param) error {
	for _, p := range inputs {
		dst := host.Path(p.LocalPath)

		if p.Recursive {
			if err := e.copier.CopyTree(ctx, p.URI, dst); err != nil {
				if p.Optional && errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return &Error{Param: p.Name, Loc: p.URI, Err: err}
			}
			continue
		}

		ok, err := e.copier.Exists(ctx, p.URI)
		if err != nil {
			return &Error{Param: p.Name, Loc: p.URI, Err: err}
		}
		if !ok {
			if p.Optional {
				continue
			}
			return &Error{Param: p.Name, Loc: p.URI, Err: ErrMissing}
		}
		if err := e.copier.Copy(ctx, p.URI, dst); err != nil {
			return &Error{Param: p.Name, Loc: p.URI, Err: err}
		}
	}
	return nil
}

// PrepareOutputDirs creates the directory of every output parameter inside
// the workspace, so the script can write straight to its bound path. The
// runtime contract gives each output a pre-existing parent; recursive outputs
// get the directory itself.
func (e *Engine) PrepareOutputDirs(host pathmap.Resolver, outputs []model.Param) error {
	for _, p := range outputs {
		dir := host.Path(p.LocalPath)
		if !p.Recursive {
			dir = filepath.Dir(dir)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &Error{Param: p.Name, Loc: dir, Err: err}
		}
	}
	return nil
}

// Delocalize copies every output parameter from the workspace back to its
// remote URI. Wildcard patterns are expanded against the filesystem at call
// time; zero matches is not an error. A missing required non-wildcard output
// fails with *Error. Copies are overwrite-safe, so re-running delocalization
// for already-copied outputs is idempotent.
func (e *Engine) Delocalize(ctx context.Context, host pathmap.Resolver, outputs []model.Param) error {
	for _, p := range outputs {
		local := host.Path(p.LocalPath)

		switch {
		case p.Recursive:
			if err := statOutput(local, p.Optional); err == errSkip {
				continue
			} else if err != nil {
				return &Error{Param: p.Name, Loc: local, Err: err}
			}
			if err := e.copier.CopyTree(ctx, local, p.URI); err != nil {
				return &Error{Param: p.Name, Loc: p.URI, Err: err}
			}

		case p.IsWildcard():
			matches, err := filepath.Glob(local)
			if err != nil {
				return &Error{Param: p.Name, Loc: local, Err: err}
			}
			// A broad pattern may legitimately match nothing.
			remoteDir := locDir(p.URI)
			for _, m := range matches {
				dst := remoteDir + "/" + filepath.Base(m)
				if err := e.copier.Copy(ctx, m, dst); err != nil {
					return &Error{Param: p.Name, Loc: dst, Err: err}
				}
			}

		default:
			if err := statOutput(local, p.Optional); err == errSkip {
				continue
			} else if err != nil {
				return &Error{Param: p.Name, Loc: local, Err: err}
			}
			if err := e.copier.Copy(ctx, local, p.URI); err != nil {
				return &Error{Param: p.Name, Loc: p.URI, Err: err}
			}
		}
	}
	return nil
}

// errSkip marks a missing optional output.
var errSkip = errors.New("skip optional output")

// statOutput checks that a required output exists before delocalization. A
// nonexistent path is ErrMissing; an inaccessible one keeps its stat error so
// the two are distinguishable in the failure reason.
func statOutput(local string, optional bool) error {
	_, err := os.Stat(local)
	switch {
	case err == nil:
		return nil
	case !os.IsNotExist(err):
		return err
	case optional:
		return errSkip
	default:
		return ErrMissing
	}
}

// locDir returns the directory portion of a URI or path, working on the raw
// string so URI schemes survive.
func locDir(loc string) string {
	i := strings.LastIndex(loc, "/")
	if i <= 0 {
		return loc
	}
	return loc[:i]
}
