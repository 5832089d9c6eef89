// Package pathmap computes the on-disk layout of a task workspace. Resolution
// is pure: given the same root and parameter name it always produces the same
// path, so the host-side localizer and the environment exported into the
// container agree on the layout without coordination.
package pathmap

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/ahodges/stagehand/internal/model"
)

// Role identifies which workspace area a path belongs to.
type Role string

const (
	RoleInput   Role = "input"
	RoleOutput  Role = "output"
	RoleScript  Role = "script"
	RoleTmp     Role = "tmp"
	RoleWorkdir Role = "workdir"
)

// Areas lists every workspace area in creation order.
func Areas() []Role {
	return []Role{RoleInput, RoleOutput, RoleScript, RoleTmp, RoleWorkdir}
}

// Resolver maps logical parameter names to concrete paths under Root.
// A Resolver with an empty Root produces data-root-relative paths, which is
// how parameters are stored on the task; providers join them against the
// host-side or container-side root as needed.
type Resolver struct {
	Root string
}

// Resolve returns the deterministic path for a parameter name in the given
// role. Input and output parameters each get a private directory named after
// the parameter, so distinct names never collide and the input and output
// areas never overlap. The tmp and workdir roles ignore the name: they are
// single shared areas per attempt.
func (r Resolver) Resolve(role Role, name string) string {
	switch role {
	case RoleTmp, RoleWorkdir:
		return r.join(string(role))
	default:
		return r.join(string(role), name)
	}
}

// Dir returns the root of a workspace area.
func (r Resolver) Dir(role Role) string {
	return r.join(string(role))
}

// Path joins a data-root-relative parameter path against the resolver root.
func (r Resolver) Path(rel string) string {
	return r.join(rel)
}

func (r Resolver) join(elems ...string) string {
	if r.Root == "" {
		return path.Join(elems...)
	}
	return path.Join(append([]string{r.Root}, elems...)...)
}

// BindTask fills in the data-root-relative LocalPath of every parameter on
// the task and validates the uniqueness invariants: logical names are unique
// within the task, and no two parameters resolve to the same local path.
func BindTask(t *model.Task) error {
	var rel Resolver

	seenNames := make(map[string]bool)
	seenPaths := make(map[string]string)

	bind := func(p *model.Param, role Role) error {
		if p.Name == "" {
			return fmt.Errorf("parameter with empty name (role %s)", role)
		}
		if seenNames[p.Name] {
			return fmt.Errorf("duplicate parameter name %q", p.Name)
		}
		seenNames[p.Name] = true

		if p.Recursive {
			p.LocalPath = rel.Resolve(role, p.Name)
		} else {
			base, err := uriBase(p.URI)
			if err != nil {
				return fmt.Errorf("parameter %q: %w", p.Name, err)
			}
			p.LocalPath = path.Join(rel.Resolve(role, p.Name), base)
		}

		if prev, ok := seenPaths[p.LocalPath]; ok {
			return fmt.Errorf("parameters %q and %q resolve to the same path %q", prev, p.Name, p.LocalPath)
		}
		seenPaths[p.LocalPath] = p.Name
		return nil
	}

	for i := range t.Inputs {
		if err := bind(&t.Inputs[i], RoleInput); err != nil {
			return err
		}
	}
	for i := range t.Outputs {
		if err := bind(&t.Outputs[i], RoleOutput); err != nil {
			return err
		}
	}
	return nil
}

// Env builds the environment exported to the user's script: one variable per
// declared parameter bound to its resolved path under root, plus TMPDIR
// pointing at the task's private temp area.
func Env(root Resolver, t *model.Task) map[string]string {
	env := make(map[string]string, len(t.Inputs)+len(t.Outputs)+len(t.Env)+1)
	for k, v := range t.Env {
		env[k] = v
	}
	for _, p := range t.Inputs {
		env[p.Name] = root.Path(p.LocalPath)
	}
	for _, p := range t.Outputs {
		env[p.Name] = root.Path(p.LocalPath)
	}
	env["TMPDIR"] = root.Resolve(RoleTmp, "")
	return env
}

// uriBase extracts the final path element of a parameter URI, preserving the
// filename and extension. Wildcard basenames (for output patterns) pass
// through unchanged.
func uriBase(uri string) (string, error) {
	raw := uri
	if strings.Contains(uri, "://") {
		u, err := url.Parse(uri)
		if err != nil {
			return "", fmt.Errorf("parse uri %q: %w", uri, err)
		}
		raw = u.Path
	}
	base := path.Base(raw)
	if base == "." || base == "/" || base == "" {
		return "", fmt.Errorf("uri %q has no usable basename", uri)
	}
	return base, nil
}
