package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path"
	"strconv"
	"strings"
)

// containerDataRoot is where the workspace data directory is mounted inside
// the task container.
const containerDataRoot = "/mnt/data"

// fixupImage is the helper image used for ownership reconciliation. It only
// needs a shell and chown/chmod.
const fixupImage = "alpine:3.20"

// ContainerSpec describes one task container. Paths are data-root-relative;
// the runtime decides where the data directory is visible in the execution
// environment (see DataRoot).
type ContainerSpec struct {
	Name        string
	Image       string
	ScriptPath  string // relative to the data root, e.g. "script/run.sh"
	WorkDir     string // relative to the data root
	Env         map[string]string
	HostDataDir string
	Stdout      io.Writer
	Stderr      io.Writer
}

// Handle supervises one started container.
type Handle interface {
	// Wait blocks until the container exits and returns its exit code.
	Wait(ctx context.Context) (int, error)

	// Kill forcefully terminates the container.
	Kill(ctx context.Context) error
}

// FixupRequest asks the runtime to reconcile file ownership between the
// container user and the host user. With Open set, the data directories are
// made writable by any container user before execution; otherwise they are
// chowned back to UID:GID so the host can read container-written files.
// Dirs must name only directories owned by this attempt — never a read-only
// input set shared across attempts.
type FixupRequest struct {
	Dirs []string // host paths
	UID  int
	GID  int
	Open bool
}

// ContainerRuntime launches task containers and runs the privileged
// ownership-fixup helper. The production implementation shells out to the
// docker CLI; tests substitute a host-process fake.
type ContainerRuntime interface {
	Start(ctx context.Context, spec ContainerSpec) (Handle, error)
	FixPermissions(ctx context.Context, req FixupRequest) error

	// DataRoot returns the path at which hostDataDir is visible inside the
	// execution environment.
	DataRoot(hostDataDir string) string
}

// DockerRuntime runs task containers through the docker CLI.
type DockerRuntime struct {
	logger *slog.Logger
}

var _ ContainerRuntime = (*DockerRuntime)(nil)

// NewDockerRuntime creates a docker-CLI-backed container runtime.
func NewDockerRuntime(logger *slog.Logger) *DockerRuntime {
	return &DockerRuntime{logger: logger}
}

func (d *DockerRuntime) DataRoot(string) string {
	return containerDataRoot
}

func (d *DockerRuntime) Start(ctx context.Context, spec ContainerSpec) (Handle, error) {
	args := []string{
		"run", "--rm",
		"--name", spec.Name,
		"-v", spec.HostDataDir + ":" + containerDataRoot,
		"-w", path.Join(containerDataRoot, spec.WorkDir),
	}
	for k, v := range spec.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, spec.Image, path.Join(containerDataRoot, spec.ScriptPath))

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("docker run: %w", err)
	}
	d.logger.Debug("container started", "name", spec.Name, "image", spec.Image)
	return &dockerHandle{cmd: cmd, name: spec.Name}, nil
}

// FixPermissions runs a short-lived privileged helper container scoped to
// the given directories only.
func (d *DockerRuntime) FixPermissions(ctx context.Context, req FixupRequest) error {
	if len(req.Dirs) == 0 {
		return nil
	}

	args := []string{"run", "--rm"}
	var targets []string
	for i, dir := range req.Dirs {
		mnt := fmt.Sprintf("/fixup/%d", i)
		args = append(args, "-v", dir+":"+mnt)
		targets = append(targets, mnt)
	}

	var chcmd string
	if req.Open {
		chcmd = "chmod -R a+rwX " + strings.Join(targets, " ")
	} else {
		chcmd = fmt.Sprintf("chown -R %d:%d %s", req.UID, req.GID, strings.Join(targets, " "))
	}
	args = append(args, fixupImage, "sh", "-c", chcmd)

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("permission fixup: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

type dockerHandle struct {
	cmd  *exec.Cmd
	name string
}

func (h *dockerHandle) Wait(ctx context.Context) (int, error) {
	done := make(chan error, 1)
	go func() { done <- h.cmd.Wait() }()

	select {
	case err := <-done:
		if err == nil {
			return 0, nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// docker run propagates the script's exit code.
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("wait container %s: %w", h.name, err)
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (h *dockerHandle) Kill(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "docker", "kill", h.name).CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker kill %s: %w: %s", h.name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// containerName derives a docker-safe container name from a task ID and
// attempt number.
func containerName(taskID string, attempt int) string {
	safe := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '.' {
			return r
		}
		return '-'
	}, taskID)
	return "stagehand-" + safe + "-" + strconv.Itoa(attempt)
}
