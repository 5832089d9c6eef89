// Package local implements the provider contract directly on the host: it
// builds the task workspace, stages inputs, supervises a container process,
// watches for the cancellation marker, reconciles file ownership, and stages
// outputs and logs back out.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ahodges/stagehand/internal/localize"
	"github.com/ahodges/stagehand/internal/model"
	"github.com/ahodges/stagehand/internal/objectcopy"
	"github.com/ahodges/stagehand/internal/pathmap"
	"github.com/ahodges/stagehand/internal/provider"
	"github.com/ahodges/stagehand/internal/registry"
)

// ProviderName is the registry key for the local orchestrator.
const ProviderName = "local"

// DefaultPollInterval bounds cancellation latency: the marker is polled, not
// signaled, so a cancellation is observed within one interval.
const DefaultPollInterval = 500 * time.Millisecond

// Config holds local orchestrator settings.
type Config struct {
	// RootDir is the workspace root; every attempt gets an exclusive
	// subtree beneath it.
	RootDir string

	// PollInterval is how often the cancellation marker is checked while a
	// container runs.
	PollInterval time.Duration

	// RetainWorkspace skips data-directory cleanup for debugging.
	RetainWorkspace bool

	// UID and GID are the host identity files are chowned back to after the
	// container exits.
	UID int
	GID int
}

// Orchestrator is the local-container provider.
type Orchestrator struct {
	cfg    Config
	rt     ContainerRuntime
	store  registry.Store
	copier objectcopy.Copier
	loc    *localize.Engine
	logger *slog.Logger
	sink   func(taskID, line string)
	wg     sync.WaitGroup
}

var _ provider.Provider = (*Orchestrator)(nil)

// New creates a local orchestrator. sink, if non-nil, receives every
// orchestration and container log line for live streaming.
func New(cfg Config, rt ContainerRuntime, store registry.Store, copier objectcopy.Copier, logger *slog.Logger, sink func(taskID, line string)) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.UID == 0 && cfg.GID == 0 {
		cfg.UID, cfg.GID = os.Getuid(), os.Getgid()
	}
	return &Orchestrator{
		cfg:    cfg,
		rt:     rt,
		store:  store,
		copier: copier,
		loc:    localize.NewEngine(copier),
		logger: logger,
		sink:   sink,
	}
}

func (o *Orchestrator) Name() string { return ProviderName }

// Submit launches one supervised goroutine per task. Attempts run detached
// from the submission context; the job's timeout bounds each attempt.
func (o *Orchestrator) Submit(ctx context.Context, job *model.Job) error {
	for _, task := range job.Tasks {
		tCopy := *task
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.runTask(job, &tCopy)
		}()
	}
	return nil
}

// Wait blocks until all in-flight task attempts complete.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Poll returns the registry snapshot; the registry row is the canonical
// record, mirrored into status.txt for out-of-band inspection.
func (o *Orchestrator) Poll(ctx context.Context, taskID string) (*model.Task, error) {
	return o.store.GetTask(ctx, taskID)
}

// Cancel places the cancellation marker in the task directory. The running
// attempt observes it at its next poll, so latency is bounded by the poll
// interval.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return requestCancel(o.cfg.RootDir, task.JobID, task.Index)
}

// FetchLogs reads the captured logs of the task's latest attempt.
func (o *Orchestrator) FetchLogs(ctx context.Context, taskID string) (provider.TaskLogs, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return provider.TaskLogs{}, err
	}
	return provider.TaskLogs{
		Combined: readStateFile(o.cfg.RootDir, task.JobID, task.Index, task.Attempt, logFile),
		Stdout:   readStateFile(o.cfg.RootDir, task.JobID, task.Index, task.Attempt, stdoutFile),
		Stderr:   readStateFile(o.cfg.RootDir, task.JobID, task.Index, task.Attempt, stderrFile),
	}, nil
}

// runTask drives one attempt through the full lifecycle. Any error before or
// during execution still flows through delocalization and cleanup, and the
// primary failure reason is never masked by a secondary cleanup error.
func (o *Orchestrator) runTask(job *model.Job, task *model.Task) {
	ctx := context.Background()

	var sink func(string)
	if o.sink != nil {
		id := task.ID
		sink = func(line string) { o.sink(id, line) }
	}

	ws, err := newWorkspace(o.cfg.RootDir, job, task)
	if err != nil {
		lc := provider.NewLifecycle(o.store, ProviderName, task.ID, nil, sink)
		lc.Terminal(ctx, model.StatusFailure, fmt.Sprintf("create workspace: %v", err), nil)
		return
	}
	defer ws.Close()

	lc := provider.NewLifecycle(o.store, ProviderName, task.ID, ws.Log, sink)
	lc.OnEvent = ws.AppendEvent
	defer lc.Recover(ctx)

	defer func() {
		// Cleanup is unconditional but best-effort: a failure here is
		// logged, never escalated.
		if err := ws.Cleanup(o.cfg.RetainWorkspace); err != nil {
			o.logger.Error("workspace cleanup", "task_id", task.ID, "error", err)
		}
	}()

	lc.Event(ctx, model.EventPending)

	runCtx := ctx
	var cancel context.CancelFunc
	if job.Resources.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, job.Resources.Timeout)
		defer cancel()
	}

	var (
		primaryErr error // first error on the attempt; becomes the failure reason
		canceled   bool
		exitCode   *int
	)

	// Localization: script first, then declared inputs.
	lc.Event(ctx, model.EventLocalizing)
	host := ws.Resolver()
	scriptRel := pathmap.Resolver{}.Resolve(pathmap.RoleScript, job.Script.Name)
	if err := o.stageScript(host, job.Script); err != nil {
		primaryErr = err
	}
	if primaryErr == nil {
		if err := o.loc.Localize(runCtx, host, task.Inputs); err != nil {
			primaryErr = err
		}
	}
	if primaryErr == nil {
		if err := o.loc.PrepareOutputDirs(host, task.Outputs); err != nil {
			primaryErr = err
		}
	}

	fixupDirs := []string{host.Dir(pathmap.RoleOutput), host.Dir(pathmap.RoleTmp), host.Dir(pathmap.RoleWorkdir)}
	if primaryErr == nil {
		// Host-written files must be writable by a non-root container user.
		open := FixupRequest{Dirs: append([]string{host.Dir(pathmap.RoleInput)}, fixupDirs...), Open: true}
		if err := o.rt.FixPermissions(runCtx, open); err != nil {
			primaryErr = fmt.Errorf("permission fixup: %w", err)
		}
	}

	if primaryErr == nil && ws.CancelRequested() {
		canceled = true
	}

	if primaryErr == nil && !canceled {
		lc.Event(ctx, model.EventRunning)
		code, runErr, wasCanceled := o.superviseContainer(runCtx, job, task, ws, lc, scriptRel)
		canceled = wasCanceled
		if runErr != nil {
			primaryErr = runErr
		} else if !canceled {
			exitCode = &code
		}

		// Container-written files must be readable by the host user.
		restore := FixupRequest{Dirs: fixupDirs, UID: o.cfg.UID, GID: o.cfg.GID}
		if err := o.rt.FixPermissions(ctx, restore); err != nil && primaryErr == nil && !canceled {
			primaryErr = fmt.Errorf("permission fixup: %w", err)
		}
	}

	// Delocalization runs on success and failure paths alike. Output errors
	// only become the failure reason when the execution itself succeeded.
	lc.Event(ctx, model.EventDelocalizing)
	delocErr := o.loc.Delocalize(ctx, host, task.Outputs)
	if delocErr != nil {
		if primaryErr == nil && !canceled && exitCode != nil && *exitCode == 0 {
			primaryErr = delocErr
		} else {
			lc.Logf("delocalize outputs: %v", delocErr)
		}
	}

	switch {
	case canceled:
		lc.Terminal(ctx, model.StatusCanceled, provider.ErrCancellationRequested.Error(), exitCode)
	case primaryErr != nil:
		lc.Terminal(ctx, model.StatusFailure, primaryErr.Error(), exitCode)
	case exitCode != nil && *exitCode != 0:
		execErr := &provider.ExecutionError{ExitCode: *exitCode}
		lc.Terminal(ctx, model.StatusFailure, execErr.Error(), exitCode)
	default:
		lc.Terminal(ctx, model.StatusSuccess, "", exitCode)
	}

	if t, err := o.store.GetTask(ctx, task.ID); err == nil {
		ws.WriteStatus(t.Status)
	}

	o.flushLogs(ctx, job, task, ws)
}

// superviseContainer starts the task container and waits for natural exit,
// the cancellation marker, or timeout. Log streams are written to files
// continuously while the container runs.
func (o *Orchestrator) superviseContainer(ctx context.Context, job *model.Job, task *model.Task, ws *workspace, lc *provider.Lifecycle, scriptRel string) (code int, err error, canceled bool) {
	stdoutF, err := os.Create(ws.File(stdoutFile))
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", stdoutFile, err), false
	}
	defer stdoutF.Close()
	stderrF, err := os.Create(ws.File(stderrFile))
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", stderrFile, err), false
	}
	defer stderrF.Close()

	stdout := newTee(stdoutF, lc)
	stderr := newTee(stderrF, lc)
	defer stdout.Flush()
	defer stderr.Flush()

	containerRoot := pathmap.Resolver{Root: o.rt.DataRoot(ws.dataDir)}
	spec := ContainerSpec{
		Name:        containerName(task.ID, task.Attempt),
		Image:       job.Image,
		ScriptPath:  scriptRel,
		WorkDir:     string(pathmap.RoleWorkdir),
		Env:         pathmap.Env(containerRoot, task),
		HostDataDir: ws.dataDir,
		Stdout:      stdout,
		Stderr:      stderr,
	}

	handle, err := o.rt.Start(ctx, spec)
	if err != nil {
		return 0, fmt.Errorf("start container: %w", err), false
	}

	waitCh := make(chan waitResult, 1)
	go func() {
		c, werr := handle.Wait(context.Background())
		waitCh <- waitResult{code: c, err: werr}
	}()

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case res := <-waitCh:
			// The marker may have arrived while the container was exiting;
			// cancellation still wins over the exit code.
			if ws.CancelRequested() {
				return res.code, nil, true
			}
			return res.code, res.err, false

		case <-ticker.C:
			if !ws.CancelRequested() {
				continue
			}
			lc.Logf("cancellation marker observed, stopping container")
			if err := handle.Kill(context.Background()); err != nil {
				lc.Logf("kill container: %v", err)
			}
			drainWait(waitCh)
			return 0, nil, true

		case <-ctx.Done():
			if err := handle.Kill(context.Background()); err != nil {
				lc.Logf("kill container: %v", err)
			}
			drainWait(waitCh)
			return 0, &provider.TimeoutError{Limit: job.Resources.Timeout}, false
		}
	}
}

// killWaitTimeout bounds how long a killed container's exit is awaited. A
// runtime that cannot reap the process must not pin the attempt goroutine.
const killWaitTimeout = 30 * time.Second

func drainWait(waitCh <-chan waitResult) {
	select {
	case <-waitCh:
	case <-time.After(killWaitTimeout):
	}
}

type waitResult struct {
	code int
	err  error
}

// stageScript copies the user's script into the workspace script area with
// its original filename preserved and the execute bit set. A copy, not a
// symlink: the workspace must stay self-contained.
func (o *Orchestrator) stageScript(host pathmap.Resolver, script model.Script) error {
	dst := host.Resolve(pathmap.RoleScript, script.Name)
	if err := os.WriteFile(dst, []byte(script.Content), 0o755); err != nil {
		return fmt.Errorf("stage script: %w", err)
	}
	return nil
}

// flushLogs copies the attempt's log files to the job's durable logging
// destination. Best-effort: log delivery never changes the task's status.
func (o *Orchestrator) flushLogs(ctx context.Context, job *model.Job, task *model.Task, ws *workspace) {
	if job.LoggingDir == "" {
		return
	}
	for name, suffix := range map[string]string{
		logFile:    ".log",
		stdoutFile: "-stdout.log",
		stderrFile: "-stderr.log",
	} {
		src := ws.File(name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := job.LoggingDir + "/" + task.ID + suffix
		if err := o.copier.Copy(ctx, src, dst); err != nil {
			o.logger.Error("flush log", "task_id", task.ID, "dest", dst, "error", err)
		}
	}
}

// tee fans container output into the capture file and the live stream sink.
type tee struct {
	file *os.File
	lw   *lineWriter
}

func newTee(f *os.File, lc *provider.Lifecycle) *tee {
	return &tee{
		file: f,
		lw:   newLineWriter(func(line string) { lc.Logf("%s", line) }),
	}
}

func (t *tee) Write(p []byte) (int, error) {
	if _, err := t.file.Write(p); err != nil {
		return 0, err
	}
	return t.lw.Write(p)
}

func (t *tee) Flush() { t.lw.Flush() }
