package remote

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ahodges/stagehand/internal/model"
	"github.com/ahodges/stagehand/internal/objectcopy"
	"github.com/ahodges/stagehand/internal/provider"
	"github.com/ahodges/stagehand/internal/registry"
)

const (
	ProviderName = "remote"

	DefaultPollInterval     = 5 * time.Second
	DefaultLogFlushInterval = time.Minute
	DefaultCommRetries      = 3
	DefaultCommBackoff      = time.Second
)

// Exit code the operations service reports for operator-initiated
// cancellation. Kept stable: downstream tooling matches on it.
const cancelErrorCode = 1

type Config struct {
	PollInterval     time.Duration
	LogFlushInterval time.Duration

	// MaxPreemptionRetries bounds automatic resubmission after the service
	// reports a preempted attempt. Zero disables retries.
	MaxPreemptionRetries int

	// CommRetries and CommBackoff govern transient API failures. A request
	// that keeps failing past CommRetries fails the attempt.
	CommRetries int
	CommBackoff time.Duration

	// StagingDir holds fetched operation logs before the copier ships them
	// to the job's logging destination. Defaults to a temp directory.
	StagingDir string
}

// Dispatcher is the remote execution provider: it submits task attempts as
// operations, polls them to terminal state, and reconciles the results into
// the registry. The operations service owns localization, execution, and
// delocalization; the dispatcher owns retries, cancellation, timeout
// enforcement, and log shipping.
type Dispatcher struct {
	cfg    Config
	ops    OperationsClient
	store  registry.Store
	copier objectcopy.Copier
	logger *slog.Logger
	sink   func(taskID, line string)

	wg sync.WaitGroup
}

func New(cfg Config, ops OperationsClient, store registry.Store, copier objectcopy.Copier, logger *slog.Logger, sink func(taskID, line string)) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.LogFlushInterval <= 0 {
		cfg.LogFlushInterval = DefaultLogFlushInterval
	}
	if cfg.CommRetries <= 0 {
		cfg.CommRetries = DefaultCommRetries
	}
	if cfg.CommBackoff <= 0 {
		cfg.CommBackoff = DefaultCommBackoff
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = filepath.Join(os.TempDir(), "stagehand-remote")
	}
	return &Dispatcher{
		cfg:    cfg,
		ops:    ops,
		store:  store,
		copier: copier,
		logger: logger,
		sink:   sink,
	}
}

func (d *Dispatcher) Name() string { return ProviderName }

func (d *Dispatcher) Submit(ctx context.Context, job *model.Job) error {
	for _, task := range job.Tasks {
		d.wg.Add(1)
		go func(task *model.Task) {
			defer d.wg.Done()
			d.superviseTask(job, task)
		}(task)
	}
	return nil
}

// Wait blocks until every supervised task has reached a terminal status.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) Poll(ctx context.Context, taskID string) (*model.Task, error) {
	return d.store.GetTask(ctx, taskID)
}

// Cancel forwards the cancellation to the operations service. The task stays
// RUNNING until the supervisor observes the canceled operation; the registry
// transition table keeps the resulting CANCELED status sticky.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) error {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Operation == "" {
		return fmt.Errorf("task %s has no operation to cancel", taskID)
	}
	return d.call(ctx, "cancel", func(ctx context.Context) error {
		return d.ops.Cancel(ctx, task.Operation)
	})
}

func (d *Dispatcher) FetchLogs(ctx context.Context, taskID string) (provider.TaskLogs, error) {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return provider.TaskLogs{}, err
	}
	if task.Operation == "" {
		return provider.TaskLogs{}, fmt.Errorf("task %s has no operation", taskID)
	}
	return d.ops.Logs(ctx, task.Operation)
}

func (d *Dispatcher) superviseTask(job *model.Job, task *model.Task) {
	ctx := context.Background()

	var sink func(string)
	if d.sink != nil {
		id := task.ID
		sink = func(line string) { d.sink(id, line) }
	}
	lc := provider.NewLifecycle(d.store, ProviderName, task.ID, nil, sink)
	defer lc.Recover(ctx)

	var deadline time.Time
	if job.Resources.Timeout > 0 {
		deadline = time.Now().Add(job.Resources.Timeout)
	}

	for {
		done, retry := d.runAttempt(ctx, job, task, lc, deadline)
		if done {
			return
		}
		if !retry {
			return
		}
		attempt, err := lc.Retry(ctx)
		if err != nil {
			lc.Terminal(ctx, model.StatusFailure, fmt.Sprintf("record retry: %v", err), nil)
			return
		}
		task.Attempt = attempt
	}
}

// runAttempt submits and polls one operation. It returns done=true when the
// task reached a terminal status and retry=true when the attempt was
// preempted and the retry budget allows another.
func (d *Dispatcher) runAttempt(ctx context.Context, job *model.Job, task *model.Task, lc *provider.Lifecycle, deadline time.Time) (done, retry bool) {
	lc.Event(ctx, model.EventPending)

	opID, err := d.submitOperation(ctx, job, task)
	if err != nil {
		lc.Terminal(ctx, model.StatusFailure, err.Error(), nil)
		return true, false
	}
	if err := d.store.SetTaskOperation(ctx, task.ID, opID); err != nil {
		d.logger.Error("record operation id", "task_id", task.ID, "operation", opID, "error", err)
	}
	lc.Logf("operation %s submitted", opID)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	lastFlush := time.Now()
	running := false

	for range ticker.C {
		if !deadline.IsZero() && time.Now().After(deadline) {
			if err := d.call(ctx, "cancel", func(ctx context.Context) error {
				return d.ops.Cancel(ctx, opID)
			}); err != nil {
				lc.Logf("cancel timed-out operation: %v", err)
			}
			d.flushLogs(ctx, job, task, opID, lc)
			tErr := &provider.TimeoutError{Limit: job.Resources.Timeout}
			lc.Terminal(ctx, model.StatusFailure, tErr.Error(), nil)
			return true, false
		}

		var st OperationStatus
		err := d.call(ctx, "status", func(ctx context.Context) error {
			var sErr error
			st, sErr = d.ops.Status(ctx, opID)
			return sErr
		})
		if err != nil {
			d.flushLogs(ctx, job, task, opID, lc)
			lc.Terminal(ctx, model.StatusFailure, err.Error(), nil)
			return true, false
		}

		if !st.Done {
			if !running {
				running = true
				lc.Event(ctx, model.EventRunning)
			}
			if time.Since(lastFlush) >= d.cfg.LogFlushInterval {
				d.flushLogs(ctx, job, task, opID, lc)
				lastFlush = time.Now()
			}
			continue
		}

		d.flushLogs(ctx, job, task, opID, lc)

		if st.Preempted && task.Attempt <= d.cfg.MaxPreemptionRetries {
			lc.Logf("operation %s preempted (attempt %d of %d)", opID, task.Attempt, d.cfg.MaxPreemptionRetries+1)
			return false, true
		}

		switch {
		case st.ErrorCode == 0:
			lc.Terminal(ctx, model.StatusSuccess, "", nil)
		case st.ErrorCode == cancelErrorCode:
			lc.Terminal(ctx, model.StatusCanceled, provider.ErrCancellationRequested.Error(), nil)
		default:
			reason := st.Message
			if reason == "" {
				reason = fmt.Sprintf("operation failed with error code %d", st.ErrorCode)
			}
			lc.Terminal(ctx, model.StatusFailure, reason, nil)
		}
		return true, false
	}
	return true, false
}

func (d *Dispatcher) submitOperation(ctx context.Context, job *model.Job, task *model.Task) (string, error) {
	req := SubmitRequest{
		Name:       task.ID,
		Image:      job.Image,
		Script:     job.Script,
		Inputs:     task.Inputs,
		Outputs:    task.Outputs,
		Env:        task.Env,
		Resources:  job.Resources,
		LoggingDir: job.LoggingDir,
		Labels: map[string]string{
			"job-id":  job.ID,
			"task-id": task.ID,
			"user":    job.User,
		},
	}
	var opID string
	err := d.call(ctx, "submit", func(ctx context.Context) error {
		var sErr error
		opID, sErr = d.ops.Submit(ctx, req)
		return sErr
	})
	return opID, err
}

// call runs one operations API request with bounded retries and backoff.
// Persistent failures come back wrapped as CommunicationError.
func (d *Dispatcher) call(ctx context.Context, op string, fn func(context.Context) error) error {
	var last error
	for i := 0; i < d.cfg.CommRetries; i++ {
		if i > 0 {
			time.Sleep(d.cfg.CommBackoff * time.Duration(i))
		}
		if last = fn(ctx); last == nil {
			return nil
		}
		d.logger.Warn("operations request failed", "op", op, "attempt", i+1, "error", last)
	}
	return &provider.CommunicationError{Op: op, Err: last}
}

// flushLogs fetches the operation's log streams and ships them to the job's
// logging destination under the task's name. Best-effort on every path.
func (d *Dispatcher) flushLogs(ctx context.Context, job *model.Job, task *model.Task, opID string, lc *provider.Lifecycle) {
	if job.LoggingDir == "" {
		return
	}
	logs, err := d.ops.Logs(ctx, opID)
	if err != nil {
		lc.Logf("fetch operation logs: %v", err)
		return
	}

	stage := filepath.Join(d.cfg.StagingDir, task.ID)
	if err := os.MkdirAll(stage, 0o755); err != nil {
		lc.Logf("stage operation logs: %v", err)
		return
	}
	defer os.RemoveAll(stage)

	files := map[string]string{
		task.ID + ".log":        logs.Combined,
		task.ID + "-stdout.log": logs.Stdout,
		task.ID + "-stderr.log": logs.Stderr,
	}
	for name, content := range files {
		src := filepath.Join(stage, name)
		if err := os.WriteFile(src, []byte(content), 0o644); err != nil {
			lc.Logf("stage %s: %v", name, err)
			continue
		}
		dst := strings.TrimRight(job.LoggingDir, "/") + "/" + name
		if err := d.copier.Copy(ctx, src, dst); err != nil {
			lc.Logf("ship %s: %v", name, err)
		}
	}
}
