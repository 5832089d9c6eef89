package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/ahodges/stagehand/internal/model"
	"github.com/ahodges/stagehand/internal/pathmap"
	"github.com/ahodges/stagehand/internal/provider"
	"github.com/ahodges/stagehand/internal/registry"
)

// DefaultImage runs the script when the submission names no image.
const DefaultImage = "ubuntu:22.04"

// defaultWatchInterval is how often terminal-state watchers poll the
// registry before closing a task's log stream.
const defaultWatchInterval = 250 * time.Millisecond

// TaskSpec carries the per-task parameters of a multi-task submission, on
// top of the request's shared parameters.
type TaskSpec struct {
	Inputs  []model.Param
	Outputs []model.Param
	Env     map[string]string
}

// SubmitRequest describes one job. Inputs, Outputs, and Env are shared by
// every task; Tasks, when non-empty, adds per-task parameters and switches
// the job from the singleton "default" index to numeric indices.
type SubmitRequest struct {
	Name       string
	User       string
	Provider   string
	Image      string
	Script     model.Script
	Resources  model.Resources
	LoggingDir string

	Inputs  []model.Param
	Outputs []model.Param
	Env     map[string]string

	Tasks []TaskSpec
}

// Engine orchestrates job submission and delegates per-task operations to
// the provider that owns the job.
type Engine struct {
	store     registry.Store
	providers *provider.Registry
	logger    *slog.Logger
	broker    *LogBroker

	watchInterval time.Duration
	wg            sync.WaitGroup
}

func New(s registry.Store, providers *provider.Registry, logger *slog.Logger) *Engine {
	return &Engine{
		store:         s,
		providers:     providers,
		logger:        logger,
		broker:        NewLogBroker(),
		watchInterval: defaultWatchInterval,
	}
}

// Broker returns the engine's log broker for SSE subscription. Providers
// publish orchestration log lines into it through their streaming sink.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Submit validates the request, persists the job, and hands its tasks to the
// provider. The job record exists before the provider sees it, so a poll
// racing the submission still finds every task.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*model.Job, error) {
	if req.Script.Content == "" {
		return nil, errors.New("script content is required")
	}
	if req.User == "" {
		return nil, errors.New("user is required")
	}

	p, err := e.providers.Resolve(req.Provider)
	if err != nil {
		return nil, err
	}

	job, err := buildJob(req, p.Name(), time.Now().UTC())
	if err != nil {
		return nil, err
	}

	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := p.Submit(ctx, job); err != nil {
		return nil, fmt.Errorf("submit to provider %s: %w", p.Name(), err)
	}

	for _, task := range job.Tasks {
		e.watchTask(task.ID)
	}

	e.logger.Info("job submitted",
		"job_id", job.ID, "provider", p.Name(), "tasks", len(job.Tasks))
	return job, nil
}

// watchTask closes the task's log stream once it reaches a terminal status,
// so late SSE subscribers see end-of-stream instead of hanging.
func (e *Engine) watchTask(taskID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.broker.Close(taskID)
		poller := registry.NewPoller(e.store)
		if _, err := poller.WaitForTerminal(context.Background(), taskID, e.watchInterval); err != nil {
			e.logger.Error("watch task", "task_id", taskID, "error", err)
		}
	}()
}

// Job returns the stored job with its tasks and events.
func (e *Engine) Job(ctx context.Context, jobID string) (*model.Job, error) {
	return e.store.GetJob(ctx, jobID)
}

// Jobs lists stored jobs, newest first, along with the total job count for
// pagination.
func (e *Engine) Jobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	return e.store.ListJobs(ctx, limit, offset)
}

// Poll returns a fresh snapshot of the task through its owning provider.
func (e *Engine) Poll(ctx context.Context, taskID string) (*model.Task, error) {
	p, err := e.providerFor(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return p.Poll(ctx, taskID)
}

// Cancel requests cancellation of the task. Advisory: the task stays RUNNING
// until its provider observes the request.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	p, err := e.providerFor(ctx, taskID)
	if err != nil {
		return err
	}
	return p.Cancel(ctx, taskID)
}

// Logs returns the task's persisted log streams from its provider.
func (e *Engine) Logs(ctx context.Context, taskID string) (provider.TaskLogs, error) {
	p, err := e.providerFor(ctx, taskID)
	if err != nil {
		return provider.TaskLogs{}, err
	}
	return p.FetchLogs(ctx, taskID)
}

// Stats returns aggregate task counts from the registry.
func (e *Engine) Stats(ctx context.Context) (*registry.TaskStats, error) {
	return e.store.GetTaskStats(ctx)
}

// Providers lists the registered execution providers.
func (e *Engine) Providers() []provider.Info {
	return e.providers.List()
}

// Wait blocks until every provider has drained its in-flight tasks and every
// log-stream watcher has finished.
func (e *Engine) Wait() {
	e.providers.Wait()
	e.wg.Wait()
}

func (e *Engine) providerFor(ctx context.Context, taskID string) (provider.Provider, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	job, err := e.store.GetJob(ctx, task.JobID)
	if err != nil {
		return nil, err
	}
	return e.providers.Resolve(job.Provider)
}

// buildJob constructs the job and its bound tasks from a submit request.
func buildJob(req SubmitRequest, providerName string, now time.Time) (*model.Job, error) {
	jobID := model.NewJobID(req.Script.Name, req.User, now)

	image := req.Image
	if image == "" {
		image = DefaultImage
	}
	name := req.Name
	if name == "" {
		name = req.Script.Name
	}

	job := &model.Job{
		ID:         jobID,
		Name:       name,
		User:       req.User,
		Provider:   providerName,
		Image:      image,
		Script:     req.Script,
		Resources:  req.Resources,
		LoggingDir: req.LoggingDir,
		CreatedAt:  now,
	}

	specs := req.Tasks
	indexed := len(specs) > 0
	if !indexed {
		specs = []TaskSpec{{}}
	}

	for i, spec := range specs {
		index := model.DefaultTaskIndex
		if indexed {
			index = strconv.Itoa(i)
		}
		task := &model.Task{
			ID:        model.TaskID(jobID, index),
			JobID:     jobID,
			Index:     index,
			Inputs:    append(slices.Clone(req.Inputs), spec.Inputs...),
			Outputs:   append(slices.Clone(req.Outputs), spec.Outputs...),
			Env:       mergeEnv(req.Env, spec.Env),
			Status:    model.StatusRunning,
			Attempt:   1,
			CreatedAt: now,
		}
		if err := pathmap.BindTask(task); err != nil {
			return nil, fmt.Errorf("task %s: %w", index, err)
		}
		job.Tasks = append(job.Tasks, task)
	}
	return job, nil
}

func mergeEnv(shared, own map[string]string) map[string]string {
	if len(shared) == 0 && len(own) == 0 {
		return nil
	}
	env := make(map[string]string, len(shared)+len(own))
	for k, v := range shared {
		env[k] = v
	}
	for k, v := range own {
		env[k] = v
	}
	return env
}
