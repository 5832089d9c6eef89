// Package registry is the job/task record keeper: the last known status and
// event log of every submitted task, persisted in SQLite. Providers push
// updates in; external pollers read snapshots out. The registry performs no
// background work of its own.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/ahodges/stagehand/internal/model"
)

// ErrInvalidTransition is returned when a task status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// TaskStats holds aggregate submission statistics.
type TaskStats struct {
	TotalJobs     int            `json:"total_jobs"`
	TotalTasks    int            `json:"total_tasks"`
	CountByStatus map[string]int `json:"count_by_status"`
	TotalAttempts int            `json:"total_attempts"`
}

// Store defines the persistence operations for jobs, tasks, and events.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error)

	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, jobID string) ([]*model.Task, error)

	// UpdateTaskStatus applies a status transition, enforcing the closed
	// transition table: once a task attempt is terminal it stays terminal
	// and further updates return ErrInvalidTransition.
	UpdateTaskStatus(ctx context.Context, id, status, reason string, exitCode *int) error

	SetTaskOperation(ctx context.Context, id, operation string) error

	// IncrementTaskAttempt bumps the attempt counter for a retried task and
	// returns the new attempt number.
	IncrementTaskAttempt(ctx context.Context, id string) (int, error)

	// AppendEvent appends one event to the task's log. The log is
	// append-only; timestamps must be non-decreasing and are clamped by the
	// store if a caller's clock reads backwards.
	AppendEvent(ctx context.Context, taskID, name string, ts time.Time) error
	GetEvents(ctx context.Context, taskID string) ([]model.Event, error)

	GetTaskStats(ctx context.Context) (*TaskStats, error)
	Close() error
}

// Poller reads task snapshots on the caller's schedule.
type Poller struct {
	store Store
}

// NewPoller creates a poller over the given store.
func NewPoller(s Store) *Poller {
	return &Poller{store: s}
}

// Poll returns the current snapshot of a task, including its event log.
func (p *Poller) Poll(ctx context.Context, taskID string) (*model.Task, error) {
	return p.store.GetTask(ctx, taskID)
}

// WaitForTerminal polls at the given interval until the task reaches a
// terminal status or the context is done, returning the final snapshot.
func (p *Poller) WaitForTerminal(ctx context.Context, taskID string, interval time.Duration) (*model.Task, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := p.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if model.IsTerminal(task.Status) {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}
