package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ahodges/stagehand/internal/model"
)

// Provider is the interface that all execution backends must implement.
// Each backend (local container orchestrator, remote batch dispatcher)
// provides its own implementation of these methods and drives the same task
// lifecycle: pending → localizing → running → delocalizing → terminal.
type Provider interface {
	// Name returns the registry key for this provider.
	Name() string

	// Submit starts asynchronous execution of every task of the job. The
	// job and task records must already exist in the registry store.
	Submit(ctx context.Context, job *model.Job) error

	// Poll returns the current snapshot of a task.
	Poll(ctx context.Context, taskID string) (*model.Task, error)

	// Cancel requests that a task stop at its next check. Cancellation is
	// advisory: the task transitions to CANCELED when the request is
	// observed, not instantaneously.
	Cancel(ctx context.Context, taskID string) error

	// FetchLogs returns the task's captured logs.
	FetchLogs(ctx context.Context, taskID string) (TaskLogs, error)

	// Wait blocks until all in-flight task attempts complete.
	Wait()
}

// TaskLogs holds the three log streams captured for a task.
type TaskLogs struct {
	Combined string `json:"combined"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// ErrCancellationRequested marks the cancellation terminal path. It is not a
// failure: tasks observing it end as CANCELED.
var ErrCancellationRequested = errors.New("cancellation requested")

// ExecutionError reports a container or process that exited nonzero.
type ExecutionError struct {
	ExitCode int
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed with exit code %d", e.ExitCode)
}

// TimeoutError reports a task attempt that exceeded its wall-clock budget,
// queueing included. It is a FAILURE, not a crash.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task timed out after %s", e.Limit)
}

// CommunicationError wraps a transient provider communication failure. These
// are retried with backoff before surfacing as FAILURE.
type CommunicationError struct {
	Op  string
	Err error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("provider communication (%s): %v", e.Op, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }
