package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/ahodges/stagehand/internal/model"
	"github.com/ahodges/stagehand/internal/registry"
)

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_tasks_total",
			Help: "Task attempts reaching a terminal status.",
		},
		[]string{"provider", "status"},
	)

	taskRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stagehand_task_retries_total",
			Help: "Task attempts restarted after preemption.",
		},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(taskRetriesTotal)
}

// Lifecycle drives one task attempt through the state machine shared by all
// providers: it appends events to the registry, mirrors them to the
// per-attempt log, and applies the terminal status exactly once. The final
// log line of a failed attempt is always the failure reason.
type Lifecycle struct {
	store    registry.Store
	provider string
	taskID   string
	log      *logrus.Logger
	sink     func(line string)

	// OnEvent, if set, observes every appended event. The local provider
	// uses it to mirror the event log into the workspace's events file.
	OnEvent func(name string, ts time.Time)
}

// NewLifecycle creates a lifecycle tracker for one task attempt. log is the
// per-attempt orchestration logger; sink, if non-nil, receives every
// orchestration log line for live streaming.
func NewLifecycle(store registry.Store, providerName, taskID string, log *logrus.Logger, sink func(string)) *Lifecycle {
	return &Lifecycle{
		store:    store,
		provider: providerName,
		taskID:   taskID,
		log:      log,
		sink:     sink,
	}
}

// Event records a lifecycle transition: one appended registry event plus one
// orchestration log line.
func (l *Lifecycle) Event(ctx context.Context, name string) {
	ts := time.Now().UTC()
	if err := l.store.AppendEvent(ctx, l.taskID, name, ts); err != nil {
		l.Logf("append event %s: %v", name, err)
	}
	if l.OnEvent != nil {
		l.OnEvent(name, ts)
	}
	l.Logf("event: %s", name)
}

// Logf writes one line to the attempt's orchestration log and the stream sink.
func (l *Lifecycle) Logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if l.log != nil {
		l.log.Info(line)
	}
	if l.sink != nil {
		l.sink(line)
	}
}

// Terminal applies the terminal status for this attempt. For FAILURE and
// CANCELED the reason is written as the last orchestration log line so
// downstream status tools can parse it. A status that no longer transitions
// (e.g. a provider racing a cancellation) is reported back as
// registry.ErrInvalidTransition and otherwise ignored.
func (l *Lifecycle) Terminal(ctx context.Context, status, reason string, exitCode *int) error {
	event := model.EventSuccess
	switch status {
	case model.StatusFailure:
		event = model.EventFailure
	case model.StatusCanceled:
		event = model.EventCanceled
	}

	err := l.store.UpdateTaskStatus(ctx, l.taskID, status, reason, exitCode)
	if errors.Is(err, registry.ErrInvalidTransition) {
		l.Logf("terminal status %s not applied: %v", status, err)
		return err
	}
	if err != nil {
		l.Logf("update status %s: %v", status, err)
		return err
	}

	l.Event(ctx, event)
	tasksTotal.WithLabelValues(l.provider, status).Inc()

	// The failure reason must be the final log line.
	if reason != "" {
		l.Logf("%s", reason)
	} else {
		l.Logf("task %s", status)
	}
	return nil
}

// Retry records a preemption retry: the attempt counter is bumped and the
// event log carries a preempted marker across attempts for audit continuity.
func (l *Lifecycle) Retry(ctx context.Context) (int, error) {
	l.Event(ctx, model.EventPreempted)
	taskRetriesTotal.Inc()
	return l.store.IncrementTaskAttempt(ctx, l.taskID)
}

// Recover converts a panic in an attempt goroutine into a generic FAILURE
// instead of crashing the process. Use in a defer at the top of the attempt.
func (l *Lifecycle) Recover(ctx context.Context) {
	if r := recover(); r != nil {
		l.Terminal(ctx, model.StatusFailure, fmt.Sprintf("internal error: %v", r), nil)
	}
}
