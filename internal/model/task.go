package model

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Task status constants. A task attempt starts as RUNNING (covering queueing
// and localization) and ends in exactly one terminal status.
const (
	StatusRunning  = "RUNNING"
	StatusSuccess  = "SUCCESS"
	StatusFailure  = "FAILURE"
	StatusCanceled = "CANCELED"
)

// Lifecycle event names, appended to a task's event log in submission order.
const (
	EventPending      = "pending"
	EventLocalizing   = "localizing"
	EventRunning      = "running"
	EventDelocalizing = "delocalizing"
	EventSuccess      = "success"
	EventFailure      = "failure"
	EventCanceled     = "canceled"
	EventPreempted    = "preempted"
)

// DefaultTaskIndex is the index of the singleton task of a job submitted
// without a batch file.
const DefaultTaskIndex = "default"

// validTransitions maps each status to the set of statuses it may transition
// to. Terminal statuses have no entries: once a task attempt reaches SUCCESS,
// FAILURE, or CANCELED it never transitions again.
var validTransitions = map[string]map[string]bool{
	StatusRunning: {
		StatusSuccess:  true,
		StatusFailure:  true,
		StatusCanceled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a terminal task status.
func IsTerminal(status string) bool {
	return status == StatusSuccess || status == StatusFailure || status == StatusCanceled
}

// Event is one entry in a task's append-only event log.
type Event struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

// Param binds a logical parameter name to a remote URI and a local path.
// LocalPath is relative to the task's data root so that the host-side
// localizer and the in-container environment resolve the same layout from
// their respective roots.
type Param struct {
	Name      string `json:"name"`
	URI       string `json:"uri"`
	LocalPath string `json:"local_path"`
	Recursive bool   `json:"recursive,omitempty"`
	Optional  bool   `json:"optional,omitempty"`
}

// IsWildcard reports whether the parameter's local path contains a glob
// pattern to be expanded at delocalization time.
func (p Param) IsWildcard() bool {
	return strings.ContainsAny(path.Base(p.LocalPath), "*?[")
}

// Script is the user-supplied script carried with a job. Name keeps the
// original filename and extension so interpreters that sniff extensions
// still work inside the container.
type Script struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Resources are passthrough sizing hints for the execution backend.
type Resources struct {
	CPUs       int           `json:"cpus,omitempty"`
	RAMGB      int           `json:"ram_gb,omitempty"`
	BootDiskGB int           `json:"boot_disk_gb,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
}

// Job is one user submission: one or more tasks sharing an image, script,
// resources, and logging destination. A job is immutable after submission
// except for its tasks' statuses and event logs.
type Job struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	User       string    `json:"user"`
	Provider   string    `json:"provider"`
	Image      string    `json:"image"`
	Script     Script    `json:"script"`
	Resources  Resources `json:"resources"`
	LoggingDir string    `json:"logging_dir"`
	Tasks      []*Task   `json:"tasks"`
	CreatedAt  time.Time `json:"created_at"`
}

// Task is one unit of execution within a job. It is mutated only by its
// owning provider; everyone else reads snapshots through the registry.
type Task struct {
	ID        string            `json:"id"`
	JobID     string            `json:"job_id"`
	Index     string            `json:"index"`
	Inputs    []Param           `json:"inputs,omitempty"`
	Outputs   []Param           `json:"outputs,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Status    string            `json:"status"`
	Reason    string            `json:"reason,omitempty"`
	ExitCode  *int              `json:"exit_code,omitempty"`
	Attempt   int               `json:"attempt"`
	Operation string            `json:"operation,omitempty"`
	Events    []Event           `json:"events,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// TaskID derives the canonical task identifier from its job and index.
func TaskID(jobID, index string) string {
	return fmt.Sprintf("%s.%s", jobID, index)
}

// Param returns the input or output parameter with the given logical name,
// or false if the task declares no such parameter.
func (t *Task) Param(name string) (Param, bool) {
	for _, p := range t.Inputs {
		if p.Name == name {
			return p, true
		}
	}
	for _, p := range t.Outputs {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}
