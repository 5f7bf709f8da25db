package core

import "time"

// RunStatus describes the state of an individual command execution.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
	RunStatusTimedOut  RunStatus = "timed_out"
)

// Run captures a single execution of a command task.
type Run struct {
	ID          string
	TaskID      int64
	TaskName    string
	Status      RunStatus
	ScheduledAt time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time
	ExitCode    *int
	Error       *string
	CreatedAt   time.Time
}

// Finished reports whether the run has reached a terminal status.
func (s RunStatus) Finished() bool {
	return s != RunStatusQueued && s != RunStatusRunning
}
