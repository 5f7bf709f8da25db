package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// TaskStatus describes where a task is in its lifecycle.
type TaskStatus int

const (
	StatusStopped TaskStatus = iota
	StatusRunning
	StatusError
	StatusAborted
)

func (s TaskStatus) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusRunning:
		return "running"
	case StatusError:
		return "error"
	case StatusAborted:
		return "aborted"
	default:
		return fmt.Sprintf("TaskStatus(%d)", int(s))
	}
}

func (s TaskStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// RepeatCount is the number of additional executions after the first one.
// Unbounded repeats until the task is stopped or aborted.
type RepeatCount int

// Unbounded is the sentinel for tasks that repeat forever.
const Unbounded RepeatCount = -1

func (r RepeatCount) IsUnbounded() bool { return r == Unbounded }

func (r RepeatCount) String() string {
	if r == Unbounded {
		return "unbounded"
	}
	return strconv.Itoa(int(r))
}

func (r RepeatCount) validate() error {
	if r < Unbounded {
		return fmt.Errorf("repeat count %d: must be >= 0 or unbounded", int(r))
	}
	return nil
}

// ParseRepeatCount accepts a non-negative integer or "unbounded" ("endlessly" is accepted as an alias).
func ParseRepeatCount(s string) (RepeatCount, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unbounded", "endlessly":
		return Unbounded, nil
	case "":
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid repeat count %q", s)
	}
	return RepeatCount(n), nil
}

func (r RepeatCount) MarshalJSON() ([]byte, error) {
	if r == Unbounded {
		return json.Marshal("unbounded")
	}
	return json.Marshal(int(r))
}

func (r *RepeatCount) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		if n < 0 {
			return fmt.Errorf("invalid repeat count %d", n)
		}
		*r = RepeatCount(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("repeat must be a number or \"unbounded\"")
	}
	v, err := ParseRepeatCount(s)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

func (r *RepeatCount) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := ParseRepeatCount(s)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// TaskCallback is the unit of work run by a task. The context is cancelled
// when the task is stopped or aborted; honouring it is up to the callback.
type TaskCallback func(ctx context.Context, data map[string]any) error

// TaskEvent is the payload delivered by a task's OnStart, OnStop and OnError handlers.
// Status and TimesLeft are snapshots taken at the transition.
type TaskEvent struct {
	Task      *Task
	Status    TaskStatus
	TimesLeft RepeatCount
	// Final is set on the stop that ends a cycle (exhaustion, Stop or Abort).
	Final bool
	Err   error
	At    time.Time
}

// TaskInfo is a listing row produced by Manager.
type TaskInfo struct {
	ID        int64       `json:"id"`
	Name      string      `json:"name"`
	Running   bool        `json:"running"`
	Status    TaskStatus  `json:"status"`
	TimesLeft RepeatCount `json:"times_left"`
	Repeat    RepeatCount `json:"repeat"`
	Interval  TimeSpec    `json:"interval"`
	Delay     TimeSpec    `json:"delay"`
	Runs      uint64      `json:"runs"`
}

// RoutineInfo is a snapshot of a routine.
type RoutineInfo struct {
	ID      int64    `json:"id"`
	Name    string   `json:"name"`
	Active  bool     `json:"active"`
	Current int      `json:"current"`
	Passes  int      `json:"passes"`
	Repeat  bool     `json:"repeat"`
	Times   int      `json:"times"`
	Delay   TimeSpec `json:"delay"`
	TaskIDs []int64  `json:"task_ids"`
}
