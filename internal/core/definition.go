package core

import (
	"errors"
	"fmt"
	"strings"
)

// TaskDefinition declares a shell-command task managed by the Scheduler.
type TaskDefinition struct {
	ID         int64          `json:"id,omitempty" yaml:"id"`
	Name       string         `json:"name,omitempty" yaml:"name"`
	Command    string         `json:"command" yaml:"command"`
	WorkingDir string         `json:"working_dir,omitempty" yaml:"working_dir"`
	Timeout    TimeSpec       `json:"timeout,omitempty" yaml:"timeout"`
	Delay      TimeSpec       `json:"delay,omitempty" yaml:"delay"`
	Interval   TimeSpec       `json:"interval,omitempty" yaml:"interval"`
	Repeat     RepeatCount    `json:"repeat,omitempty" yaml:"repeat"`
	StartCron  string         `json:"start_cron,omitempty" yaml:"start_cron"`
	Autostart  bool           `json:"autostart,omitempty" yaml:"autostart"`
	Data       map[string]any `json:"data,omitempty" yaml:"data"`
}

// Validate checks the definition without creating anything.
func (d *TaskDefinition) Validate() error {
	d.Command = strings.TrimSpace(d.Command)
	d.Name = strings.TrimSpace(d.Name)
	d.StartCron = strings.TrimSpace(d.StartCron)
	if d.ID < 0 {
		return fmt.Errorf("task id %d: must be positive", d.ID)
	}
	if d.Command == "" {
		return errors.New("command is required")
	}
	if err := d.Repeat.validate(); err != nil {
		return err
	}
	for _, f := range []struct {
		name string
		spec TimeSpec
	}{{"timeout", d.Timeout}, {"delay", d.Delay}, {"interval", d.Interval}} {
		if _, err := f.spec.Millis(); err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
	}
	if d.StartCron != "" {
		if !d.Delay.IsZero() {
			return errors.New("delay and start_cron are mutually exclusive")
		}
		if _, err := ParseCron(d.StartCron); err != nil {
			return err
		}
	}
	return nil
}

// RoutineDefinition declares a routine over tasks referenced by id.
type RoutineDefinition struct {
	ID        int64    `json:"id,omitempty" yaml:"id"`
	Name      string   `json:"name,omitempty" yaml:"name"`
	Tasks     []int64  `json:"tasks" yaml:"tasks"`
	Delay     TimeSpec `json:"delay,omitempty" yaml:"delay"`
	Repeat    bool     `json:"repeat,omitempty" yaml:"repeat"`
	Times     int      `json:"times,omitempty" yaml:"times"`
	Autostart bool     `json:"autostart,omitempty" yaml:"autostart"`
}

func (d *RoutineDefinition) Validate() error {
	d.Name = strings.TrimSpace(d.Name)
	if d.ID < 0 {
		return fmt.Errorf("routine id %d: must be positive", d.ID)
	}
	if len(d.Tasks) == 0 {
		return errors.New("routine needs at least one task")
	}
	if d.Times < 0 {
		return fmt.Errorf("times %d: must be >= 0", d.Times)
	}
	if _, err := d.Delay.Millis(); err != nil {
		return fmt.Errorf("delay: %w", err)
	}
	return nil
}

// Definitions is the declarative content of a definitions file.
type Definitions struct {
	Tasks    []TaskDefinition    `json:"tasks" yaml:"tasks"`
	Routines []RoutineDefinition `json:"routines" yaml:"routines"`
}

// Validate checks every entry. Declared ids are mandatory and unique so that
// repeated syncs can tell new entries from known ones.
func (d *Definitions) Validate() error {
	var errs []error
	taskIDs := make(map[int64]struct{}, len(d.Tasks))
	for i := range d.Tasks {
		t := &d.Tasks[i]
		if err := t.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tasks[%d]: %w", i, err))
			continue
		}
		if t.ID == 0 {
			errs = append(errs, fmt.Errorf("tasks[%d]: id is required", i))
			continue
		}
		if _, dup := taskIDs[t.ID]; dup {
			errs = append(errs, fmt.Errorf("tasks[%d]: duplicate id %d", i, t.ID))
			continue
		}
		taskIDs[t.ID] = struct{}{}
	}
	routineIDs := make(map[int64]struct{}, len(d.Routines))
	for i := range d.Routines {
		r := &d.Routines[i]
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("routines[%d]: %w", i, err))
			continue
		}
		if r.ID == 0 {
			errs = append(errs, fmt.Errorf("routines[%d]: id is required", i))
			continue
		}
		if _, dup := routineIDs[r.ID]; dup {
			errs = append(errs, fmt.Errorf("routines[%d]: duplicate id %d", i, r.ID))
			continue
		}
		routineIDs[r.ID] = struct{}{}
	}
	return errors.Join(errs...)
}
