package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Notifier delivers alerts about failing tasks and routines.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// Metrics records scheduler activity.
type Metrics interface {
	TaskExecuted(ctx context.Context, taskName string, err error)
	RoutinePassed(ctx context.Context, routineName string)
}

// DefinitionStore persists definitions created at runtime so they can be
// recreated on the next start.
type DefinitionStore interface {
	SaveTaskDefinition(ctx context.Context, def TaskDefinition) error
	DeleteTaskDefinition(ctx context.Context, id int64) error
	SaveRoutineDefinition(ctx context.Context, def RoutineDefinition) error
}

type noopMetrics struct{}

func (noopMetrics) TaskExecuted(context.Context, string, error) {}
func (noopMetrics) RoutinePassed(context.Context, string)       {}

// Task list filters accepted by ListTasks.
const (
	FilterActive   = "active"
	FilterInactive = "inactive"
)

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Status string
	Name   string
}

// TaskDetail is a task listing row together with its definition.
type TaskDetail struct {
	TaskInfo
	Definition TaskDefinition `json:"definition"`
}

// SchedulerOptions wires the scheduler's collaborators. Executor is required.
type SchedulerOptions struct {
	Executor    Executor
	Notifier    Notifier
	Metrics     Metrics
	Definitions DefinitionStore // optional

	// Clock defaults to a Loop owned, and closed, by the scheduler.
	Clock    Clock
	Location *time.Location
	Logger   *slog.Logger
}

// Scheduler owns the daemon's command tasks and routines.
type Scheduler struct {
	manager  *Manager
	executor Executor
	notifier Notifier
	metrics  Metrics
	defStore DefinitionStore
	clock    Clock
	loop     *Loop
	location *time.Location
	logger   *slog.Logger

	mu         sync.RWMutex
	defs       map[int64]TaskDefinition
	routines   []*Routine
	routineSeq int64
	closed     bool
}

// NewScheduler constructs a scheduler with the given dependencies.
func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Executor == nil {
		return nil, errors.New("scheduler needs an executor")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	location := opts.Location
	if location == nil {
		location = time.Local
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	s := &Scheduler{
		executor: opts.Executor,
		notifier: opts.Notifier,
		metrics:  metrics,
		defStore: opts.Definitions,
		clock:    opts.Clock,
		location: location,
		logger:   logger,
		defs:     make(map[int64]TaskDefinition),
	}
	if s.clock == nil {
		s.loop = NewLoop(logger)
		s.clock = s.loop
	}
	manager, err := NewManager(logger)
	if err != nil {
		return nil, err
	}
	s.manager = manager
	return s, nil
}

// Location is the time zone used to evaluate cron expressions.
func (s *Scheduler) Location() *time.Location { return s.location }

// CreateTask registers a command task. With Autostart set the task starts immediately.
func (s *Scheduler) CreateTask(ctx context.Context, def TaskDefinition) (TaskDetail, error) {
	if err := def.Validate(); err != nil {
		return TaskDetail{}, invalidInput(err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return TaskDetail{}, invalidState("scheduler is closed")
	}
	if def.ID != 0 {
		if _, err := s.manager.Task(def.ID); err == nil {
			s.mu.Unlock()
			return TaskDetail{}, invalidState("task #%d already exists", def.ID)
		}
	}

	delay := def.Delay
	var delayFn func(time.Time) (time.Duration, error)
	if def.StartCron != "" {
		d, err := DelayUntilCron(def.StartCron, s.clock.Now().In(s.location))
		if err != nil {
			s.mu.Unlock()
			return TaskDetail{}, invalidInput(err)
		}
		delay = d
		// Re-aligned on every start, not only the first.
		expr := def.StartCron
		delayFn = func(now time.Time) (time.Duration, error) {
			next, err := DelayUntilCron(expr, now.In(s.location))
			if err != nil {
				return 0, err
			}
			return next.Duration()
		}
	}

	var task *Task
	cb := func(ctx context.Context, _ map[string]any) error {
		err := s.executor.Execute(ctx, task, def)
		failure := err
		if ctx.Err() != nil {
			// Cancelled by Stop or Abort, not a failure of the command.
			failure = nil
		}
		s.metrics.TaskExecuted(ctx, task.Name(), failure)
		return err
	}
	task, err := NewTask(cb, TaskOptions{
		ID:        def.ID,
		Name:      def.Name,
		Repeat:    def.Repeat,
		Interval:  def.Interval,
		Delay:     delay,
		DelayFunc: delayFn,
		Data:      def.Data,
		Clock:     s.clock,
		Logger:    s.logger,
	})
	if err != nil {
		s.mu.Unlock()
		return TaskDetail{}, invalidInput(err)
	}
	if err := s.manager.Append(task); err != nil {
		s.mu.Unlock()
		return TaskDetail{}, err
	}
	task.OnError().Add(s.handleTaskError)
	def.ID = task.ID()
	def.Name = task.Name()
	s.defs[def.ID] = def
	s.mu.Unlock()

	s.logger.Info("task created", "task_id", def.ID, "task_name", def.Name, "delay", delay.String(), "repeat", def.Repeat.String())
	if s.defStore != nil {
		if err := s.defStore.SaveTaskDefinition(ctx, def); err != nil {
			s.logger.Warn("persist task definition", "task_id", def.ID, "err", err)
		}
	}
	if def.Autostart {
		task.Start()
	}
	return s.Task(def.ID)
}

// StartTask starts a task unless it is already running.
func (s *Scheduler) StartTask(id int64) error { return s.manager.Start(id) }

// StopTask gracefully stops a running task.
func (s *Scheduler) StopTask(id int64) error { return s.manager.Stop(id) }

// AbortTask aborts a running task.
func (s *Scheduler) AbortTask(id int64) error { return s.manager.Abort(id) }

// StartAll starts every idle task.
func (s *Scheduler) StartAll() { s.manager.StartAll() }

// RemoveTask stops and forgets a task. Tasks still referenced by a routine cannot be removed.
func (s *Scheduler) RemoveTask(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, err := s.manager.Task(id)
	if err != nil {
		return err
	}
	for _, r := range s.routines {
		for _, t := range r.Tasks() {
			if t == task {
				return invalidState("task #%d is used by routine #%d", id, r.ID())
			}
		}
	}
	task.Stop()
	if err := s.manager.Remove(id); err != nil {
		return err
	}
	delete(s.defs, id)
	if s.defStore != nil {
		if err := s.defStore.DeleteTaskDefinition(ctx, id); err != nil {
			s.logger.Warn("delete persisted task definition", "task_id", id, "err", err)
		}
	}
	s.logger.Info("task removed", "task_id", id)
	return nil
}

// Task returns a task with its definition.
func (s *Scheduler) Task(id int64) (TaskDetail, error) {
	info, err := s.manager.Info(id)
	if err != nil {
		return TaskDetail{}, err
	}
	s.mu.RLock()
	def := s.defs[id]
	s.mu.RUnlock()
	return TaskDetail{TaskInfo: info, Definition: def}, nil
}

// ListTasks lists tasks in creation order.
func (s *Scheduler) ListTasks(filter TaskFilter) ([]TaskInfo, error) {
	var rows []TaskInfo
	switch filter.Status {
	case "":
		rows = s.manager.Tasks()
	case FilterActive:
		rows = s.manager.ActiveTasks()
	case FilterInactive:
		rows = s.manager.InactiveTasks()
	default:
		return nil, invalidInput(fmt.Errorf("status must be %s or %s, got %q", FilterActive, FilterInactive, filter.Status))
	}
	if filter.Name == "" {
		return rows, nil
	}
	out := rows[:0]
	for _, r := range rows {
		if r.Name == filter.Name {
			out = append(out, r)
		}
	}
	return out, nil
}

// TasksByName returns every task named name.
func (s *Scheduler) TasksByName(name string) []TaskInfo {
	var out []TaskInfo
	for _, id := range s.manager.IDsByName(name) {
		if info, err := s.manager.Info(id); err == nil {
			out = append(out, info)
		}
	}
	return out
}

// CreateRoutine registers a routine over existing tasks.
func (s *Scheduler) CreateRoutine(ctx context.Context, def RoutineDefinition) (RoutineInfo, error) {
	if err := def.Validate(); err != nil {
		return RoutineInfo{}, invalidInput(err)
	}
	tasks := make([]*Task, 0, len(def.Tasks))
	for _, id := range def.Tasks {
		t, err := s.manager.Task(id)
		if err != nil {
			return RoutineInfo{}, err
		}
		tasks = append(tasks, t)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return RoutineInfo{}, invalidState("scheduler is closed")
	}
	id := def.ID
	if id == 0 {
		id = s.routineSeq + 1
	}
	if s.routineLocked(id) != nil {
		s.mu.Unlock()
		return RoutineInfo{}, invalidState("routine #%d already exists", id)
	}
	r, err := NewRoutine(id, tasks, RoutineOptions{
		Name:   def.Name,
		Delay:  def.Delay,
		Repeat: def.Repeat,
		Times:  def.Times,
		Clock:  s.clock,
		Logger: s.logger,
	})
	if err != nil {
		s.mu.Unlock()
		return RoutineInfo{}, invalidInput(err)
	}
	r.OnPass().Add(func(ev RoutineEvent) {
		s.metrics.RoutinePassed(context.Background(), ev.Routine.Name())
	})
	r.OnEnd().Add(s.handleRoutineEnd)
	s.routines = append(s.routines, r)
	if id > s.routineSeq {
		s.routineSeq = id
	}
	s.mu.Unlock()

	s.logger.Info("routine created", "routine_id", id, "routine_name", r.Name(), "tasks", def.Tasks)
	if s.defStore != nil {
		def.ID = id
		def.Name = r.Name()
		if err := s.defStore.SaveRoutineDefinition(ctx, def); err != nil {
			s.logger.Warn("persist routine definition", "routine_id", id, "err", err)
		}
	}
	if def.Autostart {
		if err := r.Start(0); err != nil {
			return r.Info(), err
		}
	}
	return r.Info(), nil
}

// StartRoutine runs a routine from the task at index.
func (s *Scheduler) StartRoutine(id int64, index int) error {
	r, err := s.routine(id)
	if err != nil {
		return err
	}
	return r.Start(index)
}

// StopRoutine lets the current task finish, then ends the routine.
func (s *Scheduler) StopRoutine(id int64) error {
	r, err := s.routine(id)
	if err != nil {
		return err
	}
	return r.Stop()
}

// AbortRoutine ends a routine and aborts its current task.
func (s *Scheduler) AbortRoutine(id int64) error {
	r, err := s.routine(id)
	if err != nil {
		return err
	}
	return r.Abort()
}

func (s *Scheduler) Routine(id int64) (RoutineInfo, error) {
	r, err := s.routine(id)
	if err != nil {
		return RoutineInfo{}, err
	}
	return r.Info(), nil
}

func (s *Scheduler) ListRoutines() []RoutineInfo {
	s.mu.RLock()
	routines := append([]*Routine(nil), s.routines...)
	s.mu.RUnlock()
	out := make([]RoutineInfo, 0, len(routines))
	for _, r := range routines {
		out = append(out, r.Info())
	}
	return out
}

// Sync creates the tasks and routines of defs that are not registered yet.
// Known ids are left untouched; entries are never removed.
func (s *Scheduler) Sync(ctx context.Context, defs Definitions) error {
	if err := defs.Validate(); err != nil {
		return invalidInput(err)
	}
	var errs []error
	created := 0
	for _, def := range defs.Tasks {
		if _, err := s.manager.Task(def.ID); err == nil {
			continue
		}
		if _, err := s.CreateTask(ctx, def); err != nil {
			errs = append(errs, fmt.Errorf("task #%d: %w", def.ID, err))
			continue
		}
		created++
	}
	for _, def := range defs.Routines {
		if _, err := s.routine(def.ID); err == nil {
			continue
		}
		if _, err := s.CreateRoutine(ctx, def); err != nil {
			errs = append(errs, fmt.Errorf("routine #%d: %w", def.ID, err))
			continue
		}
		created++
	}
	s.logger.Info("definitions synced", "created", created, "errors", len(errs))
	return errors.Join(errs...)
}

// Close ends every routine and task and, when the scheduler owns its clock,
// stops the loop after the callback in progress returns.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	routines := append([]*Routine(nil), s.routines...)
	s.mu.Unlock()

	for _, r := range routines {
		if r.Active() {
			_ = r.Abort()
		}
	}
	for _, info := range s.manager.Tasks() {
		if t, err := s.manager.Task(info.ID); err == nil {
			t.Stop()
		}
	}
	if s.loop != nil {
		s.loop.Close()
	}
	s.logger.Info("scheduler closed")
}

func (s *Scheduler) routine(id int64) (*Routine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r := s.routineLocked(id); r != nil {
		return r, nil
	}
	return nil, notFound("routine #%d", id)
}

func (s *Scheduler) routineLocked(id int64) *Routine {
	for _, r := range s.routines {
		if r.ID() == id {
			return r
		}
	}
	return nil
}

func (s *Scheduler) handleTaskError(ev TaskEvent) {
	s.logger.Error("task failed", "task_id", ev.Task.ID(), "task_name", ev.Task.Name(), "err", ev.Err)
	s.notify("taskerman: task failed", fmt.Sprintf("%s (#%d): %v", ev.Task.Name(), ev.Task.ID(), ev.Err))
}

func (s *Scheduler) handleRoutineEnd(ev RoutineEvent) {
	if ev.Err == nil {
		return
	}
	s.notify("taskerman: routine halted", fmt.Sprintf("%s (#%d) after %d passes: %v", ev.Routine.Name(), ev.Routine.ID(), ev.Passes, ev.Err))
}

// notify never blocks the caller, which is usually the loop goroutine.
func (s *Scheduler) notify(title, body string) {
	if s.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.notifier.Send(ctx, title, body); err != nil {
			s.logger.Warn("send notification", "err", err)
		}
	}()
}
