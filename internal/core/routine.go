package core

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RoutineOptions configures a routine. All fields are optional.
type RoutineOptions struct {
	// Name defaults to "Routine <id>".
	Name string
	// Delay is the wait between two passes over the sequence.
	Delay TimeSpec
	// Repeat loops the whole sequence.
	Repeat bool
	// Times bounds the number of passes when Repeat is set. Zero loops forever.
	Times int

	Clock  Clock
	Logger *slog.Logger
}

// RoutineEvent is delivered by OnPass and OnEnd.
type RoutineEvent struct {
	Routine *Routine
	Passes  int
	// Halted is set when the routine ended early: Stop, Abort or a failed task.
	Halted bool
	Err    error
}

// Routine runs an ordered sequence of tasks one after another, starting each
// task once the previous one has finished its cycle. Tasks are shared, not owned.
type Routine struct {
	id     int64
	name   string
	tasks  []*Task
	delay  TimeSpec
	delayD time.Duration
	repeat bool
	times  int

	clock  Clock
	logger *slog.Logger

	onPass *EventHandler[RoutineEvent]
	onEnd  *EventHandler[RoutineEvent]

	mu       sync.Mutex
	active   bool
	stopping bool

	// launching is set while a task is being started outside the lock.
	launching bool

	// cursor is the index of the current task, -1 between passes or when idle.
	cursor  int
	passes  int
	waiting Timer
	gen     uint64
}

// NewRoutine returns an inactive routine over tasks.
func NewRoutine(id int64, tasks []*Task, opts RoutineOptions) (*Routine, error) {
	for i, t := range tasks {
		if t == nil {
			return nil, fmt.Errorf("routine task %d is nil", i)
		}
	}
	if opts.Times < 0 {
		return nil, fmt.Errorf("routine times %d: must be >= 0", opts.Times)
	}
	delayD, err := opts.Delay.Duration()
	if err != nil {
		return nil, fmt.Errorf("delay: %w", err)
	}
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("Routine %d", id)
	}
	clock := opts.Clock
	if clock == nil {
		clock = DefaultLoop()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("routine_id", id, "routine_name", name)

	r := &Routine{
		id:     id,
		name:   name,
		tasks:  append([]*Task(nil), tasks...),
		delay:  opts.Delay,
		delayD: delayD,
		repeat: opts.Repeat,
		times:  opts.Times,
		clock:  clock,
		logger: logger,
		onPass: NewEventHandler[RoutineEvent]("routine.pass", logger),
		onEnd:  NewEventHandler[RoutineEvent]("routine.end", logger),
		cursor: -1,
	}

	// One listener per distinct task; it only reacts to the task under the cursor.
	seen := make(map[*Task]struct{}, len(tasks))
	for _, t := range r.tasks {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		t.OnStop().Add(r.handleTaskStop)
	}
	return r, nil
}

func (r *Routine) ID() int64                            { return r.id }
func (r *Routine) Name() string                         { return r.name }
func (r *Routine) Tasks() []*Task                       { return append([]*Task(nil), r.tasks...) }
func (r *Routine) OnPass() *EventHandler[RoutineEvent] { return r.onPass }
func (r *Routine) OnEnd() *EventHandler[RoutineEvent]  { return r.onEnd }

func (r *Routine) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Current returns the index of the task being run, or -1.
func (r *Routine) Current() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// Passes returns the number of full passes completed since the last Start.
func (r *Routine) Passes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.passes
}

func (r *Routine) Info() RoutineInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, len(r.tasks))
	for i, t := range r.tasks {
		ids[i] = t.ID()
	}
	return RoutineInfo{
		ID:      r.id,
		Name:    r.name,
		Active:  r.active,
		Current: r.cursor,
		Passes:  r.passes,
		Repeat:  r.repeat,
		Times:   r.times,
		Delay:   r.delay,
		TaskIDs: ids,
	}
}

// Start runs the sequence from index. Starting an active routine fails with ErrInvalidState.
func (r *Routine) Start(index int) error {
	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		r.logger.Warn("routine already active")
		return invalidState("routine #%d is already active", r.id)
	}
	if index < 0 || index >= len(r.tasks) {
		r.mu.Unlock()
		return notFound("routine #%d has no task at index %d", r.id, index)
	}
	r.active = true
	r.stopping = false
	r.cursor = index
	r.passes = 0
	r.logger.Info("routine started", "index", index)
	r.launch(r.tasks[index])
	return nil
}

// Stop lets the current task finish its cycle, then ends the routine without
// starting the next task. Between passes it ends the routine at once.
func (r *Routine) Stop() error {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return invalidState("routine #%d is not active", r.id)
	}
	if r.cursor < 0 || (!r.launching && !r.tasks[r.cursor].Active()) {
		ev := r.finishLocked(true, nil)
		r.mu.Unlock()
		r.logger.Info("routine stopped")
		r.onEnd.Call(ev)
		return nil
	}
	r.stopping = true
	r.mu.Unlock()
	r.logger.Info("routine draining current task")
	return nil
}

// Abort ends the routine immediately, aborting the current task.
func (r *Routine) Abort() error {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return invalidState("routine #%d is not active", r.id)
	}
	var current *Task
	if r.cursor >= 0 && !r.launching {
		current = r.tasks[r.cursor]
	}
	ev := r.finishLocked(true, nil)
	r.mu.Unlock()

	if current != nil {
		current.Abort(nil)
	}
	r.logger.Info("routine aborted")
	r.onEnd.Call(ev)
	return nil
}

func (r *Routine) handleTaskStop(ev TaskEvent) {
	if !ev.Final {
		return
	}
	r.mu.Lock()
	if !r.active || r.cursor < 0 || r.tasks[r.cursor] != ev.Task {
		r.mu.Unlock()
		return
	}

	if ev.Status == StatusError || ev.Status == StatusAborted {
		end := r.finishLocked(true, ev.Err)
		r.mu.Unlock()
		r.logger.Warn("routine halted by task", "task_id", ev.Task.ID(), "status", ev.Status.String(), "err", ev.Err)
		r.onEnd.Call(end)
		return
	}
	if r.stopping {
		end := r.finishLocked(true, nil)
		r.mu.Unlock()
		r.logger.Info("routine stopped")
		r.onEnd.Call(end)
		return
	}

	if r.cursor+1 < len(r.tasks) {
		r.cursor++
		r.launch(r.tasks[r.cursor])
		return
	}

	r.passes++
	pass := RoutineEvent{Routine: r, Passes: r.passes}
	if !r.repeat || (r.times > 0 && r.passes >= r.times) {
		end := r.finishLocked(false, nil)
		r.mu.Unlock()
		r.logger.Info("routine finished", "passes", pass.Passes)
		r.onPass.Call(pass)
		r.onEnd.Call(end)
		return
	}

	r.cursor = -1
	gen := r.gen
	timer, err := r.clock.AfterFunc(r.delayD, func() { r.nextPass(gen) })
	if err != nil {
		end := r.finishLocked(true, fmt.Errorf("schedule next pass: %w", err))
		r.mu.Unlock()
		r.logger.Error("routine halted", "err", end.Err)
		r.onPass.Call(pass)
		r.onEnd.Call(end)
		return
	}
	r.waiting = timer
	r.mu.Unlock()
	r.logger.Debug("routine pass complete", "passes", pass.Passes, "delay", r.delay.String())
	r.onPass.Call(pass)
}

func (r *Routine) nextPass(gen uint64) {
	r.mu.Lock()
	if gen != r.gen || !r.active {
		r.mu.Unlock()
		return
	}
	r.waiting = nil
	r.cursor = 0
	r.launch(r.tasks[0])
}

// launch starts t, which must be under the cursor. It is entered with r.mu
// held and releases it. A Stop arriving mid-launch drains t; an Abort aborts t
// once it has started.
func (r *Routine) launch(t *Task) {
	gen := r.gen
	r.launching = true
	r.mu.Unlock()

	t.Start()

	r.mu.Lock()
	if gen == r.gen {
		r.launching = false
		r.mu.Unlock()
		return
	}
	orphaned := !r.active || r.cursor < 0 || r.tasks[r.cursor] != t
	r.mu.Unlock()
	if orphaned && t.Active() {
		t.Abort(nil)
	}
}

// finishLocked marks the routine inactive and resets the pass counter. The
// returned event carries the count before the reset.
func (r *Routine) finishLocked(halted bool, err error) RoutineEvent {
	if r.waiting != nil {
		r.waiting.Stop()
		r.waiting = nil
	}
	ev := RoutineEvent{Routine: r, Passes: r.passes, Halted: halted, Err: err}
	r.gen++
	r.active = false
	r.stopping = false
	r.launching = false
	r.cursor = -1
	r.passes = 0
	return ev
}
