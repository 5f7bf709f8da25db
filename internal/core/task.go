package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var taskSeq atomic.Int64

// TaskOptions configures a task. All fields are optional.
type TaskOptions struct {
	// ID is generated when zero.
	ID int64
	// Name defaults to "Task <id>".
	Name string
	// Repeat is the number of executions after the first one, or Unbounded.
	Repeat RepeatCount
	// Interval is the wait between repetitions.
	Interval TimeSpec
	// Delay is the wait before the first execution of a cycle.
	Delay TimeSpec
	// DelayFunc, when set, replaces Delay and is evaluated at every Start
	// with the clock's current time.
	DelayFunc func(now time.Time) (time.Duration, error)
	// Data is passed to every callback invocation.
	Data map[string]any

	Clock  Clock
	Logger *slog.Logger
}

// Task is a delayed, optionally repeating unit of work. Repetitions are a
// chain of one-shot timers so that Delay and Interval may differ.
type Task struct {
	id       int64
	name     string
	callback TaskCallback
	repeat   RepeatCount
	delay    TimeSpec
	interval TimeSpec
	delayD   time.Duration
	delayFn  func(time.Time) (time.Duration, error)
	everyD   time.Duration
	data     map[string]any

	clock  Clock
	logger *slog.Logger

	onStart *EventHandler[TaskEvent]
	onStop  *EventHandler[TaskEvent]
	onError *EventHandler[TaskEvent]

	mu        sync.Mutex
	status    TaskStatus
	timesLeft RepeatCount
	first     bool
	cycle     bool
	timer     Timer
	// gen invalidates timers and in-flight executions on Stop/Abort.
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	runs   uint64
}

// NewTask validates opts and returns a stopped task.
func NewTask(callback TaskCallback, opts TaskOptions) (*Task, error) {
	if callback == nil {
		return nil, errors.New("task callback is required")
	}
	if opts.ID < 0 {
		return nil, fmt.Errorf("task id %d: must be positive", opts.ID)
	}
	if err := opts.Repeat.validate(); err != nil {
		return nil, err
	}
	delayD, err := opts.Delay.Duration()
	if err != nil {
		return nil, fmt.Errorf("delay: %w", err)
	}
	everyD, err := opts.Interval.Duration()
	if err != nil {
		return nil, fmt.Errorf("interval: %w", err)
	}

	id := opts.ID
	if id == 0 {
		id = taskSeq.Add(1)
	} else {
		reserveTaskID(id)
	}
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("Task %d", id)
	}
	data := opts.Data
	if data == nil {
		data = map[string]any{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = DefaultLoop()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("task_id", id, "task_name", name)

	return &Task{
		id:        id,
		name:      name,
		callback:  callback,
		repeat:    opts.Repeat,
		delay:     opts.Delay,
		interval:  opts.Interval,
		delayD:    delayD,
		delayFn:   opts.DelayFunc,
		everyD:    everyD,
		data:      data,
		clock:     clock,
		logger:    logger,
		onStart:   NewEventHandler[TaskEvent]("task.start", logger),
		onStop:    NewEventHandler[TaskEvent]("task.stop", logger),
		onError:   NewEventHandler[TaskEvent]("task.error", logger),
		status:    StatusStopped,
		timesLeft: opts.Repeat,
		first:     true,
	}, nil
}

// reserveTaskID keeps generated ids above explicitly chosen ones.
func reserveTaskID(id int64) {
	for {
		cur := taskSeq.Load()
		if id <= cur || taskSeq.CompareAndSwap(cur, id) {
			return
		}
	}
}

func (t *Task) ID() int64                         { return t.id }
func (t *Task) Name() string                      { return t.name }
func (t *Task) Repeat() RepeatCount               { return t.repeat }
func (t *Task) Interval() TimeSpec                { return t.interval }
func (t *Task) Data() map[string]any              { return t.data }
func (t *Task) OnStart() *EventHandler[TaskEvent] { return t.onStart }
func (t *Task) OnStop() *EventHandler[TaskEvent]  { return t.onStop }
func (t *Task) OnError() *EventHandler[TaskEvent] { return t.onError }

// Delay returns the configured delay, or the one computed by the last Start
// when the task has a DelayFunc.
func (t *Task) Delay() TimeSpec {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delay
}

// TimesLeft returns the remaining repeats of the current cycle.
func (t *Task) TimesLeft() RepeatCount {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timesLeft
}

func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Active reports whether a cycle is in progress: the task is waiting for its
// delay, executing, or waiting for its next repetition.
func (t *Task) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cycle
}

// Runs returns the number of completed callback executions.
func (t *Task) Runs() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs
}

// Start begins a cycle. It is a no-op while a cycle is already in progress.
// Scheduling failures abort the task with StatusError.
func (t *Task) Start() {
	t.mu.Lock()
	if t.status == StatusRunning || t.cycle {
		t.mu.Unlock()
		t.logger.Debug("task already running")
		return
	}
	t.cycle = true
	t.ctx, t.cancel = context.WithCancel(context.Background())
	if err := t.armLocked(); err != nil {
		t.mu.Unlock()
		t.Abort(fmt.Errorf("schedule start: %w", err))
		return
	}
	ev := t.eventLocked(false, nil)
	delay := t.delay
	t.mu.Unlock()

	t.logger.Debug("task started", "delay", delay.String())
	t.onStart.Call(ev)
}

// Stop ends the current cycle without error: the pending timer is cancelled,
// the status becomes StatusStopped and the repeat counter is reset.
func (t *Task) Stop() {
	t.mu.Lock()
	if !t.cycle && t.status != StatusRunning {
		t.mu.Unlock()
		t.logger.Debug("task not running")
		return
	}
	ev := t.finishLocked(StatusStopped, nil)
	t.mu.Unlock()

	t.logger.Info("task stopped")
	t.onStop.Call(ev)
}

// Abort cancels the pending timer unconditionally. With a non-nil err the
// status becomes StatusError and OnError fires before OnStop; otherwise the
// status becomes StatusAborted.
func (t *Task) Abort(err error) {
	status := StatusAborted
	if err != nil {
		status = StatusError
	}
	t.mu.Lock()
	ev := t.finishLocked(status, err)
	t.mu.Unlock()

	if err != nil {
		t.logger.Warn("task aborted with error", "err", err)
		t.onError.Call(ev)
	} else {
		t.logger.Info("task aborted")
	}
	t.onStop.Call(ev)
}

// armLocked schedules the next execution: Delay on the first execution of a
// cycle, immediately otherwise.
func (t *Task) armLocked() error {
	var d time.Duration
	if t.first {
		if t.delayFn != nil {
			next, err := t.delayFn(t.clock.Now())
			if err != nil {
				return err
			}
			t.delayD = max(next, 0)
			t.delay = Millis(t.delayD.Milliseconds())
		}
		d = t.delayD
	}
	gen := t.gen
	timer, err := t.clock.AfterFunc(d, func() { t.fire(gen) })
	if err != nil {
		return err
	}
	t.timer = timer
	t.first = false
	t.status = StatusRunning
	return nil
}

func (t *Task) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.status != StatusRunning {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	ctx := t.ctx
	t.mu.Unlock()

	err := t.invoke(ctx)

	t.mu.Lock()
	if gen != t.gen {
		// Stopped or aborted while the callback ran.
		t.mu.Unlock()
		return
	}
	t.runs++
	if err != nil {
		cbErr := &CallbackError{TaskID: t.id, TaskName: t.name, TimesLeft: t.timesLeft, Err: err}
		t.mu.Unlock()
		t.Abort(cbErr)
		return
	}
	more := t.timesLeft == Unbounded || t.timesLeft > 0
	if t.timesLeft > 0 {
		t.timesLeft--
	}
	t.advance(more)
}

// advance is the between-repetitions step. It is entered with t.mu held and releases it.
func (t *Task) advance(more bool) {
	if !more {
		ev := t.finishLocked(StatusStopped, nil)
		t.mu.Unlock()
		t.logger.Debug("task exhausted")
		t.onStop.Call(ev)
		return
	}

	gen := t.gen
	timer, err := t.clock.AfterFunc(t.everyD, func() { t.restart(gen) })
	if err != nil {
		t.mu.Unlock()
		t.Abort(fmt.Errorf("schedule repeat: %w", err))
		return
	}
	t.timer = timer
	t.status = StatusStopped
	ev := t.eventLocked(false, nil)
	t.mu.Unlock()
	t.onStop.Call(ev)
}

func (t *Task) restart(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.cycle {
		t.mu.Unlock()
		return
	}
	if err := t.armLocked(); err != nil {
		t.mu.Unlock()
		t.Abort(fmt.Errorf("schedule repeat: %w", err))
		return
	}
	ev := t.eventLocked(false, nil)
	t.mu.Unlock()
	t.onStart.Call(ev)
}

// finishLocked ends the cycle and resets the counters. The returned event
// carries the values observed before the reset.
func (t *Task) finishLocked(status TaskStatus, err error) TaskEvent {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.gen++
	t.cycle = false
	t.status = status
	ev := t.eventLocked(true, err)
	t.timesLeft = t.repeat
	t.first = true
	return ev
}

func (t *Task) eventLocked(final bool, err error) TaskEvent {
	return TaskEvent{
		Task:      t,
		Status:    t.status,
		TimesLeft: t.timesLeft,
		Final:     final,
		Err:       err,
		At:        t.clock.Now(),
	}
}

func (t *Task) invoke(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			t.logger.Error("task callback panicked", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return t.callback(ctx, t.data)
}

// Info returns a listing row; running is supplied by the owner.
func (t *Task) info(running bool) TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskInfo{
		ID:        t.id,
		Name:      t.name,
		Running:   running,
		Status:    t.status,
		TimesLeft: t.timesLeft,
		Repeat:    t.repeat,
		Interval:  t.interval,
		Delay:     t.delay,
		Runs:      t.runs,
	}
}
