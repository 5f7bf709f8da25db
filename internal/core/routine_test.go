package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type routineFixture struct {
	clock  *ManualClock
	order  []string
	fail   map[string]error
	passes []RoutineEvent
	ends   []RoutineEvent
}

func newRoutineFixture() *routineFixture {
	return &routineFixture{clock: NewManualClock(epoch), fail: map[string]error{}}
}

func (f *routineFixture) task(t *testing.T, name string, opts TaskOptions) *Task {
	t.Helper()
	opts.Name = name
	opts.Clock = f.clock
	if opts.Delay.IsZero() {
		opts.Delay = Expr("1s")
	}
	task, err := NewTask(func(context.Context, map[string]any) error {
		f.order = append(f.order, name)
		return f.fail[name]
	}, opts)
	require.NoError(t, err)
	return task
}

func (f *routineFixture) routine(t *testing.T, tasks []*Task, opts RoutineOptions) *Routine {
	t.Helper()
	opts.Clock = f.clock
	r, err := NewRoutine(1, tasks, opts)
	require.NoError(t, err)
	r.OnPass().Add(func(ev RoutineEvent) { f.passes = append(f.passes, ev) })
	r.OnEnd().Add(func(ev RoutineEvent) { f.ends = append(f.ends, ev) })
	return r
}

func TestRoutineRunsTasksInOrder(t *testing.T) {
	f := newRoutineFixture()
	a, b, c := f.task(t, "a", TaskOptions{}), f.task(t, "b", TaskOptions{Repeat: 1}), f.task(t, "c", TaskOptions{})
	r := f.routine(t, []*Task{a, b, c}, RoutineOptions{Name: "chain"})

	require.NoError(t, r.Start(0))
	assert.True(t, r.Active())
	assert.Equal(t, 0, r.Current())

	f.clock.Advance(time.Second)
	assert.Equal(t, 1, r.Current())

	f.clock.Advance(time.Minute)
	assert.Equal(t, []string{"a", "b", "b", "c"}, f.order)
	assert.False(t, r.Active())
	assert.Equal(t, -1, r.Current())
	require.Len(t, f.passes, 1)
	assert.Equal(t, 1, f.passes[0].Passes)
	require.Len(t, f.ends, 1)
	assert.False(t, f.ends[0].Halted)
	assert.NoError(t, f.ends[0].Err)
}

func TestRoutineStartAtIndex(t *testing.T) {
	f := newRoutineFixture()
	r := f.routine(t, []*Task{f.task(t, "a", TaskOptions{}), f.task(t, "b", TaskOptions{})}, RoutineOptions{})

	require.NoError(t, r.Start(1))
	f.clock.Advance(time.Minute)
	assert.Equal(t, []string{"b"}, f.order)
	assert.Equal(t, "Routine 1", r.Name())
}

func TestRoutineRepeatsWithDelay(t *testing.T) {
	f := newRoutineFixture()
	a, b := f.task(t, "a", TaskOptions{}), f.task(t, "b", TaskOptions{})
	r := f.routine(t, []*Task{a, b}, RoutineOptions{Repeat: true, Times: 2, Delay: Expr("10s")})

	require.NoError(t, r.Start(0))
	f.clock.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, f.order)
	assert.True(t, r.Active())
	assert.Equal(t, -1, r.Current(), "waiting between passes")
	assert.Equal(t, 1, r.Passes())

	f.clock.Advance(10 * time.Second)
	assert.Len(t, f.order, 2, "the next pass still waits for the first task's delay")
	f.clock.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b", "a", "b"}, f.order)

	assert.False(t, r.Active())
	require.Len(t, f.passes, 2)
	require.Len(t, f.ends, 1)
	assert.Equal(t, 2, f.ends[0].Passes)
	assert.Zero(t, f.clock.Pending())
}

func TestRoutineStopDrainsCurrentTask(t *testing.T) {
	f := newRoutineFixture()
	a, b := f.task(t, "a", TaskOptions{Repeat: 1}), f.task(t, "b", TaskOptions{})
	r := f.routine(t, []*Task{a, b}, RoutineOptions{Repeat: true})

	require.NoError(t, r.Start(0))
	require.NoError(t, r.Stop())
	assert.True(t, r.Active(), "the current task keeps going")

	f.clock.Advance(time.Minute)
	assert.Equal(t, []string{"a", "a"}, f.order)
	assert.False(t, r.Active())
	require.Len(t, f.ends, 1)
	assert.True(t, f.ends[0].Halted)
	assert.ErrorIs(t, r.Stop(), ErrInvalidState)
}

func TestRoutineStopBetweenPasses(t *testing.T) {
	f := newRoutineFixture()
	r := f.routine(t, []*Task{f.task(t, "a", TaskOptions{})}, RoutineOptions{Repeat: true, Delay: Expr("1h")})

	require.NoError(t, r.Start(0))
	f.clock.Advance(time.Second)
	require.Equal(t, -1, r.Current())

	require.NoError(t, r.Stop())
	assert.False(t, r.Active())
	assert.Zero(t, f.clock.Pending())
	require.Len(t, f.ends, 1)
	assert.Equal(t, 1, f.ends[0].Passes)
}

func TestRoutineHaltsOnTaskError(t *testing.T) {
	f := newRoutineFixture()
	boom := errors.New("disk full")
	f.fail["b"] = boom
	a, b, c := f.task(t, "a", TaskOptions{}), f.task(t, "b", TaskOptions{}), f.task(t, "c", TaskOptions{})
	r := f.routine(t, []*Task{a, b, c}, RoutineOptions{Repeat: true})

	require.NoError(t, r.Start(0))
	f.clock.Advance(time.Minute)

	assert.Equal(t, []string{"a", "b"}, f.order)
	assert.False(t, r.Active())
	require.Len(t, f.ends, 1)
	assert.True(t, f.ends[0].Halted)
	assert.ErrorIs(t, f.ends[0].Err, boom)
	assert.Empty(t, f.passes)
}

func TestRoutineAbort(t *testing.T) {
	f := newRoutineFixture()
	a, b := f.task(t, "a", TaskOptions{}), f.task(t, "b", TaskOptions{})
	r := f.routine(t, []*Task{a, b}, RoutineOptions{})

	require.NoError(t, r.Start(0))
	require.NoError(t, r.Abort())

	assert.False(t, r.Active())
	assert.Equal(t, StatusAborted, a.Status())
	require.Len(t, f.ends, 1)
	assert.True(t, f.ends[0].Halted)

	f.clock.Advance(time.Minute)
	assert.Empty(t, f.order)
	assert.ErrorIs(t, r.Abort(), ErrInvalidState)
}

func TestRoutineStartErrors(t *testing.T) {
	f := newRoutineFixture()
	r := f.routine(t, []*Task{f.task(t, "a", TaskOptions{})}, RoutineOptions{})

	assert.ErrorIs(t, r.Start(1), ErrNotFound)
	assert.ErrorIs(t, r.Start(-1), ErrNotFound)
	require.NoError(t, r.Start(0))
	assert.ErrorIs(t, r.Start(0), ErrInvalidState)
}

func TestRoutineSharedTask(t *testing.T) {
	f := newRoutineFixture()
	a := f.task(t, "a", TaskOptions{})
	r := f.routine(t, []*Task{a, a}, RoutineOptions{})
	assert.Equal(t, 1, a.OnStop().Len(), "one listener per distinct task")

	require.NoError(t, r.Start(0))
	f.clock.Advance(time.Minute)
	assert.Equal(t, []string{"a", "a"}, f.order)
	require.Len(t, f.passes, 1)
}

func TestNewRoutineValidation(t *testing.T) {
	f := newRoutineFixture()
	a := f.task(t, "a", TaskOptions{})

	_, err := NewRoutine(1, []*Task{a, nil}, RoutineOptions{})
	assert.Error(t, err)
	_, err = NewRoutine(1, []*Task{a}, RoutineOptions{Times: -1})
	assert.Error(t, err)
	_, err = NewRoutine(1, []*Task{a}, RoutineOptions{Delay: Expr("whenever")})
	assert.ErrorIs(t, err, ErrTimeSyntax)
}

// hookClock runs hook once, on the next AfterFunc call.
type hookClock struct {
	*ManualClock
	hook func()
}

func (c *hookClock) AfterFunc(d time.Duration, f func()) (Timer, error) {
	if h := c.hook; h != nil {
		c.hook = nil
		h()
	}
	return c.ManualClock.AfterFunc(d, f)
}

// launchRace builds a two-task routine whose second task runs hook while it
// is being started by the routine.
func launchRace(t *testing.T, hook func(r *Routine)) (*routineFixture, *Routine, *Task) {
	t.Helper()
	f := newRoutineFixture()
	clock := &hookClock{ManualClock: f.clock}
	var r *Routine
	a, err := NewTask(func(context.Context, map[string]any) error {
		f.order = append(f.order, "a")
		clock.hook = func() { hook(r) }
		return nil
	}, TaskOptions{Name: "a", Clock: clock})
	require.NoError(t, err)
	b, err := NewTask(func(context.Context, map[string]any) error {
		f.order = append(f.order, "b")
		return nil
	}, TaskOptions{Name: "b", Delay: Expr("1s"), Clock: clock})
	require.NoError(t, err)
	r = f.routine(t, []*Task{a, b}, RoutineOptions{Repeat: true})
	return f, r, b
}

func TestRoutineStopWhileLaunchingDrainsNextTask(t *testing.T) {
	f, r, b := launchRace(t, func(r *Routine) { require.NoError(t, r.Stop()) })

	require.NoError(t, r.Start(0))
	f.clock.Advance(0)
	assert.True(t, r.Active(), "b was already starting and is drained")
	assert.True(t, b.Active())

	f.clock.Advance(time.Minute)
	assert.Equal(t, []string{"a", "b"}, f.order)
	assert.False(t, r.Active())
	require.Len(t, f.ends, 1)
	assert.True(t, f.ends[0].Halted)
	assert.Empty(t, f.passes)
	assert.Zero(t, f.clock.Pending())
}

func TestRoutineAbortWhileLaunchingAbortsNextTask(t *testing.T) {
	f, r, b := launchRace(t, func(r *Routine) { require.NoError(t, r.Abort()) })

	require.NoError(t, r.Start(0))
	f.clock.Advance(time.Minute)

	assert.Equal(t, []string{"a"}, f.order)
	assert.False(t, r.Active())
	assert.False(t, b.Active())
	assert.Equal(t, StatusAborted, b.Status())
	require.Len(t, f.ends, 1)
	assert.True(t, f.ends[0].Halted)
	assert.Zero(t, f.clock.Pending())
}
