package core

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a cancellable one-shot timer handle.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer before its callback began.
	Stop() bool
}

// Clock arms one-shot timers. Implementations must run callbacks one at a time.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) (Timer, error)
}

const (
	timerPending int32 = iota
	timerFired
	timerStopped
)

// Loop is the production Clock: timers are backed by time.AfterFunc, and every
// callback is executed on a single goroutine, one at a time, to completion.
type Loop struct {
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	pending []func()
	timers  map[*loopTimer]struct{}

	wake chan struct{}
	done chan struct{}
}

// NewLoop starts a loop goroutine. Call Close to stop it.
func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		logger: logger,
		timers: make(map[*loopTimer]struct{}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

var (
	defaultLoopOnce sync.Once
	defaultLoop     *Loop
)

// DefaultLoop returns a process-wide loop, started on first use. Tasks created
// without an explicit Clock use it.
func DefaultLoop() *Loop {
	defaultLoopOnce.Do(func() {
		defaultLoop = NewLoop(nil)
	})
	return defaultLoop
}

func (l *Loop) Now() time.Time { return time.Now() }

// AfterFunc arms a timer whose callback runs on the loop goroutine.
func (l *Loop) AfterFunc(d time.Duration, f func()) (Timer, error) {
	if d < 0 {
		d = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClockClosed
	}
	lt := &loopTimer{loop: l}
	lt.t = time.AfterFunc(d, func() {
		l.post(func() {
			if !lt.state.CompareAndSwap(timerPending, timerFired) {
				return
			}
			l.forget(lt)
			f()
		})
	})
	l.timers[lt] = struct{}{}
	return lt, nil
}

// Post queues f to run on the loop goroutine. It reports false once the loop is closed.
func (l *Loop) Post(f func()) bool { return l.post(f) }

func (l *Loop) post(f func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, f)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

func (l *Loop) forget(lt *loopTimer) {
	l.mu.Lock()
	delete(l.timers, lt)
	l.mu.Unlock()
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.pending) == 0 && !l.closed {
			l.mu.Unlock()
			<-l.wake
			l.mu.Lock()
		}
		if l.closed {
			l.pending = nil
			l.mu.Unlock()
			return
		}
		fn := l.pending[0]
		l.pending[0] = nil
		l.pending = l.pending[1:]
		l.mu.Unlock()
		l.exec(fn)
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			l.logger.Error("loop callback panicked", "panic", p, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Close stops every armed timer, discards queued callbacks and waits for the
// callback in progress, if any. Later AfterFunc calls fail with ErrClockClosed.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	for lt := range l.timers {
		lt.state.CompareAndSwap(timerPending, timerStopped)
		lt.t.Stop()
	}
	l.timers = map[*loopTimer]struct{}{}
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}

type loopTimer struct {
	loop  *Loop
	t     *time.Timer
	state atomic.Int32
}

func (lt *loopTimer) Stop() bool {
	stopped := lt.state.CompareAndSwap(timerPending, timerStopped)
	lt.t.Stop()
	lt.loop.forget(lt)
	return stopped
}

// ManualClock is a Clock driven by Advance. Callbacks run synchronously on the
// goroutine calling Advance. It is meant for tests.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	closed bool
	timers []*manualTimer
}

// NewManualClock returns a clock reading start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) AfterFunc(d time.Duration, f func()) (Timer, error) {
	if d < 0 {
		d = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClockClosed
	}
	c.seq++
	t := &manualTimer{clock: c, due: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t, nil
}

// Advance moves the clock forward by d, firing every timer that falls due,
// including timers armed by callbacks during the advance.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		t := c.nextDueLocked(target)
		if t == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		if t.due.After(c.now) {
			c.now = t.due
		}
		t.state = timerFired
		c.removeLocked(t)
		c.mu.Unlock()
		t.f()
		c.mu.Lock()
	}
}

// Pending returns the number of armed timers.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Close makes later AfterFunc calls fail with ErrClockClosed.
func (c *ManualClock) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *ManualClock) nextDueLocked(target time.Time) *manualTimer {
	var next *manualTimer
	for _, t := range c.timers {
		if t.due.After(target) {
			continue
		}
		if next == nil || t.due.Before(next.due) || (t.due.Equal(next.due) && t.seq < next.seq) {
			next = t
		}
	}
	return next
}

func (c *ManualClock) removeLocked(t *manualTimer) {
	for i, x := range c.timers {
		if x == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return
		}
	}
}

type manualTimer struct {
	clock *ManualClock
	due   time.Time
	seq   uint64
	f     func()
	state int32
}

func (t *manualTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.state != timerPending {
		return false
	}
	t.state = timerStopped
	c.removeLocked(t)
	return true
}
