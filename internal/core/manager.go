package core

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Manager is a registry of tasks addressed by id. It tracks a derived running
// flag per task, updated only from the task's own events.
type Manager struct {
	logger *slog.Logger

	mu      sync.RWMutex
	entries []*entry
}

type entry struct {
	task    *Task
	running atomic.Bool
	removed atomic.Bool
}

// NewManager returns a manager holding tasks.
func NewManager(logger *slog.Logger, tasks ...*Task) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{logger: logger}
	if err := m.Append(tasks...); err != nil {
		return nil, err
	}
	return m, nil
}

// Append registers tasks. A task whose id is already registered is rejected
// and nothing is appended.
func (m *Manager) Append(tasks ...*Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[int64]struct{}, len(tasks))
	for _, t := range tasks {
		if t == nil {
			return invalidState("nil task")
		}
		if _, dup := seen[t.ID()]; dup || m.indexLocked(t.ID()) >= 0 {
			return invalidState("task #%d already registered", t.ID())
		}
		seen[t.ID()] = struct{}{}
	}

	for _, t := range tasks {
		e := &entry{task: t}
		e.running.Store(t.Active())
		t.OnStart().Add(func(TaskEvent) {
			if !e.removed.Load() {
				e.running.Store(true)
			}
		})
		t.OnStop().Add(func(ev TaskEvent) {
			if !e.removed.Load() {
				e.running.Store(!ev.Final)
			}
		})
		m.entries = append(m.entries, e)
		m.logger.Debug("task registered", "task_id", t.ID(), "task_name", t.Name())
	}
	return nil
}

// Remove drops the task with id from the manager. The task itself is left as is.
func (m *Manager) Remove(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(id)
	if i < 0 {
		return notFound("task #%d", id)
	}
	m.entries[i].removed.Store(true)
	m.entries = append(m.entries[:i], m.entries[i+1:]...)
	return nil
}

// Start starts the task unless it is already running.
func (m *Manager) Start(id int64) error {
	e, err := m.find(id)
	if err != nil {
		return err
	}
	if e.running.Load() {
		m.logger.Debug("task already running", "task_id", id)
		return nil
	}
	e.task.Start()
	return nil
}

// StartAll starts every task that is not running.
func (m *Manager) StartAll() {
	for _, e := range m.snapshot() {
		if !e.running.Load() {
			e.task.Start()
		}
	}
}

// Abort aborts a running task.
func (m *Manager) Abort(id int64) error {
	e, err := m.find(id)
	if err != nil {
		return err
	}
	if !e.running.Load() {
		return invalidState("task #%d is not running", id)
	}
	e.task.Abort(nil)
	return nil
}

// Stop gracefully stops a running task.
func (m *Manager) Stop(id int64) error {
	e, err := m.find(id)
	if err != nil {
		return err
	}
	if !e.running.Load() {
		return invalidState("task #%d is not running", id)
	}
	e.task.Stop()
	return nil
}

// Task returns the task registered under id.
func (m *Manager) Task(id int64) (*Task, error) {
	e, err := m.find(id)
	if err != nil {
		return nil, err
	}
	return e.task, nil
}

// Running reports the derived running flag of a task.
func (m *Manager) Running(id int64) (bool, error) {
	e, err := m.find(id)
	if err != nil {
		return false, err
	}
	return e.running.Load(), nil
}

// Info returns the listing row of a single task.
func (m *Manager) Info(id int64) (TaskInfo, error) {
	e, err := m.find(id)
	if err != nil {
		return TaskInfo{}, err
	}
	return e.task.info(e.running.Load()), nil
}

// TasksByName returns every task named name. Names need not be unique.
func (m *Manager) TasksByName(name string) []*Task {
	var out []*Task
	for _, e := range m.snapshot() {
		if e.task.Name() == name {
			out = append(out, e.task)
		}
	}
	return out
}

// IDsByName returns the ids of every task named name.
func (m *Manager) IDsByName(name string) []int64 {
	var out []int64
	for _, t := range m.TasksByName(name) {
		out = append(out, t.ID())
	}
	return out
}

// Tasks lists every registered task in registration order.
func (m *Manager) Tasks() []TaskInfo { return m.list(func(bool) bool { return true }) }

// ActiveTasks lists running tasks.
func (m *Manager) ActiveTasks() []TaskInfo { return m.list(func(r bool) bool { return r }) }

// InactiveTasks lists tasks that are not running.
func (m *Manager) InactiveTasks() []TaskInfo { return m.list(func(r bool) bool { return !r }) }

// Len returns the number of registered tasks.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Manager) list(keep func(running bool) bool) []TaskInfo {
	entries := m.snapshot()
	out := make([]TaskInfo, 0, len(entries))
	for _, e := range entries {
		running := e.running.Load()
		if keep(running) {
			out = append(out, e.task.info(running))
		}
	}
	return out
}

func (m *Manager) find(id int64) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := m.indexLocked(id)
	if i < 0 {
		return nil, notFound("task #%d", id)
	}
	return m.entries[i], nil
}

func (m *Manager) snapshot() []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*entry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *Manager) indexLocked(id int64) int {
	for i, e := range m.entries {
		if e.task.ID() == id {
			return i
		}
	}
	return -1
}
