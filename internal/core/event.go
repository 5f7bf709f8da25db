package core

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// EventHandler is a synchronous publish/subscribe point. Listeners run in
// subscription order on the caller's goroutine. A panicking listener is
// recovered and logged; the remaining listeners still run.
type EventHandler[E any] struct {
	name   string
	logger *slog.Logger

	mu        sync.RWMutex
	listeners []func(E)
}

// NewEventHandler creates a handler. name is only used in diagnostics.
func NewEventHandler[E any](name string, logger *slog.Logger, listeners ...func(E)) *EventHandler[E] {
	if logger == nil {
		logger = slog.Default()
	}
	h := &EventHandler[E]{name: name, logger: logger}
	for _, l := range listeners {
		h.Add(l)
	}
	return h
}

// Add appends a listener. Listeners live as long as the handler.
func (h *EventHandler[E]) Add(listener func(E)) {
	if listener == nil {
		return
	}
	h.mu.Lock()
	h.listeners = append(h.listeners, listener)
	h.mu.Unlock()
}

// Len returns the number of bound listeners.
func (h *EventHandler[E]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Call delivers e to every listener.
func (h *EventHandler[E]) Call(e E) {
	// Snapshot so listeners may subscribe while being notified.
	h.mu.RLock()
	ls := make([]func(E), len(h.listeners))
	copy(ls, h.listeners)
	h.mu.RUnlock()

	for i, l := range ls {
		h.invoke(i, l, e)
	}
}

func (h *EventHandler[E]) invoke(i int, l func(E), e E) {
	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("event listener panicked", "event", h.name, "listener", i, "panic", p, "stack", string(debug.Stack()))
		}
	}()
	l(e)
}
