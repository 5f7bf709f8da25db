package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an operation references an unknown task, routine or index.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState is returned when the target is in an incompatible state,
	// e.g. aborting a task that is not running or starting an active routine.
	ErrInvalidState = errors.New("invalid state")
	// ErrTimeSyntax is matched by every *TimeSyntaxError.
	ErrTimeSyntax = errors.New("time syntax error")
	// ErrClockClosed is returned by a Clock that no longer accepts timers.
	ErrClockClosed = errors.New("clock closed")
	// ErrInvalidInput marks a rejected definition or filter.
	ErrInvalidInput = errors.New("invalid input")
)

// TimeSyntaxError reports a malformed duration expression.
type TimeSyntaxError struct {
	Input  string
	Reason string
}

func (e *TimeSyntaxError) Error() string {
	return fmt.Sprintf("time syntax error: %q: %s (use \"1yy 2mm 3dd 4h 5m 6s\", components optional, largest first)", e.Input, e.Reason)
}

func (e *TimeSyntaxError) Is(target error) bool { return target == ErrTimeSyntax }

// CallbackError wraps a failure raised by a task callback. It is only ever
// delivered through the task's OnError event.
type CallbackError struct {
	TaskID    int64
	TaskName  string
	TimesLeft RepeatCount
	Err       error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("task #%d %s: callback failed (times left %s): %v", e.TaskID, e.TaskName, e.TimesLeft, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

func notFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

func invalidInput(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidInput, err)
}

func invalidState(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidState)
}
