package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventHandlerCallsInOrder(t *testing.T) {
	var got []string
	h := NewEventHandler[string]("test", nil,
		func(e string) { got = append(got, "a:"+e) },
		func(e string) { got = append(got, "b:"+e) },
	)
	h.Add(nil)
	assert.Equal(t, 2, h.Len())

	h.Call("x")
	assert.Equal(t, []string{"a:x", "b:x"}, got)
}

func TestEventHandlerRecoversPanics(t *testing.T) {
	var reached bool
	h := NewEventHandler[int]("test", nil,
		func(int) { panic("boom") },
		func(int) { reached = true },
	)
	assert.NotPanics(t, func() { h.Call(1) })
	assert.True(t, reached)
}

func TestEventHandlerAddDuringCall(t *testing.T) {
	calls := 0
	h := NewEventHandler[int]("test", nil)
	h.Add(func(int) {
		calls++
		h.Add(func(int) { calls += 10 })
	})

	h.Call(0)
	assert.Equal(t, 1, calls, "listeners added during a call wait for the next one")
	h.Call(0)
	assert.Equal(t, 12, calls)
}
