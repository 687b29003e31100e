// Package state provides the lifecycle state machine shared by long-running controllers.
// Reads and writes are atomic so a controller's state can be observed from any goroutine.
package state

import (
	"sync"
	"sync/atomic"
)

// State represents the lifecycle state of a controller
type State int32

const (
	StateInitiated State = iota
	StateWorking
	StatePaused
	StateCancelling
	StateCancelled
	StateAborted
	StateStoppedDueErrors
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInitiated:
		return "initiated"
	case StateWorking:
		return "working"
	case StatePaused:
		return "paused"
	case StateCancelling:
		return "cancelling"
	case StateCancelled:
		return "cancelled"
	case StateAborted:
		return "aborted"
	case StateStoppedDueErrors:
		return "stopped_due_errors"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// IsActive reports whether the state belongs to a running controller
func (s State) IsActive() bool {
	return s == StateWorking || s == StatePaused || s == StateCancelling
}

// ChangeFunc is called once for every distinct state change
type ChangeFunc func(old, new State)

// Machine holds a controller's current state
type Machine struct {
	current atomic.Int32

	mu       sync.RWMutex
	onChange ChangeFunc
}

// NewMachine creates a machine in StateInitiated
func NewMachine(onChange ChangeFunc) *Machine {
	m := &Machine{onChange: onChange}
	m.current.Store(int32(StateInitiated))
	return m
}

// SetOnChange replaces the change callback
func (m *Machine) SetOnChange(fn ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Current returns the current state
func (m *Machine) Current() State {
	return State(m.current.Load())
}

// IsActive reports whether the current state is working, paused or cancelling
func (m *Machine) IsActive() bool {
	return m.Current().IsActive()
}

// Set moves the machine to s. Setting the current value again is a no-op.
// It returns true when the state actually changed.
func (m *Machine) Set(s State) bool {
	for {
		old := m.current.Load()
		if State(old) == s {
			return false
		}
		if m.current.CompareAndSwap(old, int32(s)) {
			m.notify(State(old), s)
			return true
		}
	}
}

// Transition moves the machine to s only when the current state is one of from.
// It returns the state observed before the attempt and whether the move happened.
func (m *Machine) Transition(s State, from ...State) (State, bool) {
	for {
		old := State(m.current.Load())
		allowed := false
		for _, f := range from {
			if f == old {
				allowed = true
				break
			}
		}
		if !allowed || old == s {
			return old, false
		}
		if m.current.CompareAndSwap(int32(old), int32(s)) {
			m.notify(old, s)
			return old, true
		}
	}
}

func (m *Machine) notify(old, new State) {
	m.mu.RLock()
	fn := m.onChange
	m.mu.RUnlock()

	if fn != nil {
		fn(old, new)
	}
}
