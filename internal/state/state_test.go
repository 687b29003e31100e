package state

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateInitiated, "initiated"},
		{StateWorking, "working"},
		{StatePaused, "paused"},
		{StateCancelling, "cancelling"},
		{StateCancelled, "cancelled"},
		{StateAborted, "aborted"},
		{StateStoppedDueErrors, "stopped_due_errors"},
		{StateDone, "done"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestStateIsActive(t *testing.T) {
	active := map[State]bool{
		StateWorking:    true,
		StatePaused:     true,
		StateCancelling: true,
	}
	for s := StateInitiated; s <= StateDone; s++ {
		assert.Equal(t, active[s], s.IsActive(), s.String())
	}
}

func TestMachineSet(t *testing.T) {
	var calls []State
	m := NewMachine(func(old, new State) {
		calls = append(calls, old, new)
	})

	assert.Equal(t, StateInitiated, m.Current())
	assert.False(t, m.IsActive())

	assert.True(t, m.Set(StateWorking))
	assert.False(t, m.Set(StateWorking), "same value must not notify")
	assert.True(t, m.Set(StatePaused))

	assert.Equal(t, []State{StateInitiated, StateWorking, StateWorking, StatePaused}, calls)
	assert.True(t, m.IsActive())
}

func TestMachineTransition(t *testing.T) {
	m := NewMachine(nil)

	prev, ok := m.Transition(StatePaused, StateWorking)
	assert.False(t, ok)
	assert.Equal(t, StateInitiated, prev)

	m.Set(StateWorking)
	prev, ok = m.Transition(StatePaused, StateWorking)
	assert.True(t, ok)
	assert.Equal(t, StateWorking, prev)
	assert.Equal(t, StatePaused, m.Current())
}

func TestMachineConcurrentSetNotifiesOncePerChange(t *testing.T) {
	var changes atomic.Int32
	m := NewMachine(func(old, new State) {
		changes.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Set(StateWorking)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), changes.Load())
	assert.Equal(t, StateWorking, m.Current())
}
