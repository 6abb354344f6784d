package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to State }{
		{StateDraft, StateTranscribing},
		{StateDraft, StateFinalized},
		{StateDraft, StateCancelled},
		{StateTranscribing, StateTranscribed},
		{StateTranscribing, StateVoiceFailed},
		{StateTranscribing, StateCancelled},
		{StateTranscribed, StateFinalized},
		{StateTranscribed, StateCancelled},
		{StateVoiceFailed, StateTranscribing},
		{StateVoiceFailed, StateCancelled},
		{StateFinalized, StateArchived},
	}
	for _, tc := range legal {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}

	illegal := []struct{ from, to State }{
		{StateDraft, StateTranscribed},
		{StateDraft, StateArchived},
		{StateTranscribing, StateFinalized},
		{StateTranscribed, StateTranscribing},
		{StateVoiceFailed, StateFinalized},
		{StateFinalized, StateCancelled},
		{StateFinalized, StateDraft},
		{StateArchived, StateFinalized},
		{StateCancelled, StateDraft},
		{StateCancelled, StateTranscribing},
	}
	for _, tc := range illegal {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be illegal", tc.from, tc.to)
	}
}

func TestTransitionLeavesStateOnError(t *testing.T) {
	r := &Report{State: StateTranscribing}
	err := r.Transition(StateFinalized)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateTranscribing, r.State)
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, StateArchived.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.False(t, StateFinalized.Terminal())
	assert.False(t, StateVoiceFailed.Terminal())
}
