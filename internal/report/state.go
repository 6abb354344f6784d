package report

// transitions is the full set of legal report state changes. Every state
// before finalized can be cancelled; a finalized report can only be archived.
var transitions = map[State][]State{
	StateDraft:        {StateTranscribing, StateFinalized, StateCancelled},
	StateTranscribing: {StateTranscribed, StateVoiceFailed, StateCancelled},
	StateTranscribed:  {StateFinalized, StateCancelled},
	StateVoiceFailed:  {StateTranscribing, StateCancelled},
	StateFinalized:    {StateArchived},
	StateArchived:     nil,
	StateCancelled:    nil,
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and applies a state change on the in-memory record.
// The caller still has to persist it through a compare-and-swap write.
func (r *Report) Transition(to State) error {
	if !CanTransition(r.State, to) {
		return ErrInvalidTransition
	}
	r.State = to
	return nil
}
