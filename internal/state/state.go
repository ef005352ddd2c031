// ABOUTME: Conversation lifecycle states and the allowed-transition table
// ABOUTME: The table is the single authority on how a conversation may advance

package state

// State is the lifecycle state of a conversation. The set is closed;
// values outside it are rejected at the store boundary.
type State string

const (
	Received           State = "RECEIVED"
	ReasoningRequested State = "REASONING_REQUESTED"
	IntentValidated    State = "INTENT_VALIDATED"
	ActionRequested    State = "ACTION_REQUESTED"
	ActionCompleted    State = "ACTION_COMPLETED"
	FailedValidation   State = "FAILED_VALIDATION"
	FailedExecution    State = "FAILED_EXECUTION"
)

// transitions maps each state to the states it may advance to.
// Terminal states map to an empty slice.
var transitions = map[State][]State{
	Received:           {ReasoningRequested},
	ReasoningRequested: {IntentValidated, FailedValidation},
	IntentValidated:    {ActionRequested},
	ActionRequested:    {ActionCompleted, FailedExecution},
	ActionCompleted:    {},
	FailedValidation:   {},
	FailedExecution:    {},
}

// Valid reports whether s is a member of the closed state set.
func Valid(s State) bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s admits no further transitions.
func Terminal(s State) bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// CanTransition reports whether the transition from -> to is permitted
// by the table. Unknown states are never permitted.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// All returns every state in the closed set.
func All() []State {
	return []State{
		Received,
		ReasoningRequested,
		IntentValidated,
		ActionRequested,
		ActionCompleted,
		FailedValidation,
		FailedExecution,
	}
}
