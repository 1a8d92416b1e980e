package execution

import "fmt"

// State is the lifecycle state of one execution.
type State string

const (
	StateIdle             State = "idle"
	StatePlanning         State = "planning"
	StateAwaitingApproval State = "awaiting_approval"
	StateExecuting        State = "executing"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateCancelled        State = "cancelled"
	StateTimedOut         State = "timed_out"
	StateRolledBack       State = "rolled_back"
)

// legalTransitions is the complete transition table. Anything absent is
// illegal and rejected.
var legalTransitions = map[State][]State{
	StateIdle:             {StatePlanning},
	StatePlanning:         {StateExecuting, StateAwaitingApproval, StateFailed},
	StateAwaitingApproval: {StateExecuting, StateFailed, StateCancelled},
	StateExecuting:        {StateAwaitingApproval, StateCompleted, StateFailed, StateCancelled, StateTimedOut, StateRolledBack},
	StateFailed:           {StateRolledBack},
	StateCompleted:        {},
	StateCancelled:        {},
	StateTimedOut:         {},
	StateRolledBack:       {},
}

// States returns every defined state in declaration order.
func States() []State {
	return []State{
		StateIdle, StatePlanning, StateAwaitingApproval, StateExecuting,
		StateCompleted, StateFailed, StateCancelled, StateTimedOut, StateRolledBack,
	}
}

// Known reports whether s names a defined state.
func Known(s State) bool {
	_, ok := legalTransitions[s]
	return ok
}

// Terminal reports whether an execution in s can never leave it. failed is
// not terminal: a rollback pass may still move it to rolled_back.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateTimedOut, StateRolledBack:
		return true
	}
	return false
}

func (s State) String() string { return string(s) }

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError reports an attempted illegal transition. Its code is
// stable; callers match on Code, humans read Error().
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal state transition: %s -> %s", e.From, e.To)
}

// Code returns the stable error code for illegal transitions.
func (e *TransitionError) Code() string { return CodeStateInvalid }

// Stable execution-level error codes (component "engine").
const (
	CodeTimeout      = "execution_timeout"
	CodeCancelled    = "execution_cancelled"
	CodeStateInvalid = "state_invalid"
	CodeInternal     = "internal"
	CodeRecovered    = "recovered_after_crash"
)
