// Package fsm implements TaskStateMachine: the per-task deterministic
// transition table driving plan→code→test→review→commit→(deploy), with
// write-ahead audit, iteration budget, and retry/backoff (spec.md §4.6).
package fsm

// State names one node of the task driver's finer-grained lifecycle. It is
// distinct from models.TaskStatus: RUNNING covers every non-terminal State
// except PENDING and SUSPENDED, which have TaskStatus values of their own.
type State string

const (
	StatePending       State = "PENDING"
	StatePlanning      State = "PLANNING"
	StateCoding        State = "CODING"
	StateTesting       State = "TESTING"
	StateReviewing     State = "REVIEWING"
	StateCommitPending State = "COMMIT_PENDING"
	StateDeploying     State = "DEPLOYING"
	StateSucceeded     State = "SUCCEEDED"
	StateFailed        State = "FAILED"
	StateCancelled     State = "CANCELLED"
	StateSuspended     State = "SUSPENDED"
)

// Terminal reports whether State is one-way terminal (spec.md P8).
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// allowedTransitions is the deterministic transition table of spec.md §4.6,
// grounded on go-claw's allowedTransitions/canTransition idiom
// (internal/persistence/store.go) generalized from a flat task-status map to
// this engine's finer-grained phase states. Every non-terminal state may
// additionally transition to FAILED, CANCELLED, or (except COMMIT_PENDING/
// DEPLOYING) SUSPENDED; those edges are added programmatically below rather
// than repeated in every row.
var allowedTransitions = map[State]map[State]struct{}{
	StatePending:       {StatePlanning: {}},
	StatePlanning:      {StateCoding: {}, StatePlanning: {}},
	StateCoding:        {StateTesting: {}, StateCoding: {}},
	StateTesting:       {StateReviewing: {}, StateCoding: {}},
	StateReviewing:     {StateCommitPending: {}, StateCoding: {}},
	StateCommitPending: {StateSucceeded: {}, StateDeploying: {}},
	StateDeploying:     {StateSucceeded: {}},
	StateSuspended:     {StatePlanning: {}, StateCoding: {}, StateTesting: {}, StateReviewing: {}},
}

func init() {
	for from := range allowedTransitions {
		if from.Terminal() {
			continue
		}
		allowedTransitions[from][StateFailed] = struct{}{}
		allowedTransitions[from][StateCancelled] = struct{}{}
		if from != StateCommitPending && from != StateDeploying {
			allowedTransitions[from][StateSuspended] = struct{}{}
		}
	}
}

// CanTransition reports whether to is a legal next state from.
func CanTransition(from, to State) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}
