package saga

import "fmt"

// SagaState is the lifecycle of one saga execution.
type SagaState int

const (
	SagaStateRunning SagaState = iota
	SagaStateCompleted
	SagaStateCompensating
	SagaStatePendingCompensation
	SagaStateCompensated
	SagaStateCompensationFailed
)

var validTransitions = map[SagaState]map[SagaState]struct{}{
	SagaStateRunning: {
		SagaStateCompleted:           {},
		SagaStateCompensating:        {},
		SagaStatePendingCompensation: {},
	},
	SagaStatePendingCompensation: {
		SagaStateCompensating: {},
	},
	SagaStateCompensating: {
		SagaStateCompensated:        {},
		SagaStateCompensationFailed: {},
	},
}

// String returns the string form of the state.
func (s SagaState) String() string {
	switch s {
	case SagaStateRunning:
		return "running"
	case SagaStateCompleted:
		return "completed"
	case SagaStateCompensating:
		return "compensating"
	case SagaStatePendingCompensation:
		return "pending-compensation"
	case SagaStateCompensated:
		return "compensated"
	case SagaStateCompensationFailed:
		return "compensation-failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state admits no further transitions.
func (s SagaState) IsTerminal() bool {
	switch s {
	case SagaStateCompleted, SagaStateCompensated, SagaStateCompensationFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether a state transition is valid.
func (s SagaState) CanTransitionTo(next SagaState) bool {
	if s == next {
		return true
	}
	validNext, ok := validTransitions[s]
	if !ok {
		return false
	}
	_, ok = validNext[next]
	return ok
}

// ValidateTransition validates transition semantics.
func ValidateTransition(current, next SagaState) error {
	if !current.CanTransitionTo(next) {
		return fmt.Errorf("invalid saga state transition: %s -> %s", current, next)
	}
	return nil
}
