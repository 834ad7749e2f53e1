package saga

import "time"

// StepStatus is the lifecycle of one step within a saga execution.
// Done never transitions back to Running; Compensated is only reachable
// from Done during failure unwind.
type StepStatus int

const (
	StepStatusPending StepStatus = iota
	StepStatusRunning
	StepStatusDone
	StepStatusFailed
	StepStatusCompensated
)

// String returns the string form of the status.
func (s StepStatus) String() string {
	switch s {
	case StepStatusPending:
		return "pending"
	case StepStatusRunning:
		return "running"
	case StepStatusDone:
		return "done"
	case StepStatusFailed:
		return "failed"
	case StepStatusCompensated:
		return "compensated"
	default:
		return "unknown"
	}
}

// StepOutcome records the result of one step.
type StepOutcome struct {
	StepID     string
	Status     StepStatus
	Value      any
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// SagaResult is what a caller receives from Engine.Execute. On failure,
// Failure carries the full diagnostic report; execution errors never escape
// the engine as plain errors.
type SagaResult struct {
	SagaName      string
	CorrelationID string
	Success       bool
	State         SagaState
	Outcomes      map[string]*StepOutcome
	Completed     []string
	Output        any
	Failure       *FailureReport

	// Variables is a copy of the context variables bag when the result was
	// produced, so a later unwind sees what the forward steps wrote.
	Variables map[string]any
}

// Outcome returns the outcome for a step id, or nil.
func (r *SagaResult) Outcome(stepID string) *StepOutcome {
	if r == nil {
		return nil
	}
	return r.Outcomes[stepID]
}

// FailureReport describes a failed saga execution: what ran, what was rolled
// back, and what rollback itself failed to undo. Immutable once produced.
type FailureReport struct {
	SagaName           string
	CorrelationID      string
	FailedStepID       string
	Err                error
	CompletedSteps     []string
	CompensatedSteps   []string
	CompensationErrors map[string]error
}

// NeedsAttention reports whether any compensation failed, leaving state an
// operator has to reconcile by hand.
func (r *FailureReport) NeedsAttention() bool {
	return r != nil && len(r.CompensationErrors) > 0
}
