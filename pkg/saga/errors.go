package saga

import (
	"errors"
	"fmt"
)

// ErrStepTimeout marks a forward action that exceeded its timeout. Timeouts
// are treated exactly like any other step failure: they trigger compensation.
var ErrStepTimeout = errors.New("step timed out")

// ErrSagaNotFound is returned when a saga snapshot or pending compensation
// cannot be located by correlation id.
var ErrSagaNotFound = errors.New("saga not found")

// ErrSnapshotNotFound is returned by StateStore implementations when no
// snapshot exists for a correlation id.
var ErrSnapshotNotFound = errors.New("saga snapshot not found")

// StepExecutionError wraps the failure of a forward action. It never escapes
// Engine.Execute as an error; it is carried inside the FailureReport.
type StepExecutionError struct {
	SagaName string
	StepID   string
	Err      error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("saga %s: step %s failed: %v", e.SagaName, e.StepID, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// CompensationError wraps the failure of a compensating action. Recorded in
// reports, never re-raised.
type CompensationError struct {
	StepID   string
	Attempts int
	Err      error
}

func (e *CompensationError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("compensation for %s failed after %d attempts: %v", e.StepID, e.Attempts, e.Err)
	}
	return fmt.Sprintf("compensation for %s failed: %v", e.StepID, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }

// ErrBreakerOpen is recorded for compensations skipped because the circuit
// breaker for their participant is open.
var ErrBreakerOpen = errors.New("compensation breaker open for participant")
