package composition

import "fmt"

// CompositionError wraps the failure of a composed saga. It triggers
// cross-saga compensation and is recorded on the Context; it never escapes
// Compositor.Run as an error.
type CompositionError struct {
	Composition string
	SagaName    string
	Err         error
}

func (e *CompositionError) Error() string {
	return fmt.Sprintf("composition %s: saga %s failed: %v", e.Composition, e.SagaName, e.Err)
}

func (e *CompositionError) Unwrap() error { return e.Err }
