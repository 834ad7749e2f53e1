package saga

import "sync"

// SagaContext is the mutable state carrier threaded through one saga
// execution. It is owned by the engine run that created it and must not be
// shared across executions.
//
// Steps in the same layer run concurrently, so each step receives an
// isolated view of the variables bag (see fork); the engine merges a view
// back only after its step completes, in completion order. Steps therefore
// never observe a sibling's in-progress writes.
type SagaContext struct {
	CorrelationID string
	SagaName      string
	Input         any

	mu          sync.RWMutex
	headers     map[string]string
	variables   map[string]any
	currentStep string
}

// NewSagaContext creates a context for one execution. When input is a
// map[string]any its entries seed the variables bag; the raw input is always
// available via Input.
func NewSagaContext(correlationID, sagaName string, input any) *SagaContext {
	sc := &SagaContext{
		CorrelationID: correlationID,
		SagaName:      sagaName,
		Input:         input,
		headers:       make(map[string]string),
		variables:     make(map[string]any),
	}
	if m, ok := input.(map[string]any); ok {
		for k, v := range m {
			sc.variables[k] = v
		}
	}
	return sc
}

// Set stores a variable.
func (sc *SagaContext) Set(key string, value any) {
	sc.mu.Lock()
	sc.variables[key] = value
	sc.mu.Unlock()
}

// Get reads a variable.
func (sc *SagaContext) Get(key string) (any, bool) {
	sc.mu.RLock()
	v, ok := sc.variables[key]
	sc.mu.RUnlock()
	return v, ok
}

// Variables returns a copy of the variables bag.
func (sc *SagaContext) Variables() map[string]any {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	out := make(map[string]any, len(sc.variables))
	for k, v := range sc.variables {
		out[k] = v
	}
	return out
}

// SetHeader stores a header.
func (sc *SagaContext) SetHeader(key, value string) {
	sc.mu.Lock()
	sc.headers[key] = value
	sc.mu.Unlock()
}

// Header reads a header.
func (sc *SagaContext) Header(key string) (string, bool) {
	sc.mu.RLock()
	v, ok := sc.headers[key]
	sc.mu.RUnlock()
	return v, ok
}

// Headers returns a copy of all headers.
func (sc *SagaContext) Headers() map[string]string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	out := make(map[string]string, len(sc.headers))
	for k, v := range sc.headers {
		out[k] = v
	}
	return out
}

// CurrentStep reports the step the context is currently attached to.
func (sc *SagaContext) CurrentStep() string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.currentStep
}

// fork returns an isolated copy-on-write view for one step invocation.
func (sc *SagaContext) fork(stepID string) *SagaContext {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	vars := make(map[string]any, len(sc.variables))
	for k, v := range sc.variables {
		vars[k] = v
	}
	headers := make(map[string]string, len(sc.headers))
	for k, v := range sc.headers {
		headers[k] = v
	}
	return &SagaContext{
		CorrelationID: sc.CorrelationID,
		SagaName:      sc.SagaName,
		Input:         sc.Input,
		headers:       headers,
		variables:     vars,
		currentStep:   stepID,
	}
}

// absorb merges a completed step view back into the parent. Last completed
// writer wins, which is well-defined because merges happen one at a time in
// completion order.
func (sc *SagaContext) absorb(view *SagaContext) {
	view.mu.RLock()
	vars := make(map[string]any, len(view.variables))
	for k, v := range view.variables {
		vars[k] = v
	}
	headers := make(map[string]string, len(view.headers))
	for k, v := range view.headers {
		headers[k] = v
	}
	view.mu.RUnlock()

	sc.mu.Lock()
	for k, v := range vars {
		sc.variables[k] = v
	}
	for k, v := range headers {
		sc.headers[k] = v
	}
	sc.mu.Unlock()
}

func (sc *SagaContext) setCurrentStep(stepID string) {
	sc.mu.Lock()
	sc.currentStep = stepID
	sc.mu.Unlock()
}
