package composition

import (
	"sync"

	"github.com/sagaflow/sagaflow/pkg/saga"
)

// Context is the mutable state carrier for one composition run, owned by the
// Compositor for the run's lifetime.
type Context struct {
	CorrelationID   string
	CompositionName string

	mu                 sync.RWMutex
	sagaResults        map[string]*saga.SagaResult
	sagaInputs         map[string]map[string]any
	completedOrder     []string
	compensatedSagas   []string
	compensationErrors map[string]map[string]error
	err                error
}

// NewContext creates a context for one composition run.
func NewContext(correlationID, compositionName string) *Context {
	return &Context{
		CorrelationID:      correlationID,
		CompositionName:    compositionName,
		sagaResults:        make(map[string]*saga.SagaResult),
		sagaInputs:         make(map[string]map[string]any),
		completedOrder:     make([]string, 0),
		compensatedSagas:   make([]string, 0),
		compensationErrors: make(map[string]map[string]error),
	}
}

// SagaResult returns the result recorded for a saga, or nil.
func (c *Context) SagaResult(name string) *saga.SagaResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sagaResults[name]
}

// SagaInput returns the resolved input recorded for a saga, or nil.
func (c *Context) SagaInput(name string) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sagaInputs[name]
}

// CompletedSagas returns the names of completed sagas in completion order.
func (c *Context) CompletedSagas() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.completedOrder))
	out = append(out, c.completedOrder...)
	return out
}

// CompensatedSagas returns the sagas compensated so far, in compensation
// order.
func (c *Context) CompensatedSagas() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.compensatedSagas...)
}

// CompensationErrors returns compensation failures by saga and step.
func (c *Context) CompensationErrors() map[string]map[string]error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]map[string]error, len(c.compensationErrors))
	for name, errs := range c.compensationErrors {
		inner := make(map[string]error, len(errs))
		for step, err := range errs {
			inner[step] = err
		}
		out[name] = inner
	}
	return out
}

// Err returns the composition error, if the run failed.
func (c *Context) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Succeeded reports whether every saga completed.
func (c *Context) Succeeded() bool {
	return c.Err() == nil
}

func (c *Context) recordInput(name string, input map[string]any) {
	c.mu.Lock()
	c.sagaInputs[name] = input
	c.mu.Unlock()
}

func (c *Context) recordResult(name string, result *saga.SagaResult) {
	c.mu.Lock()
	c.sagaResults[name] = result
	if result != nil && result.Success {
		c.completedOrder = append(c.completedOrder, name)
	}
	c.mu.Unlock()
}

func (c *Context) recordCompensated(name string, errs map[string]error) {
	c.mu.Lock()
	c.compensatedSagas = append(c.compensatedSagas, name)
	if len(errs) > 0 {
		c.compensationErrors[name] = errs
	}
	c.mu.Unlock()
}

func (c *Context) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}
