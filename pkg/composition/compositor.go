package composition

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sagaflow/sagaflow/pkg/saga"
)

const compositionTracerName = "sagaflow.composition"

// CompositorOption customizes Compositor initialization.
type CompositorOption func(c *Compositor)

// WithLogger wires structured logging into the compositor.
func WithLogger(l saga.Logger) CompositorOption {
	return func(c *Compositor) {
		if l != nil {
			c.logger = l
		}
	}
}

// Compositor runs compositions: it layers the saga DAG, resolves inputs
// through data flows, executes sagas via the engine, and compensates
// completed sagas when a later one fails.
type Compositor struct {
	engine *saga.Engine
	flows  *DataFlowManager
	logger saga.Logger
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NewCompositor creates a compositor backed by the given engine.
func NewCompositor(engine *saga.Engine, opts ...CompositorOption) (*Compositor, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	c := &Compositor{
		engine: engine,
		flows:  &DataFlowManager{},
		logger: nopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Run executes a composition. Saga failures never surface as the returned
// error; they are recorded on the Context together with the compensation
// outcome. Only structural problems return an error.
func (c *Compositor) Run(ctx context.Context, comp *Composition, input map[string]any) (*Context, error) {
	if comp == nil {
		return nil, fmt.Errorf("composition cannot be nil")
	}
	if err := comp.Validate(); err != nil {
		return nil, err
	}
	layers, err := comp.Layers()
	if err != nil {
		return nil, err
	}

	cc := NewContext(uuid.NewString(), comp.Name)

	ctx, span := otel.Tracer(compositionTracerName).Start(ctx, "composition.run", trace.WithAttributes(
		attribute.String("composition.name", comp.Name),
		attribute.String("composition.correlation_id", cc.CorrelationID),
	))
	defer span.End()

	c.logger.Info("composition started",
		"composition", comp.Name, "correlation_id", cc.CorrelationID)

	var mu sync.Mutex
	var failedSaga string
	var failure error

	for _, layer := range layers {
		if failure != nil {
			break
		}

		var wg sync.WaitGroup
		for _, name := range layer {
			entry := comp.Entries[name]
			wg.Add(1)
			go func(entry *Entry) {
				defer wg.Done()

				resolved, err := c.flows.Resolve(cc, entry, input)
				if err != nil {
					mu.Lock()
					if failure == nil {
						failedSaga = entry.Name
						failure = err
					}
					mu.Unlock()
					return
				}
				cc.recordInput(entry.Name, resolved)

				result, err := c.engine.Execute(ctx, entry.Definition, anyMap(resolved))
				if err != nil {
					mu.Lock()
					if failure == nil {
						failedSaga = entry.Name
						failure = err
					}
					mu.Unlock()
					return
				}

				cc.recordResult(entry.Name, result)
				if !result.Success {
					mu.Lock()
					if failure == nil {
						failedSaga = entry.Name
						failure = result.Failure.Err
					}
					mu.Unlock()
					return
				}
				c.logger.Debug("composed saga completed",
					"composition", comp.Name, "saga", entry.Name)
			}(entry)
		}
		wg.Wait()
	}

	if failure != nil {
		compErr := &CompositionError{Composition: comp.Name, SagaName: failedSaga, Err: failure}
		cc.setErr(compErr)
		span.SetStatus(codes.Error, compErr.Error())
		c.compensateCompleted(ctx, comp, cc, compErr)
		c.logger.Warn("composition failed",
			"composition", comp.Name,
			"correlation_id", cc.CorrelationID,
			"failed_saga", failedSaga,
			"compensated_sagas", len(cc.CompensatedSagas()),
		)
		return cc, nil
	}

	span.SetStatus(codes.Ok, "")
	c.logger.Info("composition completed",
		"composition", comp.Name, "correlation_id", cc.CorrelationID)
	return cc, nil
}

// compensateCompleted unwinds every completed saga in reverse completion
// order. Each saga is compensated through its own definition's strategy.
func (c *Compositor) compensateCompleted(ctx context.Context, comp *Composition, cc *Context, cause error) {
	completed := cc.CompletedSagas()
	for i := len(completed) - 1; i >= 0; i-- {
		name := completed[i]
		entry := comp.Entries[name]
		result := cc.SagaResult(name)
		if entry == nil || result == nil {
			continue
		}

		report := c.engine.CompensateResult(ctx, entry.Definition, result, cause)
		cc.recordCompensated(name, report.Errors)
		if len(report.Errors) > 0 {
			c.logger.Error("composed saga compensation incomplete",
				"composition", comp.Name, "saga", name, "errors", len(report.Errors))
			continue
		}
		c.logger.Info("composed saga compensated",
			"composition", comp.Name, "saga", name)
	}
}

func anyMap(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}
