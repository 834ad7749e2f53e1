package composition

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/sagaflow/sagaflow/pkg/saga"
)

// sagaLog records saga step activity across a composition run.
type sagaLog struct {
	mu          sync.Mutex
	executed    []string
	compensated []string
}

func (l *sagaLog) exec(id string) {
	l.mu.Lock()
	l.executed = append(l.executed, id)
	l.mu.Unlock()
}

func (l *sagaLog) comp(id string) {
	l.mu.Lock()
	l.compensated = append(l.compensated, id)
	l.mu.Unlock()
}

func (l *sagaLog) compensations() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.compensated...)
}

func trackedSaga(t *testing.T, log *sagaLog, name string, fail bool) *saga.SagaDefinition {
	t.Helper()
	b := saga.New(name).
		Step("work",
			saga.Action(func(ctx context.Context, sc *saga.SagaContext) (any, error) {
				if fail {
					return nil, errors.New(name + " broke")
				}
				log.exec(name)
				return name + "-output", nil
			}),
			saga.Compensate(func(ctx context.Context, sc *saga.SagaContext, result any) error {
				log.comp(name)
				return nil
			}),
		)
	def, err := b.Build()
	if err != nil {
		t.Fatalf("build saga %s: %v", name, err)
	}
	return def
}

func TestCompositorRunSuccess(t *testing.T) {
	log := &sagaLog{}
	comp, err := NewBuilder("checkout").
		Saga("payment", trackedSaga(t, log, "payment", false)).
		Saga("shipping", trackedSaga(t, log, "shipping", false),
			After("payment"),
			WithFlow(DataFlow{SourceSaga: "payment", TargetKey: "transaction"}),
		).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	compositor, err := NewCompositor(saga.NewEngine())
	if err != nil {
		t.Fatalf("NewCompositor: %v", err)
	}

	cc, err := compositor.Run(context.Background(), comp, map[string]any{"order_id": "ord-1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !cc.Succeeded() {
		t.Fatalf("expected success, got %v", cc.Err())
	}
	if !reflect.DeepEqual(cc.CompletedSagas(), []string{"payment", "shipping"}) {
		t.Errorf("expected [payment shipping], got %v", cc.CompletedSagas())
	}

	// The flow projected payment's output into shipping's input.
	input := cc.SagaInput("shipping")
	if input["transaction"] != "payment-output" {
		t.Errorf("expected flowed transaction, got %v", input)
	}
	if input["order_id"] != "ord-1" {
		t.Errorf("expected base input preserved, got %v", input)
	}
	if result := cc.SagaResult("shipping"); result == nil || !result.Success {
		t.Errorf("expected recorded shipping result, got %+v", result)
	}
}

func TestCompositorFailureCompensatesCompletedSagas(t *testing.T) {
	log := &sagaLog{}
	comp, err := NewBuilder("checkout").
		Saga("inventory", trackedSaga(t, log, "inventory", false)).
		Saga("payment", trackedSaga(t, log, "payment", false), After("inventory")).
		Saga("shipping", trackedSaga(t, log, "shipping", true), After("payment")).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	compositor, err := NewCompositor(saga.NewEngine())
	if err != nil {
		t.Fatalf("NewCompositor: %v", err)
	}

	cc, err := compositor.Run(context.Background(), comp, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if cc.Succeeded() {
		t.Fatal("expected failed composition")
	}
	var compErr *CompositionError
	if !errors.As(cc.Err(), &compErr) {
		t.Fatalf("expected CompositionError, got %v", cc.Err())
	}
	if compErr.SagaName != "shipping" {
		t.Errorf("expected failed saga shipping, got %s", compErr.SagaName)
	}

	// Completed sagas unwind in reverse completion order.
	if !reflect.DeepEqual(cc.CompensatedSagas(), []string{"payment", "inventory"}) {
		t.Errorf("expected compensation [payment inventory], got %v", cc.CompensatedSagas())
	}
	if !reflect.DeepEqual(log.compensations(), []string{"payment", "inventory"}) {
		t.Errorf("expected step compensations [payment inventory], got %v", log.compensations())
	}
	if len(cc.CompensationErrors()) != 0 {
		t.Errorf("expected clean unwind, got %v", cc.CompensationErrors())
	}
}

func TestCompositorFirstSagaFailureCompensatesNothing(t *testing.T) {
	log := &sagaLog{}
	comp, err := NewBuilder("checkout").
		Saga("inventory", trackedSaga(t, log, "inventory", true)).
		Saga("payment", trackedSaga(t, log, "payment", false), After("inventory")).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	compositor, err := NewCompositor(saga.NewEngine())
	if err != nil {
		t.Fatalf("NewCompositor: %v", err)
	}

	cc, err := compositor.Run(context.Background(), comp, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if cc.Succeeded() {
		t.Fatal("expected failure")
	}
	if len(cc.CompensatedSagas()) != 0 {
		t.Errorf("nothing completed, nothing to compensate, got %v", cc.CompensatedSagas())
	}
	// The dependent saga never ran.
	if cc.SagaResult("payment") != nil {
		t.Error("expected payment to be skipped after upstream failure")
	}
}

func TestCompositorValidation(t *testing.T) {
	if _, err := NewCompositor(nil); err == nil {
		t.Error("expected error for nil engine")
	}

	compositor, err := NewCompositor(saga.NewEngine())
	if err != nil {
		t.Fatalf("NewCompositor: %v", err)
	}
	if _, err := compositor.Run(context.Background(), nil, nil); err == nil {
		t.Error("expected error for nil composition")
	}
}
