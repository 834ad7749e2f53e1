package saga

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recorder tracks forward and compensation invocations across a saga run.
type recorder struct {
	mu          sync.Mutex
	executed    []string
	compensated []string
}

func (r *recorder) exec(id string) {
	r.mu.Lock()
	r.executed = append(r.executed, id)
	r.mu.Unlock()
}

func (r *recorder) comp(id string) {
	r.mu.Lock()
	r.compensated = append(r.compensated, id)
	r.mu.Unlock()
}

func (r *recorder) step(id string) StepOption {
	return Action(func(ctx context.Context, sc *SagaContext) (any, error) {
		r.exec(id)
		return id + "-result", nil
	})
}

func (r *recorder) undo(id string) StepOption {
	return Compensate(func(ctx context.Context, sc *SagaContext, result any) error {
		r.comp(id)
		return nil
	})
}

func failing(err error) StepOption {
	return Action(func(ctx context.Context, sc *SagaContext) (any, error) {
		return nil, err
	})
}

func TestEngineExecuteSuccess(t *testing.T) {
	rec := &recorder{}
	def, err := New("order-fulfillment").
		Step("reserve-inventory", rec.step("reserve-inventory"), rec.undo("reserve-inventory")).
		Step("charge-payment", rec.step("charge-payment"), rec.undo("charge-payment"), DependsOn("reserve-inventory")).
		Step("ship-order", rec.step("ship-order"), DependsOn("charge-payment")).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	engine := NewEngine()
	result, err := engine.Execute(context.Background(), def, map[string]any{"order_id": "ord-42"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if !result.Success {
		t.Fatalf("expected success, failure: %+v", result.Failure)
	}
	if result.State != SagaStateCompleted {
		t.Errorf("expected state completed, got %s", result.State)
	}
	if result.CorrelationID == "" {
		t.Error("expected generated correlation id")
	}
	want := []string{"reserve-inventory", "charge-payment", "ship-order"}
	if !reflect.DeepEqual(rec.executed, want) {
		t.Errorf("expected execution order %v, got %v", want, rec.executed)
	}
	if len(rec.compensated) != 0 {
		t.Errorf("successful saga must not compensate, got %v", rec.compensated)
	}
	if result.Output != "ship-order-result" {
		t.Errorf("expected output of last completed step, got %v", result.Output)
	}
	if outcome := result.Outcome("charge-payment"); outcome == nil || outcome.Status != StepStatusDone {
		t.Errorf("expected charge-payment done, got %+v", outcome)
	}
}

func TestEngineCompensatesInReverseCompletionOrder(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("card declined")

	def, err := New("order-fulfillment").
		Step("reserve-inventory", rec.step("reserve-inventory"), rec.undo("reserve-inventory")).
		Step("create-shipment", rec.step("create-shipment"), rec.undo("create-shipment"), DependsOn("reserve-inventory")).
		Step("charge-payment", failing(boom), DependsOn("create-shipment")).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	engine := NewEngine()
	result, err := engine.Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.Success {
		t.Fatal("expected failed saga")
	}
	if result.State != SagaStateCompensated {
		t.Errorf("expected state compensated, got %s", result.State)
	}
	if result.Failure == nil {
		t.Fatal("expected failure report")
	}
	if result.Failure.FailedStepID != "charge-payment" {
		t.Errorf("expected failed step charge-payment, got %s", result.Failure.FailedStepID)
	}
	if !errors.Is(result.Failure.Err, boom) {
		t.Errorf("expected cause to wrap the step error, got %v", result.Failure.Err)
	}

	// Unwind runs newest first.
	want := []string{"create-shipment", "reserve-inventory"}
	if !reflect.DeepEqual(rec.compensated, want) {
		t.Errorf("expected compensation order %v, got %v", want, rec.compensated)
	}
	if outcome := result.Outcome("reserve-inventory"); outcome.Status != StepStatusCompensated {
		t.Errorf("expected reserve-inventory compensated, got %s", outcome.Status)
	}
	if outcome := result.Outcome("charge-payment"); outcome.Status != StepStatusFailed {
		t.Errorf("expected charge-payment failed, got %s", outcome.Status)
	}
	if result.Failure.NeedsAttention() {
		t.Error("clean unwind must not need attention")
	}
}

func TestEngineFailureInLayerCompensatesCompletedSiblings(t *testing.T) {
	rec := &recorder{}
	var leftDone atomic.Bool

	def, err := New("parallel").
		Step("root", rec.step("root"), rec.undo("root")).
		Step("left",
			Action(func(ctx context.Context, sc *SagaContext) (any, error) {
				rec.exec("left")
				leftDone.Store(true)
				return "left-result", nil
			}),
			rec.undo("left"),
			DependsOn("root"),
		).
		Step("right",
			Action(func(ctx context.Context, sc *SagaContext) (any, error) {
				// Fail only after the sibling completed so its compensation
				// is deterministic. The engine records completion after the
				// handler returns, so leave it headroom.
				for !leftDone.Load() {
					time.Sleep(time.Millisecond)
				}
				time.Sleep(50 * time.Millisecond)
				return nil, errors.New("right failed")
			}),
			DependsOn("root"),
		).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	engine := NewEngine()
	result, err := engine.Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.Success {
		t.Fatal("expected failed saga")
	}
	want := []string{"left", "root"}
	if !reflect.DeepEqual(rec.compensated, want) {
		t.Errorf("expected compensation %v, got %v", want, rec.compensated)
	}
}

func TestEngineStepTimeout(t *testing.T) {
	rec := &recorder{}
	def, err := New("slow").
		Step("fast", rec.step("fast"), rec.undo("fast")).
		Step("slow",
			Action(func(ctx context.Context, sc *SagaContext) (any, error) {
				select {
				case <-time.After(5 * time.Second):
					return "late", nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}),
			StepTimeout(20*time.Millisecond),
			DependsOn("fast"),
		).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	engine := NewEngine()
	result, err := engine.Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.Success {
		t.Fatal("expected timeout failure")
	}
	if result.Failure.FailedStepID != "slow" {
		t.Errorf("expected failed step slow, got %s", result.Failure.FailedStepID)
	}
	if !reflect.DeepEqual(rec.compensated, []string{"fast"}) {
		t.Errorf("expected fast compensated, got %v", rec.compensated)
	}
}

func TestEngineDiscardsLateResultAfterDeadline(t *testing.T) {
	def, err := New("late-result").
		Step("slow",
			Action(func(ctx context.Context, sc *SagaContext) (any, error) {
				// Ignores cancellation and returns a value past its deadline.
				time.Sleep(50 * time.Millisecond)
				return "stale", nil
			}),
			StepTimeout(10*time.Millisecond),
		).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	engine := NewEngine()
	result, err := engine.Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.Success {
		t.Fatal("expected failure, late results must be discarded")
	}
	if !errors.Is(result.Failure.Err, ErrStepTimeout) {
		t.Errorf("expected ErrStepTimeout, got %v", result.Failure.Err)
	}
	if outcome := result.Outcome("slow"); outcome.Value != nil {
		t.Errorf("expected discarded value, got %v", outcome.Value)
	}
}

func TestEngineSagaTimeoutStillCompensates(t *testing.T) {
	rec := &recorder{}
	def, err := New("bounded").
		Step("first", rec.step("first"), rec.undo("first")).
		Step("stuck",
			Action(func(ctx context.Context, sc *SagaContext) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}),
			DependsOn("first"),
		).
		WithTimeout(30 * time.Millisecond).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	engine := NewEngine()
	result, err := engine.Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.Success {
		t.Fatal("expected timed out saga")
	}
	// Compensation runs on a detached context, so the unwind completes even
	// though the saga deadline has passed.
	if !reflect.DeepEqual(rec.compensated, []string{"first"}) {
		t.Errorf("expected first compensated, got %v", rec.compensated)
	}
}

func TestEngineLayerConcurrencyBound(t *testing.T) {
	var current, peak atomic.Int64

	track := Action(func(ctx context.Context, sc *SagaContext) (any, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return nil, nil
	})

	b := New("bounded-layer").WithLayerConcurrency(2)
	for i := 0; i < 6; i++ {
		b.Step(fmt.Sprintf("step-%d", i), track)
	}
	def, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	engine := NewEngine()
	result, err := engine.Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result.Failure)
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("layer concurrency 2 exceeded, peak %d", got)
	}
}

func TestEngineContextVariablesFlowBetweenLayers(t *testing.T) {
	def, err := New("dataflow").
		Step("produce",
			Action(func(ctx context.Context, sc *SagaContext) (any, error) {
				sc.Set("reservation_id", "rsv-7")
				return nil, nil
			}),
		).
		Step("consume",
			Action(func(ctx context.Context, sc *SagaContext) (any, error) {
				v, ok := sc.Get("reservation_id")
				if !ok {
					return nil, errors.New("missing reservation_id")
				}
				return v, nil
			}),
			DependsOn("produce"),
		).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	engine := NewEngine()
	result, err := engine.Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result.Failure)
	}
	if result.Output != "rsv-7" {
		t.Errorf("expected rsv-7, got %v", result.Output)
	}
}

func TestEngineManualCompensation(t *testing.T) {
	rec := &recorder{}
	def, err := New("manual").
		Step("reserve", rec.step("reserve"), rec.undo("reserve")).
		Step("charge", failing(errors.New("declined")), DependsOn("reserve")).
		WithManualCompensation().
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	engine := NewEngine()
	result, err := engine.ExecuteWithID(context.Background(), "manual-1", def, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.State != SagaStatePendingCompensation {
		t.Fatalf("expected pending-compensation, got %s", result.State)
	}
	if len(rec.compensated) != 0 {
		t.Fatalf("manual mode must not auto compensate, got %v", rec.compensated)
	}

	final, err := engine.TriggerCompensation(context.Background(), "manual-1")
	if err != nil {
		t.Fatalf("TriggerCompensation: %v", err)
	}
	if final.State != SagaStateCompensated {
		t.Errorf("expected compensated, got %s", final.State)
	}
	if !reflect.DeepEqual(rec.compensated, []string{"reserve"}) {
		t.Errorf("expected reserve compensated, got %v", rec.compensated)
	}

	// A second trigger has nothing to unwind.
	if _, err := engine.TriggerCompensation(context.Background(), "manual-1"); !errors.Is(err, ErrSagaNotFound) {
		t.Errorf("expected ErrSagaNotFound, got %v", err)
	}
}

func TestEngineAdmissionRejection(t *testing.T) {
	def, err := New("gated").Step("a", noopStep()).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	rejection := errors.New("at capacity")
	engine := NewEngine(WithAdmission(rejectAll{err: rejection}))

	_, err = engine.Execute(context.Background(), def, nil)
	if !errors.Is(err, rejection) {
		t.Fatalf("expected admission rejection, got %v", err)
	}
}

type rejectAll struct{ err error }

func (r rejectAll) Acquire(context.Context) error { return r.err }
func (r rejectAll) Release(bool)                  {}

func TestEngineNilAndInvalidDefinition(t *testing.T) {
	engine := NewEngine()

	if _, err := engine.Execute(context.Background(), nil, nil); err == nil {
		t.Error("expected error for nil definition")
	}

	bad := &SagaDefinition{Name: "bad"}
	if _, err := engine.Execute(context.Background(), bad, nil); err == nil {
		t.Error("expected error for definition without steps")
	}
}

func TestEnginePersistsAndClearsSnapshots(t *testing.T) {
	store := NewMemoryStateStore()
	engine := NewEngine(WithStateStore(store))

	t.Run("success deletes snapshot", func(t *testing.T) {
		def, err := New("clean").Step("a", noopStep()).Build()
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		if _, err := engine.ExecuteWithID(context.Background(), "ok-1", def, nil); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if _, err := store.Load(context.Background(), "ok-1"); !errors.Is(err, ErrSnapshotNotFound) {
			t.Errorf("expected snapshot deleted after success, got %v", err)
		}
	})

	t.Run("failure retains terminal snapshot", func(t *testing.T) {
		rec := &recorder{}
		def, err := New("dirty").
			Step("a", rec.step("a"), rec.undo("a")).
			Step("b", failing(errors.New("boom")), DependsOn("a")).
			Build()
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		if _, err := engine.ExecuteWithID(context.Background(), "fail-1", def, nil); err != nil {
			t.Fatalf("Execute: %v", err)
		}

		snap, err := store.Load(context.Background(), "fail-1")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if snap.State != SagaStateCompensated {
			t.Errorf("expected compensated snapshot, got %s", snap.State)
		}
		if snap.FailedStep != "b" {
			t.Errorf("expected failed step b, got %s", snap.FailedStep)
		}
		if !reflect.DeepEqual(snap.Completed, []string{"a"}) {
			t.Errorf("expected completed [a], got %v", snap.Completed)
		}
		if !reflect.DeepEqual(snap.Compensated, []string{"a"}) {
			t.Errorf("expected compensated [a], got %v", snap.Compensated)
		}
	})
}

func TestEngineResumeSkipsCompletedSteps(t *testing.T) {
	rec := &recorder{}
	def, err := New("resumable").
		Step("a", rec.step("a")).
		Step("b", rec.step("b"), DependsOn("a")).
		Step("c", rec.step("c"), DependsOn("b")).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	snap := &Snapshot{
		CorrelationID: "resume-1",
		SagaName:      "resumable",
		State:         SagaStateRunning,
		Completed:     []string{"a", "b"},
		StepResults:   map[string]any{"a": "a-result", "b": "b-result"},
		Variables:     map[string]any{"tenant": "acme"},
		UpdatedAt:     time.Now().UTC(),
	}

	engine := NewEngine()
	result, err := engine.Resume(context.Background(), def, snap)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if !result.Success {
		t.Fatalf("expected success, got %+v", result.Failure)
	}
	if !reflect.DeepEqual(rec.executed, []string{"c"}) {
		t.Errorf("expected only c to run, got %v", rec.executed)
	}
	if result.CorrelationID != "resume-1" {
		t.Errorf("expected preserved correlation id, got %s", result.CorrelationID)
	}
}

func TestEngineResumeCompensatingSnapshotUnwinds(t *testing.T) {
	rec := &recorder{}
	def, err := New("unwind").
		Step("a", rec.step("a"), rec.undo("a")).
		Step("b", rec.step("b"), rec.undo("b"), DependsOn("a")).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	snap := &Snapshot{
		CorrelationID: "resume-2",
		SagaName:      "unwind",
		State:         SagaStateCompensating,
		Completed:     []string{"a", "b"},
		FailedStep:    "b",
		FailureReason: "connection reset",
		UpdatedAt:     time.Now().UTC(),
	}

	engine := NewEngine()
	result, err := engine.Resume(context.Background(), def, snap)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if result.Success {
		t.Fatal("expected compensating resume to end failed")
	}
	if result.State != SagaStateCompensated {
		t.Errorf("expected compensated, got %s", result.State)
	}
	if len(rec.executed) != 0 {
		t.Errorf("no forward steps expected, got %v", rec.executed)
	}
	if !reflect.DeepEqual(rec.compensated, []string{"b", "a"}) {
		t.Errorf("expected unwind [b a], got %v", rec.compensated)
	}
}

func TestEngineResumeValidation(t *testing.T) {
	engine := NewEngine()
	def, err := New("v").Step("a", noopStep()).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if _, err := engine.Resume(context.Background(), nil, &Snapshot{CorrelationID: "x"}); err == nil {
		t.Error("expected error for nil definition")
	}
	if _, err := engine.Resume(context.Background(), def, nil); err == nil {
		t.Error("expected error for nil snapshot")
	}
	if _, err := engine.Resume(context.Background(), def, &Snapshot{}); err == nil {
		t.Error("expected error for empty correlation id")
	}
}

func TestEngineCompensateResult(t *testing.T) {
	rec := &recorder{}
	def, err := New("downstream").
		Step("a", rec.step("a"), rec.undo("a")).
		Step("b", rec.step("b"), rec.undo("b"), DependsOn("a")).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	engine := NewEngine()
	result, err := engine.Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result.Failure)
	}

	report := engine.CompensateResult(context.Background(), def, result, errors.New("later saga failed"))
	if len(report.Errors) != 0 {
		t.Fatalf("expected clean unwind, got %v", report.Errors)
	}
	if !reflect.DeepEqual(report.Compensated, []string{"b", "a"}) {
		t.Errorf("expected [b a], got %v", report.Compensated)
	}
	if !reflect.DeepEqual(rec.compensated, []string{"b", "a"}) {
		t.Errorf("expected compensations [b a], got %v", rec.compensated)
	}
	if outcome := result.Outcome("a"); outcome.Status != StepStatusCompensated {
		t.Errorf("expected a compensated, got %s", outcome.Status)
	}
}

func TestEngineCompensateResultSeesForwardVariables(t *testing.T) {
	var undoSaw any
	def, err := New("charge").
		Step("charge",
			Action(func(ctx context.Context, sc *SagaContext) (any, error) {
				sc.Set("charge_id", "ch-42")
				return "charged", nil
			}),
			Compensate(func(ctx context.Context, sc *SagaContext, result any) error {
				undoSaw, _ = sc.Get("charge_id")
				return nil
			}),
		).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	engine := NewEngine()
	result, err := engine.Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got, ok := result.Variables["charge_id"]; !ok || got != "ch-42" {
		t.Fatalf("expected charge_id in result variables, got %v", result.Variables)
	}

	report := engine.CompensateResult(context.Background(), def, result, errors.New("later saga failed"))
	if len(report.Errors) != 0 {
		t.Fatalf("expected clean unwind, got %v", report.Errors)
	}
	if undoSaw != "ch-42" {
		t.Errorf("expected compensation to read charge_id, got %v", undoSaw)
	}
}

func TestEngineObserverCallbacks(t *testing.T) {
	obs := &countingObserver{}
	rec := &recorder{}
	def, err := New("observed").
		Step("a", rec.step("a"), rec.undo("a")).
		Step("b", failing(errors.New("boom")), DependsOn("a")).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	engine := NewEngine(WithObserver(obs))
	if _, err := engine.Execute(context.Background(), def, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if obs.started.Load() != 1 {
		t.Errorf("expected 1 started callback, got %d", obs.started.Load())
	}
	if obs.stepDone.Load() != 1 {
		t.Errorf("expected 1 step done callback, got %d", obs.stepDone.Load())
	}
	if obs.stepFailed.Load() != 1 {
		t.Errorf("expected 1 step failed callback, got %d", obs.stepFailed.Load())
	}
	if obs.compensated.Load() != 1 {
		t.Errorf("expected 1 compensated callback, got %d", obs.compensated.Load())
	}
	if obs.finished.Load() != 1 {
		t.Errorf("expected 1 finished callback, got %d", obs.finished.Load())
	}
}

type countingObserver struct {
	started     atomic.Int64
	stepDone    atomic.Int64
	stepFailed  atomic.Int64
	compensated atomic.Int64
	finished    atomic.Int64
}

func (o *countingObserver) OnSagaStarted(*SagaContext)                    { o.started.Add(1) }
func (o *countingObserver) OnStepDone(*SagaContext, string, any)          { o.stepDone.Add(1) }
func (o *countingObserver) OnStepFailed(*SagaContext, string, error)      { o.stepFailed.Add(1) }
func (o *countingObserver) OnStepCompensated(*SagaContext, string, error) { o.compensated.Add(1) }
func (o *countingObserver) OnSagaFinished(*SagaResult)                    { o.finished.Add(1) }
