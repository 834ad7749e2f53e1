package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// AdmissionController gates how many saga executions may be in flight
// process-wide. Implementations must be safe for concurrent use.
type AdmissionController interface {
	Acquire(ctx context.Context) error
	Release(success bool)
}

// Logger is the logging subset the engine uses.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// EngineOption customizes Engine initialization.
type EngineOption func(e *Engine)

// WithLogger wires structured logging into the engine.
func WithLogger(l Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics wires a metrics recorder into the engine.
func WithMetrics(m MetricsRecorder) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithObserver wires lifecycle callbacks into the engine.
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithAdmission wires a process-wide admission controller.
func WithAdmission(a AdmissionController) EngineOption {
	return func(e *Engine) {
		e.admission = a
	}
}

// WithStateStore enables context snapshot persistence through the given
// store. Snapshots are deleted on success and retained on failure.
func WithStateStore(s StateStore) EngineOption {
	return func(e *Engine) {
		e.store = s
	}
}

// WithStrategy overrides the built-in strategy for one policy.
func WithStrategy(policy CompensationPolicy, strategy CompensationStrategy) EngineOption {
	return func(e *Engine) {
		if strategy != nil {
			e.strategies[policy] = strategy
		}
	}
}

// Engine executes SagaDefinition instances: it walks topology layers,
// invokes steps, collects outcomes, and unwinds completed steps through the
// definition's compensation strategy on failure.
type Engine struct {
	logger    Logger
	metrics   MetricsRecorder
	observer  Observer
	admission AdmissionController
	store     StateStore

	strategies map[CompensationPolicy]CompensationStrategy

	mu      sync.Mutex
	pending map[string]*pendingCompensation
}

// NewEngine creates a saga engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		logger:     nopLogger{},
		metrics:    &nopMetricsRecorder{},
		observer:   nopObserver{},
		strategies: make(map[CompensationPolicy]CompensationStrategy),
		pending:    make(map[string]*pendingCompensation),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *Engine) strategyFor(policy CompensationPolicy) CompensationStrategy {
	if s, ok := e.strategies[policy]; ok {
		return s
	}
	return StrategyFor(policy)
}

// pendingCompensation holds everything needed to unwind a failed manual-mode
// saga later.
type pendingCompensation struct {
	def        *SagaDefinition
	sc         *SagaContext
	completed  []string
	outcomes   map[string]*StepOutcome
	layers     [][]string
	failedStep string
	cause      error
}

// execState is the mutable bookkeeping of one run.
type execState struct {
	sc        *SagaContext
	outcomes  map[string]*StepOutcome
	completed []string
	done      map[string]struct{}
}

// Execute runs a saga definition from start to a terminal state. Step and
// compensation failures never surface as the returned error; they are
// reported through SagaResult.Failure. Only structural problems (invalid
// definition, dependency cycle) or admission rejection return an error.
func (e *Engine) Execute(ctx context.Context, def *SagaDefinition, input any) (*SagaResult, error) {
	return e.ExecuteWithID(ctx, uuid.NewString(), def, input)
}

// ExecuteWithID runs a saga using a caller-provided correlation id.
func (e *Engine) ExecuteWithID(ctx context.Context, correlationID string, def *SagaDefinition, input any) (*SagaResult, error) {
	if def == nil {
		return nil, fmt.Errorf("saga definition cannot be nil")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	layers, err := def.Layers()
	if err != nil {
		return nil, err
	}

	st := &execState{
		sc:       NewSagaContext(correlationID, def.Name, input),
		outcomes: make(map[string]*StepOutcome, len(def.Steps)),
		done:     make(map[string]struct{}),
	}
	for _, id := range def.StepOrder {
		st.outcomes[id] = &StepOutcome{StepID: id, Status: StepStatusPending}
	}

	return e.run(ctx, def, layers, st)
}

// Resume continues a saga from a persisted snapshot: completed steps are
// skipped, and a snapshot already in a compensation state goes straight to
// the unwind.
func (e *Engine) Resume(ctx context.Context, def *SagaDefinition, snap *Snapshot) (*SagaResult, error) {
	if def == nil {
		return nil, fmt.Errorf("saga definition cannot be nil")
	}
	if snap == nil {
		return nil, fmt.Errorf("snapshot cannot be nil")
	}
	if snap.CorrelationID == "" {
		return nil, fmt.Errorf("snapshot correlation id cannot be empty")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	layers, err := def.Layers()
	if err != nil {
		return nil, err
	}

	sc := NewSagaContext(snap.CorrelationID, def.Name, nil)
	for k, v := range snap.Variables {
		sc.Set(k, v)
	}
	for k, v := range snap.Headers {
		sc.SetHeader(k, v)
	}

	st := &execState{
		sc:        sc,
		outcomes:  make(map[string]*StepOutcome, len(def.Steps)),
		completed: append([]string(nil), snap.Completed...),
		done:      make(map[string]struct{}, len(snap.Completed)),
	}
	for _, id := range def.StepOrder {
		st.outcomes[id] = &StepOutcome{StepID: id, Status: StepStatusPending}
	}
	for _, id := range snap.Completed {
		if outcome, ok := st.outcomes[id]; ok {
			outcome.Status = StepStatusDone
			outcome.Value = snap.StepResults[id]
			st.done[id] = struct{}{}
		}
	}

	switch snap.State {
	case SagaStateCompensating, SagaStatePendingCompensation:
		cause := fmt.Errorf("resumed compensation from snapshot")
		if snap.FailureReason != "" {
			cause = fmt.Errorf("resumed compensation: %s", snap.FailureReason)
		}
		return e.failAndCompensate(ctx, def, layers, st, snap.FailedStep, cause), nil
	default:
		return e.run(ctx, def, layers, st)
	}
}

func (e *Engine) run(ctx context.Context, def *SagaDefinition, layers [][]string, st *execState) (*SagaResult, error) {
	if e.admission != nil {
		if err := e.admission.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("saga %s rejected by admission control: %w", def.Name, err)
		}
	}

	start := time.Now()
	e.metrics.IncActiveSagas()
	success := false
	defer func() {
		e.metrics.DecActiveSagas()
		if e.admission != nil {
			e.admission.Release(success)
		}
	}()

	ctx, span := sagaTracer().Start(ctx, spanSagaExecute, trace.WithAttributes(
		attribute.String("saga.name", def.Name),
		attribute.String("saga.correlation_id", st.sc.CorrelationID),
	))
	defer span.End()

	sagaCtx := ctx
	cancel := func() {}
	if def.Timeout > 0 {
		sagaCtx, cancel = context.WithTimeout(ctx, def.Timeout)
	}
	defer cancel()

	e.observer.OnSagaStarted(st.sc)
	e.logger.Info("saga started", "saga", def.Name, "correlation_id", st.sc.CorrelationID)
	e.persist(ctx, def, st, SagaStateRunning, "", "")

	var mu sync.Mutex
	var failedStep string
	var execErr error

	for _, layer := range layers {
		if execErr != nil || sagaCtx.Err() != nil {
			break
		}

		var sem chan struct{}
		if def.LayerConcurrency > 0 {
			sem = make(chan struct{}, def.LayerConcurrency)
		}

		var wg sync.WaitGroup
		for _, stepID := range layer {
			if _, ok := st.done[stepID]; ok {
				continue
			}
			step := def.Steps[stepID]
			if step == nil {
				continue
			}

			wg.Add(1)
			go func(step *StepDefinition) {
				defer wg.Done()
				if sem != nil {
					select {
					case sem <- struct{}{}:
						defer func() { <-sem }()
					case <-sagaCtx.Done():
						return
					}
				}

				value, err := e.executeStep(sagaCtx, def, st, step)
				mu.Lock()
				defer mu.Unlock()
				outcome := st.outcomes[step.ID]
				if err != nil {
					outcome.Status = StepStatusFailed
					outcome.Err = err
					if execErr == nil {
						failedStep = step.ID
						execErr = &StepExecutionError{SagaName: def.Name, StepID: step.ID, Err: err}
					}
					return
				}
				outcome.Status = StepStatusDone
				outcome.Value = value
				st.completed = append(st.completed, step.ID)
				st.done[step.ID] = struct{}{}
			}(step)
		}
		wg.Wait()

		if execErr == nil {
			e.persist(ctx, def, st, SagaStateRunning, "", "")
		}
	}

	// Saga-level timeout or cancellation: steps that never reached Done are
	// failed without running their bodies; in-flight results were already
	// discarded by the per-step context check.
	if execErr == nil && sagaCtx.Err() != nil {
		failedStep = "saga"
		execErr = fmt.Errorf("saga %s aborted: %w", def.Name, sagaCtx.Err())
		for _, id := range def.StepOrder {
			outcome := st.outcomes[id]
			if outcome.Status != StepStatusDone && outcome.Status != StepStatusFailed {
				outcome.Status = StepStatusFailed
				outcome.Err = sagaCtx.Err()
			}
		}
	}

	if execErr != nil {
		span.SetStatus(codes.Error, execErr.Error())
		e.metrics.RecordSagaExecution("failed")
		e.metrics.RecordSagaDuration("failed", time.Since(start))

		if def.ManualCompensation {
			result := e.holdForManualCompensation(ctx, def, layers, st, failedStep, execErr)
			e.observer.OnSagaFinished(result)
			return result, nil
		}

		result := e.failAndCompensate(ctx, def, layers, st, failedStep, execErr)
		e.observer.OnSagaFinished(result)
		return result, nil
	}

	success = true
	span.SetStatus(codes.Ok, "")
	e.metrics.RecordSagaExecution("completed")
	e.metrics.RecordSagaDuration("completed", time.Since(start))
	e.logger.Info("saga completed", "saga", def.Name, "correlation_id", st.sc.CorrelationID)

	if e.store != nil {
		if err := e.store.Delete(ctx, st.sc.CorrelationID); err != nil && !errors.Is(err, ErrSnapshotNotFound) {
			e.logger.Warn("failed to delete saga snapshot", "correlation_id", st.sc.CorrelationID, "error", err)
		}
	}

	result := &SagaResult{
		SagaName:      def.Name,
		CorrelationID: st.sc.CorrelationID,
		Success:       true,
		State:         SagaStateCompleted,
		Outcomes:      st.outcomes,
		Completed:     append([]string(nil), st.completed...),
		Output:        e.output(st),
		Variables:     st.sc.Variables(),
	}
	e.observer.OnSagaFinished(result)
	return result, nil
}

// executeStep runs one forward action against an isolated context view and
// merges the view back on success.
func (e *Engine) executeStep(ctx context.Context, def *SagaDefinition, st *execState, step *StepDefinition) (any, error) {
	ctx, span := sagaTracer().Start(ctx, spanStepExecute, trace.WithAttributes(
		attribute.String("saga.name", def.Name),
		attribute.String("saga.step", step.ID),
	))
	defer span.End()

	st.outcomes[step.ID].Status = StepStatusRunning
	st.outcomes[step.ID].StartedAt = time.Now().UTC()
	defer func() {
		st.outcomes[step.ID].FinishedAt = time.Now().UTC()
	}()

	stepCtx := ctx
	cancel := func() {}
	if timeout := def.stepTimeout(step); timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	view := st.sc.fork(step.ID)
	st.sc.setCurrentStep(step.ID)

	value, err := step.Handler.Execute(stepCtx, view)
	if err == nil && stepCtx.Err() != nil {
		// The action returned after its deadline; its result is discarded.
		err = fmt.Errorf("%w: %v", ErrStepTimeout, stepCtx.Err())
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		e.observer.OnStepFailed(st.sc, step.ID, err)
		e.logger.Warn("saga step failed",
			"saga", def.Name,
			"correlation_id", st.sc.CorrelationID,
			"step", step.ID,
			"error", err,
		)
		return nil, err
	}

	st.sc.absorb(view)
	e.observer.OnStepDone(st.sc, step.ID, value)
	e.logger.Debug("saga step done", "saga", def.Name, "step", step.ID)
	return value, nil
}

// failAndCompensate unwinds completed steps and produces the failed result.
// Compensation runs on a context detached from the saga timeout: a saga that
// failed by deadline still gets its unwind.
func (e *Engine) failAndCompensate(
	ctx context.Context,
	def *SagaDefinition,
	layers [][]string,
	st *execState,
	failedStep string,
	cause error,
) *SagaResult {
	e.persist(ctx, def, st, SagaStateCompensating, failedStep, cause.Error())

	compCtx, span := sagaTracer().Start(context.WithoutCancel(ctx), spanSagaCompensate, trace.WithAttributes(
		attribute.String("saga.name", def.Name),
		attribute.String("saga.correlation_id", st.sc.CorrelationID),
	))
	defer span.End()

	start := time.Now()
	strategy := e.strategyFor(def.Policy)
	report := strategy.Compensate(compCtx, &CompensationRequest{
		Definition: def,
		Context:    st.sc,
		Completed:  append([]string(nil), st.completed...),
		Outcomes:   st.outcomes,
		Layers:     layers,
		FailedStep: failedStep,
		Cause:      cause,
	})
	e.metrics.RecordCompensationDuration(time.Since(start))

	state := SagaStateCompensated
	if len(report.Errors) > 0 {
		state = SagaStateCompensationFailed
		e.metrics.RecordCompensation("failed")
	} else {
		e.metrics.RecordCompensation("completed")
	}

	for _, stepID := range report.Compensated {
		if outcome, ok := st.outcomes[stepID]; ok && outcome.Status == StepStatusDone {
			outcome.Status = StepStatusCompensated
		}
		e.observer.OnStepCompensated(st.sc, stepID, nil)
	}
	for stepID, err := range report.Errors {
		e.observer.OnStepCompensated(st.sc, stepID, err)
		e.logger.Error("saga compensation failed",
			"saga", def.Name,
			"correlation_id", st.sc.CorrelationID,
			"step", stepID,
			"error", err,
		)
	}

	failure := &FailureReport{
		SagaName:           def.Name,
		CorrelationID:      st.sc.CorrelationID,
		FailedStepID:       failedStep,
		Err:                cause,
		CompletedSteps:     append([]string(nil), st.completed...),
		CompensatedSteps:   append([]string(nil), report.Compensated...),
		CompensationErrors: report.Errors,
	}

	e.persistFailure(ctx, def, st, state, failure)
	e.logger.Warn("saga failed",
		"saga", def.Name,
		"correlation_id", st.sc.CorrelationID,
		"failed_step", failedStep,
		"compensated", len(report.Compensated),
		"compensation_errors", len(report.Errors),
	)

	return &SagaResult{
		SagaName:      def.Name,
		CorrelationID: st.sc.CorrelationID,
		Success:       false,
		State:         state,
		Outcomes:      st.outcomes,
		Completed:     failure.CompletedSteps,
		Failure:       failure,
		Variables:     st.sc.Variables(),
	}
}

// holdForManualCompensation parks a failed saga until TriggerCompensation.
func (e *Engine) holdForManualCompensation(
	ctx context.Context,
	def *SagaDefinition,
	layers [][]string,
	st *execState,
	failedStep string,
	cause error,
) *SagaResult {
	e.mu.Lock()
	e.pending[st.sc.CorrelationID] = &pendingCompensation{
		def:        def,
		sc:         st.sc,
		completed:  append([]string(nil), st.completed...),
		outcomes:   st.outcomes,
		layers:     layers,
		failedStep: failedStep,
		cause:      cause,
	}
	e.mu.Unlock()

	failure := &FailureReport{
		SagaName:           def.Name,
		CorrelationID:      st.sc.CorrelationID,
		FailedStepID:       failedStep,
		Err:                cause,
		CompletedSteps:     append([]string(nil), st.completed...),
		CompensatedSteps:   []string{},
		CompensationErrors: map[string]error{},
	}
	e.persistFailure(ctx, def, st, SagaStatePendingCompensation, failure)
	e.logger.Warn("saga awaiting manual compensation",
		"saga", def.Name,
		"correlation_id", st.sc.CorrelationID,
		"failed_step", failedStep,
	)

	return &SagaResult{
		SagaName:      def.Name,
		CorrelationID: st.sc.CorrelationID,
		Success:       false,
		State:         SagaStatePendingCompensation,
		Outcomes:      st.outcomes,
		Completed:     failure.CompletedSteps,
		Failure:       failure,
		Variables:     st.sc.Variables(),
	}
}

// TriggerCompensation unwinds a saga previously parked by a manual-mode
// failure.
func (e *Engine) TriggerCompensation(ctx context.Context, correlationID string) (*SagaResult, error) {
	e.mu.Lock()
	pc, ok := e.pending[correlationID]
	if ok {
		delete(e.pending, correlationID)
	}
	e.mu.Unlock()
	if !ok {
		return nil, ErrSagaNotFound
	}

	st := &execState{
		sc:        pc.sc,
		outcomes:  pc.outcomes,
		completed: pc.completed,
	}
	result := e.failAndCompensate(ctx, pc.def, pc.layers, st, pc.failedStep, pc.cause)
	e.observer.OnSagaFinished(result)
	return result, nil
}

// CompensateResult unwinds a previously completed saga execution through the
// definition's compensation strategy. Used by the composition layer when a
// later saga in a composition fails. The report is always produced;
// compensation failures are recorded, never returned.
func (e *Engine) CompensateResult(ctx context.Context, def *SagaDefinition, result *SagaResult, cause error) *CompensationReport {
	layers, err := def.Layers()
	if err != nil {
		report := newCompensationReport()
		report.record(def.Name, err)
		return report
	}

	sc := NewSagaContext(result.CorrelationID, def.Name, nil)
	for k, v := range result.Variables {
		sc.Set(k, v)
	}
	start := time.Now()
	report := e.strategyFor(def.Policy).Compensate(context.WithoutCancel(ctx), &CompensationRequest{
		Definition: def,
		Context:    sc,
		Completed:  append([]string(nil), result.Completed...),
		Outcomes:   result.Outcomes,
		Layers:     layers,
		Cause:      cause,
	})
	e.metrics.RecordCompensationDuration(time.Since(start))

	for _, stepID := range report.Compensated {
		if outcome, ok := result.Outcomes[stepID]; ok && outcome.Status == StepStatusDone {
			outcome.Status = StepStatusCompensated
		}
	}
	if len(report.Errors) > 0 {
		e.metrics.RecordCompensation("failed")
	} else {
		e.metrics.RecordCompensation("completed")
	}
	return report
}

// output is the value the saga produced: the outcome of the last completed
// step, which for a well-formed saga is its terminal step.
func (e *Engine) output(st *execState) any {
	if len(st.completed) == 0 {
		return nil
	}
	last := st.completed[len(st.completed)-1]
	if outcome, ok := st.outcomes[last]; ok {
		return outcome.Value
	}
	return nil
}

func (e *Engine) persist(ctx context.Context, def *SagaDefinition, st *execState, state SagaState, failedStep, reason string) {
	if e.store == nil {
		return
	}
	snap := snapshotOf(def, st, state, failedStep, reason, nil)
	if err := e.store.Save(context.WithoutCancel(ctx), snap); err != nil {
		e.logger.Warn("failed to persist saga snapshot",
			"correlation_id", st.sc.CorrelationID, "error", err)
	}
}

func (e *Engine) persistFailure(ctx context.Context, def *SagaDefinition, st *execState, state SagaState, failure *FailureReport) {
	if e.store == nil {
		return
	}
	snap := snapshotOf(def, st, state, failure.FailedStepID, fmt.Sprintf("%v", failure.Err), failure.CompensatedSteps)
	if err := e.store.Save(context.WithoutCancel(ctx), snap); err != nil {
		e.logger.Warn("failed to persist saga snapshot",
			"correlation_id", st.sc.CorrelationID, "error", err)
	}
}

func snapshotOf(def *SagaDefinition, st *execState, state SagaState, failedStep, reason string, compensated []string) *Snapshot {
	results := make(map[string]any, len(st.completed))
	for _, id := range st.completed {
		if outcome, ok := st.outcomes[id]; ok {
			results[id] = outcome.Value
		}
	}
	return &Snapshot{
		CorrelationID: st.sc.CorrelationID,
		SagaName:      def.Name,
		State:         state,
		Completed:     append([]string(nil), st.completed...),
		Compensated:   append([]string(nil), compensated...),
		FailedStep:    failedStep,
		FailureReason: reason,
		Headers:       st.sc.Headers(),
		Variables:     st.sc.Variables(),
		StepResults:   results,
		UpdatedAt:     time.Now().UTC(),
	}
}
