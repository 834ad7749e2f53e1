// Package saga provides orchestration-based distributed transaction primitives:
// declarative saga definitions, a layer-scheduling engine, and pluggable
// compensation strategies.
package saga

import (
	"context"
	"time"
)

// StepHandler is the capability a participant exposes to the engine: a
// forward action and the compensating action that undoes it. The engine does
// not know how either is transported.
type StepHandler interface {
	Execute(ctx context.Context, sc *SagaContext) (any, error)
	Compensate(ctx context.Context, sc *SagaContext, result any) error
}

// StepFunc executes a forward step.
type StepFunc func(ctx context.Context, sc *SagaContext) (any, error)

// CompensateFunc undoes a previously completed step. result is the value the
// forward action produced.
type CompensateFunc func(ctx context.Context, sc *SagaContext, result any) error

type funcHandler struct {
	execute    StepFunc
	compensate CompensateFunc
}

func (h *funcHandler) Execute(ctx context.Context, sc *SagaContext) (any, error) {
	return h.execute(ctx, sc)
}

func (h *funcHandler) Compensate(ctx context.Context, sc *SagaContext, result any) error {
	if h.compensate == nil {
		return nil
	}
	return h.compensate(ctx, sc, result)
}

// Handler adapts plain functions to a StepHandler. compensate may be nil for
// steps that need no undo.
func Handler(execute StepFunc, compensate CompensateFunc) StepHandler {
	return &funcHandler{execute: execute, compensate: compensate}
}

// StepDefinition describes one unit of work inside a saga. Immutable once the
// owning SagaDefinition is built.
type StepDefinition struct {
	ID          string
	Handler     StepHandler
	DependsOn   []string
	Order       int
	Timeout     time.Duration
	Participant string

	// set by the builder when only function options were supplied
	execute    StepFunc
	compensate CompensateFunc
}

// HasCompensation reports whether the step registered a compensating action.
func (s *StepDefinition) HasCompensation() bool {
	if s.Handler == nil {
		return false
	}
	if fh, ok := s.Handler.(*funcHandler); ok {
		return fh.compensate != nil
	}
	return true
}

// StepOption configures a step definition at registration time.
type StepOption func(step *StepDefinition) error

// Action configures the forward action function.
func Action(fn StepFunc) StepOption {
	return func(step *StepDefinition) error {
		step.execute = fn
		return nil
	}
}

// Compensate configures the compensating action function.
func Compensate(fn CompensateFunc) StepOption {
	return func(step *StepDefinition) error {
		step.compensate = fn
		return nil
	}
}

// Use registers a full StepHandler implementation for the step.
func Use(h StepHandler) StepOption {
	return func(step *StepDefinition) error {
		step.Handler = h
		return nil
	}
}

// DependsOn declares upstream steps that must reach Done first.
func DependsOn(stepIDs ...string) StepOption {
	return func(step *StepDefinition) error {
		step.DependsOn = append(step.DependsOn, stepIDs...)
		return nil
	}
}

// StepTimeout bounds the forward action; expiry surfaces as a failed outcome
// wrapping ErrStepTimeout.
func StepTimeout(timeout time.Duration) StepOption {
	return func(step *StepDefinition) error {
		step.Timeout = timeout
		return nil
	}
}

// Participant labels the remote party the step talks to. The circuit-breaker
// compensation strategy trips per participant; unlabeled steps default to
// their own id.
func Participant(name string) StepOption {
	return func(step *StepDefinition) error {
		step.Participant = name
		return nil
	}
}

func (s *StepDefinition) participant() string {
	if s.Participant != "" {
		return s.Participant
	}
	return s.ID
}
