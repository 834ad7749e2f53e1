package saga

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const sagaTracerName = "sagaflow.saga"

const (
	spanSagaExecute    = "saga.execute"
	spanStepExecute    = "saga.step.execute"
	spanSagaCompensate = "saga.compensate"
)

func sagaTracer() trace.Tracer {
	return otel.Tracer(sagaTracerName)
}
