package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initStepMetrics(cfg Config) {
	m.stepExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_step_executions_total",
			Help: "Total number of saga step executions by outcome",
		},
		[]string{"saga", "status"},
	)

	m.stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_step_duration_seconds",
			Help:    "Saga step execution duration in seconds",
			Buckets: cfg.StepDurationBuckets,
		},
		[]string{"saga"},
	)

	m.registry.MustRegister(m.stepExecutions)
	m.registry.MustRegister(m.stepDuration)
}

// RecordStepExecution records one step execution outcome for a saga.
func (m *Manager) RecordStepExecution(sagaName, status string) {
	if !m.enabled {
		return
	}
	m.stepExecutions.WithLabelValues(sagaName, status).Inc()
}

// RecordStepDuration records step execution latency for a saga.
func (m *Manager) RecordStepDuration(sagaName string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.stepDuration.WithLabelValues(sagaName).Observe(duration.Seconds())
}
