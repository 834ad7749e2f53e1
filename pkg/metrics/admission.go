package metrics

import "github.com/prometheus/client_golang/prometheus"

func (m *Manager) initAdmissionMetrics() {
	m.admissionRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_admission_rejections_total",
			Help: "Total number of saga executions rejected by admission control",
		},
	)

	m.admissionInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "saga_admission_in_flight",
			Help: "Current number of admission slots held",
		},
	)

	m.registry.MustRegister(m.admissionRejections)
	m.registry.MustRegister(m.admissionInFlight)
}

// RecordAdmissionRejected records one admission rejection.
func (m *Manager) RecordAdmissionRejected() {
	if !m.enabled {
		return
	}
	m.admissionRejections.Inc()
}

// SetSagasInFlight sets the current number of held admission slots.
func (m *Manager) SetSagasInFlight(n int) {
	if !m.enabled {
		return
	}
	m.admissionInFlight.Set(float64(n))
}
