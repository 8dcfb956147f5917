package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for the request lifecycle.
type Metrics struct {
	RequestsSubmitted  *prometheus.CounterVec
	Transitions        *prometheus.CounterVec
	TransitionFailures *prometheus.CounterVec
	Exports            *prometheus.CounterVec
	OverdueRequests    prometheus.Gauge
	CompletionDays     prometheus.Histogram
}

// New registers and returns request lifecycle metrics collectors.
func New() *Metrics {
	return &Metrics{
		RequestsSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_requests_submitted_total",
			Help: "Total number of data-subject requests submitted, labeled by type and priority",
		}, []string{"type", "priority"}),
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_request_transitions_total",
			Help: "Total number of successful request state transitions, labeled by target state",
		}, []string{"to"}),
		TransitionFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_request_transition_failures_total",
			Help: "Total number of rejected request state transitions, labeled by reason",
		}, []string{"reason"}),
		Exports: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_data_exports_total",
			Help: "Total number of data portability exports, labeled by format",
		}, []string{"format"}),
		OverdueRequests: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "custodia_requests_overdue",
			Help: "Current number of non-terminal requests past their due date",
		}),
		CompletionDays: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "custodia_request_completion_days",
			Help:    "Days from submission to completion",
			Buckets: []float64{1, 3, 7, 14, 21, 30, 45, 60},
		}),
	}
}

func (m *Metrics) IncrementSubmitted(requestType, priority string) {
	m.RequestsSubmitted.WithLabelValues(requestType, priority).Inc()
}

func (m *Metrics) IncrementTransition(to string) {
	m.Transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) IncrementTransitionFailed(reason string) {
	m.TransitionFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncrementExports(format string) {
	m.Exports.WithLabelValues(format).Inc()
}

func (m *Metrics) SetOverdue(count float64) {
	m.OverdueRequests.Set(count)
}

func (m *Metrics) ObserveCompletionDays(days float64) {
	m.CompletionDays.Observe(days)
}
