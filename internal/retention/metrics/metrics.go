package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for the retention sweep.
type Metrics struct {
	SweepsTotal      prometheus.Counter
	SweepDuration    prometheus.Histogram
	RecordsProcessed *prometheus.CounterVec
	RecordsSkipped   *prometheus.CounterVec
	RecordsFailed    *prometheus.CounterVec
	ConsentsExpired  prometheus.Counter
}

// New registers and returns retention metrics collectors.
func New() *Metrics {
	return &Metrics{
		SweepsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_retention_sweeps_total",
			Help: "Total number of retention sweeps started",
		}),
		SweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "custodia_retention_sweep_duration_seconds",
			Help:    "Duration of retention sweeps in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),
		RecordsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_retention_records_processed_total",
			Help: "Total number of records acted on by retention policies, labeled by action",
		}, []string{"action"}),
		RecordsSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_retention_records_skipped_total",
			Help: "Total number of records skipped by retention policies, labeled by reason",
		}, []string{"reason"}),
		RecordsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_retention_records_failed_total",
			Help: "Total number of records a retention action failed on, labeled by action",
		}, []string{"action"}),
		ConsentsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_retention_consents_expired_total",
			Help: "Total number of consent records expired by the sweep",
		}),
	}
}

func (m *Metrics) IncrementSweeps() {
	m.SweepsTotal.Inc()
}

func (m *Metrics) ObserveSweepDuration(seconds float64) {
	m.SweepDuration.Observe(seconds)
}

func (m *Metrics) IncrementProcessed(action string) {
	m.RecordsProcessed.WithLabelValues(action).Inc()
}

func (m *Metrics) IncrementSkipped(reason string) {
	m.RecordsSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncrementFailed(action string) {
	m.RecordsFailed.WithLabelValues(action).Inc()
}

func (m *Metrics) AddConsentsExpired(count int) {
	m.ConsentsExpired.Add(float64(count))
}
