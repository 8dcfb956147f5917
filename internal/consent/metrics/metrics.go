package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for consent workflow operations.
type Metrics struct {
	ConsentsSubmitted    prometheus.Counter
	Verifications        *prometheus.CounterVec
	VerificationFailures *prometheus.CounterVec
	ConsentsRevoked      prometheus.Counter
	ConsentsExpired      prometheus.Counter
	PreferencesRecorded  prometheus.Counter
	SubmitLatency        prometheus.Histogram
}

// New registers and returns consent metrics collectors.
func New() *Metrics {
	return &Metrics{
		ConsentsSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_consents_submitted_total",
			Help: "Total number of parental consent submissions",
		}),
		Verifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_consent_verifications_total",
			Help: "Total number of successful consent verifications, labeled by opt-in step",
		}, []string{"step"}),
		VerificationFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_consent_verification_failures_total",
			Help: "Total number of failed consent verifications, labeled by reason",
		}, []string{"reason"}),
		ConsentsRevoked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_consents_revoked_total",
			Help: "Total number of consent revocations",
		}),
		ConsentsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_consents_expired_total",
			Help: "Total number of consent records marked expired by the sweep",
		}),
		PreferencesRecorded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_consent_preferences_recorded_total",
			Help: "Total number of preference snapshots appended",
		}),
		SubmitLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "custodia_consent_submit_latency_seconds",
			Help:    "Latency of consent submission in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) IncrementSubmitted() {
	m.ConsentsSubmitted.Inc()
}

func (m *Metrics) IncrementVerified(step string) {
	m.Verifications.WithLabelValues(step).Inc()
}

func (m *Metrics) IncrementVerificationFailed(reason string) {
	m.VerificationFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncrementRevoked() {
	m.ConsentsRevoked.Inc()
}

func (m *Metrics) IncrementExpired(count int) {
	m.ConsentsExpired.Add(float64(count))
}

func (m *Metrics) IncrementPreferencesRecorded() {
	m.PreferencesRecorded.Inc()
}

func (m *Metrics) ObserveSubmitLatency(seconds float64) {
	m.SubmitLatency.Observe(seconds)
}
