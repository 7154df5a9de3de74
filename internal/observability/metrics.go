package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the relay's Prometheus metrics on its own registry.
// A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// ActiveSessions is the number of exchanges in flight.
	ActiveSessions prometheus.Gauge

	// SessionsTotal counts finished exchanges.
	// Labels: result (delivered|cancelled|failed|superseded)
	SessionsTotal *prometheus.CounterVec

	// CompletionAttempts counts transport calls.
	// Labels: provider, result (ok|credential|rate_limited|timeout|other)
	CompletionAttempts *prometheus.CounterVec

	// CompletionDuration measures the time until a response or stream is
	// established.
	// Labels: provider
	CompletionDuration *prometheus.HistogramVec

	// CredentialRotations counts pointer moves and evictions.
	// Labels: kind (rotated|evicted)
	CredentialRotations *prometheus.CounterVec

	// CredentialPoolSize is the number of usable keys.
	CredentialPoolSize prometheus.Gauge

	// Deliveries counts delivered replies.
	// Labels: mode (inline|attachment)
	Deliveries *prometheus.CounterVec

	// DeliveryEdits counts edits per delivered reply.
	DeliveryEdits prometheus.Histogram
}

// NewMetrics creates the metrics on a fresh registry that also carries the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Number of exchanges currently in flight",
		}),
		SessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sessions_total",
			Help: "Finished exchanges by result",
		}, []string{"result"}),

		CompletionAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_completion_attempts_total",
			Help: "Provider calls by provider and result class",
		}, []string{"provider", "result"}),
		CompletionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_completion_attempt_duration_seconds",
			Help:    "Time until a provider response or stream is established",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),

		CredentialRotations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_credential_rotations_total",
			Help: "Credential pool changes by kind",
		}, []string{"kind"}),
		CredentialPoolSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_credential_pool_size",
			Help: "Number of usable provider keys",
		}),

		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Delivered replies by final mode",
		}, []string{"mode"}),
		DeliveryEdits: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_delivery_edits",
			Help:    "Edits issued per delivered reply",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SessionStarted marks an exchange as in flight.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionFinished records how an exchange ended.
func (m *Metrics) SessionFinished(result string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionsTotal.WithLabelValues(result).Inc()
}

// CompletionAttempt records one provider call.
func (m *Metrics) CompletionAttempt(provider, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CompletionAttempts.WithLabelValues(provider, result).Inc()
	m.CompletionDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// CredentialRotated records a pool change.
func (m *Metrics) CredentialRotated(evicted bool, remaining int) {
	if m == nil {
		return
	}
	kind := "rotated"
	if evicted {
		kind = "evicted"
	}
	m.CredentialRotations.WithLabelValues(kind).Inc()
	m.CredentialPoolSize.Set(float64(remaining))
}

// SetPoolSize records the pool size after a load or reload.
func (m *Metrics) SetPoolSize(n int) {
	if m == nil {
		return
	}
	m.CredentialPoolSize.Set(float64(n))
}

// Delivered records a delivered reply.
func (m *Metrics) Delivered(mode string, edits int) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(mode).Inc()
	m.DeliveryEdits.Observe(float64(edits))
}
