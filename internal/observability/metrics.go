package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the conversation core.
// All methods are nil-receiver safe so components can run unmetered in tests.
type Metrics struct {
	registry *prometheus.Registry

	NameLookups      *prometheus.CounterVec
	NameBatchSize    prometheus.Histogram
	CachedNames      prometheus.Gauge
	LiveSessions     prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	VoiceTransitions *prometheus.CounterVec
	CapabilityErrors *prometheus.CounterVec
	TrackedSpeakers  prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		NameLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "name_lookups_total",
			Help:      "Name cache lookups by result (hit, stale, miss).",
		}, []string{"result"}),
		NameBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "name_batch_size",
			Help:      "Number of ids per batched name request.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		CachedNames: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cached_names",
			Help:      "Number of name records currently cached.",
		}),
		LiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions",
			Help:      "Number of live conversation sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		VoiceTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_transitions_total",
			Help:      "Voice channel state transitions by target state.",
		}, []string{"state"}),
		CapabilityErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_errors_total",
			Help:      "Capability request errors by capability and code.",
		}, []string{"capability", "code"}),
		TrackedSpeakers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_speakers",
			Help:      "Number of speakers currently tracked.",
		}),
	}
}

func (m *Metrics) ObserveNameLookup(result string) {
	if m == nil {
		return
	}
	m.NameLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveNameBatch(size int) {
	if m == nil {
		return
	}
	m.NameBatchSize.Observe(float64(size))
}

func (m *Metrics) SetCachedNames(n int) {
	if m == nil {
		return
	}
	m.CachedNames.Set(float64(n))
}

func (m *Metrics) SetLiveSessions(n int) {
	if m == nil {
		return
	}
	m.LiveSessions.Set(float64(n))
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveVoiceTransition(state string) {
	if m == nil {
		return
	}
	m.VoiceTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveCapabilityError(capability, code string) {
	if m == nil {
		return
	}
	m.CapabilityErrors.WithLabelValues(capability, code).Inc()
}

func (m *Metrics) SetTrackedSpeakers(n int) {
	if m == nil {
		return
	}
	m.TrackedSpeakers.Set(float64(n))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
