package presence

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricUpserts        = "presence_upserts_total"
	MetricDeactivations  = "presence_deactivations_total"
	MetricActiveSessions = "presence_active_sessions"
	MetricPruned         = "presence_pruned_total"
)

// Upsert outcome label values.
const (
	OutcomeCreated   = "created"
	OutcomeRejoined  = "rejoined"
	OutcomeRefreshed = "refreshed"
)

// Metrics contains Prometheus metrics for the presence registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	upserts        *prometheus.CounterVec
	deactivations  *prometheus.CounterVec
	activeSessions prometheus.Gauge
	pruned         prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		upserts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricUpserts,
				Help: "Total number of presence upserts by outcome",
			},
			[]string{"outcome"},
		),
		deactivations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricDeactivations,
				Help: "Total number of sessions deactivated by reason",
			},
			[]string{"reason"},
		),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricActiveSessions,
			Help: "Number of live sessions as of the last aggregation run",
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPruned,
			Help: "Total number of inactive records dropped from memory after retention",
		}),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.upserts,
		m.deactivations,
		m.activeSessions,
		m.pruned,
	}
}

// SetActiveSessions records the live session count.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// AddPruned records dropped inactive records.
func (m *Metrics) AddPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pruned.Add(float64(n))
}

func (m *Metrics) observeUpsert(res UpsertResult) {
	if m == nil {
		return
	}
	switch {
	case res.Created:
		m.upserts.WithLabelValues(OutcomeCreated).Inc()
	case res.Rejoined:
		m.upserts.WithLabelValues(OutcomeRejoined).Inc()
	default:
		m.upserts.WithLabelValues(OutcomeRefreshed).Inc()
	}
}

func (m *Metrics) observeDeactivate(reason string) {
	if m == nil {
		return
	}
	m.deactivations.WithLabelValues(reason).Inc()
}
