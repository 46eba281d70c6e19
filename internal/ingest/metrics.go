package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricMessages = "ingest_messages_total"
	MetricEvents   = "ingest_events_total"
)

// Outcomes recorded per message.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Metrics contains Prometheus metrics for session ingestion.
// All operations are thread-safe and nil-safe.
type Metrics struct {
	messages *prometheus.CounterVec
	events   *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricMessages,
				Help: "Total number of session messages by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricEvents,
				Help: "Total number of activity events emitted by ingestion, by event type",
			},
			[]string{"event_type"},
		),
	}
}

// Register registers all metrics with the given registry.
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
	return []prometheus.Collector{m.messages, m.events}
}

func (m *Metrics) observeMessage(msgType Type, outcome string) {
	if m != nil {
		m.messages.WithLabelValues(string(msgType), outcome).Inc()
	}
}

func (m *Metrics) observeEvent(kind string) {
	if m != nil {
		m.events.WithLabelValues(kind).Inc()
	}
}
