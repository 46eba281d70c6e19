package fanout

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricSubscribers = "fanout_subscribers"
	MetricPublished   = "fanout_messages_published_total"
	MetricSampledOut  = "fanout_events_sampled_out_total"
	MetricEvicted     = "fanout_subscribers_evicted_total"
)

// Eviction reasons.
const (
	EvictQueueFull  = "queue_full"
	EvictWriteError = "write_error"
)

// Metrics contains Prometheus metrics for the broadcast hub.
// All operations are thread-safe and nil-safe.
type Metrics struct {
	subscribers prometheus.Gauge
	published   *prometheus.CounterVec
	sampledOut  prometheus.Counter
	evicted     *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricSubscribers,
			Help: "Number of connected broadcast subscribers",
		}),
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricPublished,
				Help: "Total number of messages published by message type",
			},
			[]string{"type"},
		),
		sampledOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricSampledOut,
			Help: "Total number of activity events withheld by the sampler",
		}),
		evicted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricEvicted,
				Help: "Total number of subscribers evicted by reason",
			},
			[]string{"reason"},
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
	return []prometheus.Collector{
		m.subscribers,
		m.published,
		m.sampledOut,
		m.evicted,
	}
}

func (m *Metrics) setSubscribers(n int) {
	if m != nil {
		m.subscribers.Set(float64(n))
	}
}

func (m *Metrics) incPublished(msgType string) {
	if m != nil {
		m.published.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) incSampledOut() {
	if m != nil {
		m.sampledOut.Inc()
	}
}

func (m *Metrics) incEvicted(reason string) {
	if m != nil {
		m.evicted.WithLabelValues(reason).Inc()
	}
}
