package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/livepresence/internal/activity"
	"github.com/onnwee/livepresence/internal/presence"
)

// Write-behind defaults.
const (
	DefaultQueueSize    = 4096
	DefaultWriteTimeout = 5 * time.Second
	drainTimeout        = 10 * time.Second
)

// Operation labels.
const (
	OpUpsertPresence = "upsert_presence"
	OpAppendEvent    = "append_event"
	OpDeactivate     = "deactivate"
)

// Metrics names as constants for consistency.
const (
	MetricWrites     = "store_writes_total"
	MetricDropped    = "store_writes_dropped_total"
	MetricQueueDepth = "store_write_queue_depth"
)

// WriteBehindMetrics contains Prometheus metrics for the write-behind queue.
type WriteBehindMetrics struct {
	writes     *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	queueDepth prometheus.Gauge
}

// NewWriteBehindMetrics creates unregistered write-behind metrics.
func NewWriteBehindMetrics() *WriteBehindMetrics {
	return &WriteBehindMetrics{
		writes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricWrites,
				Help: "Total number of persistence writes by operation and status",
			},
			[]string{"op", "status"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricDropped,
				Help: "Total number of persistence writes dropped because the queue was full",
			},
			[]string{"op"},
		),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricQueueDepth,
			Help: "Number of persistence writes waiting in the queue",
		}),
	}
}

// Register registers all metrics with the given registry.
func (m *WriteBehindMetrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors for testing.
func (m *WriteBehindMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.writes, m.dropped, m.queueDepth}
}

type writeOp struct {
	name      string
	sessionID string
	fn        func(ctx context.Context) error
}

// WriteBehindConfig configures a WriteBehind queue.
type WriteBehindConfig struct {
	QueueSize    int
	WriteTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *WriteBehindMetrics
}

// WriteBehind forwards writes to a Store from a single background worker.
// Enqueueing never blocks; a full queue drops the write. A single worker keeps
// writes for a session in enqueue order.
type WriteBehind struct {
	store   Store
	queue   chan writeOp
	timeout time.Duration
	logger  *slog.Logger
	metrics *WriteBehindMetrics
}

// NewWriteBehind creates a queue in front of store. Call Run to start the worker.
func NewWriteBehind(store Store, config WriteBehindConfig) *WriteBehind {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &WriteBehind{
		store:   store,
		queue:   make(chan writeOp, config.QueueSize),
		timeout: config.WriteTimeout,
		logger:  config.Logger,
		metrics: config.Metrics,
	}
}

// UpsertPresence enqueues a presence write. Returns false if the write was dropped.
func (w *WriteBehind) UpsertPresence(rec *presence.Record) bool {
	rec = rec.Clone()
	return w.enqueue(writeOp{name: OpUpsertPresence, sessionID: rec.SessionID, fn: func(ctx context.Context) error {
		return w.store.UpsertPresence(ctx, rec)
	}})
}

// AppendEvent enqueues an event write. Returns false if the write was dropped.
func (w *WriteBehind) AppendEvent(e activity.Event) bool {
	return w.enqueue(writeOp{name: OpAppendEvent, sessionID: e.SessionID, fn: func(ctx context.Context) error {
		return w.store.AppendEvent(ctx, e)
	}})
}

// Deactivate enqueues a deactivation. Returns false if the write was dropped.
func (w *WriteBehind) Deactivate(sessionID, reason string, at time.Time) bool {
	return w.enqueue(writeOp{name: OpDeactivate, sessionID: sessionID, fn: func(ctx context.Context) error {
		_, err := w.store.Deactivate(ctx, sessionID, reason, at)
		return err
	}})
}

func (w *WriteBehind) enqueue(op writeOp) bool {
	select {
	case w.queue <- op:
		w.setDepth()
		return true
	default:
		w.logger.Warn("persistence queue full, dropping write",
			"op", op.name,
			"session_id", op.sessionID)
		if w.metrics != nil {
			w.metrics.dropped.WithLabelValues(op.name).Inc()
		}
		return false
	}
}

// Pending returns the number of queued writes.
func (w *WriteBehind) Pending() int {
	return len(w.queue)
}

// Run processes queued writes until ctx is canceled, then drains what is left
// with a bounded deadline.
func (w *WriteBehind) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case op := <-w.queue:
			w.apply(ctx, op)
		}
	}
}

func (w *WriteBehind) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case op := <-w.queue:
			w.apply(ctx, op)
		default:
			return
		}
	}
}

func (w *WriteBehind) apply(parent context.Context, op writeOp) {
	w.setDepth()
	ctx, cancel := context.WithTimeout(parent, w.timeout)
	defer cancel()

	status := "success"
	if err := op.fn(ctx); err != nil {
		status = "failure"
		// Lost writes self-heal on the session's next heartbeat.
		w.logger.Error("persistence write failed",
			"op", op.name,
			"session_id", op.sessionID,
			"error", err)
	}
	if w.metrics != nil {
		w.metrics.writes.WithLabelValues(op.name, status).Inc()
	}
}

func (w *WriteBehind) setDepth() {
	if w.metrics != nil {
		w.metrics.queueDepth.Set(float64(len(w.queue)))
	}
}
