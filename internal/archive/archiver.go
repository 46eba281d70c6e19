// Package archive durably stores hourly and daily snapshots.
package archive

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/livepresence/internal/stats"
)

// SnapshotWriter persists snapshots, replacing any row with the same type and bucket.
type SnapshotWriter interface {
	InsertSnapshot(ctx context.Context, snap *stats.Snapshot) error
}

// Mirror copies archived snapshots to secondary storage.
type Mirror interface {
	Put(ctx context.Context, snap *stats.Snapshot) error
}

// Metrics names as constants for consistency.
const MetricArchived = "archive_snapshots_total"

// Archive targets.
const (
	targetStore  = "store"
	targetMirror = "mirror"
)

// Metrics contains Prometheus metrics for archiving.
type Metrics struct {
	archived *prometheus.CounterVec
}

// NewMetrics creates unregistered archive metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		archived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricArchived,
				Help: "Total number of snapshot archive writes by target, snapshot type and status",
			},
			[]string{"target", "snapshot_type", "status"},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m.archived)
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.archived}
}

func (m *Metrics) observe(target string, t stats.SnapshotType, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.archived.WithLabelValues(target, string(t), status).Inc()
}

// Config configures an Archiver.
type Config struct {
	Logger  *slog.Logger
	Metrics *Metrics
	// Mirror is optional. Mirror failures are logged and never fail Archive.
	Mirror Mirror
}

// Archiver writes snapshots to the persistence collaborator and an optional mirror.
type Archiver struct {
	config Config
	store  SnapshotWriter
}

// New creates an archiver.
func New(config Config, store SnapshotWriter) *Archiver {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Archiver{config: config, store: store}
}

// Archive stores a snapshot. Archiving the same (type, bucket) again replaces the
// earlier row.
func (a *Archiver) Archive(ctx context.Context, snap *stats.Snapshot) error {
	err := a.store.InsertSnapshot(ctx, snap)
	a.config.Metrics.observe(targetStore, snap.Type, err)
	if err != nil {
		return fmt.Errorf("failed to archive %s snapshot: %w", snap.Type, err)
	}

	if a.config.Mirror != nil {
		err := a.config.Mirror.Put(ctx, snap)
		a.config.Metrics.observe(targetMirror, snap.Type, err)
		if err != nil {
			a.config.Logger.Warn("failed to mirror snapshot",
				"snapshot_type", snap.Type,
				"time_bucket", snap.TimeBucket,
				"error", err)
		}
	}
	return nil
}
