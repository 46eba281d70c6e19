package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/onnwee/livepresence/internal/presence"
)

// Source provides the live records to aggregate.
type Source interface {
	ScanActive(ctx context.Context, filter presence.Filter, now time.Time) ([]*presence.Record, error)
}

// Publisher receives every real-time snapshot.
type Publisher interface {
	PublishSnapshot(s *Snapshot)
}

// Archiver durably stores hourly and daily snapshots.
type Archiver interface {
	Archive(ctx context.Context, s *Snapshot) error
}

// AggregatorConfig configures an Aggregator.
type AggregatorConfig struct {
	// TopContent is the number of content entries kept per snapshot.
	TopContent int
	// Logger for aggregation activity.
	Logger *slog.Logger
	// Metrics receives the live session gauge. Optional.
	Metrics *presence.Metrics
	// Counters are logged and reset on every archive run. Optional.
	Counters *IngestCounters
	// Now overrides the clock.
	Now func() time.Time
}

// Aggregator computes snapshots from a registry on two cadences.
type Aggregator struct {
	config    AggregatorConfig
	source    Source
	publisher Publisher
	archiver  Archiver
	latest    atomic.Pointer[Snapshot]
}

// NewAggregator creates an aggregator. publisher and archiver may be nil.
func NewAggregator(config AggregatorConfig, source Source, publisher Publisher, archiver Archiver) *Aggregator {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.TopContent <= 0 {
		config.TopContent = DefaultTopContent
	}
	return &Aggregator{
		config:    config,
		source:    source,
		publisher: publisher,
		archiver:  archiver,
	}
}

// Compute scans the source and returns a snapshot of the given type.
func (a *Aggregator) Compute(ctx context.Context, t SnapshotType) (*Snapshot, error) {
	now := a.config.Now()
	records, err := a.source.ScanActive(ctx, presence.Filter{}, now)
	if err != nil {
		return nil, fmt.Errorf("failed to scan active sessions: %w", err)
	}
	return Compute(t, records, now, a.config.TopContent), nil
}

// RunRealtime computes a real-time snapshot, keeps it as Latest and publishes it.
func (a *Aggregator) RunRealtime(ctx context.Context) error {
	snap, err := a.Compute(ctx, SnapshotRealTime)
	if err != nil {
		return err
	}
	a.latest.Store(snap)
	a.config.Metrics.SetActiveSessions(snap.TotalActive)
	if a.publisher != nil {
		a.publisher.PublishSnapshot(snap)
	}
	return nil
}

// RunArchive computes the hourly snapshot and the running daily snapshot and archives both.
// The daily row for the current day is replaced on every run.
func (a *Aggregator) RunArchive(ctx context.Context) error {
	if a.archiver == nil {
		return nil
	}
	now := a.config.Now()
	records, err := a.source.ScanActive(ctx, presence.Filter{}, now)
	if err != nil {
		return fmt.Errorf("failed to scan active sessions: %w", err)
	}

	var errs []error
	for _, t := range []SnapshotType{SnapshotHourly, SnapshotDaily} {
		snap := Compute(t, records, now, a.config.TopContent)
		if err := a.archiver.Archive(ctx, snap); err != nil {
			errs = append(errs, fmt.Errorf("failed to archive %s snapshot: %w", t, err))
			continue
		}
		a.config.Logger.Info("snapshot archived",
			"snapshot_type", t,
			"time_bucket", snap.TimeBucket,
			"total_active", snap.TotalActive)
	}

	if a.config.Counters != nil {
		a.config.Counters.Swap().LogSummary(a.config.Logger, "archive_interval")
	}
	return errors.Join(errs...)
}

// Latest returns the most recent real-time snapshot, or nil before the first run.
func (a *Aggregator) Latest() *Snapshot {
	return a.latest.Load()
}
