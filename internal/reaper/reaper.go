// Package reaper deactivates sessions whose heartbeats stopped arriving.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/livepresence/internal/activity"
	"github.com/onnwee/livepresence/internal/presence"
	"github.com/onnwee/livepresence/internal/tracing"
)

// DefaultInterval is how often the reaper sweeps.
const DefaultInterval = 60 * time.Second

// Persister receives durable writes. Implementations must not block.
type Persister interface {
	UpsertPresence(rec *presence.Record) bool
	AppendEvent(e activity.Event) bool
}

// Broadcaster offers activity events to subscribers, subject to sampling.
type Broadcaster interface {
	PublishActivity(e activity.Event) bool
}

// Reconciler is the persisted view of presence. Rows left active by an instance
// that stopped without cleaning up are deactivated through it.
type Reconciler interface {
	ScanExpired(ctx context.Context, now time.Time) ([]string, error)
	Deactivate(ctx context.Context, sessionID, reason string, at time.Time) (*presence.Record, error)
}

// Pruner drops inactive records past their retention.
type Pruner interface {
	Prune(now time.Time) int
}

// Metrics names as constants for consistency.
const (
	MetricExpired    = "reaper_sessions_expired_total"
	MetricReconciled = "reaper_rows_reconciled_total"
	MetricErrors     = "reaper_errors_total"
)

// Metrics contains Prometheus metrics for the reaper.
type Metrics struct {
	expired    prometheus.Counter
	reconciled prometheus.Counter
	errors     *prometheus.CounterVec
}

// NewMetrics creates unregistered reaper metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricExpired,
			Help: "Total number of sessions deactivated after their deadline passed",
		}),
		reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricReconciled,
			Help: "Total number of persisted rows deactivated that were unknown or inactive in the registry",
		}),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricErrors,
				Help: "Total number of reaper errors by stage",
			},
			[]string{"stage"},
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
	return []prometheus.Collector{m.expired, m.reconciled, m.errors}
}

// Config configures a Reaper.
type Config struct {
	Logger  *slog.Logger
	Metrics *Metrics
	Now     func() time.Time
	// Reconciler is optional.
	Reconciler Reconciler
	// Pruner is optional.
	Pruner Pruner
}

// Result summarizes one sweep.
type Result struct {
	Expired    int
	Reconciled int
	Pruned     int
}

// Reaper sweeps the registry for expired sessions.
type Reaper struct {
	config    Config
	registry  presence.Registry
	log       activity.Log
	persist   Persister
	broadcast Broadcaster
}

// New creates a reaper. persist and broadcast may be nil.
func New(config Config, registry presence.Registry, log activity.Log, persist Persister, broadcast Broadcaster) *Reaper {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Reaper{
		config:    config,
		registry:  registry,
		log:       log,
		persist:   persist,
		broadcast: broadcast,
	}
}

// Run performs one sweep. It matches jobs.RunFunc.
func (r *Reaper) Run(ctx context.Context) error {
	_, err := r.Sweep(ctx)
	return err
}

// Sweep deactivates every session whose deadline is before now. A session that
// was refreshed between the scan and its deactivation is left alone.
// Failures on individual sessions are logged and retried on the next sweep.
func (r *Reaper) Sweep(ctx context.Context) (res Result, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "reaper.sweep")
	defer func() {
		tracing.SetAttributes(ctx,
			attribute.Int("expired", res.Expired),
			attribute.Int("reconciled", res.Reconciled),
			attribute.Int("pruned", res.Pruned))
		endSpan(err)
	}()
	return r.sweep(ctx)
}

func (r *Reaper) sweep(ctx context.Context) (Result, error) {
	now := r.config.Now()
	var res Result
	var errs []error

	ids, err := r.registry.ScanExpired(ctx, now)
	if err != nil {
		r.incError("scan")
		return res, fmt.Errorf("failed to scan expired sessions: %w", err)
	}

	expired := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		out, err := r.registry.Expire(ctx, id, now)
		if err != nil {
			r.incError("expire")
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
			continue
		}
		if !out.Changed {
			continue
		}
		expired[id] = struct{}{}
		res.Expired++
		r.recordLeave(ctx, out.Record)
	}

	if r.config.Reconciler != nil {
		n, err := r.reconcile(ctx, now, expired)
		res.Reconciled = n
		if err != nil {
			errs = append(errs, err)
		}
	}

	if r.config.Pruner != nil {
		res.Pruned = r.config.Pruner.Prune(now)
	}

	if res.Expired > 0 || res.Reconciled > 0 || res.Pruned > 0 {
		r.config.Logger.Info("reaper sweep completed",
			"expired", res.Expired,
			"reconciled", res.Reconciled,
			"pruned", res.Pruned)
	}
	return res, errors.Join(errs...)
}

func (r *Reaper) recordLeave(ctx context.Context, rec *presence.Record) {
	if r.config.Metrics != nil {
		r.config.Metrics.expired.Inc()
	}
	e := activity.LeaveFor(rec, map[string]string{activity.MetaSource: "reaper"})
	r.emit(ctx, e)
	if r.persist != nil {
		r.persist.UpsertPresence(rec)
	}
}

// emit records a reaper event in the activity log, the durable log and the fan-out.
func (r *Reaper) emit(ctx context.Context, e activity.Event) {
	if err := r.log.Append(ctx, e); err != nil {
		r.config.Logger.Error("failed to append activity event",
			"session_id", e.SessionID,
			"event_type", e.Kind,
			"error", err)
	}
	if r.persist != nil {
		r.persist.AppendEvent(e)
	}
	if r.broadcast != nil {
		r.broadcast.PublishActivity(e)
	}
}

// reconcile deactivates persisted rows that are past their deadline and not live in
// the registry. Rows the registry still considers live are only lagging behind
// the write-behind queue and are skipped. Sessions the registry never saw were
// orphaned by another instance; their user_left is recorded here. Sessions it
// knows as inactive already have one.
func (r *Reaper) reconcile(ctx context.Context, now time.Time, skip map[string]struct{}) (int, error) {
	ids, err := r.config.Reconciler.ScanExpired(ctx, now)
	if err != nil {
		r.incError("reconcile_scan")
		return 0, fmt.Errorf("failed to scan persisted sessions: %w", err)
	}

	n := 0
	var errs []error
	for _, id := range ids {
		if _, ok := skip[id]; ok {
			continue
		}
		rec, err := r.registry.Get(ctx, id)
		if err == nil && rec.IsLive(now) {
			continue
		}
		orphaned := errors.Is(err, presence.ErrSessionNotFound)
		if err != nil && !orphaned {
			r.incError("reconcile_get")
			errs = append(errs, err)
			continue
		}
		row, err := r.config.Reconciler.Deactivate(ctx, id, presence.ReasonExpired, now)
		if err != nil {
			r.incError("reconcile_deactivate")
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
			continue
		}
		if row == nil {
			continue
		}
		n++
		if orphaned {
			r.emit(ctx, activity.LeaveFor(row, map[string]string{activity.MetaSource: "reconcile"}))
		}
	}
	if r.config.Metrics != nil {
		r.config.Metrics.reconciled.Add(float64(n))
	}
	return n, errors.Join(errs...)
}

func (r *Reaper) incError(stage string) {
	if r.config.Metrics != nil {
		r.config.Metrics.errors.WithLabelValues(stage).Inc()
	}
}
