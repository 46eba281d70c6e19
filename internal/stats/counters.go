package stats

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// IngestCounters tracks cumulative counts of ingested session signals.
// All operations are thread-safe using atomic counters.
type IngestCounters struct {
	joins      int64
	heartbeats int64
	leaves     int64
	rejected   int64
}

// CounterValues is a point-in-time copy of IngestCounters.
type CounterValues struct {
	Joins      int64 `json:"joins"`
	Heartbeats int64 `json:"heartbeats"`
	Leaves     int64 `json:"leaves"`
	Rejected   int64 `json:"rejected"`
}

// NewIngestCounters creates a new IngestCounters instance.
func NewIngestCounters() *IngestCounters {
	return &IngestCounters{}
}

// RecordJoin increments the join counter.
func (c *IngestCounters) RecordJoin() {
	atomic.AddInt64(&c.joins, 1)
}

// RecordHeartbeat increments the heartbeat counter.
func (c *IngestCounters) RecordHeartbeat() {
	atomic.AddInt64(&c.heartbeats, 1)
}

// RecordLeave increments the leave counter.
func (c *IngestCounters) RecordLeave() {
	atomic.AddInt64(&c.leaves, 1)
}

// RecordRejected increments the malformed message counter.
func (c *IngestCounters) RecordRejected() {
	atomic.AddInt64(&c.rejected, 1)
}

// Values returns the current counts.
func (c *IngestCounters) Values() CounterValues {
	return CounterValues{
		Joins:      atomic.LoadInt64(&c.joins),
		Heartbeats: atomic.LoadInt64(&c.heartbeats),
		Leaves:     atomic.LoadInt64(&c.leaves),
		Rejected:   atomic.LoadInt64(&c.rejected),
	}
}

// Swap returns the current counts and resets them to zero.
// Each counter is swapped atomically; increments racing with Swap land in one window or the next.
func (c *IngestCounters) Swap() CounterValues {
	return CounterValues{
		Joins:      atomic.SwapInt64(&c.joins, 0),
		Heartbeats: atomic.SwapInt64(&c.heartbeats, 0),
		Leaves:     atomic.SwapInt64(&c.leaves, 0),
		Rejected:   atomic.SwapInt64(&c.rejected, 0),
	}
}

// String returns a human-readable summary.
func (v CounterValues) String() string {
	return fmt.Sprintf("joins=%d heartbeats=%d leaves=%d rejected=%d", v.Joins, v.Heartbeats, v.Leaves, v.Rejected)
}

// LogSummary logs the counts at INFO level.
func (v CounterValues) LogSummary(logger *slog.Logger, window string) {
	logger.Info("ingest statistics",
		"window", window,
		"joins", v.Joins,
		"heartbeats", v.Heartbeats,
		"leaves", v.Leaves,
		"rejected", v.Rejected,
	)
}
