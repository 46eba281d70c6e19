package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/livepresence/internal/activity"
	"github.com/onnwee/livepresence/internal/presence"
	"github.com/onnwee/livepresence/internal/stats"
)

type snapshotKey struct {
	typ    stats.SnapshotType
	bucket int64
}

// MemoryStore is an in-memory implementation of Store.
// Thread-safe via RWMutex.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*presence.Record
	events    map[string]activity.Event
	eventIDs  []string
	snapshots map[snapshotKey]*stats.Snapshot
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*presence.Record),
		events:    make(map[string]activity.Event),
		snapshots: make(map[snapshotKey]*stats.Snapshot),
	}
}

// UpsertPresence stores a copy of rec unless the stored row supersedes it.
func (s *MemoryStore) UpsertPresence(ctx context.Context, rec *presence.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[rec.SessionID]; ok && !Supersedes(rec, existing) {
		return nil
	}
	s.sessions[rec.SessionID] = rec.Clone()
	return nil
}

// ScanExpired returns active rows whose deadline is before now, oldest first.
func (s *MemoryStore) ScanExpired(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	var expired []*presence.Record
	for _, rec := range s.sessions {
		if rec.IsActive && rec.ExpiresAt.Before(now) {
			expired = append(expired, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})
	if len(expired) > DefaultScanLimit {
		expired = expired[:DefaultScanLimit]
	}
	ids := make([]string, len(expired))
	for i, rec := range expired {
		ids[i] = rec.SessionID
	}
	return ids, nil
}

// Deactivate marks an active row inactive.
func (s *MemoryStore) Deactivate(ctx context.Context, sessionID, reason string, at time.Time) (*presence.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok || !rec.IsActive {
		return nil, nil
	}
	rec.IsActive = false
	rec.DisconnectedAt = &at
	rec.DisconnectReason = reason
	rec.Version++
	return rec.Clone(), nil
}

// AppendEvent stores the event once per id.
func (s *MemoryStore) AppendEvent(ctx context.Context, e activity.Event) error {
	if e.SessionID == "" {
		return activity.ErrMissingSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[e.ID]; exists {
		return nil
	}
	s.events[e.ID] = e
	s.eventIDs = append(s.eventIDs, e.ID)
	return nil
}

// InsertSnapshot replaces the row for the snapshot's (type, bucket).
func (s *MemoryStore) InsertSnapshot(ctx context.Context, snap *stats.Snapshot) error {
	if snap == nil || !snap.Type.Valid() || snap.TimeBucket.IsZero() {
		return ErrInvalidSnapshot
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *snap
	s.snapshots[snapshotKey{typ: snap.Type, bucket: snap.TimeBucket.UnixNano()}] = &c
	return nil
}

// QueryActiveAggregate counts live rows matching the filter.
func (s *MemoryStore) QueryActiveAggregate(ctx context.Context, filter presence.Filter, now time.Time) (*Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := NewAggregate()
	for _, rec := range s.sessions {
		if rec.IsLive(now) && filter.Matches(rec) {
			agg.add(rec.DeviceType, string(rec.SessionType), string(rec.UserType), rec.CountryCode, 1)
		}
	}
	return agg, nil
}

// ListSnapshots returns archived snapshots newest first.
func (s *MemoryStore) ListSnapshots(ctx context.Context, q SnapshotQuery) ([]*stats.Snapshot, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	s.mu.RLock()
	var out []*stats.Snapshot
	for key, snap := range s.snapshots {
		if key.typ != q.Type {
			continue
		}
		if !q.Since.IsZero() && snap.TimeBucket.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && !snap.TimeBucket.Before(q.Until) {
			continue
		}
		c := *snap
		out = append(out, &c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].TimeBucket.After(out[j].TimeBucket)
	})
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Session returns a copy of a stored row, for inspection in tests and tooling.
func (s *MemoryStore) Session(sessionID string) (*presence.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Events returns stored events for a session in append order.
func (s *MemoryStore) Events(sessionID string) []activity.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []activity.Event
	for _, id := range s.eventIDs {
		if e := s.events[id]; e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

// SnapshotCount returns the number of archived rows.
func (s *MemoryStore) SnapshotCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}
