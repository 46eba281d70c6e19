package presence

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// UpsertResult describes the outcome of a single atomic upsert.
type UpsertResult struct {
	Record   *Record // state after the upsert
	Previous *Record // state before the upsert, nil when Created
	Created  bool    // no record existed for the session
	Rejoined bool    // an inactive record was re-established
}

// Joined reports whether the upsert started a new presence interval.
func (r UpsertResult) Joined() bool {
	return r.Created || r.Rejoined
}

// DeactivateResult describes the outcome of a deactivation.
type DeactivateResult struct {
	Record  *Record // state after the call, nil when not found
	Found   bool    // a record exists for the session
	Changed bool    // the record transitioned from active to inactive
}

// Registry holds one presence record per session.
// All mutations for a given session are serialized; different sessions never contend.
type Registry interface {
	// Upsert atomically creates or merges the record for patch.SessionID, refreshing
	// last_activity, expires_at and is_active. last_activity never moves backward.
	Upsert(ctx context.Context, patch Patch) (UpsertResult, error)

	// Deactivate marks a session inactive with the given reason.
	// Idempotent: unknown or already inactive sessions return Changed=false and no error.
	Deactivate(ctx context.Context, sessionID, reason string) (DeactivateResult, error)

	// Expire deactivates a session only if it is still active and its deadline is before now.
	// A heartbeat that refreshed the session first wins.
	Expire(ctx context.Context, sessionID string, now time.Time) (DeactivateResult, error)

	// Get returns a copy of the record for a session.
	// Returns ErrSessionNotFound if the session is unknown.
	Get(ctx context.Context, sessionID string) (*Record, error)

	// ScanActive returns live records (is_active and expires_at > now) matching the filter,
	// ordered by joined_at ascending.
	ScanActive(ctx context.Context, filter Filter, now time.Time) ([]*Record, error)

	// ScanExpired returns the ids of active sessions whose deadline is before now.
	ScanExpired(ctx context.Context, now time.Time) ([]string, error)
}

const shardCount = 64

type shard struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// MemoryRegistry is an in-process Registry sharded by session id.
// Thread-safe; scans take shard read locks one at a time so they never hold up
// writers for more than a single shard copy.
type MemoryRegistry struct {
	shards    [shardCount]*shard
	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
	metrics   *Metrics
}

// MemoryOption configures a MemoryRegistry.
type MemoryOption func(*MemoryRegistry)

// WithClock overrides the registry's time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(r *MemoryRegistry) { r.now = now }
}

// WithRetention sets how long inactive records are kept in memory before Prune drops them.
// Zero keeps them until the process exits.
func WithRetention(d time.Duration) MemoryOption {
	return func(r *MemoryRegistry) { r.retention = d }
}

// WithMetrics attaches registry metrics.
func WithMetrics(m *Metrics) MemoryOption {
	return func(r *MemoryRegistry) { r.metrics = m }
}

// NewMemoryRegistry creates an empty registry with the given TTL.
// A non-positive ttl falls back to DefaultTTL.
func NewMemoryRegistry(ttl time.Duration, opts ...MemoryOption) *MemoryRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r := &MemoryRegistry{
		ttl: ttl,
		now: time.Now,
	}
	for i := range r.shards {
		r.shards[i] = &shard{records: make(map[string]*Record)}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TTL returns the configured freshness window.
func (r *MemoryRegistry) TTL() time.Duration {
	return r.ttl
}

func (r *MemoryRegistry) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return r.shards[h.Sum32()%shardCount]
}

// Upsert creates or merges the record for patch.SessionID under the shard lock.
func (r *MemoryRegistry) Upsert(ctx context.Context, patch Patch) (UpsertResult, error) {
	if patch.SessionID == "" {
		return UpsertResult{}, ErrMissingSession
	}
	s := r.shardFor(patch.SessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := r.now()
	var res UpsertResult

	rec, exists := s.records[patch.SessionID]
	if !exists {
		rec = &Record{
			SessionID: patch.SessionID,
			JoinedAt:  now,
		}
		s.records[patch.SessionID] = rec
		res.Created = true
	} else {
		res.Previous = rec.Clone()
		if !rec.IsActive {
			res.Rejoined = true
			rec.JoinedAt = now
			rec.DisconnectedAt = nil
			rec.DisconnectReason = ""
			rec.ReconnectCount++
		}
	}

	patch.Apply(rec)
	if now.After(rec.LastActivity) {
		rec.LastActivity = now
	}
	rec.ExpiresAt = rec.LastActivity.Add(r.ttl)
	rec.IsActive = true
	rec.Version++

	res.Record = rec.Clone()
	r.metrics.observeUpsert(res)
	return res, nil
}

// Deactivate marks the session inactive if it is active.
func (r *MemoryRegistry) Deactivate(ctx context.Context, sessionID, reason string) (DeactivateResult, error) {
	return r.deactivate(sessionID, reason, func(*Record) bool { return true })
}

// Expire deactivates the session only when it is still past its deadline.
func (r *MemoryRegistry) Expire(ctx context.Context, sessionID string, now time.Time) (DeactivateResult, error) {
	return r.deactivate(sessionID, ReasonExpired, func(rec *Record) bool {
		return rec.ExpiresAt.Before(now)
	})
}

func (r *MemoryRegistry) deactivate(sessionID, reason string, cond func(*Record) bool) (DeactivateResult, error) {
	s := r.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[sessionID]
	if !exists {
		return DeactivateResult{}, nil
	}
	if !rec.IsActive || !cond(rec) {
		return DeactivateResult{Record: rec.Clone(), Found: true}, nil
	}

	now := r.now()
	rec.IsActive = false
	rec.DisconnectedAt = &now
	rec.DisconnectReason = reason
	rec.Version++

	r.metrics.observeDeactivate(reason)
	return DeactivateResult{Record: rec.Clone(), Found: true, Changed: true}, nil
}

// Get returns a copy of the session's record.
func (r *MemoryRegistry) Get(ctx context.Context, sessionID string) (*Record, error) {
	s := r.shardFor(sessionID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}
	return rec.Clone(), nil
}

// ScanActive returns copies of live records matching filter.
func (r *MemoryRegistry) ScanActive(ctx context.Context, filter Filter, now time.Time) ([]*Record, error) {
	var out []*Record
	for _, s := range r.shards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.mu.RLock()
		for _, rec := range s.records {
			if rec.IsLive(now) && filter.Matches(rec) {
				out = append(out, rec.Clone())
			}
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

// ScanExpired returns ids of active sessions whose deadline is before now.
func (r *MemoryRegistry) ScanExpired(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	for _, s := range r.shards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.mu.RLock()
		for id, rec := range s.records {
			if rec.IsActive && rec.ExpiresAt.Before(now) {
				ids = append(ids, id)
			}
		}
		s.mu.RUnlock()
	}
	sort.Strings(ids)
	return ids, nil
}

// Prune drops inactive records disconnected longer ago than the retention window.
// The durable row is kept by the persistence collaborator; this only bounds memory.
// Returns the number of records dropped.
func (r *MemoryRegistry) Prune(now time.Time) int {
	if r.retention <= 0 {
		return 0
	}
	cutoff := now.Add(-r.retention)
	dropped := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for id, rec := range s.records {
			if !rec.IsActive && rec.DisconnectedAt != nil && rec.DisconnectedAt.Before(cutoff) {
				delete(s.records, id)
				dropped++
			}
		}
		s.mu.Unlock()
	}
	return dropped
}

// Len returns the number of records held, active or not.
func (r *MemoryRegistry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.records)
		s.mu.RUnlock()
	}
	return n
}
