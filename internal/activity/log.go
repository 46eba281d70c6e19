package activity

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrMissingSession is returned when appending an event without a session id.
var ErrMissingSession = errors.New("event session_id is required")

// Default bounds for the in-memory log.
const (
	DefaultPerSessionLimit = 500
	DefaultMaxSessions     = 50000
	DefaultRecentLimit     = 1000
)

// Log is the append-only activity log.
type Log interface {
	// Append records an event. Events are never modified after Append.
	Append(ctx context.Context, e Event) error

	// ForSession returns a session's events ordered by Seq, oldest first.
	// Events with equal Seq keep their append order.
	ForSession(ctx context.Context, sessionID string) ([]Event, error)

	// Recent returns up to limit of the most recently appended events, newest first.
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// MemoryLog is a bounded in-memory Log.
// Each session keeps its most recent events up to a per-session limit; once
// more than maxSessions sessions are tracked the oldest tracked session is dropped.
type MemoryLog struct {
	mu          sync.RWMutex
	bySession   map[string][]Event
	order       []string // session ids in first-seen order
	recent      []Event  // ring buffer
	recentNext  int
	recentFull  bool
	perSession  int
	maxSessions int
}

// NewMemoryLog creates a log with the given bounds. Non-positive values use defaults.
func NewMemoryLog(perSession, maxSessions, recent int) *MemoryLog {
	if perSession <= 0 {
		perSession = DefaultPerSessionLimit
	}
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	if recent <= 0 {
		recent = DefaultRecentLimit
	}
	return &MemoryLog{
		bySession:   make(map[string][]Event),
		recent:      make([]Event, recent),
		perSession:  perSession,
		maxSessions: maxSessions,
	}
}

// Append stores the event.
func (l *MemoryLog) Append(ctx context.Context, e Event) error {
	if e.SessionID == "" {
		return ErrMissingSession
	}
	e.Metadata = copyMeta(e.Metadata)

	l.mu.Lock()
	defer l.mu.Unlock()

	events, seen := l.bySession[e.SessionID]
	if !seen {
		l.order = append(l.order, e.SessionID)
		for len(l.order) > l.maxSessions {
			delete(l.bySession, l.order[0])
			l.order = l.order[1:]
		}
	}
	events = append(events, e)
	if len(events) > l.perSession {
		events = events[len(events)-l.perSession:]
	}
	l.bySession[e.SessionID] = events

	l.recent[l.recentNext] = e
	l.recentNext = (l.recentNext + 1) % len(l.recent)
	if l.recentNext == 0 {
		l.recentFull = true
	}
	return nil
}

// ForSession returns the session's events ordered by Seq.
func (l *MemoryLog) ForSession(ctx context.Context, sessionID string) ([]Event, error) {
	l.mu.RLock()
	events := make([]Event, len(l.bySession[sessionID]))
	copy(events, l.bySession[sessionID])
	l.mu.RUnlock()

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Seq < events[j].Seq
	})
	return events, nil
}

// Recent returns the newest events first.
func (l *MemoryLog) Recent(ctx context.Context, limit int) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := l.recentNext
	if l.recentFull {
		n = len(l.recent)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (l.recentNext - i + len(l.recent)) % len(l.recent)
		out = append(out, l.recent[idx])
	}
	return out, nil
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
