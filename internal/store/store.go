// Package store is the durable persistence collaborator for presence, activity and snapshots.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/onnwee/livepresence/internal/activity"
	"github.com/onnwee/livepresence/internal/presence"
	"github.com/onnwee/livepresence/internal/stats"
)

// ErrInvalidSnapshot is returned when inserting a snapshot without a valid type or bucket.
var ErrInvalidSnapshot = errors.New("snapshot type and time bucket are required")

// DefaultScanLimit bounds ScanExpired results per call.
const DefaultScanLimit = 1000

// Aggregate is a count of durable active rows grouped by dimension.
type Aggregate struct {
	Total         int            `json:"total"`
	ByDevice      map[string]int `json:"by_device"`
	BySessionType map[string]int `json:"by_session_type"`
	ByUserType    map[string]int `json:"by_user_type"`
	ByCountry     map[string]int `json:"by_country"`
}

// NewAggregate returns an Aggregate with initialized maps.
func NewAggregate() *Aggregate {
	return &Aggregate{
		ByDevice:      make(map[string]int),
		BySessionType: make(map[string]int),
		ByUserType:    make(map[string]int),
		ByCountry:     make(map[string]int),
	}
}

func (a *Aggregate) add(device, sessionType, userType, country string, n int) {
	a.Total += n
	a.ByDevice[orUnknown(device)] += n
	a.BySessionType[orUnknown(sessionType)] += n
	a.ByUserType[orUnknown(userType)] += n
	a.ByCountry[orUnknown(country)] += n
}

func orUnknown(v string) string {
	if v == "" {
		return stats.Unknown
	}
	return v
}

// SnapshotQuery selects archived snapshots.
type SnapshotQuery struct {
	Type  stats.SnapshotType
	Since time.Time // inclusive, zero for no lower bound
	Until time.Time // exclusive, zero for no upper bound
	Limit int
}

// Supersedes reports whether incoming is newer than stored. Activity time
// orders writes across registry restarts; the version breaks ties within one.
func Supersedes(incoming, stored *presence.Record) bool {
	if !incoming.LastActivity.Equal(stored.LastActivity) {
		return incoming.LastActivity.After(stored.LastActivity)
	}
	return incoming.Version > stored.Version
}

// Store persists presence state, activity events and archived snapshots.
type Store interface {
	// UpsertPresence writes the record unless the stored row supersedes it.
	// Rows are ordered by (last_activity, version): registry versions restart
	// at 1 with the process, activity time does not.
	UpsertPresence(ctx context.Context, rec *presence.Record) error

	// ScanExpired returns ids of rows still marked active whose deadline is before now.
	ScanExpired(ctx context.Context, now time.Time) ([]string, error)

	// Deactivate marks a row inactive and returns it as deactivated. Returns nil
	// without error if the row was already inactive or unknown.
	Deactivate(ctx context.Context, sessionID, reason string, at time.Time) (*presence.Record, error)

	// AppendEvent stores an activity event. Re-appending the same event id is a no-op.
	AppendEvent(ctx context.Context, e activity.Event) error

	// InsertSnapshot stores a snapshot, replacing any row for the same type and bucket.
	InsertSnapshot(ctx context.Context, s *stats.Snapshot) error

	// QueryActiveAggregate counts active, unexpired rows matching the filter.
	QueryActiveAggregate(ctx context.Context, filter presence.Filter, now time.Time) (*Aggregate, error)

	// ListSnapshots returns archived snapshots, newest bucket first.
	ListSnapshots(ctx context.Context, q SnapshotQuery) ([]*stats.Snapshot, error)
}
