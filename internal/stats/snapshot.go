// Package stats computes aggregate snapshots of live presence.
package stats

import (
	"sort"
	"time"

	"github.com/onnwee/livepresence/internal/presence"
)

// SnapshotType tags the cadence a snapshot was computed for.
type SnapshotType string

// Snapshot types.
const (
	SnapshotRealTime SnapshotType = "real_time"
	SnapshotHourly   SnapshotType = "hourly"
	SnapshotDaily    SnapshotType = "daily"
)

// Valid reports whether t is a known snapshot type.
func (t SnapshotType) Valid() bool {
	switch t {
	case SnapshotRealTime, SnapshotHourly, SnapshotDaily:
		return true
	}
	return false
}

// Unknown is the group key for records with an empty dimension.
const Unknown = "unknown"

// DefaultTopContent is the number of content entries kept in TopContent.
const DefaultTopContent = 10

// ContentCount is one entry of the most-watched content list.
type ContentCount struct {
	ContentID    string `json:"content_id"`
	ContentTitle string `json:"content_title,omitempty"`
	Viewers      int    `json:"viewers"`
}

// Snapshot is a point-in-time aggregate of live sessions.
// Every By* map sums to TotalActive.
type Snapshot struct {
	Type       SnapshotType `json:"snapshot_type"`
	TimeBucket time.Time    `json:"time_bucket"`
	ComputedAt time.Time    `json:"computed_at"`

	TotalActive      int            `json:"total_active"`
	ByDevice         map[string]int `json:"by_device"`
	BySessionType    map[string]int `json:"by_session_type"`
	ByUserType       map[string]int `json:"by_user_type"`
	ByCountry        map[string]int `json:"by_country"`
	ByGeohash        map[string]int `json:"by_geohash"`
	ByContentType    map[string]int `json:"by_content_type"`
	ByConnectionType map[string]int `json:"by_connection_type"`
	ByQuality        map[string]int `json:"by_quality"`
	TopContent       []ContentCount `json:"top_content"`

	AvgLatencyMs     *float64 `json:"avg_latency_ms,omitempty"`
	AvgBandwidthKbps *float64 `json:"avg_bandwidth_kbps,omitempty"`
	AvgFrameRate     *float64 `json:"avg_frame_rate,omitempty"`
}

// BucketFor truncates t to the start of the bucket for the snapshot type, in UTC.
// Real-time snapshots are bucketed to the second.
func BucketFor(t SnapshotType, at time.Time) time.Time {
	at = at.UTC()
	switch t {
	case SnapshotHourly:
		return at.Truncate(time.Hour)
	case SnapshotDaily:
		return time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return at.Truncate(time.Second)
	}
}

type mean struct {
	sum float64
	n   int
}

func (m *mean) add(v *float64) {
	if v == nil {
		return
	}
	m.sum += *v
	m.n++
}

func (m mean) value() *float64 {
	if m.n == 0 {
		return nil
	}
	v := m.sum / float64(m.n)
	return &v
}

// Compute aggregates the given records. Callers pass only live records.
func Compute(t SnapshotType, records []*presence.Record, now time.Time, topN int) *Snapshot {
	if topN <= 0 {
		topN = DefaultTopContent
	}
	s := &Snapshot{
		Type:             t,
		TimeBucket:       BucketFor(t, now),
		ComputedAt:       now.UTC(),
		TotalActive:      len(records),
		ByDevice:         make(map[string]int),
		BySessionType:    make(map[string]int),
		ByUserType:       make(map[string]int),
		ByCountry:        make(map[string]int),
		ByGeohash:        make(map[string]int),
		ByContentType:    make(map[string]int),
		ByConnectionType: make(map[string]int),
		ByQuality:        make(map[string]int),
		TopContent:       []ContentCount{},
	}

	var latency, bandwidth, frameRate mean
	content := make(map[string]*ContentCount)

	for _, r := range records {
		s.ByDevice[orUnknown(r.DeviceType)]++
		s.BySessionType[orUnknown(string(r.SessionType))]++
		s.ByUserType[orUnknown(string(r.UserType))]++
		s.ByCountry[orUnknown(r.CountryCode)]++
		s.ByGeohash[orUnknown(r.GeohashPrefix)]++
		s.ByContentType[orUnknown(r.ContentType)]++
		s.ByConnectionType[orUnknown(r.ConnectionType)]++
		s.ByQuality[presence.QualityTier(r)]++

		latency.add(r.LatencyMs)
		bandwidth.add(r.BandwidthKbps)
		frameRate.add(r.FrameRate)

		if r.ContentID != "" {
			c, ok := content[r.ContentID]
			if !ok {
				c = &ContentCount{ContentID: r.ContentID}
				content[r.ContentID] = c
			}
			c.Viewers++
			if c.ContentTitle == "" {
				c.ContentTitle = r.ContentTitle
			}
		}
	}

	s.AvgLatencyMs = latency.value()
	s.AvgBandwidthKbps = bandwidth.value()
	s.AvgFrameRate = frameRate.value()

	for _, c := range content {
		s.TopContent = append(s.TopContent, *c)
	}
	sort.Slice(s.TopContent, func(i, j int) bool {
		if s.TopContent[i].Viewers == s.TopContent[j].Viewers {
			return s.TopContent[i].ContentID < s.TopContent[j].ContentID
		}
		return s.TopContent[i].Viewers > s.TopContent[j].Viewers
	})
	if len(s.TopContent) > topN {
		s.TopContent = s.TopContent[:topN]
	}
	return s
}

func orUnknown(v string) string {
	if v == "" {
		return Unknown
	}
	return v
}
