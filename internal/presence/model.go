// Package presence provides the live session registry: one record per session
// with a freshness deadline that heartbeats keep pushing forward.
package presence

import (
	"errors"
	"strings"
	"time"
)

// Common errors for presence operations.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMissingSession  = errors.New("session_id is required")
)

// DefaultTTL is the inactivity window after which a session is eligible for eviction.
const DefaultTTL = 30 * time.Second

// UserType classifies who owns a session.
type UserType string

// Known user types.
const (
	UserTypeAuthenticated UserType = "authenticated"
	UserTypeAnonymous     UserType = "anonymous"
	UserTypeKidProfile    UserType = "kid_profile"
	UserTypeFamilyMember  UserType = "family_member"
)

// Valid reports whether t is one of the known user types.
func (t UserType) Valid() bool {
	switch t {
	case UserTypeAuthenticated, UserTypeAnonymous, UserTypeKidProfile, UserTypeFamilyMember:
		return true
	}
	return false
}

// SessionType classifies what a session is currently doing.
type SessionType string

// Known session types.
const (
	SessionTypeViewing  SessionType = "viewing"
	SessionTypeBrowsing SessionType = "browsing"
	SessionTypeIdle     SessionType = "idle"
)

// Valid reports whether t is one of the known session types.
func (t SessionType) Valid() bool {
	switch t {
	case SessionTypeViewing, SessionTypeBrowsing, SessionTypeIdle:
		return true
	}
	return false
}

// Disconnect reasons recorded on deactivated sessions.
const (
	ReasonClientEnd       = "client_end"
	ReasonTransportClosed = "transport_closed"
	ReasonExpired         = "expired"
	ReasonAdmin           = "admin"
)

// Record is the live state of a single session.
// Records are never hard-deleted by callers; deactivation keeps the row for audit.
type Record struct {
	SessionID   string      `json:"session_id"`
	UserID      string      `json:"user_id,omitempty"`
	UserType    UserType    `json:"user_type,omitempty"`
	SessionType SessionType `json:"session_type,omitempty"`
	DeviceType  string      `json:"device_type,omitempty"`

	// Content context
	ContentID          string  `json:"content_id,omitempty"`
	MediaAssetID       string  `json:"media_asset_id,omitempty"`
	ContentTitle       string  `json:"content_title,omitempty"`
	ContentType        string  `json:"content_type,omitempty"`
	PlaybackPosition   float64 `json:"playback_position"`
	PlaybackDuration   float64 `json:"playback_duration"`
	PlaybackPercentage float64 `json:"playback_percentage"`

	// Network metrics
	LatencyMs      *float64 `json:"latency_ms,omitempty"`
	FrameRate      *float64 `json:"frame_rate,omitempty"`
	BandwidthKbps  *float64 `json:"bandwidth_kbps,omitempty"`
	ConnectionType string   `json:"connection_type,omitempty"`

	// Geo and client details. Only a coarse geohash prefix is kept, never coordinates.
	IPAddress        string `json:"ip_address,omitempty"`
	CountryCode      string `json:"country_code,omitempty"`
	GeohashPrefix    string `json:"geohash_prefix,omitempty"`
	ScreenResolution string `json:"screen_resolution,omitempty"`
	Language         string `json:"language,omitempty"`
	UserAgent        string `json:"user_agent,omitempty"`
	LiveRoom         string `json:"live_room,omitempty"`

	JoinedAt         time.Time  `json:"joined_at"`
	LastActivity     time.Time  `json:"last_activity"`
	ExpiresAt        time.Time  `json:"expires_at"`
	IsActive         bool       `json:"is_active"`
	DisconnectedAt   *time.Time `json:"disconnected_at,omitempty"`
	DisconnectReason string     `json:"disconnect_reason,omitempty"`
	ReconnectCount   int        `json:"reconnect_count"`

	// Version increments on every mutation and orders events within the session.
	Version int64 `json:"version"`
}

// IsLive reports whether the record counts as present at the given instant.
func (r *Record) IsLive(now time.Time) bool {
	return r.IsActive && r.ExpiresAt.After(now)
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.LatencyMs = cloneFloat(r.LatencyMs)
	c.FrameRate = cloneFloat(r.FrameRate)
	c.BandwidthKbps = cloneFloat(r.BandwidthKbps)
	if r.DisconnectedAt != nil {
		t := *r.DisconnectedAt
		c.DisconnectedAt = &t
	}
	return &c
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Patch carries the fields supplied by one inbound signal.
// Empty strings and nil pointers mean "not present" and leave the stored value untouched.
type Patch struct {
	SessionID   string
	UserID      string
	UserType    UserType
	SessionType SessionType
	DeviceType  string

	ContentID          string
	MediaAssetID       string
	ContentTitle       string
	ContentType        string
	PlaybackPosition   *float64
	PlaybackDuration   *float64
	PlaybackPercentage *float64

	LatencyMs      *float64
	FrameRate      *float64
	BandwidthKbps  *float64
	ConnectionType string

	IPAddress        string
	CountryCode      string
	GeohashPrefix    string
	ScreenResolution string
	Language         string
	UserAgent        string
	LiveRoom         string
}

// Apply merges the present fields of p into r.
func (p *Patch) Apply(r *Record) {
	setString(&r.UserID, p.UserID)
	if p.UserType != "" {
		r.UserType = p.UserType
	}
	if p.SessionType != "" {
		r.SessionType = p.SessionType
	}
	setString(&r.DeviceType, p.DeviceType)
	setString(&r.ContentID, p.ContentID)
	setString(&r.MediaAssetID, p.MediaAssetID)
	setString(&r.ContentTitle, p.ContentTitle)
	setString(&r.ContentType, p.ContentType)
	if p.PlaybackPosition != nil {
		r.PlaybackPosition = *p.PlaybackPosition
	}
	if p.PlaybackDuration != nil {
		r.PlaybackDuration = *p.PlaybackDuration
	}
	if p.PlaybackPercentage != nil {
		r.PlaybackPercentage = *p.PlaybackPercentage
	}
	if p.LatencyMs != nil {
		r.LatencyMs = cloneFloat(p.LatencyMs)
	}
	if p.FrameRate != nil {
		r.FrameRate = cloneFloat(p.FrameRate)
	}
	if p.BandwidthKbps != nil {
		r.BandwidthKbps = cloneFloat(p.BandwidthKbps)
	}
	setString(&r.ConnectionType, p.ConnectionType)
	setString(&r.IPAddress, p.IPAddress)
	setString(&r.CountryCode, strings.ToUpper(p.CountryCode))
	setString(&r.GeohashPrefix, p.GeohashPrefix)
	setString(&r.ScreenResolution, p.ScreenResolution)
	setString(&r.Language, p.Language)
	setString(&r.UserAgent, p.UserAgent)
	setString(&r.LiveRoom, p.LiveRoom)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Filter selects records in scans. Empty fields match everything.
type Filter struct {
	UserID      string
	UserType    UserType
	SessionType SessionType
	DeviceType  string
	ContentID   string
	ContentType string
	CountryCode string
}

// Matches reports whether r satisfies every populated field of f.
func (f Filter) Matches(r *Record) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.UserType != "" && r.UserType != f.UserType {
		return false
	}
	if f.SessionType != "" && r.SessionType != f.SessionType {
		return false
	}
	if f.DeviceType != "" && r.DeviceType != f.DeviceType {
		return false
	}
	if f.ContentID != "" && r.ContentID != f.ContentID {
		return false
	}
	if f.ContentType != "" && r.ContentType != f.ContentType {
		return false
	}
	if f.CountryCode != "" && !strings.EqualFold(r.CountryCode, f.CountryCode) {
		return false
	}
	return true
}

// Quality tiers derived from network metrics.
const (
	QualityUnknown  = "unknown"
	QualityGood     = "good"
	QualityDegraded = "degraded"
	QualityPoor     = "poor"
)

// QualityTier buckets a record's network metrics into a coarse tier.
// Criteria:
// - poor: latency > 300ms or frame rate < 15fps
// - degraded: latency > 150ms or frame rate < 24fps or bandwidth < 1500kbps
func QualityTier(r *Record) string {
	if r.LatencyMs == nil && r.FrameRate == nil && r.BandwidthKbps == nil {
		return QualityUnknown
	}
	if (r.LatencyMs != nil && *r.LatencyMs > 300) || (r.FrameRate != nil && *r.FrameRate < 15) {
		return QualityPoor
	}
	if (r.LatencyMs != nil && *r.LatencyMs > 150) ||
		(r.FrameRate != nil && *r.FrameRate < 24) ||
		(r.BandwidthKbps != nil && *r.BandwidthKbps < 1500) {
		return QualityDegraded
	}
	return QualityGood
}
