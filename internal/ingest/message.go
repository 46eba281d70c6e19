// Package ingest turns client session signals into registry updates and activity events.
package ingest

import (
	"errors"
	"fmt"
	"math"

	"github.com/onnwee/livepresence/internal/geo"
	"github.com/onnwee/livepresence/internal/presence"
	"github.com/onnwee/livepresence/internal/validate"
)

// ErrInvalidMessage is returned for malformed session signals. Nothing is changed.
var ErrInvalidMessage = errors.New("invalid session message")

// Type selects what a message does.
type Type string

// Message types.
const (
	TypeStart     Type = "start"
	TypeHeartbeat Type = "heartbeat"
	TypeEnd       Type = "end"
)

// Upper bounds for client-reported metrics.
const (
	maxLatencyMs     = 600000
	maxFrameRate     = 1000
	maxBandwidthKbps = 10000000
)

// Message is a session signal as received from a client, over JSON or CBOR.
// Coordinates are only used to derive a geohash prefix and are dropped afterwards.
type Message struct {
	Type        Type   `json:"type" cbor:"type"`
	SessionID   string `json:"session_id" cbor:"session_id"`
	UserID      string `json:"user_id,omitempty" cbor:"user_id,omitempty"`
	UserType    string `json:"user_type,omitempty" cbor:"user_type,omitempty"`
	SessionType string `json:"session_type,omitempty" cbor:"session_type,omitempty"`
	DeviceType  string `json:"device_type,omitempty" cbor:"device_type,omitempty"`

	ContentID          string   `json:"content_id,omitempty" cbor:"content_id,omitempty"`
	MediaAssetID       string   `json:"media_asset_id,omitempty" cbor:"media_asset_id,omitempty"`
	ContentTitle       string   `json:"content_title,omitempty" cbor:"content_title,omitempty"`
	ContentType        string   `json:"content_type,omitempty" cbor:"content_type,omitempty"`
	PlaybackPosition   *float64 `json:"playback_position,omitempty" cbor:"playback_position,omitempty"`
	PlaybackDuration   *float64 `json:"playback_duration,omitempty" cbor:"playback_duration,omitempty"`
	PlaybackPercentage *float64 `json:"playback_percentage,omitempty" cbor:"playback_percentage,omitempty"`

	LatencyMs      *float64 `json:"latency_ms,omitempty" cbor:"latency_ms,omitempty"`
	FrameRate      *float64 `json:"frame_rate,omitempty" cbor:"frame_rate,omitempty"`
	BandwidthKbps  *float64 `json:"bandwidth_kbps,omitempty" cbor:"bandwidth_kbps,omitempty"`
	ConnectionType string   `json:"connection_type,omitempty" cbor:"connection_type,omitempty"`

	IPAddress        string   `json:"ip_address,omitempty" cbor:"ip_address,omitempty"`
	CountryCode      string   `json:"country_code,omitempty" cbor:"country_code,omitempty"`
	Latitude         *float64 `json:"lat,omitempty" cbor:"lat,omitempty"`
	Longitude        *float64 `json:"lng,omitempty" cbor:"lng,omitempty"`
	ScreenResolution string   `json:"screen_resolution,omitempty" cbor:"screen_resolution,omitempty"`
	Language         string   `json:"language,omitempty" cbor:"language,omitempty"`
	UserAgent        string   `json:"user_agent,omitempty" cbor:"user_agent,omitempty"`
	LiveRoom         string   `json:"live_room,omitempty" cbor:"live_room,omitempty"`

	// Reason is only read from end messages.
	Reason string `json:"reason,omitempty" cbor:"reason,omitempty"`
}

func invalid(field string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInvalidMessage, field, err)
}

// SessionKey validates and returns the message's session id.
func (m *Message) SessionKey() (string, error) {
	id, err := validate.Identifier(m.SessionID)
	if err != nil {
		return "", invalid("session_id", err)
	}
	return id, nil
}

// Patch validates the message and converts it into a registry patch.
func (m *Message) Patch() (presence.Patch, error) {
	var p presence.Patch
	var err error

	if p.SessionID, err = m.SessionKey(); err != nil {
		return p, err
	}

	ids := []struct {
		name string
		in   string
		out  *string
	}{
		{"user_id", m.UserID, &p.UserID},
		{"content_id", m.ContentID, &p.ContentID},
		{"media_asset_id", m.MediaAssetID, &p.MediaAssetID},
		{"live_room", m.LiveRoom, &p.LiveRoom},
	}
	for _, f := range ids {
		if *f.out, err = validate.OptionalIdentifier(f.in); err != nil {
			return p, invalid(f.name, err)
		}
	}

	texts := []struct {
		name string
		in   string
		out  *string
	}{
		{"device_type", m.DeviceType, &p.DeviceType},
		{"content_title", m.ContentTitle, &p.ContentTitle},
		{"content_type", m.ContentType, &p.ContentType},
		{"connection_type", m.ConnectionType, &p.ConnectionType},
		{"screen_resolution", m.ScreenResolution, &p.ScreenResolution},
		{"language", m.Language, &p.Language},
		{"user_agent", m.UserAgent, &p.UserAgent},
	}
	for _, f := range texts {
		if *f.out, err = validate.Text(f.in); err != nil {
			return p, invalid(f.name, err)
		}
	}

	if m.UserType != "" {
		if p.UserType = presence.UserType(m.UserType); !p.UserType.Valid() {
			return p, invalid("user_type", fmt.Errorf("unknown value %q", m.UserType))
		}
	}
	if m.SessionType != "" {
		if p.SessionType = presence.SessionType(m.SessionType); !p.SessionType.Valid() {
			return p, invalid("session_type", fmt.Errorf("unknown value %q", m.SessionType))
		}
	}

	ranges := []struct {
		name     string
		v        *float64
		min, max float64
	}{
		{"playback_position", m.PlaybackPosition, 0, math.MaxFloat64},
		{"playback_duration", m.PlaybackDuration, 0, math.MaxFloat64},
		{"playback_percentage", m.PlaybackPercentage, 0, 100},
		{"latency_ms", m.LatencyMs, 0, maxLatencyMs},
		{"frame_rate", m.FrameRate, 0, maxFrameRate},
		{"bandwidth_kbps", m.BandwidthKbps, 0, maxBandwidthKbps},
	}
	for _, f := range ranges {
		if err := validate.Range(f.v, f.min, f.max); err != nil {
			return p, invalid(f.name, err)
		}
	}
	p.PlaybackPosition = m.PlaybackPosition
	p.PlaybackDuration = m.PlaybackDuration
	p.PlaybackPercentage = m.PlaybackPercentage
	p.LatencyMs = m.LatencyMs
	p.FrameRate = m.FrameRate
	p.BandwidthKbps = m.BandwidthKbps

	if p.IPAddress, err = validate.IP(m.IPAddress); err != nil {
		return p, invalid("ip_address", err)
	}
	if p.CountryCode, err = validate.CountryCode(m.CountryCode); err != nil {
		return p, invalid("country_code", err)
	}
	if p.GeohashPrefix, err = geo.Prefix(m.Latitude, m.Longitude); err != nil {
		return p, invalid("lat/lng", err)
	}
	return p, nil
}

// EndReason returns the disconnect reason a client may report.
// Reasons reserved for the server are replaced by client_end.
func (m *Message) EndReason() string {
	if m.Reason == presence.ReasonTransportClosed {
		return m.Reason
	}
	return presence.ReasonClientEnd
}
