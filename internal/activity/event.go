// Package activity models the append-only session lifecycle log.
package activity

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the type of an activity event.
type Kind string

// Known event kinds.
const (
	KindUserJoined     Kind = "user_joined"
	KindUserLeft       Kind = "user_left"
	KindHeartbeat      Kind = "heartbeat"
	KindAdminAction    Kind = "admin_action"
	KindContentChanged Kind = "content_changed"
	KindQualityChanged Kind = "quality_changed"
)

// Metadata keys with fixed meaning.
const (
	MetaReason  = "reason"
	MetaAdminID = "admin_id"
	MetaSource  = "source"
)

// ErrUnknownKind is returned when decoding an event with an unrecognized kind.
var ErrUnknownKind = errors.New("unknown event kind")

// Payload is the kind-specific body of an event.
// Implementations are limited to the types in this package.
type Payload interface {
	Kind() Kind
	isPayload()
}

// Joined is recorded when a session starts a presence interval.
type Joined struct {
	UserID         string `json:"user_id,omitempty"`
	UserType       string `json:"user_type,omitempty"`
	DeviceType     string `json:"device_type,omitempty"`
	ContentID      string `json:"content_id,omitempty"`
	ReconnectCount int    `json:"reconnect_count"`
}

// Left is recorded when a session stops being present.
type Left struct {
	Reason          string  `json:"reason"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Heartbeat is recorded for each accepted heartbeat.
type Heartbeat struct {
	PlaybackPosition float64  `json:"playback_position"`
	LatencyMs        *float64 `json:"latency_ms,omitempty"`
	BandwidthKbps    *float64 `json:"bandwidth_kbps,omitempty"`
}

// AdminAction is recorded when an operator acts on a session.
type AdminAction struct {
	Action  string `json:"action"`
	AdminID string `json:"admin_id"`
}

// ContentChanged is recorded when a session switches content.
type ContentChanged struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
}

// QualityChanged is recorded when a session's connection quality tier changes.
type QualityChanged struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (Joined) Kind() Kind         { return KindUserJoined }
func (Left) Kind() Kind           { return KindUserLeft }
func (Heartbeat) Kind() Kind      { return KindHeartbeat }
func (AdminAction) Kind() Kind    { return KindAdminAction }
func (ContentChanged) Kind() Kind { return KindContentChanged }
func (QualityChanged) Kind() Kind { return KindQualityChanged }

func (Joined) isPayload()         {}
func (Left) isPayload()           {}
func (Heartbeat) isPayload()      {}
func (AdminAction) isPayload()    {}
func (ContentChanged) isPayload() {}
func (QualityChanged) isPayload() {}

// Event is an immutable entry in the activity log.
// Seq is the registry version of the mutation that produced the event and orders
// events within one session; there is no ordering across sessions.
type Event struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Kind      Kind              `json:"event_type"`
	Seq       int64             `json:"seq"`
	Payload   Payload           `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// New builds an event for a session. The kind is taken from the payload.
func New(sessionID string, seq int64, payload Payload, metadata map[string]string, at time.Time) Event {
	return Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Kind:      payload.Kind(),
		Seq:       seq,
		Payload:   payload,
		Metadata:  metadata,
		CreatedAt: at,
	}
}

type eventJSON struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Kind      Kind              `json:"event_type"`
	Seq       int64             `json:"seq"`
	Payload   json.RawMessage   `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// UnmarshalJSON decodes the payload according to event_type.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := DecodePayload(raw.Kind, raw.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		ID:        raw.ID,
		SessionID: raw.SessionID,
		Kind:      raw.Kind,
		Seq:       raw.Seq,
		Payload:   payload,
		Metadata:  raw.Metadata,
		CreatedAt: raw.CreatedAt,
	}
	return nil
}

// DecodePayload parses a JSON payload body for the given kind.
func DecodePayload(kind Kind, data []byte) (Payload, error) {
	var p Payload
	switch kind {
	case KindUserJoined:
		p = &Joined{}
	case KindUserLeft:
		p = &Left{}
	case KindHeartbeat:
		p = &Heartbeat{}
	case KindAdminAction:
		p = &AdminAction{}
	case KindContentChanged:
		p = &ContentChanged{}
	case KindQualityChanged:
		p = &QualityChanged{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
		}
	}
	return deref(p), nil
}

// deref returns payloads by value so type switches match the value types.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *Joined:
		return *v
	case *Left:
		return *v
	case *Heartbeat:
		return *v
	case *AdminAction:
		return *v
	case *ContentChanged:
		return *v
	case *QualityChanged:
		return *v
	}
	return p
}
