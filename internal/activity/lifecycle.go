package activity

import (
	"github.com/onnwee/livepresence/internal/presence"
)

// JoinFor builds the user_joined event for a record that just started a presence interval.
func JoinFor(rec *presence.Record, meta map[string]string) Event {
	return New(rec.SessionID, rec.Version, Joined{
		UserID:         rec.UserID,
		UserType:       string(rec.UserType),
		DeviceType:     rec.DeviceType,
		ContentID:      rec.ContentID,
		ReconnectCount: rec.ReconnectCount,
	}, meta, rec.LastActivity)
}

// LeaveFor builds the user_left event for a record that was just deactivated.
// The disconnect reason is always copied into the metadata.
func LeaveFor(rec *presence.Record, meta map[string]string) Event {
	at := rec.LastActivity
	if rec.DisconnectedAt != nil {
		at = *rec.DisconnectedAt
	}
	duration := at.Sub(rec.JoinedAt).Seconds()
	if duration < 0 {
		duration = 0
	}

	m := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		m[k] = v
	}
	m[MetaReason] = rec.DisconnectReason

	return New(rec.SessionID, rec.Version, Left{
		Reason:          rec.DisconnectReason,
		DurationSeconds: duration,
	}, m, at)
}
