package ingest

import (
	"errors"
	"strings"
	"testing"

	"github.com/onnwee/livepresence/internal/presence"
)

func floatPtr(f float64) *float64 { return &f }

func TestMessage_Patch(t *testing.T) {
	t.Run("valid message", func(t *testing.T) {
		msg := &Message{
			SessionID:          "s1",
			UserID:             "u1",
			UserType:           "authenticated",
			SessionType:        "viewing",
			DeviceType:         "Smart TV",
			ContentID:          "movie-42",
			PlaybackPercentage: floatPtr(12.5),
			LatencyMs:          floatPtr(80),
			CountryCode:        "gb",
			IPAddress:          "203.0.113.9",
			Latitude:           floatPtr(51.5074),
			Longitude:          floatPtr(-0.1278),
		}
		p, err := msg.Patch()
		if err != nil {
			t.Fatalf("Patch() error = %v", err)
		}
		if p.SessionID != "s1" || p.UserType != presence.UserTypeAuthenticated || p.SessionType != presence.SessionTypeViewing {
			t.Errorf("patch = %+v", p)
		}
		if p.CountryCode != "GB" {
			t.Errorf("CountryCode = %q, want GB", p.CountryCode)
		}
		if p.GeohashPrefix != "gcpv" {
			t.Errorf("GeohashPrefix = %q, want gcpv", p.GeohashPrefix)
		}
		if *p.PlaybackPercentage != 12.5 || *p.LatencyMs != 80 {
			t.Error("metrics not carried over")
		}
	})

	tests := []struct {
		name  string
		msg   Message
		field string
	}{
		{"missing session", Message{}, "session_id"},
		{"session with spaces", Message{SessionID: "a b"}, "session_id"},
		{"unknown user type", Message{SessionID: "s1", UserType: "robot"}, "user_type"},
		{"unknown session type", Message{SessionID: "s1", SessionType: "sleeping"}, "session_type"},
		{"percentage above 100", Message{SessionID: "s1", PlaybackPercentage: floatPtr(150)}, "playback_percentage"},
		{"negative latency", Message{SessionID: "s1", LatencyMs: floatPtr(-1)}, "latency_ms"},
		{"bad ip", Message{SessionID: "s1", IPAddress: "not-an-ip"}, "ip_address"},
		{"bad country", Message{SessionID: "s1", CountryCode: "GBR"}, "country_code"},
		{"latitude out of range", Message{SessionID: "s1", Latitude: floatPtr(95), Longitude: floatPtr(0)}, "lat/lng"},
		{"oversized title", Message{SessionID: "s1", ContentTitle: strings.Repeat("x", 600)}, "content_title"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.msg.Patch()
			if !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("Patch() error = %v, want ErrInvalidMessage", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not name field %q", err, tt.field)
			}
		})
	}
}

func TestMessage_EndReason(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{"", presence.ReasonClientEnd},
		{presence.ReasonTransportClosed, presence.ReasonTransportClosed},
		{presence.ReasonAdmin, presence.ReasonClientEnd},
		{presence.ReasonExpired, presence.ReasonClientEnd},
	}
	for _, tt := range tests {
		m := Message{Reason: tt.reason}
		if got := m.EndReason(); got != tt.want {
			t.Errorf("EndReason(%q) = %q, want %q", tt.reason, got, tt.want)
		}
	}
}
