package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMemoryLog_ForSessionOrdersBySeq(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(0, 0, 0)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Appended out of order, as concurrent writers may do.
	_ = log.Append(ctx, New("s1", 3, Left{Reason: "client_end"}, nil, at))
	_ = log.Append(ctx, New("s1", 1, Joined{}, nil, at))
	_ = log.Append(ctx, New("s1", 2, Heartbeat{PlaybackPosition: 10}, nil, at))
	_ = log.Append(ctx, New("s2", 1, Joined{}, nil, at))

	events, err := log.ForSession(ctx, "s1")
	if err != nil {
		t.Fatalf("ForSession failed: %v", err)
	}
	want := []Kind{KindUserJoined, KindHeartbeat, KindUserLeft}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, k := range want {
		if events[i].Kind != k {
			t.Errorf("event %d: expected %s, got %s", i, k, events[i].Kind)
		}
	}
}

func TestMemoryLog_EqualSeqKeepsAppendOrder(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(0, 0, 0)
	now := time.Now()

	_ = log.Append(ctx, New("s1", 1, Joined{}, nil, now))
	_ = log.Append(ctx, New("s1", 1, Heartbeat{}, nil, now))

	events, _ := log.ForSession(ctx, "s1")
	if events[0].Kind != KindUserJoined || events[1].Kind != KindHeartbeat {
		t.Errorf("expected join before heartbeat, got %s, %s", events[0].Kind, events[1].Kind)
	}
}

func TestMemoryLog_Bounds(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(3, 2, 4)
	now := time.Now()

	for i := int64(1); i <= 5; i++ {
		_ = log.Append(ctx, New("a", i, Heartbeat{}, nil, now))
	}
	events, _ := log.ForSession(ctx, "a")
	if len(events) != 3 || events[0].Seq != 3 {
		t.Errorf("expected last 3 events starting at seq 3, got %d events", len(events))
	}

	_ = log.Append(ctx, New("b", 1, Joined{}, nil, now))
	_ = log.Append(ctx, New("c", 1, Joined{}, nil, now))
	if events, _ := log.ForSession(ctx, "a"); len(events) != 0 {
		t.Errorf("expected oldest session evicted, got %d events", len(events))
	}

	recent, _ := log.Recent(ctx, 0)
	if len(recent) != 4 {
		t.Fatalf("expected ring of 4, got %d", len(recent))
	}
	if recent[0].SessionID != "c" {
		t.Errorf("expected newest first, got %s", recent[0].SessionID)
	}
}

func TestMemoryLog_AppendValidation(t *testing.T) {
	log := NewMemoryLog(0, 0, 0)
	err := log.Append(context.Background(), Event{Kind: KindHeartbeat})
	if !errors.Is(err, ErrMissingSession) {
		t.Errorf("expected ErrMissingSession, got %v", err)
	}
}

func TestMemoryLog_MetadataIsCopied(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(0, 0, 0)
	meta := map[string]string{MetaReason: "admin"}
	_ = log.Append(ctx, New("s1", 1, Left{Reason: "admin"}, meta, time.Now()))
	meta[MetaReason] = "changed"

	events, _ := log.ForSession(ctx, "s1")
	if events[0].Metadata[MetaReason] != "admin" {
		t.Errorf("expected stored metadata immutable, got %q", events[0].Metadata[MetaReason])
	}
}

func TestEvent_JSONRoundTripKeepsPayloadType(t *testing.T) {
	payloads := []Payload{
		Joined{UserID: "u1", DeviceType: "tv", ReconnectCount: 2},
		Left{Reason: "expired", DurationSeconds: 42},
		AdminAction{Action: "force_disconnect", AdminID: "ops-1"},
		ContentChanged{From: "a", To: "b"},
		QualityChanged{From: "good", To: "poor"},
	}
	for _, p := range payloads {
		t.Run(string(p.Kind()), func(t *testing.T) {
			in := New("s1", 7, p, map[string]string{MetaSource: "test"}, time.Now().UTC())
			data, err := json.Marshal(in)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			var out Event
			if err := json.Unmarshal(data, &out); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if out.Kind != p.Kind() {
				t.Errorf("expected kind %s, got %s", p.Kind(), out.Kind)
			}
			if fmt.Sprintf("%T", out.Payload) != fmt.Sprintf("%T", p) {
				t.Errorf("expected payload %T, got %T", p, out.Payload)
			}
			if out.Payload != p {
				t.Errorf("expected payload %+v, got %+v", p, out.Payload)
			}
		})
	}
}

func TestDecodePayload_UnknownKind(t *testing.T) {
	if _, err := DecodePayload("teleported", []byte(`{}`)); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}
