package ingest

import (
	"bytes"
	"errors"
	"testing"
)

func TestDecodeJSON(t *testing.T) {
	msg, err := DecodeJSON([]byte(`{"type":"heartbeat","session_id":"s1","latency_ms":42,"lat":1.5,"lng":2.5,"extra":"ignored"}`))
	if err != nil {
		t.Fatalf("DecodeJSON() error = %v", err)
	}
	if msg.Type != TypeHeartbeat || msg.SessionID != "s1" || *msg.LatencyMs != 42 || *msg.Latitude != 1.5 {
		t.Errorf("message = %+v", msg)
	}

	for name, data := range map[string][]byte{
		"empty":     nil,
		"not json":  []byte("hello"),
		"truncated": []byte(`{"session_id":`),
		"oversized": bytes.Repeat([]byte(" "), MaxMessageSize+1),
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeJSON(data); !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("DecodeJSON() error = %v, want ErrInvalidMessage", err)
			}
		})
	}
}

func TestCBORRoundTrip(t *testing.T) {
	in := &Message{
		Type:          TypeHeartbeat,
		SessionID:     "device-7",
		DeviceType:    "set_top_box",
		FrameRate:     floatPtr(29.97),
		BandwidthKbps: floatPtr(3200),
	}
	data, err := EncodeCBOR(in)
	if err != nil {
		t.Fatalf("EncodeCBOR() error = %v", err)
	}

	out, err := DecodeCBOR(data)
	if err != nil {
		t.Fatalf("DecodeCBOR() error = %v", err)
	}
	if out.SessionID != in.SessionID || out.DeviceType != in.DeviceType || *out.FrameRate != 29.97 {
		t.Errorf("decoded = %+v", out)
	}
	if out.LatencyMs != nil {
		t.Error("absent field decoded as present")
	}
}

func TestDecodeCBOR_Invalid(t *testing.T) {
	for name, data := range map[string][]byte{
		"empty":   nil,
		"garbage": {0xff, 0x00, 0x13},
		// map(2) {"session_id": "a", "session_id": "b"}
		"duplicate key": {0xa2,
			0x6a, 's', 'e', 's', 's', 'i', 'o', 'n', '_', 'i', 'd', 0x61, 'a',
			0x6a, 's', 'e', 's', 's', 'i', 'o', 'n', '_', 'i', 'd', 0x61, 'b'},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeCBOR(data); !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("DecodeCBOR() error = %v, want ErrInvalidMessage", err)
			}
		})
	}
}
