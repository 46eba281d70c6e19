package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/livepresence/internal/activity"
	"github.com/onnwee/livepresence/internal/ingest"
	"github.com/onnwee/livepresence/internal/middleware"
	"github.com/onnwee/livepresence/internal/presence"
	"github.com/onnwee/livepresence/internal/transport"
)

func TestSessionHTTP_StartHeartbeatEnd(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/v1/sessions/start", `{"session_id":"s1","user_type":"anonymous","device_type":"desktop"}`, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ack ingest.Ack
	decodeBody(t, resp, &ack)
	assert.Equal(t, ingest.TypeStart, ack.Type)
	assert.True(t, ack.Active)
	require.NotNil(t, ack.ExpiresAt)
	assert.True(t, ts.clock.Now().Add(30*time.Second).Equal(*ack.ExpiresAt))

	ts.clock.Advance(10 * time.Second)
	resp = ts.do(t, http.MethodPost, "/v1/sessions/heartbeat", `{"session_id":"s1","playback_position":42,"latency_ms":80}`, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/v1/sessions/end", `{"session_id":"s1","reason":"expired"}`, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &ack)
	assert.False(t, ack.Active)

	rec, err := ts.registry.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, rec.IsActive)
	// Server-reserved reasons from clients are replaced.
	assert.Equal(t, presence.ReasonClientEnd, rec.DisconnectReason)
	assert.Equal(t, []activity.Kind{activity.KindUserJoined, activity.KindHeartbeat, activity.KindUserLeft}, ts.kinds(t, "s1"))
}

func TestSessionHTTP_FillsClientIP(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/v1/sessions/heartbeat", `{"session_id":"s1"}`, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rec, err := ts.registry.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", rec.IPAddress)
}

func TestSessionHTTP_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"malformed json", http.MethodPost, "/v1/sessions/heartbeat", `{"session_id":`, http.StatusBadRequest, ErrCodeBadRequest},
		{"missing session id", http.MethodPost, "/v1/sessions/heartbeat", `{"device_type":"tv"}`, http.StatusBadRequest, ErrCodeValidation},
		{"unknown user type", http.MethodPost, "/v1/sessions/start", `{"session_id":"s1","user_type":"robot"}`, http.StatusBadRequest, ErrCodeValidation},
		{"latency out of range", http.MethodPost, "/v1/sessions/heartbeat", `{"session_id":"s1","latency_ms":-5}`, http.StatusBadRequest, ErrCodeValidation},
		{"wrong method", http.MethodGet, "/v1/sessions/start", "", http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			resp := ts.do(t, tt.method, tt.path, tt.body, false)
			require.Equal(t, tt.wantStatus, resp.StatusCode)

			var body ErrorResponse
			decodeBody(t, resp, &body)
			assert.Equal(t, tt.wantCode, body.Error.Code)

			_, err := ts.registry.Get(context.Background(), "s1")
			assert.ErrorIs(t, err, presence.ErrSessionNotFound, "rejected messages must not change state")
		})
	}
}

func dialSession(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL("/v1/sessions/ws"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readReply(t *testing.T, conn *websocket.Conn) (int, Reply) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	frameType, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var reply Reply
	if frameType == websocket.BinaryMessage {
		require.NoError(t, cbor.Unmarshal(data, &reply))
	} else {
		require.NoError(t, json.Unmarshal(data, &reply))
	}
	return frameType, reply
}

func TestSessionWebSocket_JSONAndCBORFrames(t *testing.T) {
	ts := newTestServer(t)
	conn := dialSession(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start","session_id":"s1","device_type":"mobile"}`)))
	frameType, reply := readReply(t, conn)
	assert.Equal(t, websocket.TextMessage, frameType)
	require.Equal(t, FrameAck, reply.Type)
	assert.Equal(t, "s1", reply.Ack.SessionID)
	assert.True(t, reply.Ack.Active)

	pos := 12.5
	data, err := ingest.EncodeCBOR(&ingest.Message{Type: ingest.TypeHeartbeat, SessionID: "s1", PlaybackPosition: &pos})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, data))
	frameType, reply = readReply(t, conn)
	assert.Equal(t, websocket.BinaryMessage, frameType)
	require.Equal(t, FrameAck, reply.Type)
	assert.Equal(t, ingest.TypeHeartbeat, reply.Ack.Type)

	rec, err := ts.registry.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 12.5, rec.PlaybackPosition)
}

func TestSessionWebSocket_RepliesCarryRequestID(t *testing.T) {
	ts := newTestServer(t)
	conn, resp, err := websocket.DefaultDialer.Dial(ts.wsURL("/v1/sessions/ws?request_id=tab-42"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	assert.Equal(t, "tab-42", resp.Header.Get(middleware.RequestIDHeader))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start","session_id":"s1"}`)))
	_, reply := readReply(t, conn)
	require.Equal(t, FrameAck, reply.Type)
	assert.Equal(t, "tab-42", reply.RequestID)

	data, err := ingest.EncodeCBOR(&ingest.Message{Type: ingest.TypeHeartbeat, SessionID: "s2"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, data))
	_, reply = readReply(t, conn)
	require.Equal(t, FrameError, reply.Type)
	assert.Equal(t, "tab-42", reply.RequestID)

	// Without a client id the generated one is echoed.
	other, resp, err := websocket.DefaultDialer.Dial(ts.wsURL("/v1/sessions/ws"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { other.Close() })
	generated := resp.Header.Get(middleware.RequestIDHeader)
	require.NotEmpty(t, generated)
	require.NoError(t, other.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat","session_id":"s3"}`)))
	_, reply = readReply(t, other)
	assert.Equal(t, generated, reply.RequestID)
}

func TestSessionWebSocket_ErrorFrames(t *testing.T) {
	ts := newTestServer(t)
	conn := dialSession(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	_, reply := readReply(t, conn)
	require.Equal(t, FrameError, reply.Type)
	assert.Equal(t, ErrCodeValidation, reply.Error.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat","session_id":"s1"}`)))
	_, reply = readReply(t, conn)
	require.Equal(t, FrameAck, reply.Type)

	// A connection carries a single session.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat","session_id":"s2"}`)))
	_, reply = readReply(t, conn)
	require.Equal(t, FrameError, reply.Type)
	_, err := ts.registry.Get(context.Background(), "s2")
	assert.ErrorIs(t, err, presence.ErrSessionNotFound)
}

func TestSessionWebSocket_AbruptCloseEndsSession(t *testing.T) {
	ts := newTestServer(t)
	conn := dialSession(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start","session_id":"s1"}`)))
	readReply(t, conn)
	eventually(t, func() bool { return ts.conns.Len() == 1 }, "connection was not registered")

	// Drop the TCP connection without a close frame.
	require.NoError(t, conn.UnderlyingConn().Close())

	eventually(t, func() bool {
		rec, err := ts.registry.Get(context.Background(), "s1")
		return err == nil && !rec.IsActive
	}, "session was not ended after the transport closed")

	rec, _ := ts.registry.Get(context.Background(), "s1")
	assert.Equal(t, presence.ReasonTransportClosed, rec.DisconnectReason)
	eventually(t, func() bool { return ts.conns.Len() == 0 }, "connection was not unregistered")
}

func TestSessionWebSocket_StaleConnectionCloseKeepsSession(t *testing.T) {
	ts := newTestServer(t)
	first := dialSession(t, ts)
	require.NoError(t, first.WriteMessage(websocket.TextMessage, []byte(`{"type":"start","session_id":"s1"}`)))
	readReply(t, first)

	// The client reconnects and carries on from a new socket.
	second := dialSession(t, ts)
	require.NoError(t, second.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat","session_id":"s1"}`)))
	_, reply := readReply(t, second)
	require.Equal(t, FrameAck, reply.Type)

	require.NoError(t, first.UnderlyingConn().Close())
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, second.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat","session_id":"s1"}`)))
	_, reply = readReply(t, second)
	require.Equal(t, FrameAck, reply.Type)

	rec, err := ts.registry.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, rec.IsActive)
	assert.Zero(t, rec.ReconnectCount)
	assert.Equal(t, 1, ts.conns.Len())
	assert.Equal(t, []activity.Kind{activity.KindUserJoined, activity.KindHeartbeat, activity.KindHeartbeat}, ts.kinds(t, "s1"))
}

func TestSessionWebSocket_EndMessageIsNotRepeatedOnClose(t *testing.T) {
	ts := newTestServer(t)
	conn := dialSession(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start","session_id":"s1"}`)))
	readReply(t, conn)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"end","session_id":"s1"}`)))
	readReply(t, conn)
	require.NoError(t, conn.Close())

	eventually(t, func() bool { return ts.conns.Len() == 0 }, "connection was not unregistered")
	rec, err := ts.registry.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, presence.ReasonClientEnd, rec.DisconnectReason)
	assert.Equal(t, []activity.Kind{activity.KindUserJoined, activity.KindUserLeft}, ts.kinds(t, "s1"))
}

func TestWebSocketConfig_Defaults(t *testing.T) {
	c := WebSocketConfig{}.withDefaults()
	assert.Equal(t, DefaultPongWait, c.PongWait)
	assert.Equal(t, DefaultPingInterval, c.PingInterval)
	assert.Equal(t, DefaultWriteTimeout, c.WriteTimeout)

	c = WebSocketConfig{PongWait: 10 * time.Second, PingInterval: time.Minute}.withDefaults()
	assert.Equal(t, 9*time.Second, c.PingInterval)
}

func TestSessionWebSocket_TerminatedByOperatorUsesCloseCode(t *testing.T) {
	ts := newTestServer(t)
	conn := dialSession(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start","session_id":"s1"}`)))
	readReply(t, conn)
	eventually(t, func() bool { return ts.conns.Len() == 1 }, "connection was not registered")

	resp := ts.do(t, http.MethodPost, "/admin/sessions/s1/disconnect", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, transport.CloseTerminated, closeErr.Code)

	rec, err := ts.registry.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, presence.ReasonAdmin, rec.DisconnectReason)
}
