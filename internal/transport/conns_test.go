package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/livepresence/internal/presence"
)

type fakeConn struct {
	code   int
	reason string
	calls  int
}

func (f *fakeConn) CloseWithReason(code int, reason string) error {
	f.calls++
	f.code = code
	f.reason = reason
	return nil
}

func TestConns_Terminate(t *testing.T) {
	conns := NewConns()
	conn := &fakeConn{}
	conns.Register("s1", conn)

	if err := conns.Terminate(context.Background(), &presence.Record{SessionID: "s1"}); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if conn.calls != 1 || conn.code != CloseTerminated {
		t.Errorf("close calls = %d code = %d, want 1 and %d", conn.calls, conn.code, CloseTerminated)
	}
	if conns.Len() != 0 {
		t.Errorf("Len() = %d, want 0", conns.Len())
	}

	// Nothing left to close.
	if err := conns.Terminate(context.Background(), &presence.Record{SessionID: "s1"}); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if conn.calls != 1 {
		t.Errorf("close calls = %d, want 1", conn.calls)
	}
}

func TestConns_UnregisterKeepsNewerConnection(t *testing.T) {
	conns := NewConns()
	old, newer := &fakeConn{}, &fakeConn{}

	unregisterOld := conns.Register("s1", old)
	conns.Register("s1", newer)
	if unregisterOld() {
		t.Error("replaced connection reported ownership on unregister")
	}

	if conns.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", conns.Len())
	}
	_ = conns.Terminate(context.Background(), &presence.Record{SessionID: "s1"})
	if newer.calls != 1 || old.calls != 0 {
		t.Errorf("newer calls = %d, old calls = %d, want 1 and 0", newer.calls, old.calls)
	}
}

func TestConns_UnregisterReportsOwnership(t *testing.T) {
	conns := NewConns()

	unregister := conns.Register("s1", &fakeConn{})
	if !unregister() {
		t.Error("sole connection should own its session")
	}
	if unregister() {
		t.Error("second unregister should report no ownership")
	}

	unregister = conns.Register("s2", &fakeConn{})
	_ = conns.Terminate(context.Background(), &presence.Record{SessionID: "s2"})
	if unregister() {
		t.Error("terminated connection should report no ownership")
	}
}

func TestWebSocketConn_CloseWithReason(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = WebSocketConn{conn}.CloseWithReason(CloseTerminated, "session terminated")
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = client.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("ReadMessage() error = %v, want close error", err)
	}
	if closeErr.Code != CloseTerminated {
		t.Errorf("close code = %d, want %d", closeErr.Code, CloseTerminated)
	}
}
