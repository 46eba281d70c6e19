package fanout

import (
	"time"

	"github.com/gorilla/websocket"
)

const closeGrace = time.Second

// WebSocketSink writes hub messages to a websocket connection as text frames.
type WebSocketSink struct {
	conn *websocket.Conn
}

// NewWebSocketSink wraps conn. The caller keeps ownership of reads.
func NewWebSocketSink(conn *websocket.Conn) *WebSocketSink {
	return &WebSocketSink{conn: conn}
}

// Write sends one message, failing if it cannot complete before deadline.
func (s *WebSocketSink) Write(data []byte, deadline time.Time) error {
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the connection.
func (s *WebSocketSink) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	return s.conn.Close()
}
