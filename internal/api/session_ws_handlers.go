package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/onnwee/livepresence/internal/ingest"
	"github.com/onnwee/livepresence/internal/middleware"
	"github.com/onnwee/livepresence/internal/presence"
	"github.com/onnwee/livepresence/internal/transport"
)

// Websocket keepalive defaults.
const (
	DefaultPongWait     = 60 * time.Second
	DefaultPingInterval = 25 * time.Second
	DefaultWriteTimeout = 5 * time.Second
)

// Reply frame types.
const (
	FrameAck   = "ack"
	FrameError = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Session clients are players embedded on arbitrary origins; operator
	// sockets are authenticated by bearer token instead.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ConnRegistry tracks which connection carries a session, so operators can close it.
type ConnRegistry interface {
	Register(sessionID string, conn transport.Conn) (unregister func() (owned bool))
}

// WebSocketConfig tunes websocket keepalive.
type WebSocketConfig struct {
	// PongWait is how long a connection may stay silent before it is dropped.
	PongWait time.Duration
	// PingInterval must be shorter than PongWait.
	PingInterval time.Duration
	WriteTimeout time.Duration
}

func (c WebSocketConfig) withDefaults() WebSocketConfig {
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// Reply is the frame sent back for every client message.
// Text frames are answered in JSON, binary frames in CBOR.
type Reply struct {
	Type  string       `json:"type" cbor:"type"`
	Ack   *ingest.Ack  `json:"ack,omitempty" cbor:"ack,omitempty"`
	Error *ErrorDetail `json:"error,omitempty" cbor:"error,omitempty"`

	// RequestID is the id of the upgrade request, repeated on every frame.
	RequestID string `json:"request_id,omitempty" cbor:"request_id,omitempty"`
}

// errBoundToOtherSession rejects messages for a second session on one connection.
var errBoundToOtherSession = fmt.Errorf("%w: connection is bound to another session", ingest.ErrInvalidMessage)

// wsSession is the state of one client connection.
type wsSession struct {
	conn       *websocket.Conn
	sessionID  string
	unregister func() bool
	ended      bool
	// replaced is set when another connection took over the session.
	replaced bool
}

func (s *wsSession) bind(sessionID string, conns ConnRegistry) error {
	if s.sessionID == "" {
		s.sessionID = sessionID
		if conns != nil {
			s.unregister = conns.Register(sessionID, transport.WebSocketConn{Conn: s.conn})
		}
		return nil
	}
	if s.sessionID != sessionID {
		return errBoundToOtherSession
	}
	return nil
}

// Connect handles GET /v1/sessions/ws.
// Every reply frame carries the request id of the upgrade request.
// The first valid message binds the connection to its session. If the connection
// drops without an end message while it still carries the session, the session is
// ended with reason transport_closed.
func (h *SessionHandlers) Connect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to upgrade websocket connection", "error", err)
		return
	}

	sess := &wsSession{conn: conn}
	done := make(chan struct{})
	defer func() {
		close(done)
		_ = conn.Close()
		if sess.unregister != nil {
			sess.replaced = !sess.unregister()
		}
		h.closed(ctx, sess)
	}()

	conn.SetReadLimit(ingest.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.ws.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.ws.PongWait))
	})
	go h.pingLoop(conn, done)

	requestID := middleware.GetRequestID(ctx)
	for {
		frameType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, transport.CloseTerminated) {
				h.logger.InfoContext(ctx, "session websocket closed unexpectedly",
					"session_id", sess.sessionID,
					"request_id", requestID,
					"error", err)
			}
			return
		}

		reply := h.handleFrame(ctx, sess, frameType, data)
		reply.RequestID = requestID
		if err := h.writeReply(conn, frameType, reply); err != nil {
			h.logger.WarnContext(ctx, "failed to write websocket reply",
				"session_id", sess.sessionID,
				"request_id", requestID,
				"error", err)
			return
		}
	}
}

func (h *SessionHandlers) handleFrame(ctx context.Context, sess *wsSession, frameType int, data []byte) Reply {
	var (
		msg *ingest.Message
		err error
	)
	switch frameType {
	case websocket.TextMessage:
		msg, err = ingest.DecodeJSON(data)
	case websocket.BinaryMessage:
		msg, err = ingest.DecodeCBOR(data)
	default:
		err = fmt.Errorf("%w: unsupported frame type %d", ingest.ErrInvalidMessage, frameType)
	}
	if err == nil {
		var id string
		if id, err = msg.SessionKey(); err == nil {
			err = sess.bind(id, h.conns)
		}
	}
	if err != nil {
		return errorReply(err)
	}

	ack, err := h.ingester.Handle(ctx, msg)
	if err != nil {
		if !ingest.IsInvalid(err) {
			h.logger.ErrorContext(ctx, "failed to apply session message",
				"session_id", sess.sessionID,
				"error", err)
		}
		return errorReply(err)
	}
	sess.ended = msg.Type == ingest.TypeEnd
	return Reply{Type: FrameAck, Ack: &ack}
}

func errorReply(err error) Reply {
	detail := errorMessage(err)
	return Reply{Type: FrameError, Error: &detail}
}

func (h *SessionHandlers) writeReply(conn *websocket.Conn, frameType int, reply Reply) error {
	var (
		data []byte
		err  error
	)
	if frameType == websocket.BinaryMessage {
		data, err = cbor.Marshal(reply)
	} else {
		frameType = websocket.TextMessage
		data, err = json.Marshal(reply)
	}
	if err != nil {
		return fmt.Errorf("failed to encode reply: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(h.ws.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(frameType, data)
}

func (h *SessionHandlers) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(h.ws.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.ws.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// closed ends the bound session after the connection went away without an end message.
func (h *SessionHandlers) closed(ctx context.Context, sess *wsSession) {
	if sess.sessionID == "" || sess.ended || sess.replaced {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), endTimeout)
	defer cancel()
	if _, err := h.ingester.End(ctx, sess.sessionID, presence.ReasonTransportClosed); err != nil {
		h.logger.WarnContext(ctx, "failed to end session after transport close",
			"session_id", sess.sessionID,
			"error", err)
	}
}
