package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/onnwee/livepresence/internal/ingest"
	"github.com/onnwee/livepresence/internal/middleware"
)

// SessionIngester applies client session signals.
type SessionIngester interface {
	Handle(ctx context.Context, msg *ingest.Message) (ingest.Ack, error)
	End(ctx context.Context, sessionID, reason string) (ingest.Ack, error)
}

// SessionHandlers serves the client ingest endpoints.
type SessionHandlers struct {
	ingester SessionIngester
	conns    ConnRegistry
	ws       WebSocketConfig
	logger   *slog.Logger
}

// NewSessionHandlers creates session ingest handlers. conns may be nil, in which
// case websocket sessions cannot be terminated by operators on this instance.
func NewSessionHandlers(ingester SessionIngester, conns ConnRegistry, ws WebSocketConfig, logger *slog.Logger) *SessionHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHandlers{
		ingester: ingester,
		conns:    conns,
		ws:       ws.withDefaults(),
		logger:   logger,
	}
}

// Start handles POST /v1/sessions/start.
func (h *SessionHandlers) Start(w http.ResponseWriter, r *http.Request) {
	h.serveHTTP(w, r, ingest.TypeStart)
}

// Heartbeat handles POST /v1/sessions/heartbeat.
func (h *SessionHandlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	h.serveHTTP(w, r, ingest.TypeHeartbeat)
}

// End handles POST /v1/sessions/end.
func (h *SessionHandlers) End(w http.ResponseWriter, r *http.Request) {
	h.serveHTTP(w, r, ingest.TypeEnd)
}

func (h *SessionHandlers) serveHTTP(w http.ResponseWriter, r *http.Request, t ingest.Type) {
	if r.Method != http.MethodPost {
		writeCodedError(w, r, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, ingest.MaxMessageSize))
	if err != nil {
		writeCodedError(w, r, ErrCodeBadRequest, "Request body too large or unreadable")
		return
	}
	msg, err := ingest.DecodeJSON(body)
	if err != nil {
		writeCodedError(w, r, ErrCodeBadRequest, "Invalid JSON in request body")
		return
	}
	msg.Type = t
	fillClientIP(msg, r)

	ack, err := h.ingester.Handle(r.Context(), msg)
	if err != nil {
		h.writeIngestError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ack)
}

func (h *SessionHandlers) writeIngestError(w http.ResponseWriter, r *http.Request, err error) {
	if ingest.IsInvalid(err) {
		writeCodedError(w, r, ErrCodeValidation, err.Error())
		return
	}
	h.logger.ErrorContext(r.Context(), "failed to apply session message", "error", err)
	writeCodedError(w, r, ErrCodeInternal, "Internal server error")
}

// fillClientIP uses the request address when the client did not report one.
// Unparseable proxy headers are ignored rather than failing the message.
func fillClientIP(msg *ingest.Message, r *http.Request) {
	if msg.IPAddress != "" {
		return
	}
	if ip := middleware.ClientIP(r); net.ParseIP(ip) != nil {
		msg.IPAddress = ip
	}
}

// errorMessage maps an ingest error to the code and message sent to clients.
func errorMessage(err error) ErrorDetail {
	if ingest.IsInvalid(err) {
		return ErrorDetail{Code: ErrCodeValidation, Message: err.Error()}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorDetail{Code: ErrCodeUnavailable, Message: "request cancelled"}
	}
	return ErrorDetail{Code: ErrCodeInternal, Message: "Internal server error"}
}

// endTimeout bounds the SessionEnd issued after a connection drops.
const endTimeout = 5 * time.Second
