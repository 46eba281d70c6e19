package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/onnwee/livepresence/internal/fanout"
	"github.com/onnwee/livepresence/internal/middleware"
)

// maxSubscriberMessage bounds what dashboard clients may send; they are not expected to send anything.
const maxSubscriberMessage = 512

// Subscriptions registers dashboard sinks with the broadcast hub.
type Subscriptions interface {
	Subscribe(group string, sink fanout.Sink) (*fanout.Subscriber, error)
	Unsubscribe(s *fanout.Subscriber)
}

// DashboardHandlers serves live dashboard subscriptions.
type DashboardHandlers struct {
	hub    Subscriptions
	logger *slog.Logger
}

// NewDashboardHandlers creates dashboard handlers.
func NewDashboardHandlers(hub Subscriptions, logger *slog.Logger) *DashboardHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &DashboardHandlers{hub: hub, logger: logger}
}

// Subscribe handles GET /admin/ws?group=dashboard.
// group is "dashboard" (snapshots and sampled activity) or "session:<id>" (every event of one session).
func (h *DashboardHandlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	group := r.URL.Query().Get("group")
	if group == "" {
		group = fanout.DefaultGroup
	}
	if !fanout.ValidGroup(group) {
		writeCodedError(w, r, ErrCodeValidation, "group must be dashboard or session:<id>")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sub, err := h.hub.Subscribe(group, fanout.NewWebSocketSink(conn))
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down")
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		_ = conn.Close()
		return
	}
	defer h.hub.Unsubscribe(sub)

	h.logger.InfoContext(ctx, "dashboard subscribed",
		"group", group,
		"subscriber_id", sub.ID(),
		"admin_id", middleware.GetAdminID(ctx))

	// Reads only detect disconnects. An evicted subscriber's sink is closed by the
	// hub, which also ends this loop.
	conn.SetReadLimit(maxSubscriberMessage)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.DebugContext(ctx, "dashboard connection closed", "subscriber_id", sub.ID(), "error", err)
			}
			break
		}
	}
	h.logger.InfoContext(ctx, "dashboard unsubscribed", "group", group, "subscriber_id", sub.ID())
}
