package api

import (
	"context"
	"encoding/csv"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/livepresence/internal/activity"
	"github.com/onnwee/livepresence/internal/admin"
	"github.com/onnwee/livepresence/internal/middleware"
	"github.com/onnwee/livepresence/internal/presence"
	"github.com/onnwee/livepresence/internal/stats"
	"github.com/onnwee/livepresence/internal/store"
)

// Pagination bounds for session listings.
const (
	DefaultPageSize  = 50
	MaxPageSize      = 500
	DefaultSnapshots = 100
	MaxSnapshots     = 1000
)

// SessionReader reads live presence state.
type SessionReader interface {
	Get(ctx context.Context, sessionID string) (*presence.Record, error)
	ScanActive(ctx context.Context, filter presence.Filter, now time.Time) ([]*presence.Record, error)
}

// EventReader reads a session's activity history.
type EventReader interface {
	ForSession(ctx context.Context, sessionID string) ([]activity.Event, error)
}

// SnapshotSource provides the current aggregate.
type SnapshotSource interface {
	Latest() *stats.Snapshot
	Compute(ctx context.Context, t stats.SnapshotType) (*stats.Snapshot, error)
}

// HistoryReader reads durable aggregates and archived snapshots.
type HistoryReader interface {
	QueryActiveAggregate(ctx context.Context, filter presence.Filter, now time.Time) (*store.Aggregate, error)
	ListSnapshots(ctx context.Context, q store.SnapshotQuery) ([]*stats.Snapshot, error)
}

// Disconnector ends sessions on behalf of an operator.
type Disconnector interface {
	ForceDisconnect(ctx context.Context, sessionID, adminID string) (admin.Result, error)
}

// AdminHandlersConfig wires the read side and operator actions.
type AdminHandlersConfig struct {
	Sessions   SessionReader
	Events     EventReader
	Snapshots  SnapshotSource
	History    HistoryReader // optional
	Controller Disconnector
	Logger     *slog.Logger
	Now        func() time.Time
}

// AdminHandlers serves the operator dashboard endpoints. They delegate to the
// registry, the activity log, the aggregator and the admin controller.
type AdminHandlers struct {
	config AdminHandlersConfig
}

// NewAdminHandlers creates admin handlers.
func NewAdminHandlers(config AdminHandlersConfig) *AdminHandlers {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &AdminHandlers{config: config}
}

// SessionListResponse is a page of live sessions.
type SessionListResponse struct {
	Sessions []*presence.Record `json:"sessions"`
	Total    int                `json:"total"`
	Limit    int                `json:"limit"`
	Offset   int                `json:"offset"`
}

// SessionEventsResponse is the activity history of one session.
type SessionEventsResponse struct {
	SessionID string           `json:"session_id"`
	Events    []activity.Event `json:"events"`
}

// DisconnectResponse is returned by a successful force disconnect.
type DisconnectResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// SnapshotListResponse is a page of archived snapshots, newest bucket first.
type SnapshotListResponse struct {
	Type      stats.SnapshotType `json:"snapshot_type"`
	Snapshots []*stats.Snapshot  `json:"snapshots"`
}

// parseFilter reads session filters from the query string.
func parseFilter(r *http.Request) (presence.Filter, string) {
	q := r.URL.Query()
	f := presence.Filter{
		UserID:      q.Get("user_id"),
		UserType:    presence.UserType(q.Get("user_type")),
		SessionType: presence.SessionType(q.Get("session_type")),
		DeviceType:  q.Get("device_type"),
		ContentID:   q.Get("content_id"),
		ContentType: q.Get("content_type"),
		CountryCode: q.Get("country_code"),
	}
	if f.UserType != "" && !f.UserType.Valid() {
		return f, "user_type is not a known value"
	}
	if f.SessionType != "" && !f.SessionType.Valid() {
		return f, "session_type is not a known value"
	}
	return f, ""
}

// intParam parses a non-negative integer query parameter.
func intParam(r *http.Request, name string, def, max int) (int, string) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, ""
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, name + " must be a non-negative integer"
	}
	if max > 0 && v > max {
		v = max
	}
	return v, ""
}

func (h *AdminHandlers) scan(w http.ResponseWriter, r *http.Request) ([]*presence.Record, bool) {
	filter, msg := parseFilter(r)
	if msg != "" {
		writeCodedError(w, r, ErrCodeValidation, msg)
		return nil, false
	}
	records, err := h.config.Sessions.ScanActive(r.Context(), filter, h.config.Now())
	if err != nil {
		h.config.Logger.ErrorContext(r.Context(), "failed to scan active sessions", "error", err)
		writeCodedError(w, r, ErrCodeInternal, "Internal server error")
		return nil, false
	}
	return records, true
}

// ListSessions handles GET /admin/sessions.
// Supports limit/offset pagination and equality filters on the session dimensions.
func (h *AdminHandlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit, msg := intParam(r, "limit", DefaultPageSize, MaxPageSize)
	if msg == "" && limit == 0 {
		limit = DefaultPageSize
	}
	offset, msg2 := intParam(r, "offset", 0, 0)
	if msg == "" {
		msg = msg2
	}
	if msg != "" {
		writeCodedError(w, r, ErrCodeValidation, msg)
		return
	}

	records, ok := h.scan(w, r)
	if !ok {
		return
	}

	page := []*presence.Record{}
	if offset < len(records) {
		end := offset + limit
		if end > len(records) {
			end = len(records)
		}
		page = records[offset:end]
	}
	writeJSON(w, r, http.StatusOK, SessionListResponse{
		Sessions: page,
		Total:    len(records),
		Limit:    limit,
		Offset:   offset,
	})
}

// csvHeader lists the exported columns in order.
var csvHeader = []string{
	"session_id", "user_id", "user_type", "session_type", "device_type",
	"content_id", "content_title", "content_type", "playback_percentage",
	"latency_ms", "frame_rate", "bandwidth_kbps", "connection_type", "quality",
	"country_code", "geohash_prefix", "live_room",
	"joined_at", "last_activity", "expires_at", "reconnect_count",
}

func csvRow(rec *presence.Record) []string {
	opt := func(f *float64) string {
		if f == nil {
			return ""
		}
		return strconv.FormatFloat(*f, 'f', -1, 64)
	}
	return []string{
		rec.SessionID, rec.UserID, string(rec.UserType), string(rec.SessionType), rec.DeviceType,
		rec.ContentID, rec.ContentTitle, rec.ContentType, strconv.FormatFloat(rec.PlaybackPercentage, 'f', -1, 64),
		opt(rec.LatencyMs), opt(rec.FrameRate), opt(rec.BandwidthKbps), rec.ConnectionType, presence.QualityTier(rec),
		rec.CountryCode, rec.GeohashPrefix, rec.LiveRoom,
		rec.JoinedAt.UTC().Format(time.RFC3339), rec.LastActivity.UTC().Format(time.RFC3339),
		rec.ExpiresAt.UTC().Format(time.RFC3339), strconv.Itoa(rec.ReconnectCount),
	}
}

// ExportSessions handles GET /admin/sessions/export.csv. Filters match ListSessions.
func (h *AdminHandlers) ExportSessions(w http.ResponseWriter, r *http.Request) {
	records, ok := h.scan(w, r)
	if !ok {
		return
	}

	filename := "active-sessions-" + h.config.Now().UTC().Format("20060102-150405") + ".csv"
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	_ = cw.Write(csvHeader)
	for _, rec := range records {
		_ = cw.Write(csvRow(rec))
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.config.Logger.WarnContext(r.Context(), "failed to write csv export", "error", err)
	}
}

// GetSession handles GET /admin/sessions/{id}.
func (h *AdminHandlers) GetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := h.config.Sessions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, presence.ErrSessionNotFound) {
			writeCodedError(w, r, ErrCodeNotFound, "Session not found")
			return
		}
		h.config.Logger.ErrorContext(r.Context(), "failed to get session", "session_id", id, "error", err)
		writeCodedError(w, r, ErrCodeInternal, "Internal server error")
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

// SessionEvents handles GET /admin/sessions/{id}/events.
func (h *AdminHandlers) SessionEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events, err := h.config.Events.ForSession(r.Context(), id)
	if err != nil {
		h.config.Logger.ErrorContext(r.Context(), "failed to read session events", "session_id", id, "error", err)
		writeCodedError(w, r, ErrCodeInternal, "Internal server error")
		return
	}
	if events == nil {
		events = []activity.Event{}
	}
	writeJSON(w, r, http.StatusOK, SessionEventsResponse{SessionID: id, Events: events})
}

// Overview handles GET /admin/overview with the latest real-time snapshot.
// Before the first aggregation tick the snapshot is computed on demand.
func (h *AdminHandlers) Overview(w http.ResponseWriter, r *http.Request) {
	snap := h.config.Snapshots.Latest()
	if snap == nil {
		var err error
		snap, err = h.config.Snapshots.Compute(r.Context(), stats.SnapshotRealTime)
		if err != nil {
			h.config.Logger.ErrorContext(r.Context(), "failed to compute overview", "error", err)
			writeCodedError(w, r, ErrCodeInternal, "Internal server error")
			return
		}
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// Counts handles GET /admin/counts from the durable store. Filters match ListSessions.
func (h *AdminHandlers) Counts(w http.ResponseWriter, r *http.Request) {
	if h.config.History == nil {
		writeCodedError(w, r, ErrCodeUnavailable, "Session store not configured")
		return
	}
	filter, msg := parseFilter(r)
	if msg != "" {
		writeCodedError(w, r, ErrCodeValidation, msg)
		return
	}
	agg, err := h.config.History.QueryActiveAggregate(r.Context(), filter, h.config.Now())
	if err != nil {
		h.config.Logger.ErrorContext(r.Context(), "failed to query active aggregate", "error", err)
		writeCodedError(w, r, ErrCodeInternal, "Internal server error")
		return
	}
	writeJSON(w, r, http.StatusOK, agg)
}

// Snapshots handles GET /admin/snapshots?type=hourly&since=...&until=...&limit=...
// since and until are RFC 3339 timestamps.
func (h *AdminHandlers) Snapshots(w http.ResponseWriter, r *http.Request) {
	if h.config.History == nil {
		writeCodedError(w, r, ErrCodeUnavailable, "Session store not configured")
		return
	}

	q := r.URL.Query()
	query := store.SnapshotQuery{Type: stats.SnapshotType(q.Get("type"))}
	if query.Type == "" {
		query.Type = stats.SnapshotHourly
	}
	if !query.Type.Valid() {
		writeCodedError(w, r, ErrCodeValidation, "type must be real_time, hourly or daily")
		return
	}
	for _, p := range []struct {
		name string
		out  *time.Time
	}{{"since", &query.Since}, {"until", &query.Until}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeCodedError(w, r, ErrCodeValidation, p.name+" must be an RFC 3339 timestamp")
			return
		}
		*p.out = t
	}
	limit, msg := intParam(r, "limit", DefaultSnapshots, MaxSnapshots)
	if msg != "" {
		writeCodedError(w, r, ErrCodeValidation, msg)
		return
	}
	query.Limit = limit

	snaps, err := h.config.History.ListSnapshots(r.Context(), query)
	if err != nil {
		h.config.Logger.ErrorContext(r.Context(), "failed to list snapshots", "error", err)
		writeCodedError(w, r, ErrCodeInternal, "Internal server error")
		return
	}
	if snaps == nil {
		snaps = []*stats.Snapshot{}
	}
	writeJSON(w, r, http.StatusOK, SnapshotListResponse{Type: query.Type, Snapshots: snaps})
}

// Disconnect handles POST /admin/sessions/{id}/disconnect.
// Disconnecting an unknown or already ended session succeeds.
func (h *AdminHandlers) Disconnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeCodedError(w, r, ErrCodeValidation, "session id is required")
		return
	}

	if _, err := h.config.Controller.ForceDisconnect(ctx, id, middleware.GetAdminID(ctx)); err != nil {
		if errors.Is(err, admin.ErrMissingAdmin) {
			writeCodedError(w, r, ErrCodeAuthFailed, "Operator identity required")
			return
		}
		h.config.Logger.ErrorContext(ctx, "force disconnect failed", "session_id", id, "error", err)
		writeCodedError(w, r, ErrCodeInternal, "Internal server error")
		return
	}
	writeJSON(w, r, http.StatusOK, DisconnectResponse{SessionID: id, Status: "disconnected"})
}
