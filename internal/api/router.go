package api

import (
	"net/http"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// RouterConfig collects the handlers and per-surface middleware of the server.
type RouterConfig struct {
	Health    *HealthHandlers
	Sessions  *SessionHandlers
	Admin     *AdminHandlers
	Dashboard *DashboardHandlers

	// AdminAuth guards every /admin route. Required when Admin or Dashboard is set.
	AdminAuth Middleware
	// IngestLimit and AdminLimit are optional rate limiters.
	IngestLimit Middleware
	AdminLimit  Middleware

	// Metrics serves /metrics when set.
	Metrics http.Handler

	ServiceName string
	Version     string
}

func chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}

// NewRouter builds the route table. Unknown paths get a JSON not_found error.
func NewRouter(cfg RouterConfig) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, map[string]string{"service": cfg.ServiceName, "version": cfg.Version})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeCodedError(w, r, ErrCodeNotFound, "The requested resource was not found")
	})

	if cfg.Health != nil {
		mux.HandleFunc("/health", cfg.Health.Health)
		mux.HandleFunc("/ready", cfg.Health.Ready)
	}
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	if s := cfg.Sessions; s != nil {
		mux.Handle("/v1/sessions/start", chain(http.HandlerFunc(s.Start), cfg.IngestLimit))
		mux.Handle("/v1/sessions/heartbeat", chain(http.HandlerFunc(s.Heartbeat), cfg.IngestLimit))
		mux.Handle("/v1/sessions/end", chain(http.HandlerFunc(s.End), cfg.IngestLimit))
		mux.HandleFunc("GET /v1/sessions/ws", s.Connect)
	}

	guard := func(h http.HandlerFunc) http.Handler {
		return chain(h, cfg.AdminAuth, cfg.AdminLimit)
	}
	if a := cfg.Admin; a != nil {
		mux.Handle("GET /admin/overview", guard(a.Overview))
		mux.Handle("GET /admin/counts", guard(a.Counts))
		mux.Handle("GET /admin/snapshots", guard(a.Snapshots))
		mux.Handle("GET /admin/sessions", guard(a.ListSessions))
		mux.Handle("GET /admin/sessions/export.csv", guard(a.ExportSessions))
		mux.Handle("GET /admin/sessions/{id}", guard(a.GetSession))
		mux.Handle("GET /admin/sessions/{id}/events", guard(a.SessionEvents))
		mux.Handle("POST /admin/sessions/{id}/disconnect", guard(a.Disconnect))
	}
	if d := cfg.Dashboard; d != nil {
		mux.Handle("GET /admin/ws", chain(http.HandlerFunc(d.Subscribe), cfg.AdminAuth))
	}

	return mux
}
