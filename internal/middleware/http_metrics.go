// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// staticRoutes are recorded under their own path.
var staticRoutes = map[string]bool{
	"/":                          true,
	"/health":                    true,
	"/ready":                     true,
	"/metrics":                   true,
	"/v1/sessions/ws":            true,
	"/v1/sessions/start":         true,
	"/v1/sessions/heartbeat":     true,
	"/v1/sessions/end":           true,
	"/admin/ws":                  true,
	"/admin/overview":            true,
	"/admin/counts":              true,
	"/admin/snapshots":           true,
	"/admin/sessions":            true,
	"/admin/sessions/export.csv": true,
}

// unmatchedRoute labels requests for paths the server does not route.
const unmatchedRoute = "unmatched"

// normalizePath converts paths with dynamic segments to route patterns to prevent
// cardinality explosion in metrics. This maps /admin/sessions/abc/events to
// /admin/sessions/{id}/events.
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}

	if rest, ok := strings.CutPrefix(path, "/admin/sessions/"); ok {
		parts := strings.Split(rest, "/")
		if parts[0] == "" {
			return unmatchedRoute
		}
		switch {
		case len(parts) == 1:
			return "/admin/sessions/{id}"
		case len(parts) == 2 && (parts[1] == "events" || parts[1] == "disconnect"):
			return "/admin/sessions/{id}/" + parts[1]
		}
	}

	return unmatchedRoute
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

// WriteHeader captures the status code before writing it.
func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes the data.
func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

// Hijack lets websocket upgrades pass through the middleware.
func (mrw *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := mrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errHijackUnsupported
	}
	mrw.statusCode = http.StatusSwitchingProtocols
	mrw.wroteHeader = true
	return h.Hijack()
}

func (mrw *metricsResponseWriter) updateContext(ctx context.Context) {
	UpdateResponseContext(mrw.ResponseWriter, ctx)
}

// newMetricsResponseWriter creates a new metricsResponseWriter with default 200 status.
func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// HTTPMetrics records duration, sizes and counts per normalized route.
// Websocket upgrades are counted separately and their duration covers the whole connection.
// /health and /ready are not recorded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()

			mrw := newMetricsResponseWriter(w)

			requestSize := int64(0)
			if contentLength := r.Header.Get("Content-Length"); contentLength != "" {
				if size, err := strconv.ParseInt(contentLength, 10, 64); err == nil {
					requestSize = size
				}
			}

			metrics.requestStarted()
			defer metrics.requestFinished()

			next.ServeHTTP(mrw, r)

			path := normalizePath(r.URL.Path)
			if mrw.statusCode == http.StatusSwitchingProtocols {
				metrics.ObserveWebSocketUpgrade(path)
			}
			metrics.ObserveHTTPRequest(
				r.Method,
				path,
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				requestSize,
				mrw.size,
			)
		})
	}
}
