// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type requestIDKey struct{}

// RequestIDHeader is the HTTP header name for request ID.
const RequestIDHeader = "X-Request-ID"

// RequestIDParam carries the id on websocket upgrades, where browsers cannot set headers.
const RequestIDParam = "request_id"

// MaxRequestIDLength bounds client supplied ids. Longer ids are replaced.
const MaxRequestIDLength = 128

// RequestID puts a request ID into the context and echoes it in the response header.
// A client supplied id is reused when it is a valid token: the X-Request-ID header,
// or the request_id query parameter on a websocket upgrade. Anything else gets a
// fresh UUID. The id is also echoed in every websocket reply frame of the connection.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" && websocket.IsWebSocketUpgrade(r) {
			requestID = r.URL.Query().Get(RequestIDParam)
		}
		if !validRequestID(requestID) {
			requestID = uuid.New().String()
		}

		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), requestID)))
	})
}

// WithRequestID returns a copy of ctx carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// GetRequestID returns the request ID from context. Returns empty string if not present.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// validRequestID accepts non-empty printable ASCII without spaces, so ids are safe
// to copy into log lines, response headers and reply frames.
func validRequestID(id string) bool {
	if id == "" || len(id) > MaxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}
