package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func serveRequestID(t *testing.T, req *http.Request) (ctxID, headerID string) {
	t.Helper()
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = GetRequestID(r.Context())
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return ctxID, rr.Header().Get(RequestIDHeader)
}

func TestRequestID_GeneratesNewID(t *testing.T) {
	ctxID, headerID := serveRequestID(t, httptest.NewRequest(http.MethodGet, "/v1/sessions/active", nil))
	if ctxID == "" {
		t.Fatal("expected request ID in context, got empty string")
	}
	if headerID != ctxID {
		t.Errorf("response header %q does not match context id %q", headerID, ctxID)
	}
}

func TestRequestID_UsesValidHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/heartbeat", nil)
	req.Header.Set(RequestIDHeader, "player-7f3a:42")

	ctxID, headerID := serveRequestID(t, req)
	if ctxID != "player-7f3a:42" || headerID != "player-7f3a:42" {
		t.Errorf("ids = %q / %q, want player-7f3a:42", ctxID, headerID)
	}
}

func TestRequestID_ReplacesInvalidHeader(t *testing.T) {
	tests := []struct {
		name string
		id   string
	}{
		{"too long", strings.Repeat("a", MaxRequestIDLength+1)},
		{"space", "two words"},
		{"control character", "id\x1b[31m"},
		{"non ascii", "идентификатор"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/sessions/start", nil)
			req.Header.Set(RequestIDHeader, tt.id)

			ctxID, headerID := serveRequestID(t, req)
			if ctxID == tt.id || ctxID == "" {
				t.Errorf("context id = %q, want a generated id", ctxID)
			}
			if headerID != ctxID {
				t.Errorf("response header %q does not match context id %q", headerID, ctxID)
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("b", MaxRequestIDLength))
	if ctxID, _ := serveRequestID(t, req); len(ctxID) != MaxRequestIDLength {
		t.Errorf("id at the length limit was replaced: %q", ctxID)
	}
}

func TestRequestID_QueryParamOnWebSocketUpgrade(t *testing.T) {
	upgrade := func(target string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.Header.Set("Connection", "Upgrade")
		req.Header.Set("Upgrade", "websocket")
		return req
	}

	ctxID, _ := serveRequestID(t, upgrade("/v1/sessions/ws?request_id=tab-1"))
	if ctxID != "tab-1" {
		t.Errorf("upgrade id = %q, want tab-1", ctxID)
	}

	// The header wins over the query parameter.
	req := upgrade("/v1/sessions/ws?request_id=tab-1")
	req.Header.Set(RequestIDHeader, "hdr-1")
	if ctxID, _ := serveRequestID(t, req); ctxID != "hdr-1" {
		t.Errorf("upgrade id = %q, want hdr-1", ctxID)
	}

	// Plain requests ignore the parameter.
	ctxID, _ = serveRequestID(t, httptest.NewRequest(http.MethodGet, "/v1/sessions/active?request_id=tab-1", nil))
	if ctxID == "tab-1" {
		t.Error("query parameter should only be honored on websocket upgrades")
	}
}

func TestGetRequestID_EmptyContextReturnsEmptyString(t *testing.T) {
	if id := GetRequestID(context.Background()); id != "" {
		t.Errorf("expected empty string, got %q", id)
	}
	if id := GetRequestID(WithRequestID(context.Background(), "r-1")); id != "r-1" {
		t.Errorf("GetRequestID() = %q, want r-1", id)
	}
}
