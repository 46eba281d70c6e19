package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/livepresence/internal/auth"
)

func TestRequireAdmin(t *testing.T) {
	jwtSvc := auth.NewJWTService("test-secret-key-0123456789")
	token, err := jwtSvc.GenerateAdminToken("ops-1", time.Hour)
	if err != nil {
		t.Fatalf("GenerateAdminToken() error = %v", err)
	}
	foreign, _ := auth.NewJWTService("another-secret-key-987654").GenerateAdminToken("ops-1", time.Hour)

	var gotAdmin string
	handler := RequireAdmin(jwtSvc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAdmin = GetAdminID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
		wantAdmin  string
	}{
		{name: "bearer header", header: "Bearer " + token, wantStatus: http.StatusOK, wantAdmin: "ops-1"},
		{name: "lowercase scheme", header: "bearer " + token, wantStatus: http.StatusOK, wantAdmin: "ops-1"},
		{name: "query parameter", query: "?access_token=" + token, wantStatus: http.StatusOK, wantAdmin: "ops-1"},
		{name: "missing token", wantStatus: http.StatusUnauthorized},
		{name: "basic scheme", header: "Basic b3BzOnB3", wantStatus: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + foreign, wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotAdmin = ""
			req := httptest.NewRequest(http.MethodGet, "/admin/overview"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if gotAdmin != tt.wantAdmin {
				t.Errorf("admin id = %q, want %q", gotAdmin, tt.wantAdmin)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				var body struct {
					Error struct {
						Code string `json:"code"`
					} `json:"error"`
				}
				if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
					t.Fatalf("failed to decode body: %v", err)
				}
				if body.Error.Code != ErrCodeUnauthorized {
					t.Errorf("error code = %q, want %q", body.Error.Code, ErrCodeUnauthorized)
				}
			}
		})
	}
}
