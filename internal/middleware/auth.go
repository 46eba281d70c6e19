package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/onnwee/livepresence/internal/auth"
)

// AdminTokenValidator validates operator bearer tokens.
type AdminTokenValidator interface {
	ValidateAdminToken(token string) (*auth.Claims, error)
}

// ErrCodeUnauthorized is logged and returned when a request lacks a valid operator token.
const ErrCodeUnauthorized = "auth_failed"

// RequireAdmin rejects requests without a valid operator bearer token and stores
// the operator id in the request context.
//
// Browsers cannot set headers on websocket handshakes, so the token may also be
// passed as the access_token query parameter.
func RequireAdmin(validator AdminTokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				unauthorized(w, r, "Missing bearer token")
				return
			}

			claims, err := validator.ValidateAdminToken(token)
			if err != nil {
				unauthorized(w, r, "Invalid or expired token")
				return
			}

			ctx := SetAdminID(r.Context(), claims.Subject)
			UpdateResponseContext(w, ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

func unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	ctx := SetErrorCode(r.Context(), ErrCodeUnauthorized)
	UpdateResponseContext(w, ctx)

	w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": ErrCodeUnauthorized, "message": message},
	})
}
