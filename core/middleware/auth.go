package middleware

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"fleetcore/core/auth"
	"fleetcore/core/codec"
)

// errorBody mirrors core's REST error envelope (success, error_code,
// message, timestamp) from spec.md §6 — duplicated here rather than
// imported since core's is a main-package type and this middleware
// must answer failures before a handler ever runs.
type errorBody struct {
	Success   bool   `json:"success"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(errorBody{
		Success:   false,
		ErrorCode: codec.ErrInvalidToken,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// AuthMiddleware enforces the shared bearer secret on REST requests.
// Unlike a JWT-based scheme there are no claims to inject into the
// context: the secret either matches or the request is refused.
func AuthMiddleware(secret *auth.Secret, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" || !secret.Check(token) {
			writeAuthError(w, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token from either the Authorization header
// or a "token" query parameter, matching the WebSocket endpoints'
// acceptance rule in §6.
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}
	return r.URL.Query().Get("token")
}
