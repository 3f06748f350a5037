package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// authEnvelope matches the api package's envelope format for error responses.
// Defined here to avoid importing the api package (circular dependency).
type authEnvelope struct {
	Error string `json:"error,omitempty"`
}

// writeAuthError writes a JSON error matching the API envelope format.
func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(authEnvelope{Error: msg}) //nolint:errcheck
}

// bearerToken extracts the bearer token from the Authorization header.
// Returns "" when the header is absent or malformed.
func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// RequireBearer returns middleware that validates the Authorization bearer
// token with the given verify function. The verify function owns the
// comparison (constant-time plaintext match or Argon2id hash check).
func RequireBearer(verify func(token string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeAuthError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if !verify(token) {
				slog.Debug("api auth: bearer token rejected", "remote_addr", r.RemoteAddr)
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
