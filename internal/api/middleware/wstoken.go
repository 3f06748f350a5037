package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// wsTokenTTL is the lifetime of a WebSocket session token. Tokens are minted
// for a single connection attempt, so the window is short.
const wsTokenTTL = 5 * time.Minute

// SessionClaims holds the JWT claims for WebSocket session tokens.
type SessionClaims struct {
	jwt.RegisteredClaims
}

// GenerateSessionToken creates a signed JWT authorizing one WebSocket
// connection.
func GenerateSessionToken(secret []byte) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(wsTokenTTL)

	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "sip-phone-api",
			Subject:   "ws-session",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// VerifySessionToken parses and validates a WebSocket session token.
func VerifySessionToken(secret []byte, tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	return claims, nil
}

// RequireSessionToken returns middleware that validates WebSocket session
// tokens. Browser WebSocket clients cannot set headers, so the token is
// accepted from the "token" query parameter as well as the Authorization
// header.
func RequireSessionToken(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := bearerToken(r)
			if tokenString == "" {
				tokenString = r.URL.Query().Get("token")
			}
			if tokenString == "" {
				writeAuthError(w, http.StatusUnauthorized, "session token required")
				return
			}

			if _, err := VerifySessionToken(secret, tokenString); err != nil {
				slog.Debug("ws auth: invalid session token", "error", err)
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
