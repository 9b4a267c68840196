package server

import (
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// extractToken returns the viewer's token. The token query parameter wins,
// then an Authorization bearer header, then X-PTY-Token. Browsers cannot
// set headers on websocket requests, so the query form stays supported
// even though it ends up in access logs.
func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	const bearerPrefix = "Bearer "
	if len(auth) > len(bearerPrefix) && strings.EqualFold(auth[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(auth[len(bearerPrefix):])
	}
	return r.Header.Get("X-PTY-Token")
}

// validToken compares token against the configured secret. A configured
// bcrypt hash takes precedence over the plaintext token.
func (a TerminalAuth) validToken(token string) bool {
	if token == "" {
		return false
	}
	if a.TokenHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(a.TokenHash), []byte(token)) == nil
	}
	if a.Token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.Token)) == 1
}

// allowedOrigin requires an exact match. Requests without an Origin header
// are rejected.
func (a TerminalAuth) allowedOrigin(origin string) bool {
	return origin != "" && slices.Contains(a.AllowedOrigins, origin)
}
