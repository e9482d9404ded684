// Package middleware provides HTTP middleware for the portal API.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/crashsignal/portal/internal/token"
	"github.com/crashsignal/portal/pkg/logger"
)

// SessionCookie is the browser cookie carrying the signed session
// token.
const SessionCookie = "sl_portal_session"

// StateCookie carries the short-lived OAuth state token.
const StateCookie = "sl_oauth_state"

type contextKey string

const sessionKey contextKey = "session"

// SessionFromContext returns the verified session payload, if any.
func SessionFromContext(ctx context.Context) (token.SessionPayload, bool) {
	session, ok := ctx.Value(sessionKey).(token.SessionPayload)
	return session, ok
}

// WithSession attaches a verified session payload to the context.
// Exposed for handler tests.
func WithSession(ctx context.Context, session token.SessionPayload) context.Context {
	return context.WithValue(ctx, sessionKey, session)
}

// SessionAuth verifies the session token on every request and rejects
// unauthenticated calls with a uniform 401. The token is read from the
// session cookie or, failing that, a bearer Authorization header.
type SessionAuth struct {
	secret []byte
	log    *logger.Logger
}

// NewSessionAuth creates the session middleware.
func NewSessionAuth(secret []byte, log *logger.Logger) *SessionAuth {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &SessionAuth{secret: secret, log: log}
}

// Handler enforces authentication for the wrapped routes.
func (a *SessionAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := tokenFromRequest(r)
		if raw == "" {
			unauthorized(w)
			return
		}

		session, err := token.VerifySession(raw, a.secret)
		if err != nil {
			// Every verification failure looks the same to the caller.
			unauthorized(w)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), session)))
	})
}

func tokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized"}`))
}
