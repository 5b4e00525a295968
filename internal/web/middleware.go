package web

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/longhouse-sh/control-plane/internal/auth"
)

type contextKey string

// sessionKey carries the authenticated *auth.Session through the request.
const sessionKey contextKey = "session"

// adminOnly guards a handler with the shared admin token. The comparison is
// constant-time; a server started without ADMIN_TOKEN refuses all admin calls.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.AdminToken == "" {
			writeError(w, http.StatusForbidden, "admin api disabled")
			return
		}
		token := r.Header.Get("X-Admin-Token")
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing admin token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.AdminToken)) != 1 {
			s.deps.Log.Warn("admin request with bad token", "ip", clientIP(r), "path", r.URL.Path)
			writeError(w, http.StatusForbidden, "invalid admin token")
			return
		}
		next(w, r)
	}
}

// sessionOnly guards a handler behind a valid tenant session cookie.
func (s *Server) sessionOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Auth == nil {
			writeError(w, http.StatusNotImplemented, "tenant portal not configured")
			return
		}
		session := s.deps.Auth.Authenticate(auth.GetSessionToken(r))
		if session == nil {
			writeError(w, http.StatusUnauthorized, "not logged in")
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey, session)
		next(w, r.WithContext(ctx))
	}
}

// requestSession returns the session stored by sessionOnly, or nil.
func requestSession(r *http.Request) *auth.Session {
	session, _ := r.Context().Value(sessionKey).(*auth.Session)
	return session
}
