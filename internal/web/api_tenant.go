package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"time"

	"github.com/longhouse-sh/control-plane/internal/auth"
	"github.com/longhouse-sh/control-plane/internal/proxy"
	"github.com/longhouse-sh/control-plane/internal/store"
)

const (
	oidcStateCookie = "longhouse_oidc_state"
	loginTokenTTL   = 5 * time.Minute
)

// apiSignup registers a tenant account and starts a session.
func (s *Server) apiSignup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Auth == nil {
		writeError(w, http.StatusNotImplemented, "tenant portal not configured")
		return
	}
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if _, err := mail.ParseAddress(body.Email); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid email address")
		return
	}

	session, tenant, err := s.deps.Auth.Signup(r.Context(), body.Email, body.Password, clientIP(r), r.UserAgent())
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrEmailTaken):
			writeError(w, http.StatusConflict, "email already registered")
		case errors.Is(err, auth.ErrPasswordTooShort),
			errors.Is(err, auth.ErrPasswordTooLong),
			errors.Is(err, auth.ErrPasswordNoLetter),
			errors.Is(err, auth.ErrPasswordNoDigit):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			s.deps.Log.Error("signup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "signup failed")
		}
		return
	}

	auth.SetSessionCookie(w, session.Token, session.ExpiresAt, s.deps.CookieSecure)
	writeJSON(w, http.StatusCreated, map[string]string{"email": tenant.Email})
}

// apiLogin authenticates a tenant and starts a session.
func (s *Server) apiLogin(w http.ResponseWriter, r *http.Request) {
	if s.deps.Auth == nil {
		writeError(w, http.StatusNotImplemented, "tenant portal not configured")
		return
	}
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	session, tenant, err := s.deps.Auth.Login(r.Context(), body.Email, body.Password, clientIP(r), r.UserAgent())
	if err != nil {
		if errors.Is(err, auth.ErrRateLimited) {
			writeError(w, http.StatusTooManyRequests, "too many login attempts, try again later")
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}

	auth.SetSessionCookie(w, session.Token, session.ExpiresAt, s.deps.CookieSecure)
	writeJSON(w, http.StatusOK, map[string]string{"email": tenant.Email})
}

// apiLogout revokes the current session.
func (s *Server) apiLogout(w http.ResponseWriter, r *http.Request) {
	if s.deps.Auth == nil {
		writeError(w, http.StatusNotImplemented, "tenant portal not configured")
		return
	}
	if token := auth.GetSessionToken(r); token != "" {
		_ = s.deps.Auth.Logout(token)
	}
	auth.ClearSessionCookie(w, s.deps.CookieSecure)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// apiOIDCStart redirects to the identity provider's authorization endpoint.
func (s *Server) apiOIDCStart(w http.ResponseWriter, r *http.Request) {
	if s.deps.OIDC == nil {
		writeError(w, http.StatusNotImplemented, "oidc not configured")
		return
	}
	state, err := auth.GenerateOIDCState()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to start login")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     oidcStateCookie,
		Value:    state,
		Path:     "/auth/oidc",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.deps.CookieSecure,
	})
	http.Redirect(w, r, s.deps.OIDC.AuthURL(state), http.StatusFound)
}

// apiOIDCCallback completes the OIDC flow and starts a session.
func (s *Server) apiOIDCCallback(w http.ResponseWriter, r *http.Request) {
	if s.deps.OIDC == nil || s.deps.Auth == nil {
		writeError(w, http.StatusNotImplemented, "oidc not configured")
		return
	}
	cookie, err := r.Cookie(oidcStateCookie)
	if err != nil || cookie.Value == "" || cookie.Value != r.URL.Query().Get("state") {
		writeError(w, http.StatusBadRequest, "state mismatch")
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing authorization code")
		return
	}

	info, err := s.deps.OIDC.Exchange(r.Context(), code)
	if err != nil {
		s.deps.Log.Warn("oidc exchange failed", "error", err)
		writeError(w, http.StatusUnauthorized, "login failed")
		return
	}
	session, _, err := s.deps.Auth.LoginWithOIDC(r.Context(), info, clientIP(r), r.UserAgent())
	if err != nil {
		s.deps.Log.Error("oidc login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	auth.SetSessionCookie(w, session.Token, session.ExpiresAt, s.deps.CookieSecure)
	http.Redirect(w, r, "/me/instance", http.StatusFound)
}

// apiMyInstance returns the caller's instance with a coarse status; internal
// reconciler detail never leaves the admin surface.
func (s *Server) apiMyInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.myInstance(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"subdomain": inst.Subdomain,
		"status":    coarseStatus(inst),
		"url":       "https://" + proxy.Host(inst.Subdomain, s.deps.RootDomain),
	})
}

// apiMyInstanceHealth returns the last probe verdict for the caller's instance.
func (s *Server) apiMyInstanceHealth(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.myInstance(w, r)
	if !ok {
		return
	}
	resp := map[string]any{"status": coarseStatus(inst)}
	if !inst.LastProbeAt.IsZero() {
		resp["checked_at"] = inst.LastProbeAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// apiOpenInstance mints a short-lived login token and redirects the tenant
// into their instance's SSO endpoint.
func (s *Server) apiOpenInstance(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tokens == nil {
		writeError(w, http.StatusNotImplemented, "sso not configured")
		return
	}
	inst, ok := s.myInstance(w, r)
	if !ok {
		return
	}
	if inst.ObservedState != store.ObservedHealthy && inst.ObservedState != store.ObservedUnhealthy {
		writeError(w, http.StatusConflict, "instance is not running yet")
		return
	}

	session := requestSession(r)
	tenant, err := s.deps.Tenants.GetTenant(session.TenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve account")
		return
	}

	token, err := s.deps.Tokens.MintLoginToken(inst.Subdomain, tenant.Email, loginTokenTTL)
	if err != nil {
		s.deps.Log.Error("failed to mint login token", "subdomain", inst.Subdomain, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to mint login token")
		return
	}

	target := "https://" + proxy.Host(inst.Subdomain, s.deps.RootDomain) + "/sso?token=" + token
	http.Redirect(w, r, target, http.StatusFound)
}

// myInstance resolves the session tenant's live instance or writes 404.
func (s *Server) myInstance(w http.ResponseWriter, r *http.Request) (*store.Instance, bool) {
	session := requestSession(r)
	if session == nil {
		writeError(w, http.StatusUnauthorized, "not logged in")
		return nil, false
	}
	inst, err := s.deps.Instances.GetLiveInstanceForTenant(session.TenantID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no instance")
		return nil, false
	}
	if err != nil {
		s.deps.Log.Error("failed to load tenant instance", "tenant", session.TenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load instance")
		return nil, false
	}
	return inst, true
}

// coarseStatus collapses the observed state machine into the four statuses
// tenants see.
func coarseStatus(inst *store.Instance) string {
	switch inst.ObservedState {
	case store.ObservedHealthy:
		return "healthy"
	case store.ObservedUnhealthy, store.ObservedFailed:
		return "unhealthy"
	case store.ObservedCreating, store.ObservedStarting:
		return "provisioning"
	case store.ObservedAbsent:
		if inst.DesiredState == store.DesiredRunning {
			return "provisioning"
		}
		return "absent"
	default:
		return "absent"
	}
}
