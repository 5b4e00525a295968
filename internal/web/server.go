// Package web serves the control-plane HTTP surface: the token-guarded
// admin API, the cookie-guarded tenant portal API, the billing webhook,
// the SSO key set, and the SSE event stream.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/longhouse-sh/control-plane/internal/auth"
	"github.com/longhouse-sh/control-plane/internal/events"
	"github.com/longhouse-sh/control-plane/internal/logging"
	"github.com/longhouse-sh/control-plane/internal/secrets"
	"github.com/longhouse-sh/control-plane/internal/store"
)

// InstanceDirectory is the slice of the store the instance handlers use.
type InstanceDirectory interface {
	ListInstances() ([]store.Instance, error)
	GetInstance(id string) (*store.Instance, error)
	GetLiveInstanceForTenant(tenantID string) (*store.Instance, error)
	CreateInstance(inst *store.Instance, actor string) error
	SetDesiredState(id string, desired store.DesiredState, reason, actor string) error
	Reprovision(id, actor string) error
	MarkDataPurge(id string) error
	SetSecretEnvelope(id string, envelope []byte) error
	ListTransitions(instanceID string, limit int) ([]store.Transition, error)
}

// TenantDirectory resolves and creates tenant accounts for admin provisioning.
type TenantDirectory interface {
	GetTenant(id string) (*store.Tenant, error)
	GetTenantByEmail(email string) (*store.Tenant, error)
	CreateTenant(t *store.Tenant) error
}

// DeploymentDirectory reads deployment progress rows.
type DeploymentDirectory interface {
	GetDeployment(id string) (*store.Deployment, error)
}

// BillingLog lists processed billing events for the admin surface.
type BillingLog interface {
	ListBillingEvents(limit int) ([]store.BillingEvent, error)
}

// Deployer starts rolling deployments.
type Deployer interface {
	Start(ctx context.Context, imageRef string, maxParallel, failureThreshold int) (*store.Deployment, error)
}

// SecretMinter mints and rotates per-instance credentials.
type SecretMinter interface {
	MintForInstance(subdomain, ownerEmail string) (*secrets.MintResult, error)
	RotatePassword(subdomain, ownerEmail string) (*secrets.MintResult, error)
}

// LoginTokenMinter signs short-lived SSO login tokens and serves the key set.
type LoginTokenMinter interface {
	MintLoginToken(subdomain, identity string, ttl time.Duration) (string, error)
	JWKS() ([]byte, error)
}

// Pinger reports store liveness for the health endpoint.
type Pinger interface {
	Ping() error
}

// RuntimePinger reports container engine liveness for the health endpoint.
type RuntimePinger interface {
	Ping(ctx context.Context) error
}

// Dependencies wires the server to the rest of the control plane. Only the
// fields a deployment actually uses need to be non-nil; handlers degrade to
// 501 when an optional dependency is missing.
type Dependencies struct {
	Instances   InstanceDirectory
	Tenants     TenantDirectory
	Deployments DeploymentDirectory
	BillingLog  BillingLog

	Auth     *auth.Service
	OIDC     *auth.OIDCProvider
	Billing  http.Handler // billing webhook handler
	Deployer Deployer
	Secrets  SecretMinter
	Tokens   LoginTokenMinter
	Enqueue  func(instanceID string)
	EventBus *events.Bus
	Store    Pinger
	Runtime  RuntimePinger
	Log      *logging.Logger

	AdminToken      string
	RootDomain      string
	DefaultImageRef string
	DataRoot        string
	CookieSecure    bool
}

// Server is the control-plane HTTP server.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(addr string, deps Dependencies) *Server {
	if deps.Enqueue == nil {
		deps.Enqueue = func(string) {}
	}
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()

	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.mux,
		ReadTimeout: 30 * time.Second,
		// No write timeout: the SSE stream holds its response open.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// ListenAndServe starts the server and blocks until it exits.
func (s *Server) ListenAndServe() error {
	s.deps.Log.Info("http server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	admin := s.adminOnly
	session := s.sessionOnly

	// Admin API.
	s.mux.HandleFunc("GET /admin/instances", admin(s.apiListInstances))
	s.mux.HandleFunc("POST /admin/instances", admin(s.apiCreateInstance))
	s.mux.HandleFunc("GET /admin/instances/{id}", admin(s.apiInstanceDetail))
	s.mux.HandleFunc("POST /admin/instances/{id}/reprovision", admin(s.apiReprovision))
	s.mux.HandleFunc("POST /admin/instances/{id}/deprovision", admin(s.apiDeprovision))
	s.mux.HandleFunc("POST /admin/instances/{id}/rotate-password", admin(s.apiRotatePassword))
	s.mux.HandleFunc("POST /admin/deployments", admin(s.apiStartDeployment))
	s.mux.HandleFunc("GET /admin/deployments/{id}", admin(s.apiDeploymentDetail))
	s.mux.HandleFunc("GET /admin/billing-events", admin(s.apiBillingEvents))
	s.mux.HandleFunc("GET /admin/events", admin(s.apiSSE))

	// Tenant portal.
	s.mux.HandleFunc("POST /auth/signup", s.apiSignup)
	s.mux.HandleFunc("POST /auth/login", s.apiLogin)
	s.mux.HandleFunc("POST /auth/logout", s.apiLogout)
	s.mux.HandleFunc("GET /auth/oidc/start", s.apiOIDCStart)
	s.mux.HandleFunc("GET /auth/oidc/callback", s.apiOIDCCallback)
	s.mux.HandleFunc("GET /me/instance", session(s.apiMyInstance))
	s.mux.HandleFunc("GET /me/instance/health", session(s.apiMyInstanceHealth))
	s.mux.HandleFunc("GET /me/instance/open", session(s.apiOpenInstance))

	// Billing webhook, instance-facing key set, operational endpoints.
	if s.deps.Billing != nil {
		s.mux.Handle("POST /webhooks/billing", s.deps.Billing)
	}
	s.mux.HandleFunc("GET /sso/keys", s.apiSSOKeys)
	s.mux.HandleFunc("GET /healthz", s.apiHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// apiHealthz reports liveness of the server, its store and its runtime.
func (s *Server) apiHealthz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	if s.deps.Runtime != nil {
		if err := s.deps.Runtime.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "runtime unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// apiSSOKeys serves the JWKS document instances use to verify login tokens.
func (s *Server) apiSSOKeys(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Tokens == nil {
		writeError(w, http.StatusNotImplemented, "sso not configured")
		return
	}
	doc, err := s.deps.Tokens.JWKS()
	if err != nil {
		s.deps.Log.Error("failed to build jwks", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to build key set")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_, _ = w.Write(doc)
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// clientIP extracts the IP address from r.RemoteAddr, stripping the port.
// Falls back to the raw RemoteAddr if parsing fails.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
