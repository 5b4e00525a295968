package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/longhouse-sh/control-plane/internal/logging"
)

// Tenant is the view of a tenant account the auth layer needs.
type Tenant struct {
	ID           string
	Email        string
	PasswordHash string // empty for OIDC-only tenants
}

// TenantDirectory is the interface for tenant account lookup and creation.
type TenantDirectory interface {
	GetTenantByEmail(email string) (*Tenant, error)
	CreateTenant(t *Tenant) error
}

// Service handles tenant signup, login and session validation.
type Service struct {
	Tenants  TenantDirectory
	Sessions SessionStore
	Log      *logging.Logger

	CookieSecure  bool
	SessionExpiry time.Duration

	rateLimiter *RateLimiter
}

// ServiceConfig holds the configuration for creating a Service.
type ServiceConfig struct {
	Tenants       TenantDirectory
	Sessions      SessionStore
	Log           *logging.Logger
	CookieSecure  bool
	SessionExpiry time.Duration
}

// NewService creates a new auth service.
func NewService(cfg ServiceConfig) *Service {
	return &Service{
		Tenants:       cfg.Tenants,
		Sessions:      cfg.Sessions,
		Log:           cfg.Log,
		CookieSecure:  cfg.CookieSecure,
		SessionExpiry: cfg.SessionExpiry,
		rateLimiter:   NewRateLimiter(),
	}
}

// Sentinel errors.
var (
	ErrInvalidCredentials = fmt.Errorf("invalid credentials")
	ErrRateLimited        = fmt.Errorf("too many login attempts")
	ErrEmailTaken         = fmt.Errorf("email already registered")
)

// Signup registers a new tenant account and creates a session.
func (s *Service) Signup(ctx context.Context, email, password, ip, userAgent string) (*Session, *Tenant, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, nil, err
	}

	if existing, err := s.Tenants.GetTenantByEmail(email); err == nil && existing != nil {
		return nil, nil, ErrEmailTaken
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, nil, fmt.Errorf("hash password: %w", err)
	}

	tenant := &Tenant{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
	}
	if err := s.Tenants.CreateTenant(tenant); err != nil {
		return nil, nil, fmt.Errorf("create tenant: %w", err)
	}

	session, err := s.createSession(tenant.ID, ip, userAgent)
	if err != nil {
		return nil, nil, err
	}
	return session, tenant, nil
}

// Login authenticates a tenant and creates a session.
func (s *Service) Login(ctx context.Context, email, password, ip, userAgent string) (*Session, *Tenant, error) {
	if !s.rateLimiter.Allow(ip) {
		return nil, nil, ErrRateLimited
	}

	tenant, err := s.Tenants.GetTenantByEmail(email)
	if err != nil || tenant == nil {
		s.rateLimiter.RecordFailure(ip)
		return nil, nil, ErrInvalidCredentials
	}

	if tenant.PasswordHash == "" || !CheckPassword(tenant.PasswordHash, password) {
		s.rateLimiter.RecordFailure(ip)
		return nil, nil, ErrInvalidCredentials
	}

	s.rateLimiter.Reset(ip)

	session, err := s.createSession(tenant.ID, ip, userAgent)
	if err != nil {
		return nil, nil, err
	}
	return session, tenant, nil
}

// LoginWithOIDC finds or creates a tenant from OIDC claims and creates a session.
// Tenants created this way have no password and authenticate via OIDC only.
func (s *Service) LoginWithOIDC(ctx context.Context, info *OIDCUserInfo, ip, userAgent string) (*Session, *Tenant, error) {
	tenant, err := s.Tenants.GetTenantByEmail(info.Email)
	if err != nil || tenant == nil {
		tenant = &Tenant{
			ID:    uuid.NewString(),
			Email: info.Email,
		}
		if err := s.Tenants.CreateTenant(tenant); err != nil {
			return nil, nil, fmt.Errorf("create tenant from oidc claims: %w", err)
		}
		if s.Log != nil {
			s.Log.Info("tenant auto-created from identity provider", "email", info.Email)
		}
	}

	session, err := s.createSession(tenant.ID, ip, userAgent)
	if err != nil {
		return nil, nil, err
	}
	return session, tenant, nil
}

// Authenticate validates a session token and returns the session if valid.
func (s *Service) Authenticate(token string) *Session {
	if token == "" {
		return nil
	}
	session, err := s.Sessions.GetSession(token)
	if err != nil || session == nil {
		return nil
	}
	return session
}

// Logout revokes a session.
func (s *Service) Logout(token string) error {
	return s.Sessions.DeleteSession(token)
}

// CleanupExpiredSessions removes expired sessions from the store.
func (s *Service) CleanupExpiredSessions() (int, error) {
	return s.Sessions.DeleteExpired(time.Now().UTC())
}

func (s *Service) createSession(tenantID, ip, userAgent string) (*Session, error) {
	token, err := GenerateSessionToken()
	if err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}

	session := Session{
		Token:     token,
		TenantID:  tenantID,
		IP:        ip,
		UserAgent: userAgent,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(s.SessionExpiry),
	}
	if err := s.Sessions.CreateSession(session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &session, nil
}
