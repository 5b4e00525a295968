package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestService() (*Service, *mockTenants, *mockSessions) {
	tenants := newMockTenants()
	sessions := newMockSessions()
	svc := NewService(ServiceConfig{
		Tenants:       tenants,
		Sessions:      sessions,
		SessionExpiry: time.Hour,
	})
	return svc, tenants, sessions
}

func TestSignupAndLogin(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	session, tenant, err := svc.Signup(ctx, "a@example.com", "password12", "10.0.0.1", "test")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if tenant.Email != "a@example.com" || tenant.ID == "" {
		t.Errorf("unexpected tenant: %+v", tenant)
	}
	if session.TenantID != tenant.ID {
		t.Error("session not bound to tenant")
	}

	// Second signup with the same email must fail.
	if _, _, err := svc.Signup(ctx, "a@example.com", "password12", "10.0.0.1", "test"); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("expected ErrEmailTaken, got %v", err)
	}

	// Login with the right password succeeds.
	session2, _, err := svc.Login(ctx, "a@example.com", "password12", "10.0.0.1", "test")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if session2.Token == session.Token {
		t.Error("login must issue a fresh token")
	}

	// Wrong password fails.
	if _, _, err := svc.Login(ctx, "a@example.com", "wrongpass12", "10.0.0.1", "test"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestSignupRejectsWeakPassword(t *testing.T) {
	svc, _, _ := newTestService()
	cases := []struct {
		password string
		want     error
	}{
		{"short1", ErrPasswordTooShort},
		{"1234567890", ErrPasswordNoLetter},
		{"passwordly", ErrPasswordNoDigit},
	}
	for _, tc := range cases {
		_, _, err := svc.Signup(context.Background(), "x@example.com", tc.password, "ip", "ua")
		if !errors.Is(err, tc.want) {
			t.Errorf("password %q: got %v, want %v", tc.password, err, tc.want)
		}
	}
}

func TestLoginRateLimited(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	for i := 0; i < maxLoginFailures; i++ {
		_, _, err := svc.Login(ctx, "nobody@example.com", "password12", "10.0.0.2", "test")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v", i, err)
		}
	}

	// Repeated failures trip the limiter.
	var sawLimit bool
	for i := 0; i < maxLoginFailures; i++ {
		_, _, err := svc.Login(ctx, "nobody@example.com", "password12", "10.0.0.2", "test")
		if errors.Is(err, ErrRateLimited) {
			sawLimit = true
			break
		}
	}
	if !sawLimit {
		t.Error("expected rate limiting after repeated failures")
	}

	// Another IP is unaffected.
	if _, _, err := svc.Login(ctx, "nobody@example.com", "password12", "10.0.0.3", "test"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("other IP: got %v", err)
	}
}

func TestLoginOIDCOnlyTenantRejectsPassword(t *testing.T) {
	svc, tenants, _ := newTestService()
	if err := tenants.CreateTenant(&Tenant{ID: "t1", Email: "sso@example.com"}); err != nil {
		t.Fatal(err)
	}
	_, _, err := svc.Login(context.Background(), "sso@example.com", "password12", "ip", "ua")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginWithOIDCAutoCreates(t *testing.T) {
	svc, tenants, _ := newTestService()
	ctx := context.Background()

	info := &OIDCUserInfo{Subject: "sub-1", Email: "new@example.com"}
	session, tenant, err := svc.LoginWithOIDC(ctx, info, "ip", "ua")
	if err != nil {
		t.Fatalf("oidc login: %v", err)
	}
	if tenant.PasswordHash != "" {
		t.Error("oidc tenants must not get a password hash")
	}
	if session.TenantID != tenant.ID {
		t.Error("session not bound to tenant")
	}

	// Second login reuses the existing tenant.
	_, tenant2, err := svc.LoginWithOIDC(ctx, info, "ip", "ua")
	if err != nil {
		t.Fatal(err)
	}
	if tenant2.ID != tenant.ID {
		t.Error("expected existing tenant to be reused")
	}
	if got, _ := tenants.GetTenantByEmail("new@example.com"); got == nil {
		t.Error("tenant missing from directory")
	}
}

func TestAuthenticateAndLogout(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	session, _, err := svc.Signup(ctx, "a@example.com", "password12", "ip", "ua")
	if err != nil {
		t.Fatal(err)
	}

	got := svc.Authenticate(session.Token)
	if got == nil || got.TenantID != session.TenantID {
		t.Fatalf("authenticate returned %+v", got)
	}
	if svc.Authenticate("") != nil {
		t.Error("empty token must not authenticate")
	}
	if svc.Authenticate("bogus") != nil {
		t.Error("unknown token must not authenticate")
	}

	if err := svc.Logout(session.Token); err != nil {
		t.Fatal(err)
	}
	if svc.Authenticate(session.Token) != nil {
		t.Error("token must be invalid after logout")
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	svc, _, sessions := newTestService()

	now := time.Now().UTC()
	_ = sessions.CreateSession(Session{Token: "live", TenantID: "t1", ExpiresAt: now.Add(time.Hour)})
	_ = sessions.CreateSession(Session{Token: "stale", TenantID: "t1", ExpiresAt: now.Add(-time.Hour)})

	removed, err := svc.CleanupExpiredSessions()
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if svc.Authenticate("live") == nil {
		t.Error("live session must survive cleanup")
	}
}
