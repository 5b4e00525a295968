package auth

import (
	"fmt"
	"sync"
	"time"
)

// mockTenants is an in-memory TenantDirectory for tests.
type mockTenants struct {
	mu      sync.Mutex
	byEmail map[string]*Tenant
}

func newMockTenants() *mockTenants {
	return &mockTenants{byEmail: make(map[string]*Tenant)}
}

func (m *mockTenants) GetTenantByEmail(email string) (*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byEmail[email]
	if !ok {
		return nil, fmt.Errorf("tenant not found")
	}
	cp := *t
	return &cp, nil
}

func (m *mockTenants) CreateTenant(t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[t.Email]; ok {
		return fmt.Errorf("email taken")
	}
	cp := *t
	m.byEmail[t.Email] = &cp
	return nil
}

// mockSessions is an in-memory SessionStore for tests.
type mockSessions struct {
	mu       sync.Mutex
	sessions map[string]Session

	createErr error
}

func newMockSessions() *mockSessions {
	return &mockSessions{sessions: make(map[string]Session)}
}

func (m *mockSessions) CreateSession(s Session) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Token] = s
	return nil
}

func (m *mockSessions) GetSession(token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, fmt.Errorf("session not found")
	}
	if time.Now().UTC().After(s.ExpiresAt) {
		delete(m.sessions, token)
		return nil, fmt.Errorf("session expired")
	}
	return &s, nil
}

func (m *mockSessions) DeleteSession(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}

func (m *mockSessions) DeleteExpired(now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for token, s := range m.sessions {
		if now.After(s.ExpiresAt) {
			delete(m.sessions, token)
			removed++
		}
	}
	return removed, nil
}

func (m *mockSessions) Close() error { return nil }
