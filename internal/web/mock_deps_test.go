package web

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/longhouse-sh/control-plane/internal/auth"
	"github.com/longhouse-sh/control-plane/internal/secrets"
	"github.com/longhouse-sh/control-plane/internal/store"
)

// mockDirectory is an in-memory InstanceDirectory + TenantDirectory +
// DeploymentDirectory + BillingLog.
type mockDirectory struct {
	mu          sync.Mutex
	instances   map[string]*store.Instance
	tenants     map[string]*store.Tenant
	transitions map[string][]store.Transition
	deployments map[string]*store.Deployment
	events      []store.BillingEvent

	enqueued []string
}

func newMockDirectory() *mockDirectory {
	return &mockDirectory{
		instances:   make(map[string]*store.Instance),
		tenants:     make(map[string]*store.Tenant),
		transitions: make(map[string][]store.Transition),
		deployments: make(map[string]*store.Deployment),
	}
}

func (m *mockDirectory) enqueue(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued = append(m.enqueued, id)
}

func (m *mockDirectory) ListInstances() ([]store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Instance
	for _, inst := range m.instances {
		out = append(out, *inst)
	}
	return out, nil
}

func (m *mockDirectory) GetInstance(id string) (*store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (m *mockDirectory) GetLiveInstanceForTenant(tenantID string) (*store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.TenantID == tenantID && inst.DesiredState == store.DesiredRunning {
			cp := *inst
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockDirectory) CreateInstance(inst *store.Instance, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.instances {
		if existing.Subdomain == inst.Subdomain {
			return store.ErrSubdomainTaken
		}
		if existing.TenantID == inst.TenantID && existing.DesiredState == store.DesiredRunning {
			return store.ErrTenantHasInstance
		}
	}
	inst.Generation = 1
	inst.ObservedState = store.ObservedAbsent
	cp := *inst
	m.instances[inst.ID] = &cp
	return nil
}

func (m *mockDirectory) SetDesiredState(id string, desired store.DesiredState, reason, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return store.ErrNotFound
	}
	inst.DesiredState = desired
	inst.Generation++
	return nil
}

func (m *mockDirectory) Reprovision(id, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return store.ErrNotFound
	}
	inst.Generation++
	if inst.ObservedState == store.ObservedFailed {
		inst.ObservedState = store.ObservedAbsent
	}
	return nil
}

func (m *mockDirectory) MarkDataPurge(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return store.ErrNotFound
	}
	inst.PurgeData = true
	return nil
}

func (m *mockDirectory) SetSecretEnvelope(id string, envelope []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return store.ErrNotFound
	}
	inst.SecretEnvelope = envelope
	return nil
}

func (m *mockDirectory) ListTransitions(instanceID string, limit int) ([]store.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.transitions[instanceID]
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (m *mockDirectory) GetTenant(id string) (*store.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *mockDirectory) GetTenantByEmail(email string) (*store.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tenants {
		if t.Email == email {
			cp := *t
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockDirectory) CreateTenant(t *store.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tenants[t.ID] = &cp
	return nil
}

func (m *mockDirectory) GetDeployment(id string) (*store.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *mockDirectory) ListBillingEvents(limit int) ([]store.BillingEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.BillingEvent(nil), m.events...), nil
}

// authTenants adapts mockDirectory to the auth package's tenant view.
type authTenants struct {
	dir *mockDirectory
}

func (a authTenants) GetTenantByEmail(email string) (*auth.Tenant, error) {
	t, err := a.dir.GetTenantByEmail(email)
	if err != nil {
		return nil, err
	}
	return &auth.Tenant{ID: t.ID, Email: t.Email, PasswordHash: t.PasswordHash}, nil
}

func (a authTenants) CreateTenant(t *auth.Tenant) error {
	return a.dir.CreateTenant(&store.Tenant{ID: t.ID, Email: t.Email, PasswordHash: t.PasswordHash})
}

// memSessions is an in-memory auth.SessionStore.
type memSessions struct {
	mu       sync.Mutex
	sessions map[string]auth.Session
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: make(map[string]auth.Session)}
}

func (m *memSessions) CreateSession(s auth.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Token] = s
	return nil
}

func (m *memSessions) GetSession(token string) (*auth.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok || time.Now().After(s.ExpiresAt) {
		return nil, nil
	}
	return &s, nil
}

func (m *memSessions) DeleteSession(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}

func (m *memSessions) DeleteExpired(now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for token, s := range m.sessions {
		if now.After(s.ExpiresAt) {
			delete(m.sessions, token)
			n++
		}
	}
	return n, nil
}

func (m *memSessions) Close() error { return nil }

// mockMint mints deterministic credentials.
type mockMint struct {
	mu      sync.Mutex
	rotated int
}

func (m *mockMint) MintForInstance(subdomain, ownerEmail string) (*secrets.MintResult, error) {
	return &secrets.MintResult{
		Env:      map[string]string{"INSTANCE_ID": subdomain},
		Password: "pw-" + subdomain,
		Envelope: []byte("envelope-" + subdomain),
	}, nil
}

func (m *mockMint) RotatePassword(subdomain, ownerEmail string) (*secrets.MintResult, error) {
	m.mu.Lock()
	m.rotated++
	m.mu.Unlock()
	return m.MintForInstance(subdomain, ownerEmail)
}

// mockTokens mints recognizable fake login tokens.
type mockTokens struct{}

func (mockTokens) MintLoginToken(subdomain, identity string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("token-%s-%s", subdomain, identity), nil
}

func (mockTokens) JWKS() ([]byte, error) {
	return []byte(`{"keys":[]}`), nil
}

// mockDeployer records deployment starts.
type mockDeployer struct {
	mu      sync.Mutex
	started []string
	err     error
}

func (m *mockDeployer) Start(ctx context.Context, imageRef string, maxParallel, failureThreshold int) (*store.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.started = append(m.started, imageRef)
	return &store.Deployment{ID: "dep-1", ImageRef: imageRef, Status: store.DeployPending}, nil
}
