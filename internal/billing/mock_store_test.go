package billing

import (
	"fmt"

	"github.com/longhouse-sh/control-plane/internal/store"
)

// mockDirectory is an in-memory Directory for webhook tests.
type mockDirectory struct {
	tenants   map[string]*store.Tenant // by ID
	instances map[string]*store.Instance

	recorded map[string]bool // billing event IDs seen

	desiredCalls []string // "<instanceID>:<desired>"
}

func newMockDirectory() *mockDirectory {
	return &mockDirectory{
		tenants:   make(map[string]*store.Tenant),
		instances: make(map[string]*store.Instance),
		recorded:  make(map[string]bool),
	}
}

func (m *mockDirectory) GetTenant(id string) (*store.Tenant, error) {
	if t, ok := m.tenants[id]; ok {
		return t, nil
	}
	return nil, store.ErrNotFound
}

func (m *mockDirectory) GetTenantByEmail(email string) (*store.Tenant, error) {
	for _, t := range m.tenants {
		if t.Email == email {
			return t, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockDirectory) GetTenantByCustomerID(customerID string) (*store.Tenant, error) {
	for _, t := range m.tenants {
		if t.BillingCustomerID == customerID {
			return t, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockDirectory) SetTenantBillingCustomer(tenantID, customerID string) error {
	t, ok := m.tenants[tenantID]
	if !ok {
		return store.ErrNotFound
	}
	t.BillingCustomerID = customerID
	return nil
}

func (m *mockDirectory) SetTenantSubscriptionState(tenantID string, state store.SubscriptionState) error {
	t, ok := m.tenants[tenantID]
	if !ok {
		return store.ErrNotFound
	}
	t.SubscriptionState = state
	return nil
}

func (m *mockDirectory) GetLiveInstanceForTenant(tenantID string) (*store.Instance, error) {
	for _, inst := range m.instances {
		if inst.TenantID == tenantID && inst.DesiredState != store.DesiredAbsent {
			return inst, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockDirectory) SetDesiredState(id string, desired store.DesiredState, reason, actor string) error {
	inst, ok := m.instances[id]
	if !ok {
		return store.ErrNotFound
	}
	inst.DesiredState = desired
	m.desiredCalls = append(m.desiredCalls, fmt.Sprintf("%s:%s", id, desired))
	return nil
}

func (m *mockDirectory) RecordBillingEvent(ev *store.BillingEvent) error {
	if m.recorded[ev.ID] {
		return store.ErrDuplicateEvent
	}
	m.recorded[ev.ID] = true
	return nil
}
