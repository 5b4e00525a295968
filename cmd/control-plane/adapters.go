package main

import (
	"github.com/longhouse-sh/control-plane/internal/auth"
	"github.com/longhouse-sh/control-plane/internal/secrets"
	"github.com/longhouse-sh/control-plane/internal/store"
)

// mintAdapter narrows secrets.Mint for the reconciler, which never sees the
// one-time plaintext password.
type mintAdapter struct {
	mint *secrets.Mint
}

func (m mintAdapter) MintForInstance(subdomain, ownerEmail string) (map[string]string, []byte, error) {
	res, err := m.mint.MintForInstance(subdomain, ownerEmail)
	if err != nil {
		return nil, nil, err
	}
	return res.Env, res.Envelope, nil
}

func (m mintAdapter) EnvFromEnvelope(subdomain string, sealed []byte) (map[string]string, error) {
	return m.mint.EnvFromEnvelope(subdomain, sealed)
}

// tenantAdapter maps the relational tenant rows onto the auth package's view.
type tenantAdapter struct {
	db *store.Store
}

func (t tenantAdapter) GetTenantByEmail(email string) (*auth.Tenant, error) {
	row, err := t.db.GetTenantByEmail(email)
	if err != nil {
		return nil, err
	}
	return &auth.Tenant{ID: row.ID, Email: row.Email, PasswordHash: row.PasswordHash}, nil
}

func (t tenantAdapter) CreateTenant(tn *auth.Tenant) error {
	return t.db.CreateTenant(&store.Tenant{
		ID:           tn.ID,
		Email:        tn.Email,
		PasswordHash: tn.PasswordHash,
	})
}
