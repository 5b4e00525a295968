package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateTenant persists a new tenant. Returns ErrAlreadyExists when the
// email is already registered.
func (s *Store) CreateTenant(t *Tenant) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.SubscriptionState == "" {
		t.SubscriptionState = SubNone
	}

	_, err := s.db.Exec(`
		INSERT INTO tenants (id, email, password_hash, billing_customer_id, subscription_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Email, t.PasswordHash, t.BillingCustomerID, string(t.SubscriptionState),
		t.CreatedAt.Unix(), t.UpdatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("tenant %s: %w", t.Email, ErrAlreadyExists)
		}
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

// GetTenant retrieves a tenant by ID.
func (s *Store) GetTenant(id string) (*Tenant, error) {
	return s.scanTenant(s.db.QueryRow(tenantSelect+` WHERE id = ?`, id))
}

// GetTenantByEmail retrieves a tenant by email.
func (s *Store) GetTenantByEmail(email string) (*Tenant, error) {
	return s.scanTenant(s.db.QueryRow(tenantSelect+` WHERE email = ?`, email))
}

// GetTenantByCustomerID retrieves a tenant by its billing customer ID.
func (s *Store) GetTenantByCustomerID(customerID string) (*Tenant, error) {
	return s.scanTenant(s.db.QueryRow(tenantSelect+` WHERE billing_customer_id = ?`, customerID))
}

// ListTenants returns all tenants ordered by creation time.
func (s *Store) ListTenants() ([]Tenant, error) {
	rows, err := s.db.Query(tenantSelect + ` ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		t, err := scanTenantRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// SetTenantBillingCustomer records the external billing customer ID.
func (s *Store) SetTenantBillingCustomer(tenantID, customerID string) error {
	return s.updateTenant(tenantID, `billing_customer_id = ?`, customerID)
}

// SetTenantSubscriptionState updates the normalized subscription state.
func (s *Store) SetTenantSubscriptionState(tenantID string, state SubscriptionState) error {
	return s.updateTenant(tenantID, `subscription_state = ?`, string(state))
}

// SetTenantPasswordHash updates the portal login hash.
func (s *Store) SetTenantPasswordHash(tenantID, hash string) error {
	return s.updateTenant(tenantID, `password_hash = ?`, hash)
}

func (s *Store) updateTenant(tenantID, setClause string, arg any) error {
	res, err := s.db.Exec(
		`UPDATE tenants SET `+setClause+`, updated_at = ? WHERE id = ?`,
		arg, time.Now().UTC().Unix(), tenantID,
	)
	if err != nil {
		return fmt.Errorf("update tenant: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
	}
	return nil
}

const tenantSelect = `
	SELECT id, email, password_hash, billing_customer_id, subscription_state, created_at, updated_at
	FROM tenants`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanTenant(row *sql.Row) (*Tenant, error) {
	t, err := scanTenantRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func scanTenantRow(row rowScanner) (*Tenant, error) {
	var t Tenant
	var state string
	var created, updated int64
	if err := row.Scan(&t.ID, &t.Email, &t.PasswordHash, &t.BillingCustomerID, &state, &created, &updated); err != nil {
		return nil, err
	}
	t.SubscriptionState = SubscriptionState(state)
	t.CreatedAt = time.Unix(created, 0).UTC()
	t.UpdatedAt = time.Unix(updated, 0).UTC()
	return &t, nil
}

// isUniqueViolation detects SQLite unique constraint failures.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
