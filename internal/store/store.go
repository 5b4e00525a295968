// Package store is the relational system of record for tenants, instances,
// transitions and billing events, backed by SQLite.
package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"regexp"
	"time"

	_ "modernc.org/sqlite"
)

// DesiredState is what an instance should converge to.
type DesiredState string

const (
	DesiredRunning DesiredState = "running"
	DesiredAbsent  DesiredState = "absent"
)

// ObservedState is the last state the reconciler recorded for an instance.
type ObservedState string

const (
	ObservedAbsent    ObservedState = "absent"
	ObservedCreating  ObservedState = "creating"
	ObservedStarting  ObservedState = "starting"
	ObservedHealthy   ObservedState = "healthy"
	ObservedUnhealthy ObservedState = "unhealthy"
	ObservedStopping  ObservedState = "stopping"
	ObservedFailed    ObservedState = "failed"
)

// SubscriptionState is the normalized billing state of a tenant.
type SubscriptionState string

const (
	SubNone      SubscriptionState = "none"
	SubTrialing  SubscriptionState = "trialing"
	SubActive    SubscriptionState = "active"
	SubPastDue   SubscriptionState = "past_due"
	SubCancelled SubscriptionState = "cancelled"
)

// subdomainRe is the DNS-label shape accepted for instance subdomains:
// lowercase alphanumerics with single interior hyphens, 1-31 chars.
var subdomainRe = regexp.MustCompile(`^[a-z0-9](-?[a-z0-9]){0,29}$`)

// ValidSubdomain reports whether s is an acceptable instance subdomain.
func ValidSubdomain(s string) bool {
	return subdomainRe.MatchString(s)
}

// Tenant is a billing account that may own at most one live instance.
type Tenant struct {
	ID                string
	Email             string
	PasswordHash      string // empty for OIDC-only tenants
	BillingCustomerID string
	SubscriptionState SubscriptionState
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Instance is the desired+observed record for one tenant container.
type Instance struct {
	ID             string
	TenantID       string
	Subdomain      string
	DesiredState   DesiredState
	ObservedState  ObservedState
	Generation     int64
	TargetImageRef string // image the instance should run
	ImageRef       string // image the running container was created from
	LastHealthyRef string // most recent image that reached healthy
	ContainerID    string
	DataPath       string
	PurgeData      bool   // data directory removal pending after teardown
	SecretEnvelope []byte // AES-GCM sealed instance secrets
	ProbeFailures  int
	LastProbeAt    time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Transition is one append-only observed-state change record.
type Transition struct {
	ID         int64
	InstanceID string
	FromState  ObservedState
	ToState    ObservedState
	Reason     string
	Actor      string
	At         time.Time
}

// BillingEvent is a processed external billing notification, deduped by ID.
type BillingEvent struct {
	ID          string // external event ID
	Kind        string
	TenantID    string
	Payload     []byte
	ProcessedAt time.Time
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the control-plane database at path and applies the
// schema. The connection is restricted to a single writer; WAL mode keeps
// readers unblocked.
func Open(path string) (*Store, error) {
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id                  TEXT PRIMARY KEY,
		email               TEXT NOT NULL UNIQUE,
		password_hash       TEXT NOT NULL DEFAULT '',
		billing_customer_id TEXT NOT NULL DEFAULT '',
		subscription_state  TEXT NOT NULL DEFAULT 'none',
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tenants_billing_customer
		ON tenants(billing_customer_id) WHERE billing_customer_id != '';

	CREATE TABLE IF NOT EXISTS instances (
		id               TEXT PRIMARY KEY,
		tenant_id        TEXT NOT NULL REFERENCES tenants(id),
		subdomain        TEXT NOT NULL UNIQUE,
		desired_state    TEXT NOT NULL,
		observed_state   TEXT NOT NULL DEFAULT 'absent',
		generation       INTEGER NOT NULL DEFAULT 1,
		target_image_ref TEXT NOT NULL DEFAULT '',
		image_ref        TEXT NOT NULL DEFAULT '',
		last_healthy_ref TEXT NOT NULL DEFAULT '',
		container_id     TEXT NOT NULL DEFAULT '',
		data_path        TEXT NOT NULL DEFAULT '',
		purge_data       INTEGER NOT NULL DEFAULT 0,
		secret_envelope  BLOB,
		probe_failures   INTEGER NOT NULL DEFAULT 0,
		last_probe_at    INTEGER,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_one_live_per_tenant
		ON instances(tenant_id) WHERE desired_state != 'absent';

	CREATE TABLE IF NOT EXISTS instance_transitions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		instance_id TEXT NOT NULL REFERENCES instances(id),
		from_state  TEXT NOT NULL,
		to_state    TEXT NOT NULL,
		reason      TEXT NOT NULL DEFAULT '',
		actor       TEXT NOT NULL DEFAULT '',
		at          INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_instance
		ON instance_transitions(instance_id, id);

	CREATE TABLE IF NOT EXISTS billing_events (
		id           TEXT PRIMARY KEY,
		kind         TEXT NOT NULL,
		tenant_id    TEXT NOT NULL DEFAULT '',
		payload      BLOB,
		processed_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS deployments (
		id                TEXT PRIMARY KEY,
		image_ref         TEXT NOT NULL,
		status            TEXT NOT NULL DEFAULT 'pending',
		max_parallel      INTEGER NOT NULL DEFAULT 1,
		failure_threshold INTEGER NOT NULL DEFAULT 1,
		failure_count     INTEGER NOT NULL DEFAULT 0,
		total             INTEGER NOT NULL DEFAULT 0,
		completed         INTEGER NOT NULL DEFAULT 0,
		created_at        INTEGER NOT NULL,
		finished_at       INTEGER
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullableUnix(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func fromNullableUnix(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0).UTC()
}
