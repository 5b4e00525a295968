package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all control-plane configuration from environment variables.
type Config struct {
	// HTTP
	ListenAddr string
	AdminToken string

	// Store
	DatabaseURL   string
	SessionDBPath string

	// Container runtime
	RuntimeEndpoint  string
	InstanceImageRef string
	DataRoot         string
	PublishPorts     bool
	AdoptOrphans     bool

	// Proxy
	RootDomain    string
	ProxyMode     string // "label" or "file"
	ProxyProvider string // "caddy" or "traefik" (label mode)
	ProxyNetwork  string
	ProxyFileDir  string

	// Secrets
	EnvelopeKey   string // 64 hex chars (32-byte AES key)
	SSOSigningKey string // 64 hex chars (32-byte Ed25519 seed)

	// Billing
	BillingWebhookSecret string
	BillingPolicyFile    string

	// Reconciler / prober cadence
	ResweepInterval       time.Duration
	ProbeInterval         time.Duration
	ProbeFailureThreshold int
	ReconcileWorkers      int

	// Tenant auth (optional OIDC login)
	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string

	// Metrics
	TextfilePath string

	// Logging
	LogJSON bool
}

// Load reads all configuration from environment variables with defaults.
// A .env file in the working directory is merged in first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		ListenAddr: envStr("LISTEN_ADDR", ":8080"),
		AdminToken: envStr("ADMIN_TOKEN", ""),

		DatabaseURL:   envStr("DATABASE_URL", "/data/control-plane.db"),
		SessionDBPath: envStr("SESSION_DB_PATH", "/data/sessions.db"),

		RuntimeEndpoint:  envStr("RUNTIME_ENDPOINT", "/var/run/docker.sock"),
		InstanceImageRef: envStr("INSTANCE_IMAGE_REF", ""),
		DataRoot:         envStr("DATA_ROOT", "/srv/longhouse"),
		PublishPorts:     envBool("PUBLISH_PORTS", false),
		AdoptOrphans:     envBool("ADOPT_ORPHANS", false),

		RootDomain:    envStr("ROOT_DOMAIN", ""),
		ProxyMode:     envStr("PROXY_MODE", "label"),
		ProxyProvider: envStr("PROXY_PROVIDER", "caddy"),
		ProxyNetwork:  envStr("PROXY_NETWORK", "longhouse"),
		ProxyFileDir:  envStr("PROXY_FILE_DIR", "/etc/caddy/sites"),

		EnvelopeKey:   envStr("ENVELOPE_KEY", ""),
		SSOSigningKey: envStr("SSO_SIGNING_KEY", ""),

		BillingWebhookSecret: envStr("BILLING_WEBHOOK_SECRET", ""),
		BillingPolicyFile:    envStr("BILLING_POLICY_FILE", ""),

		ResweepInterval:       envDuration("RESWEEP_INTERVAL", 5*time.Minute),
		ProbeInterval:         envDuration("PROBE_INTERVAL", 30*time.Second),
		ProbeFailureThreshold: envInt("PROBE_FAILURE_THRESHOLD", 3),
		ReconcileWorkers:      envInt("RECONCILE_WORKERS", 4),

		OIDCIssuer:       envStr("OIDC_ISSUER", ""),
		OIDCClientID:     envStr("OIDC_CLIENT_ID", ""),
		OIDCClientSecret: envStr("OIDC_CLIENT_SECRET", ""),

		TextfilePath: envStr("METRICS_TEXTFILE_PATH", ""),

		LogJSON: envBool("LOG_JSON", true),
	}
}

// Validate checks configuration for missing or invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.AdminToken == "" {
		errs = append(errs, errors.New("ADMIN_TOKEN must be set"))
	}
	if c.InstanceImageRef == "" {
		errs = append(errs, errors.New("INSTANCE_IMAGE_REF must be set"))
	}
	if c.RootDomain == "" {
		errs = append(errs, errors.New("ROOT_DOMAIN must be set"))
	}
	switch c.ProxyMode {
	case "label", "file":
	default:
		errs = append(errs, fmt.Errorf("PROXY_MODE must be label or file, got %q", c.ProxyMode))
	}
	switch c.ProxyProvider {
	case "caddy", "traefik":
	default:
		errs = append(errs, fmt.Errorf("PROXY_PROVIDER must be caddy or traefik, got %q", c.ProxyProvider))
	}
	if err := checkHexKey("ENVELOPE_KEY", c.EnvelopeKey); err != nil {
		errs = append(errs, err)
	}
	if err := checkHexKey("SSO_SIGNING_KEY", c.SSOSigningKey); err != nil {
		errs = append(errs, err)
	}
	if c.ResweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("RESWEEP_INTERVAL must be > 0, got %s", c.ResweepInterval))
	}
	if c.ProbeInterval <= 0 {
		errs = append(errs, fmt.Errorf("PROBE_INTERVAL must be > 0, got %s", c.ProbeInterval))
	}
	if c.ProbeFailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("PROBE_FAILURE_THRESHOLD must be >= 1, got %d", c.ProbeFailureThreshold))
	}
	if c.ReconcileWorkers < 1 {
		errs = append(errs, fmt.Errorf("RECONCILE_WORKERS must be >= 1, got %d", c.ReconcileWorkers))
	}
	return errors.Join(errs...)
}

// checkHexKey verifies a 32-byte hex-encoded key.
func checkHexKey(name, v string) error {
	if v == "" {
		return fmt.Errorf("%s must be set", name)
	}
	raw, err := hex.DecodeString(v)
	if err != nil {
		return fmt.Errorf("%s must be hex-encoded: %w", name, err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("%s must be 32 bytes (64 hex chars), got %d bytes", name, len(raw))
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
