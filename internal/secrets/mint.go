// Package secrets mints per-instance credentials: the bootstrap password,
// the sealed secret envelope, and short-lived SSO login tokens.
package secrets

import (
	"encoding/hex"
	"fmt"
)

// MintResult is what provisioning an instance's secrets yields. Password is
// the one-time plaintext; it is returned to the caller and forgotten.
type MintResult struct {
	Env      map[string]string
	Password string
	Envelope []byte
}

// Mint derives instance environments and envelopes under the control
// plane's envelope key.
type Mint struct {
	envelopeKey     []byte
	rootDomain      string
	controlPlaneURL string
}

// NewMint creates a Mint. envelopeKeyHex must be a 32-byte hex key.
func NewMint(envelopeKeyHex, rootDomain string) (*Mint, error) {
	key, err := hex.DecodeString(envelopeKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode envelope key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("envelope key must be 32 bytes, got %d", len(key))
	}
	return &Mint{
		envelopeKey:     key,
		rootDomain:      rootDomain,
		controlPlaneURL: fmt.Sprintf("https://control.%s", rootDomain),
	}, nil
}

// MintForInstance generates the bootstrap credentials and environment for a
// new instance container. Only the hash enters the environment; the
// plaintext rides back to the caller once.
func (m *Mint) MintForInstance(subdomain, ownerEmail string) (*MintResult, error) {
	password, hash, err := GeneratePassword()
	if err != nil {
		return nil, err
	}

	sealed, err := Seal(m.envelopeKey, Envelope{
		PasswordHash: hash,
		OwnerEmail:   ownerEmail,
	})
	if err != nil {
		return nil, err
	}

	return &MintResult{
		Env:      m.instanceEnv(subdomain, ownerEmail, hash),
		Password: password,
		Envelope: sealed,
	}, nil
}

// RotatePassword mints a fresh password for an existing instance and
// returns the replacement envelope. The container must be recreated for the
// new hash to take effect.
func (m *Mint) RotatePassword(subdomain, ownerEmail string) (*MintResult, error) {
	return m.MintForInstance(subdomain, ownerEmail)
}

// EnvFromEnvelope rebuilds the container environment from a sealed
// envelope. Used when the reconciler recreates a container without rotating
// credentials.
func (m *Mint) EnvFromEnvelope(subdomain string, sealed []byte) (map[string]string, error) {
	env, err := Open(m.envelopeKey, sealed)
	if err != nil {
		return nil, err
	}
	return m.instanceEnv(subdomain, env.OwnerEmail, env.PasswordHash), nil
}

func (m *Mint) instanceEnv(subdomain, ownerEmail, passwordHash string) map[string]string {
	env := map[string]string{
		"INSTANCE_ID":       subdomain,
		"OWNER_EMAIL":       ownerEmail,
		"ADMIN_EMAILS":      ownerEmail,
		"SINGLE_TENANT":     "1",
		"DATABASE_URL":      "sqlite:////data/longhouse.db",
		"CONTROL_PLANE_URL": m.controlPlaneURL,
	}
	if passwordHash != "" {
		env["LONGHOUSE_PASSWORD_HASH"] = passwordHash
	}
	return env
}
