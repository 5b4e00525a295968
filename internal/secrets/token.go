package secrets

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// maxLoginTokenTTL bounds SSO login tokens; anything longer is clamped.
const maxLoginTokenTTL = 5 * time.Minute

// TokenMinter signs short-lived SSO login tokens instances verify against
// the control plane's published JWKS.
type TokenMinter struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	kid  string
}

// NewTokenMinter derives the Ed25519 keypair from a 32-byte hex seed.
func NewTokenMinter(seedHex string) (*TokenMinter, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode signing seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	// Stable key ID from the public key so rotation produces a new kid.
	kid := base64.RawURLEncoding.EncodeToString(pub[:8])

	return &TokenMinter{priv: priv, pub: pub, kid: kid}, nil
}

// MintLoginToken signs a login token for identity on the given instance.
// TTLs above five minutes are clamped.
func (t *TokenMinter) MintLoginToken(subdomain, identity string, ttl time.Duration) (string, error) {
	if ttl <= 0 || ttl > maxLoginTokenTTL {
		ttl = maxLoginTokenTTL
	}
	now := time.Now().UTC()

	claims := jwt.MapClaims{
		"iss": "longhouse-control-plane",
		"sub": identity,
		"aud": subdomain,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = t.kid

	signed, err := token.SignedString(t.priv)
	if err != nil {
		return "", fmt.Errorf("sign login token: %w", err)
	}
	return signed, nil
}

// VerifyLoginToken parses and validates a login token, returning the
// identity and audience subdomain.
func (t *TokenMinter) VerifyLoginToken(tokenString string) (identity, subdomain string, err error) {
	parsed, err := jwt.Parse(tokenString, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.pub, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return "", "", fmt.Errorf("verify login token: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", fmt.Errorf("unexpected claims type")
	}
	identity, _ = claims["sub"].(string)
	aud, _ := claims["aud"].(string)
	return identity, aud, nil
}

// JWKS returns the JSON Web Key Set document with the verification key.
func (t *TokenMinter) JWKS() ([]byte, error) {
	doc := map[string]any{
		"keys": []map[string]string{{
			"kty": "OKP",
			"crv": "Ed25519",
			"alg": "EdDSA",
			"use": "sig",
			"kid": t.kid,
			"x":   base64.RawURLEncoding.EncodeToString(t.pub),
		}},
	}
	return json.Marshal(doc)
}
