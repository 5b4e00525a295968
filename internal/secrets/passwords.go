package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 600000
	pbkdf2SaltBytes  = 16
	pbkdf2KeyBytes   = 32
)

// GeneratePassword returns a fresh random instance password and its PBKDF2
// hash in the format the instance app verifies:
// pbkdf2:sha256:600000$<salt-hex>$<hash-hex>. The plaintext is handed to
// the caller exactly once and never persisted.
func GeneratePassword() (password, hash string, err error) {
	raw := make([]byte, 18)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate password: %w", err)
	}
	password = base64.RawURLEncoding.EncodeToString(raw)

	hash, err = HashInstancePassword(password)
	if err != nil {
		return "", "", err
	}
	return password, hash, nil
}

// HashInstancePassword derives the instance-format PBKDF2 hash of password.
func HashInstancePassword(password string) (string, error) {
	salt := make([]byte, pbkdf2SaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	dk := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyBytes, sha256.New)
	return fmt.Sprintf("pbkdf2:sha256:%d$%s$%s",
		pbkdf2Iterations, hex.EncodeToString(salt), hex.EncodeToString(dk)), nil
}
