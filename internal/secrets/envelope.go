package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
)

// Envelope holds the per-instance secrets that are persisted sealed.
// The plaintext instance password is deliberately absent.
type Envelope struct {
	PasswordHash string `json:"password_hash"`
	OwnerEmail   string `json:"owner_email"`
}

// Seal encrypts the envelope under the 32-byte key with AES-256-GCM.
// The nonce is prepended to the ciphertext.
func Seal(key []byte, env Envelope) ([]byte, error) {
	plaintext, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("envelope nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed envelope.
func Open(key, sealed []byte) (Envelope, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Envelope{}, err
	}
	if len(sealed) < gcm.NonceSize() {
		return Envelope{}, fmt.Errorf("sealed envelope too short")
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Envelope{}, fmt.Errorf("open envelope: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}
