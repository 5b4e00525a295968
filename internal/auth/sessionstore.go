package auth

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSessions = []byte("sessions")

// SessionStore persists sessions.
type SessionStore interface {
	CreateSession(s Session) error
	GetSession(token string) (*Session, error)
	DeleteSession(token string) error
	DeleteExpired(now time.Time) (int, error)
	Close() error
}

// BoltSessions is a bbolt-backed SessionStore. Sessions are ephemeral
// relative to the system of record, so they live in their own small
// key-value file rather than the relational store.
type BoltSessions struct {
	db *bolt.DB
}

// OpenSessions opens (or creates) the session database at path.
func OpenSessions(path string) (*BoltSessions, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init session bucket: %w", err)
	}
	return &BoltSessions{db: db}, nil
}

// Close closes the underlying database.
func (b *BoltSessions) Close() error {
	return b.db.Close()
}

// CreateSession persists a session keyed by token.
func (b *BoltSessions) CreateSession(s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(s.Token), data)
	})
}

// GetSession retrieves a session by token. Expired or missing sessions
// return an error.
func (b *BoltSessions) GetSession(token string) (*Session, error) {
	var s Session
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSessions).Get([]byte(token))
		if v == nil {
			return fmt.Errorf("session not found")
		}
		return json.Unmarshal(v, &s)
	})
	if err != nil {
		return nil, err
	}
	if time.Now().UTC().After(s.ExpiresAt) {
		_ = b.DeleteSession(token)
		return nil, fmt.Errorf("session expired")
	}
	return &s, nil
}

// DeleteSession removes a session. Missing sessions are success.
func (b *BoltSessions) DeleteSession(token string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(token))
	})
}

// DeleteExpired removes all sessions past their expiry. Call periodically.
func (b *BoltSessions) DeleteExpired(now time.Time) (int, error) {
	removed := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketSessions)
		c := bkt.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var s Session
			if err := json.Unmarshal(v, &s); err != nil || now.After(s.ExpiresAt) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := bkt.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
