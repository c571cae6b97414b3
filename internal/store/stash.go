package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"time"
)

// Set stores value under key. A zero ttl never expires.
func (s *Store) Set(key, value string, ttl time.Duration) error {
	now := time.Now().UTC()
	var expires *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expires = &t
	}
	_, err := s.db.Exec(
		`INSERT INTO stash (key, value, created_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, created_at = excluded.created_at, expires_at = excluded.expires_at`,
		key, value, now, expires,
	)
	return err
}

// Get returns the value for key. Missing or expired keys return ok=false.
func (s *Store) Get(key string) (string, bool, error) {
	var value string
	var expires sql.NullTime
	err := s.db.QueryRow(`SELECT value, expires_at FROM stash WHERE key = ?`, key).Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if expires.Valid && time.Now().After(expires.Time) {
		_ = s.Remove(key)
		return "", false, nil
	}
	return value, true, nil
}

// Remove deletes key.
func (s *Store) Remove(key string) error {
	_, err := s.db.Exec(`DELETE FROM stash WHERE key = ?`, key)
	return err
}

// Take returns the value for key and deletes it, for one-shot payloads.
func (s *Store) Take(key string) (string, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	var value string
	var expires sql.NullTime
	err = tx.QueryRow(`SELECT value, expires_at FROM stash WHERE key = ?`, key).Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if _, err := tx.Exec(`DELETE FROM stash WHERE key = ?`, key); err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	if expires.Valid && time.Now().After(expires.Time) {
		return "", false, nil
	}
	return value, true, nil
}

// Stash stores value under a fresh random key and returns the key.
func (s *Store) Stash(value string, ttl time.Duration) (string, error) {
	key, err := generateKey()
	if err != nil {
		return "", err
	}
	if err := s.Set(key, value, ttl); err != nil {
		return "", err
	}
	return key, nil
}

// CleanupExpired removes all expired stash entries.
func (s *Store) CleanupExpired() error {
	_, err := s.db.Exec(`DELETE FROM stash WHERE expires_at IS NOT NULL AND expires_at < ?`, time.Now().UTC())
	return err
}

func generateKey() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
