// Durable key-value storage backing the updater's cache, configuration and
// backup metadata.

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Store provides all functions to interact with the database.
type Store struct {
	db *sql.DB

	mu  sync.RWMutex
	now func() time.Time
}

// New creates a new Store instance.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetClock replaces the time source used to stamp and expire entries.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) clock() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now()
}

// Get returns the value stored under key. Expired entries are deleted and
// reported as missing.
func (s *Store) Get(key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt sql.NullInt64
	err := s.db.QueryRow("SELECT value, expires_at FROM kv_store WHERE key = ?", key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading key %s: %w", key, err)
	}

	if expiresAt.Valid && s.clock().UnixMilli() >= expiresAt.Int64 {
		if _, err := s.db.Exec("DELETE FROM kv_store WHERE key = ? AND expires_at = ?", key, expiresAt.Int64); err != nil {
			return nil, false, fmt.Errorf("expiring key %s: %w", key, err)
		}
		return nil, false, nil
	}
	return value, true, nil
}

// Set stores value under key. A ttl of zero or less keeps the entry until
// it is deleted.
func (s *Store) Set(key string, value []byte, ttl time.Duration) error {
	var expiresAt sql.NullInt64
	now := s.clock()
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: now.Add(ttl).UnixMilli(), Valid: true}
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.Exec(`
		INSERT INTO kv_store (key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		key, value, expiresAt, now.UTC())
	if err != nil {
		return fmt.Errorf("writing key %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM kv_store WHERE key = ?", key); err != nil {
		return fmt.Errorf("deleting key %s: %w", key, err)
	}
	return nil
}

// PurgeExpired removes every expired entry and returns how many were removed.
func (s *Store) PurgeExpired() (int64, error) {
	res, err := s.db.Exec("DELETE FROM kv_store WHERE expires_at IS NOT NULL AND expires_at <= ?", s.clock().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purging expired entries: %w", err)
	}
	return res.RowsAffected()
}

// Ping reports whether the underlying database is reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}
