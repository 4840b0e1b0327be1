package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const pairingSchema = `
CREATE TABLE IF NOT EXISTS pairing_codes (
	device_id   TEXT PRIMARY KEY,
	pin         TEXT NOT NULL,
	device_name TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL
);
`

// PairingCode is one live pairing code bound to a device identifier.
type PairingCode struct {
	DeviceID   string
	PIN        string
	DeviceName string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// PairingStore persists pairing codes in SQLite. Expiry is enforced by the
// expires_at predicate on every query, so a stale row can never be redeemed
// regardless of what the process remembers in memory.
type PairingStore struct {
	db *sql.DB
}

// OpenPairingStore opens (or creates) the store at dsn. ":memory:" works
// for tests.
func OpenPairingStore(dsn string) (*PairingStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open pairing store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(pairingSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create pairing schema: %w", err)
	}
	return &PairingStore{db: db}, nil
}

func (s *PairingStore) Close() error {
	return s.db.Close()
}

// Put stores a pairing code with the given time-to-live, replacing any
// earlier code for the same device. At most one live code per device.
func (s *PairingStore) Put(code PairingCode, ttl time.Duration) error {
	now := time.Now()
	expires := code.ExpiresAt
	if expires.IsZero() {
		expires = now.Add(ttl)
	}
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO pairing_codes (device_id, pin, device_name, created_at, expires_at) VALUES (?, ?, ?, ?, ?)",
		code.DeviceID, code.PIN, code.DeviceName, now.UnixMilli(), expires.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put pairing code: %w", err)
	}
	return nil
}

// Get returns the live pairing code for a device, or nil when none exists.
// An expired row is deleted on sight and reported as absent.
func (s *PairingStore) Get(deviceID string) (*PairingCode, error) {
	now := time.Now().UnixMilli()
	row := s.db.QueryRow(
		"SELECT device_id, pin, device_name, created_at, expires_at FROM pairing_codes WHERE device_id = ? AND expires_at > ?",
		deviceID, now,
	)
	var pc PairingCode
	var created, expires int64
	err := row.Scan(&pc.DeviceID, &pc.PIN, &pc.DeviceName, &created, &expires)
	if err == sql.ErrNoRows {
		s.db.Exec("DELETE FROM pairing_codes WHERE device_id = ? AND expires_at <= ?", deviceID, now)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pairing code: %w", err)
	}
	pc.CreatedAt = time.UnixMilli(created)
	pc.ExpiresAt = time.UnixMilli(expires)
	return &pc, nil
}

// Delete removes the pairing code for a device. Redeeming a code deletes it,
// which is what makes codes single-use.
func (s *PairingStore) Delete(deviceID string) error {
	_, err := s.db.Exec("DELETE FROM pairing_codes WHERE device_id = ?", deviceID)
	if err != nil {
		return fmt.Errorf("delete pairing code: %w", err)
	}
	return nil
}

// StartSweeper deletes expired rows periodically until ctx is cancelled.
// Purely housekeeping: correctness never depends on the sweep because every
// read filters on expires_at.
func (s *PairingStore) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.db.Exec("DELETE FROM pairing_codes WHERE expires_at <= ?", time.Now().UnixMilli())
			}
		}
	}()
}
