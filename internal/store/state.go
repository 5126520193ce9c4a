package store

import (
	"database/sql"
	"errors"
	"time"
)

// Well-known cache_state keys.
const (
	StateDirectoryRefreshedAt = "directory_refreshed_at"
)

// SetState upserts a cache bookkeeping value.
func (db *DB) SetState(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO cache_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// GetState reads a cache bookkeeping value; missing keys yield "".
func (db *DB) GetState(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM cache_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
