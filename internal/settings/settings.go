// Package settings provides typed access to the app_settings key-value table.
package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a settings key does not exist.
var ErrNotFound = errors.New("setting not found")

// Store reads and writes JSON values in app_settings.
type Store struct {
	db *sql.DB
}

// NewStore creates a settings store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get unmarshals the value stored under key into dest.
func (s *Store) Get(ctx context.Context, key string, dest any) error {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT value_json FROM app_settings WHERE key = ?", key).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read setting %q: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return fmt.Errorf("failed to decode setting %q: %w", key, err)
	}
	return nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode setting %q: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO app_settings (key, value_json) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value_json = excluded.value_json`,
		key, string(raw))
	if err != nil {
		return fmt.Errorf("failed to write setting %q: %w", key, err)
	}
	return nil
}

// GetBool reads a boolean setting, returning fallback when absent.
func (s *Store) GetBool(ctx context.Context, key string, fallback bool) bool {
	var v bool
	if err := s.Get(ctx, key, &v); err != nil {
		return fallback
	}
	return v
}
