package store

import (
	"database/sql"
	"fmt"
)

// PutSetting upserts a single system_settings row. Both dialects share
// one ON CONFLICT statement here, since the upsert target is always the
// bare primary key with no dialect-specific column types involved.
func (s *Store) PutSetting(key, value string) error {
	query := s.rebind(`INSERT INTO system_settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	_, err := s.db.Exec(query, key, value, Now())
	if err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}

// GetSetting fetches a setting's value, returning ErrNotFound if unset.
func (s *Store) GetSetting(key string) (string, error) {
	query := s.rebind(`SELECT value FROM system_settings WHERE key = ?`)
	var v string
	err := s.db.QueryRow(query, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return v, nil
}
