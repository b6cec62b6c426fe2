package store

import (
	"database/sql"
	"fmt"
)

// GetBotState returns the raw string value for key, and whether it was
// present. Every authoritative read of circuit-breaker count, daily
// counters, drawdown state, etc. flows through here.
func (s *Store) GetBotState(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM bot_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get bot_state %s: %w", key, err)
	}
	return v, true, nil
}

// SetBotState upserts a single key/value pair.
func (s *Store) SetBotState(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO bot_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: set bot_state %s: %w", key, err)
	}
	return nil
}

// DeleteBotState removes a key, used to clear transient flags such as
// drawdown_manual_recovery_requested once consumed.
func (s *Store) DeleteBotState(key string) error {
	if _, err := s.db.Exec(`DELETE FROM bot_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("store: delete bot_state %s: %w", key, err)
	}
	return nil
}
