package store

import (
	"database/sql"
	"fmt"
	"time"
)

// GateTryAccept atomically accepts at most one candidate per (gateKey,
// barTs) and enforces a per-key minimum cooldown in wall-clock time.
// The transaction runs with sqlite's reserved write lock acquired up
// front (DSN `_txlock=immediate`), which combined with the single-
// connection pool in Open gives the same-bar check and the subsequent
// insert serializable isolation: no other caller can interleave between
// the existence check and the insert.
func (s *Store) GateTryAccept(gateKey string, barTs, now time.Time, cooldown time.Duration) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("store: gate accept begin: %w", err)
	}
	defer tx.Rollback()

	barKey := barTs.UTC().Format(timeLayout)
	var exists int
	err = tx.QueryRow(`SELECT 1 FROM gates WHERE gate_key = ? AND bar_ts = ?`, gateKey, barKey).Scan(&exists)
	switch {
	case err == sql.ErrNoRows:
		// not yet accepted for this bar
	case err != nil:
		return false, fmt.Errorf("store: gate accept lookup: %w", err)
	default:
		return false, nil // already accepted for this exact bar
	}

	var lastAcceptedStr string
	err = tx.QueryRow(`SELECT last_accepted_at FROM gate_cooldowns WHERE gate_key = ?`, gateKey).Scan(&lastAcceptedStr)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("store: gate cooldown lookup: %w", err)
	}
	if err == nil {
		lastAccepted, perr := parseTime(lastAcceptedStr)
		if perr != nil {
			return false, perr
		}
		if cooldown > 0 && now.UTC().Sub(lastAccepted) < cooldown {
			return false, nil
		}
	}

	if _, err := tx.Exec(`INSERT INTO gates (gate_key, bar_ts, accepted_at_utc) VALUES (?, ?, ?)`,
		gateKey, barKey, now.UTC().Format(timeLayout)); err != nil {
		if IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: gate accept insert: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO gate_cooldowns (gate_key, last_accepted_at) VALUES (?, ?)
		ON CONFLICT(gate_key) DO UPDATE SET last_accepted_at = excluded.last_accepted_at`,
		gateKey, now.UTC().Format(timeLayout)); err != nil {
		return false, fmt.Errorf("store: gate cooldown upsert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: gate accept commit: %w", err)
	}
	return true, nil
}
