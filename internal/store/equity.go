package store

import (
	"encoding/json"
	"fmt"

	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/shopspring/decimal"
)

// InsertEquitySnapshot idempotently records an equity point used by
// Housekeeping and DrawdownMonitor.
func (s *Store) InsertEquitySnapshot(e models.EquitySnapshot) error {
	_, err := s.db.Exec(`
		INSERT INTO equity_curve (timestamp, portfolio_value, cash, daily_pnl)
		VALUES (?, ?, ?, ?)`,
		e.Timestamp.UTC().Format(timeLayout), e.PortfolioValue.String(), e.Cash.String(), e.DailyPnL.String())
	if err != nil {
		if IsUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("store: insert equity snapshot: %w", err)
	}
	return nil
}

// InsertReconciliationReport persists a single reconciliation pass.
func (s *Store) InsertReconciliationReport(r models.ReconciliationReport) error {
	discJSON, err := json.Marshal(r.Discrepancies)
	if err != nil {
		return fmt.Errorf("store: marshal discrepancies: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO reconciliation_reports (timestamp, duration_ms, status, discrepancies)
		VALUES (?, ?, ?, ?)`,
		r.Timestamp.UTC().Format(timeLayout), r.Duration.Milliseconds(), r.Status, string(discJSON))
	if err != nil {
		return fmt.Errorf("store: insert reconciliation report: %w", err)
	}
	return nil
}

// UpsertExitAttempt records or updates the exponential-back-off state for
// a symbol's exit submission attempts.
func (s *Store) UpsertExitAttempt(a models.ExitAttempt) error {
	_, err := s.db.Exec(`
		INSERT INTO exit_attempts (symbol, attempts, last_try_at, next_try_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			attempts = excluded.attempts, last_try_at = excluded.last_try_at, next_try_at = excluded.next_try_at`,
		a.Symbol, a.Attempts, a.LastTryAt.UTC().Format(timeLayout), a.NextTryAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("store: upsert exit attempt %s: %w", a.Symbol, err)
	}
	return nil
}

// GetExitAttempt returns the back-off state for a symbol, or a zero-value
// (attempts=0) if none exists yet.
func (s *Store) GetExitAttempt(symbol string) (models.ExitAttempt, error) {
	var a models.ExitAttempt
	a.Symbol = symbol
	var lastTry, nextTry string
	err := s.db.QueryRow(`SELECT attempts, last_try_at, next_try_at FROM exit_attempts WHERE symbol = ?`, symbol).
		Scan(&a.Attempts, &lastTry, &nextTry)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return a, nil
		}
		return a, fmt.Errorf("store: get exit attempt %s: %w", symbol, err)
	}
	if a.LastTryAt, err = parseTime(lastTry); err != nil {
		return a, err
	}
	if a.NextTryAt, err = parseTime(nextTry); err != nil {
		return a, err
	}
	return a, nil
}

// ClearExitAttempt resets a symbol's back-off state, called when an exit
// submission finally succeeds.
func (s *Store) ClearExitAttempt(symbol string) error {
	if _, err := s.db.Exec(`DELETE FROM exit_attempts WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("store: clear exit attempt %s: %w", symbol, err)
	}
	return nil
}

// LatestEquity returns the most recent equity snapshot, or ok=false if
// none has been recorded yet.
func (s *Store) LatestEquity() (models.EquitySnapshot, bool, error) {
	var e models.EquitySnapshot
	var ts, pv, cash, pnl string
	err := s.db.QueryRow(`
		SELECT timestamp, portfolio_value, cash, daily_pnl FROM equity_curve
		ORDER BY timestamp DESC LIMIT 1`).Scan(&ts, &pv, &cash, &pnl)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return e, false, nil
		}
		return e, false, fmt.Errorf("store: latest equity: %w", err)
	}
	if e.Timestamp, err = parseTime(ts); err != nil {
		return e, false, err
	}
	if e.PortfolioValue, err = decimal.NewFromString(pv); err != nil {
		return e, false, fmt.Errorf("store: parse portfolio value: %w", err)
	}
	if e.Cash, err = decimal.NewFromString(cash); err != nil {
		return e, false, fmt.Errorf("store: parse cash: %w", err)
	}
	if e.DailyPnL, err = decimal.NewFromString(pnl); err != nil {
		return e, false, fmt.Errorf("store: parse daily pnl: %w", err)
	}
	return e, true, nil
}
