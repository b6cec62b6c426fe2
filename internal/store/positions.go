package store

import (
	"fmt"
	"time"

	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/shopspring/decimal"
)

// UpsertPositionTracking writes the current in-memory PositionTracker
// projection for a symbol back to durable storage.
func (s *Store) UpsertPositionTracking(p models.Position) error {
	pending := 0
	if p.PendingExit {
		pending = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO position_tracking
			(symbol, side, current_quantity, entry_price, atr_value, trailing_stop_price, pending_exit, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			side = excluded.side,
			current_quantity = excluded.current_quantity,
			entry_price = excluded.entry_price,
			atr_value = excluded.atr_value,
			trailing_stop_price = excluded.trailing_stop_price,
			pending_exit = excluded.pending_exit,
			opened_at = excluded.opened_at`,
		p.Symbol, string(p.Side), p.CurrentQuantity.String(), p.EntryPrice.String(), p.ATRValue.String(),
		p.TrailingStopPrice.String(), pending, p.OpenedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("store: upsert position_tracking %s: %w", p.Symbol, err)
	}
	return nil
}

// DeletePositionTracking removes a symbol's row once its quantity
// reaches zero; a flat position has no entity.
func (s *Store) DeletePositionTracking(symbol string) error {
	if _, err := s.db.Exec(`DELETE FROM position_tracking WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("store: delete position_tracking %s: %w", symbol, err)
	}
	return nil
}

// OpenPositionTracking returns every row with currentQuantity > 0, used
// to rehydrate PositionTracker at startup.
func (s *Store) OpenPositionTracking() ([]models.Position, error) {
	rows, err := s.db.Query(`
		SELECT symbol, side, current_quantity, entry_price, atr_value, trailing_stop_price, pending_exit, opened_at
		FROM position_tracking`)
	if err != nil {
		return nil, fmt.Errorf("store: list position_tracking: %w", err)
	}
	defer rows.Close()
	var out []models.Position
	for rows.Next() {
		var p models.Position
		var side, qty, entry, atr, trail, opened string
		var pending int
		if err := rows.Scan(&p.Symbol, &side, &qty, &entry, &atr, &trail, &pending, &opened); err != nil {
			return nil, fmt.Errorf("store: scan position_tracking: %w", err)
		}
		p.Side = models.Side(side)
		if p.CurrentQuantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("store: parse position quantity: %w", err)
		}
		if p.EntryPrice, err = decimal.NewFromString(entry); err != nil {
			return nil, fmt.Errorf("store: parse position entry: %w", err)
		}
		if p.ATRValue, err = decimal.NewFromString(atr); err != nil {
			return nil, fmt.Errorf("store: parse position atr: %w", err)
		}
		if p.TrailingStopPrice, err = decimal.NewFromString(trail); err != nil {
			return nil, fmt.Errorf("store: parse position trailing stop: %w", err)
		}
		p.PendingExit = pending != 0
		if p.OpenedAt, err = parseTime(opened); err != nil {
			return nil, err
		}
		if p.CurrentQuantity.IsPositive() {
			out = append(out, p)
		}
	}
	return out, rows.Err()
}

// SnapshotBrokerPositions overwrites positions_snapshot with the broker's
// current view, called after a clean startup reconciliation pass.
func (s *Store) SnapshotBrokerPositions(positions []models.BrokerPosition, at time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: snapshot positions begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM positions_snapshot`); err != nil {
		return fmt.Errorf("store: snapshot positions clear: %w", err)
	}
	for _, p := range positions {
		if _, err := tx.Exec(`
			INSERT INTO positions_snapshot
				(symbol, quantity, average_entry_price, current_price, unrealized_pnl, snapshot_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.Symbol, p.Quantity.String(), p.AverageEntryPrice.String(), p.CurrentPrice.String(),
			p.UnrealizedPnL.String(), at.UTC().Format(timeLayout)); err != nil {
			return fmt.Errorf("store: snapshot position %s: %w", p.Symbol, err)
		}
	}
	return tx.Commit()
}
