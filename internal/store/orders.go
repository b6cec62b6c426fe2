package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/shopspring/decimal"
)

const timeLayout = time.RFC3339Nano

// InsertOrderIntent persists a new OrderIntent. Called before any broker
// contact, satisfying the persist-before-submit invariant.
func (s *Store) InsertOrderIntent(oi models.OrderIntent) error {
	_, err := s.db.Exec(`
		INSERT INTO order_intents
			(client_order_id, symbol, side, quantity, limit_price, status,
			 broker_order_id, filled_quantity, average_fill_price, error_message,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		oi.ClientOrderID, oi.Symbol, string(oi.Side), oi.Quantity.String(), oi.LimitPrice.String(),
		string(oi.Status), oi.BrokerOrderID, oi.FilledQuantity.String(), oi.AverageFillPrice.String(),
		oi.ErrorMessage, oi.CreatedAt.UTC().Format(timeLayout), oi.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		if IsUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("store: insert order intent %s: %w", oi.ClientOrderID, err)
	}
	return nil
}

// GetOrderIntent looks up an order intent by its deterministic id.
func (s *Store) GetOrderIntent(clientOrderID string) (models.OrderIntent, error) {
	row := s.db.QueryRow(`
		SELECT client_order_id, symbol, side, quantity, limit_price, status,
		       broker_order_id, filled_quantity, average_fill_price, error_message,
		       created_at, updated_at
		FROM order_intents WHERE client_order_id = ?`, clientOrderID)
	return scanOrderIntent(row)
}

// UpdateOrderIntent overwrites the mutable fields of an existing intent
// (status, broker id, fill progress, error message, updated_at).
func (s *Store) UpdateOrderIntent(oi models.OrderIntent) error {
	res, err := s.db.Exec(`
		UPDATE order_intents SET
			status = ?, broker_order_id = ?, filled_quantity = ?,
			average_fill_price = ?, error_message = ?, updated_at = ?
		WHERE client_order_id = ?`,
		string(oi.Status), oi.BrokerOrderID, oi.FilledQuantity.String(),
		oi.AverageFillPrice.String(), oi.ErrorMessage, oi.UpdatedAt.UTC().Format(timeLayout),
		oi.ClientOrderID)
	if err != nil {
		return fmt.Errorf("store: update order intent %s: %w", oi.ClientOrderID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("store: update order intent %s: %w", oi.ClientOrderID, ErrNotFound)
	}
	return nil
}

// ListNonTerminalOrderIntents returns every order intent whose status is
// not yet terminal, used by the reconciler's fill-reconciliation pass.
func (s *Store) ListNonTerminalOrderIntents() ([]models.OrderIntent, error) {
	rows, err := s.db.Query(`
		SELECT client_order_id, symbol, side, quantity, limit_price, status,
		       broker_order_id, filled_quantity, average_fill_price, error_message,
		       created_at, updated_at
		FROM order_intents
		WHERE status NOT IN (?, ?, ?, ?)`,
		string(models.OrderStatusFilled), string(models.OrderStatusCanceled),
		string(models.OrderStatusRejected), string(models.OrderStatusExpired))
	if err != nil {
		return nil, fmt.Errorf("store: list non-terminal order intents: %w", err)
	}
	defer rows.Close()
	var out []models.OrderIntent
	for rows.Next() {
		oi, err := scanOrderIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, oi)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrderIntent(r rowScanner) (models.OrderIntent, error) {
	var oi models.OrderIntent
	var side, status, qty, limitPrice, filledQty, avgFillPrice, createdAt, updatedAt string
	err := r.Scan(&oi.ClientOrderID, &oi.Symbol, &side, &qty, &limitPrice, &status,
		&oi.BrokerOrderID, &filledQty, &avgFillPrice, &oi.ErrorMessage, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return models.OrderIntent{}, ErrNotFound
	}
	if err != nil {
		return models.OrderIntent{}, fmt.Errorf("store: scan order intent: %w", err)
	}
	oi.Side = models.Side(side)
	oi.Status = models.OrderStatus(status)
	oi.Quantity, err = decimal.NewFromString(qty)
	if err != nil {
		return models.OrderIntent{}, fmt.Errorf("store: parse quantity: %w", err)
	}
	oi.LimitPrice, err = decimal.NewFromString(limitPrice)
	if err != nil {
		return models.OrderIntent{}, fmt.Errorf("store: parse limit price: %w", err)
	}
	oi.FilledQuantity, err = decimal.NewFromString(filledQty)
	if err != nil {
		return models.OrderIntent{}, fmt.Errorf("store: parse filled quantity: %w", err)
	}
	oi.AverageFillPrice, err = decimal.NewFromString(avgFillPrice)
	if err != nil {
		return models.OrderIntent{}, fmt.Errorf("store: parse average fill price: %w", err)
	}
	oi.CreatedAt, err = time.Parse(timeLayout, createdAt)
	if err != nil {
		return models.OrderIntent{}, fmt.Errorf("store: parse created_at: %w", err)
	}
	oi.UpdatedAt, err = time.Parse(timeLayout, updatedAt)
	if err != nil {
		return models.OrderIntent{}, fmt.Errorf("store: parse updated_at: %w", err)
	}
	return oi, nil
}

// InsertFill idempotently records a fill. A unique-constraint violation on
// DedupeKey is treated as success.
func (s *Store) InsertFill(f models.Fill) error {
	_, err := s.db.Exec(`
		INSERT INTO fills (dedupe_key, broker_order_id, client_order_id, quantity, price, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.DedupeKey, f.BrokerOrderID, f.ClientOrderID, f.Quantity.String(), f.Price.String(),
		f.Timestamp.UTC().Format(timeLayout))
	if err != nil {
		if IsUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("store: insert fill %s: %w", f.DedupeKey, err)
	}
	return nil
}

// InsertTrade records a closed-lot trade row for historical reporting.
func (s *Store) InsertTrade(symbol, clientOrderID string, side models.Side, quantity, price, realizedPnL decimal.Decimal, ts time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO trades (symbol, client_order_id, side, quantity, price, realized_pnl, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		symbol, clientOrderID, string(side), quantity.String(), price.String(), realizedPnL.String(),
		ts.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("store: insert trade: %w", err)
	}
	return nil
}
