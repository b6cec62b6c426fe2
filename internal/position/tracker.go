// Package position implements PositionTracker: the in-memory, symbol-
// keyed open-lot table, rehydrated from position_tracking at startup
// and kept current from fill events and every new bar.
package position

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/shopspring/decimal"
)

// store is the persistence seam: rehydration plus the upsert/delete
// pair PositionTracker calls on every mutation.
type store interface {
	OpenPositionTracking() ([]models.Position, error)
	UpsertPositionTracking(models.Position) error
	DeletePositionTracking(symbol string) error
	GetBotState(key string) (string, bool, error)
	SetBotState(key, value string) error
}

// Config carries the trailing-stop multiplier.
type Config struct {
	TrailingMultiplier decimal.Decimal
}

// DefaultConfig reuses the exit manager's ATR stop multiplier as the
// trailing-stop multiplier since both express the same "distance in
// ATRs below price" quantity.
var DefaultConfig = Config{TrailingMultiplier: decimal.NewFromFloat(1.5)}

// Tracker is the concrete PositionTracker: a map guarded by a single
// RWMutex.
type Tracker struct {
	mu        sync.RWMutex
	positions map[string]*models.Position
	store     store
	config    Config
	logger    *log.Logger
}

// New constructs a Tracker with an empty map; call Rehydrate before
// serving traffic.
func New(s store, config Config, logger *log.Logger) *Tracker {
	if config.TrailingMultiplier.IsZero() {
		config.TrailingMultiplier = DefaultConfig.TrailingMultiplier
	}
	if logger == nil {
		logger = log.New(os.Stderr, "position: ", log.LstdFlags)
	}
	return &Tracker{positions: map[string]*models.Position{}, store: s, config: config, logger: logger}
}

// Rehydrate loads every currentQuantity > 0 row from the store into
// memory at startup.
func (t *Tracker) Rehydrate() error {
	rows, err := t.store.OpenPositionTracking()
	if err != nil {
		return fmt.Errorf("position: rehydrate: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range rows {
		p := rows[i]
		t.positions[p.Symbol] = &p
	}
	return nil
}

// Get returns a copy of the tracked position for symbol, if any.
func (t *Tracker) Get(symbol string) (models.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[symbol]
	if !ok {
		return models.Position{}, false
	}
	return p.Clone(), true
}

// All returns a copy of every open position, safe for the caller to
// range over without holding the tracker's lock.
func (t *Tracker) All() []models.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p.Clone())
	}
	return out
}

// OpenCount satisfies the risk package's positionCounter seam.
func (t *Tracker) OpenCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.positions)
}

// ApplyFill applies an entry or closing fill to the tracked position for
// symbol.
func (t *Tracker) ApplyFill(symbol string, side models.Side, fillQty, avgPrice, atrValue decimal.Decimal, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.positions[symbol]
	if !ok {
		p := &models.Position{
			Symbol:            symbol,
			Side:              side,
			CurrentQuantity:   fillQty,
			EntryPrice:        avgPrice,
			ATRValue:          atrValue,
			TrailingStopPrice: initialTrailingStop(side, avgPrice, atrValue, t.config.TrailingMultiplier),
			OpenedAt:          at,
		}
		t.positions[symbol] = p
		return t.store.UpsertPositionTracking(*p)
	}

	if existing.Side == side {
		existing.CurrentQuantity = existing.CurrentQuantity.Add(fillQty)
		return t.store.UpsertPositionTracking(*existing)
	}

	remaining := existing.CurrentQuantity.Sub(fillQty)
	if remaining.LessThanOrEqual(decimal.Zero) {
		pnl := realizedPnL(existing.Side, existing.EntryPrice, avgPrice, existing.CurrentQuantity)
		delete(t.positions, symbol)
		if err := t.store.DeletePositionTracking(symbol); err != nil {
			return err
		}
		return t.recordClose(pnl)
	}

	existing.CurrentQuantity = remaining
	return t.store.UpsertPositionTracking(*existing)
}

// UpdateTrailingStop ratchets the trailing stop for symbol given the
// latest close: trailingStopPrice never moves down.
func (t *Tracker) UpdateTrailingStop(symbol string, closePrice decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	if !ok {
		return nil
	}
	candidate := closePrice.Sub(t.config.TrailingMultiplier.Mul(p.ATRValue))
	if candidate.GreaterThan(p.TrailingStopPrice) {
		p.TrailingStopPrice = candidate
		return t.store.UpsertPositionTracking(*p)
	}
	return nil
}

// Recover adopts a position the reconciler found at the broker with no
// tracked counterpart, persisting it so the next rehydration sees it.
// An already-tracked symbol is left untouched.
func (t *Tracker) Recover(p models.Position) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.positions[p.Symbol]; ok {
		return nil
	}
	cp := p.Clone()
	t.positions[p.Symbol] = &cp
	return t.store.UpsertPositionTracking(cp)
}

// SetPendingExit marks or clears the pendingExit flag for symbol, the
// guard against double-submitting exits.
func (t *Tracker) SetPendingExit(symbol string, pending bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	if !ok {
		return nil
	}
	p.PendingExit = pending
	return t.store.UpsertPositionTracking(*p)
}

func (t *Tracker) recordClose(pnl decimal.Decimal) error {
	pnlStr, _, err := t.store.GetBotState(models.StateKeyDailyRealizedPnL)
	if err != nil {
		return err
	}
	current, _ := decimal.NewFromString(pnlStr)
	if err := t.store.SetBotState(models.StateKeyDailyRealizedPnL, current.Add(pnl).String()); err != nil {
		return err
	}
	countStr, _, err := t.store.GetBotState(models.StateKeyDailyTradeCount)
	if err != nil {
		return err
	}
	count, _ := strconv.Atoi(countStr)
	return t.store.SetBotState(models.StateKeyDailyTradeCount, strconv.Itoa(count+1))
}

func initialTrailingStop(side models.Side, entry, atr, multiplier decimal.Decimal) decimal.Decimal {
	if side == models.SideSell {
		return entry.Add(multiplier.Mul(atr))
	}
	return entry.Sub(multiplier.Mul(atr))
}

func realizedPnL(side models.Side, entry, exit, qty decimal.Decimal) decimal.Decimal {
	if side == models.SideSell {
		return entry.Sub(exit).Mul(qty)
	}
	return exit.Sub(entry).Mul(qty)
}
