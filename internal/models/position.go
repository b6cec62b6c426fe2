package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the per-symbol open-lot entity PositionTracker projects into
// memory and the store persists under position_tracking.
type Position struct {
	Symbol            string
	Side              Side // side of the entry fill that opened this position
	CurrentQuantity   decimal.Decimal
	EntryPrice        decimal.Decimal
	ATRValue          decimal.Decimal // volatility reference captured at entry
	TrailingStopPrice decimal.Decimal
	PendingExit       bool
	OpenedAt          time.Time
}

// IsOpen reports whether the position still carries a non-zero quantity.
func (p Position) IsOpen() bool {
	return !p.CurrentQuantity.IsZero()
}

// Clone returns a value copy safe to hand to a caller outside the tracker's
// lock.
func (p Position) Clone() Position {
	return p
}
