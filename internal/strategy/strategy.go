// Package strategy defines the Strategy contract and a reference
// implementation: a multi-timeframe SMA crossover with ATR volatility
// metadata and a trend-strength regime classifier.
package strategy

import (
	"github.com/scrantonlabs/eventbot/internal/models"
)

// Strategy is the contract every trading strategy implements. OnBar is
// pure with respect to the supplied history and the strategy's own
// internal state; it must not access the broker or MarketDataSource
// directly.
type Strategy interface {
	OnBar(symbol string, history []models.Bar) []models.Signal
}

// botState is the seam Strategy uses for duplicate-signal suppression.
type botState interface {
	GetBotState(key string) (string, bool, error)
	SetBotState(key, value string) error
}
