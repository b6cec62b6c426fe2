package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Regime is the market-behaviour label a strategy may attach to a signal.
type Regime string

const (
	RegimeTrending Regime = "trending"
	RegimeRanging  Regime = "ranging"
	RegimeUnknown  Regime = "unknown"
)

// SignalMetadata carries the strategy-supplied context a signal needs for
// downstream risk checks and position sizing.
type SignalMetadata struct {
	ParamTag        string // e.g. "sma_5_15"
	CurrentPrice    decimal.Decimal
	Regime          Regime
	RegimeStrength  float64 // [0,1]
	Confidence      float64 // [0,1]
	ATR             decimal.Decimal
	StrategyPrivate map[string]string
}

// Signal is a candidate trade emitted by a strategy for a single bar.
type Signal struct {
	Strategy        string
	Symbol          string
	Side            Side
	Timeframe       string
	SignalTimestamp time.Time
	Metadata        SignalMetadata
}

// GateKey is the same-bar gate key: {strategy}:{symbol}:{paramTag}:{side}.
func (s Signal) GateKey() string {
	return s.Strategy + ":" + s.Symbol + ":" + s.Metadata.ParamTag + ":" + string(s.Side)
}

// LastSignalStateKey is the BotState key tracking duplicate-signal
// suppression for (symbol, paramTag).
func LastSignalStateKey(symbol, paramTag string) string {
	return "last_signal:" + symbol + ":" + paramTag
}
