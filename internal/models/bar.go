package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Bar is a single OHLCV candle, uniquely keyed by (Symbol, Timeframe, Timestamp).
type Bar struct {
	Symbol    string
	Timeframe string
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Key returns the natural persistence key for the bar.
func (b Bar) Key() string {
	return fmt.Sprintf("%s|%s|%d", b.Symbol, b.Timeframe, b.Timestamp.UTC().UnixNano())
}

// Validate enforces the normalisation rules the bars handler requires:
// UTC timestamps and sane OHLCV ordering.
func (b Bar) Validate() error {
	if b.Symbol == "" {
		return fmt.Errorf("bar: empty symbol")
	}
	if b.Timeframe == "" {
		return fmt.Errorf("bar: empty timeframe")
	}
	if b.Timestamp.IsZero() {
		return fmt.Errorf("bar %s: zero timestamp", b.Symbol)
	}
	if b.Timestamp.Location() != time.UTC {
		return fmt.Errorf("bar %s: timestamp not UTC", b.Symbol)
	}
	if b.High.LessThan(b.Low) {
		return fmt.Errorf("bar %s: high %s below low %s", b.Symbol, b.High, b.Low)
	}
	if b.Open.LessThan(b.Low) || b.Open.GreaterThan(b.High) {
		return fmt.Errorf("bar %s: open %s outside [low,high]", b.Symbol, b.Open)
	}
	if b.Close.LessThan(b.Low) || b.Close.GreaterThan(b.High) {
		return fmt.Errorf("bar %s: close %s outside [low,high]", b.Symbol, b.Close)
	}
	if b.Volume.IsNegative() {
		return fmt.Errorf("bar %s: negative volume %s", b.Symbol, b.Volume)
	}
	return nil
}
