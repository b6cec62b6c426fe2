// Package marketdata defines the MarketDataSource contract
// and ships two interchangeable implementations: a polling HTTP-style
// source and a streaming WebSocket source. DataHandler consumes either
// through the same output channels and must never depend on which is in
// use.
package marketdata

import (
	"context"
	"time"

	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/shopspring/decimal"
)

// Snapshot is a top-of-book quote.
type Snapshot struct {
	Symbol    string
	Bid       float64
	Ask       float64
	BidSize   int64
	AskSize   int64
	Timestamp time.Time
}

// OrderStatusUpdate is a broker order-state change surfaced by the
// market-data/order-status feed.
type OrderStatusUpdate struct {
	BrokerOrderID      string
	ClientOrderID      string
	Status             models.OrderStatus
	FilledQuantity     decimal.Decimal
	AverageFilledPrice decimal.Decimal
}

// Source is the MarketDataSource contract. Bars and order-status updates
// are delivered on channels rather than returned synchronously, since the
// primary implementation is a background poll loop.
type Source interface {
	// GetBars returns up to limit historical bars for symbol/timeframe,
	// used to warm a strategy's history window on demand.
	GetBars(ctx context.Context, symbol, timeframe string, limit int) ([]models.Bar, error)
	// GetSnapshot returns the latest quote for symbol.
	GetSnapshot(ctx context.Context, symbol string) (Snapshot, error)
	// Bars returns the channel bars are published on once Run starts.
	Bars() <-chan models.Bar
	// OrderUpdates returns the channel order-status updates are published
	// on once Run starts.
	OrderUpdates() <-chan OrderStatusUpdate
	// Run drives the feed until ctx is cancelled.
	Run(ctx context.Context) error
}
