// Package models defines the persisted and in-memory entities shared by
// every component: order intents, fills, positions, bars, signals, bot
// state, equity snapshots and reconciliation reports.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or signal.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderStatus mirrors the broker's order lifecycle.
type OrderStatus string

const (
	OrderStatusPendingNew      OrderStatus = "pending_new"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusReplaced        OrderStatus = "replaced"
	OrderStatusPendingCancel   OrderStatus = "pending_cancel"
	OrderStatusPendingReplace  OrderStatus = "pending_replace"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusSuspended       OrderStatus = "suspended"
)

// IsTerminal reports whether an order in this status will never change
// again without explicit reconciliation auto-apply.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Order is the broker's view of a submitted order.
type Order struct {
	BrokerOrderID      string
	ClientOrderID      string
	Symbol             string
	Side               Side
	Quantity           decimal.Decimal
	FilledQuantity     decimal.Decimal
	AverageFilledPrice decimal.Decimal
	Status             OrderStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// OrderIntent is the store's projection of an order, keyed by the
// deterministic clientOrderId computed before any broker contact.
type OrderIntent struct {
	ClientOrderID    string
	Symbol           string
	Side             Side
	Quantity         decimal.Decimal
	LimitPrice       decimal.Decimal // zero means market order
	Status           OrderStatus
	BrokerOrderID    string // empty until accepted
	FilledQuantity   decimal.Decimal
	AverageFillPrice decimal.Decimal
	ErrorMessage     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Fill is a single execution report, deduplicated by DedupeKey.
type Fill struct {
	DedupeKey     string
	BrokerOrderID string
	ClientOrderID string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	Timestamp     time.Time
}

// FillDedupeKey builds the idempotency key for a fill:
// brokerOrderId:filledQuantity:averagePrice.
func FillDedupeKey(brokerOrderID string, filledQuantity, averagePrice decimal.Decimal) string {
	return brokerOrderID + ":" + filledQuantity.String() + ":" + averagePrice.String()
}

// Clock is the broker's market-clock response. It is never cached by
// callers; every risk check fetches it fresh.
type Clock struct {
	IsOpen       bool
	NextOpenUTC  time.Time
	NextCloseUTC time.Time
	FetchedAt    time.Time
}

// Account is the broker's account snapshot, eligible for a short-TTL cache.
type Account struct {
	CashAvailable       decimal.Decimal
	PortfolioValue      decimal.Decimal
	DayTradeCount       int
	IsTradable          bool
	IsAccountRestricted bool
}

// BrokerPosition is the broker's view of an open position.
type BrokerPosition struct {
	Symbol            string
	Quantity          decimal.Decimal
	AverageEntryPrice decimal.Decimal
	CurrentPrice      decimal.Decimal
	UnrealizedPnL     decimal.Decimal
}
