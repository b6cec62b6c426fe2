package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EquitySnapshot is an idempotent-by-timestamp point-in-time account
// valuation, used by Housekeeping and DrawdownMonitor.
type EquitySnapshot struct {
	Timestamp      time.Time
	PortfolioValue decimal.Decimal
	Cash           decimal.Decimal
	DailyPnL       decimal.Decimal
}

// Discrepancy describes a single reconciliation finding.
type Discrepancy struct {
	Rule        string
	Symbol      string
	Description string
}

// ReconciliationReport is persisted after every reconciliation pass,
// startup or runtime.
type ReconciliationReport struct {
	Timestamp     time.Time
	Duration      time.Duration
	Status        string // "ok" | "discrepancies" | "failed"
	Discrepancies []Discrepancy
}

// ExitAttempt records a single failed (or successful) exit submission for
// a symbol, used to drive ExitManager's exponential back-off.
type ExitAttempt struct {
	Symbol    string
	Attempts  int
	LastTryAt time.Time
	NextTryAt time.Time
}
