// Package exit implements the exit manager: a periodic scan over open
// positions that evaluates five exit rules in priority order, emits at
// most one exit signal per position per cycle through the bus's
// never-drops channel, and applies exponential back-off to positions
// whose exit submissions keep failing.
package exit

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/scrantonlabs/eventbot/internal/eventbus"
	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/shopspring/decimal"
)

// Rule identifies which exit rule fired, in priority order.
type Rule string

const (
	RuleATRStop      Rule = "atr_stop_loss"
	RulePctStop      Rule = "pct_stop_loss"
	RuleATRProfit    Rule = "atr_profit_target"
	RulePctProfit    Rule = "pct_profit_target"
	RuleTrailingStop Rule = "trailing_stop"
)

// StrategyName tags exit-manager-originated signals so their client order
// ids hash into a namespace distinct from entry signals.
const StrategyName = "exit_manager"

// ExitSignalEvent travels over the bus's exit channel; the dispatcher
// routes it to the order manager's exit submission path.
type ExitSignalEvent struct {
	Rule     Rule
	Symbol   string
	Side     models.Side
	Quantity decimal.Decimal
	Signal   models.Signal
}

// Config carries the rule thresholds and back-off bounds.
type Config struct {
	ATRStopMultiplier   decimal.Decimal
	ATRProfitMultiplier decimal.Decimal
	StopLossPct         decimal.Decimal
	ProfitTargetPct     decimal.Decimal
	MaxBackoff          time.Duration
	Timeframe           string
}

// DefaultConfig holds the reference thresholds: 1.5 ATR / 1% stop,
// 3.0 ATR / 2% target.
var DefaultConfig = Config{
	ATRStopMultiplier:   decimal.NewFromFloat(1.5),
	ATRProfitMultiplier: decimal.NewFromFloat(3.0),
	StopLossPct:         decimal.NewFromFloat(0.01),
	ProfitTargetPct:     decimal.NewFromFloat(0.02),
	MaxBackoff:          5 * time.Minute,
	Timeframe:           "1m",
}

// tracker is the position seam the scan iterates over.
type tracker interface {
	All() []models.Position
	UpdateTrailingStop(symbol string, closePrice decimal.Decimal) error
	Get(symbol string) (models.Position, bool)
}

// priceSource supplies the freshest traded price per symbol.
type priceSource interface {
	LastPrice(symbol string) (decimal.Decimal, bool)
}

// clockSource gates scanning on market hours.
type clockSource interface {
	GetClock(ctx context.Context) (models.Clock, error)
}

// attemptStore persists per-symbol back-off state across restarts.
type attemptStore interface {
	GetExitAttempt(symbol string) (models.ExitAttempt, error)
	UpsertExitAttempt(models.ExitAttempt) error
	ClearExitAttempt(symbol string) error
}

// Manager runs the periodic exit scan.
type Manager struct {
	cfg      Config
	tracker  tracker
	prices   priceSource
	clock    clockSource
	attempts attemptStore
	bus      *eventbus.Bus
	logger   *log.Logger
}

// New constructs a Manager. clock may be nil, in which case the
// market-closed skip is disabled (crypto-only universes trade around the
// clock).
func New(cfg Config, tr tracker, prices priceSource, clock clockSource, attempts attemptStore, bus *eventbus.Bus, logger *log.Logger) *Manager {
	if cfg.ATRStopMultiplier.IsZero() {
		cfg.ATRStopMultiplier = DefaultConfig.ATRStopMultiplier
	}
	if cfg.ATRProfitMultiplier.IsZero() {
		cfg.ATRProfitMultiplier = DefaultConfig.ATRProfitMultiplier
	}
	if cfg.StopLossPct.IsZero() {
		cfg.StopLossPct = DefaultConfig.StopLossPct
	}
	if cfg.ProfitTargetPct.IsZero() {
		cfg.ProfitTargetPct = DefaultConfig.ProfitTargetPct
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = DefaultConfig.Timeframe
	}
	if logger == nil {
		logger = log.New(os.Stderr, "exit: ", log.LstdFlags)
	}
	return &Manager{cfg: cfg, tracker: tr, prices: prices, clock: clock, attempts: attempts, bus: bus, logger: logger}
}

// Run drives the scan loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Scan(ctx, time.Now().UTC())
		}
	}
}

// Scan performs one pass over every open position, emitting at most one
// exit signal per position.
func (m *Manager) Scan(ctx context.Context, now time.Time) {
	if m.clock != nil {
		clock, err := m.clock.GetClock(ctx)
		if err != nil {
			m.logger.Printf("skipping scan, clock fetch failed: %v", err)
			return
		}
		if !clock.IsOpen {
			return
		}
	}

	for _, pos := range m.tracker.All() {
		if pos.PendingExit {
			continue
		}
		if !pos.ATRValue.IsPositive() {
			m.logger.Printf("skipping %s: invalid atr %s", pos.Symbol, pos.ATRValue)
			continue
		}
		if m.inBackoff(pos.Symbol, now) {
			continue
		}
		price, ok := m.prices.LastPrice(pos.Symbol)
		if !ok || !price.IsPositive() {
			continue
		}

		// Ratchet the trailing stop before rule 5 sees it.
		if err := m.tracker.UpdateTrailingStop(pos.Symbol, price); err != nil {
			m.logger.Printf("trailing stop update failed for %s: %v", pos.Symbol, err)
		}
		if refreshed, ok := m.tracker.Get(pos.Symbol); ok {
			pos = refreshed
		}

		rule, fired := m.evaluate(pos, price)
		if !fired {
			continue
		}
		m.emit(pos, price, rule, now)
	}
}

// evaluate checks the five rules in priority order and returns the first
// that fires.
func (m *Manager) evaluate(pos models.Position, price decimal.Decimal) (Rule, bool) {
	entry := pos.EntryPrice
	atrStop := entry.Sub(m.cfg.ATRStopMultiplier.Mul(pos.ATRValue))
	if price.LessThanOrEqual(atrStop) {
		return RuleATRStop, true
	}
	pctStop := entry.Mul(decimal.NewFromInt(1).Sub(m.cfg.StopLossPct))
	if price.LessThanOrEqual(pctStop) {
		return RulePctStop, true
	}
	atrTarget := entry.Add(m.cfg.ATRProfitMultiplier.Mul(pos.ATRValue))
	if price.GreaterThanOrEqual(atrTarget) {
		return RuleATRProfit, true
	}
	pctTarget := entry.Mul(decimal.NewFromInt(1).Add(m.cfg.ProfitTargetPct))
	if price.GreaterThanOrEqual(pctTarget) {
		return RulePctProfit, true
	}
	if pos.TrailingStopPrice.IsPositive() && price.LessThanOrEqual(pos.TrailingStopPrice) {
		return RuleTrailingStop, true
	}
	return "", false
}

// emit publishes an exit signal on the never-drops channel.
func (m *Manager) emit(pos models.Position, price decimal.Decimal, rule Rule, now time.Time) {
	side := models.SideSell
	if pos.Side == models.SideSell {
		side = models.SideBuy
	}
	sig := models.Signal{
		Strategy:        StrategyName,
		Symbol:          pos.Symbol,
		Side:            side,
		Timeframe:       m.cfg.Timeframe,
		SignalTimestamp: now,
		Metadata: models.SignalMetadata{
			ParamTag:     string(rule),
			CurrentPrice: price,
			ATR:          pos.ATRValue,
			Confidence:   1.0,
		},
	}
	m.logger.Printf("exit rule %s fired for %s (entry %s, price %s)", rule, pos.Symbol, pos.EntryPrice, price)
	m.bus.PublishExit(ExitSignalEvent{
		Rule:     rule,
		Symbol:   pos.Symbol,
		Side:     side,
		Quantity: pos.CurrentQuantity,
		Signal:   sig,
	})
}

// inBackoff reports whether the symbol's next allowed attempt is still in
// the future.
func (m *Manager) inBackoff(symbol string, now time.Time) bool {
	if m.attempts == nil {
		return false
	}
	a, err := m.attempts.GetExitAttempt(symbol)
	if err != nil {
		m.logger.Printf("backoff lookup failed for %s: %v", symbol, err)
		return false
	}
	return a.Attempts > 0 && now.Before(a.NextTryAt)
}

// RecordFailure notes a failed exit submission and schedules the next
// attempt at 2^(attempts-1) seconds out, capped at MaxBackoff.
func (m *Manager) RecordFailure(symbol string, now time.Time) {
	if m.attempts == nil {
		return
	}
	a, err := m.attempts.GetExitAttempt(symbol)
	if err != nil {
		m.logger.Printf("backoff read failed for %s: %v", symbol, err)
		return
	}
	a.Symbol = symbol
	a.Attempts++
	backoff := time.Duration(math.Pow(2, float64(a.Attempts-1))) * time.Second
	if backoff > m.cfg.MaxBackoff {
		backoff = m.cfg.MaxBackoff
	}
	a.LastTryAt = now
	a.NextTryAt = now.Add(backoff)
	if err := m.attempts.UpsertExitAttempt(a); err != nil {
		m.logger.Printf("backoff persist failed for %s: %v", symbol, err)
		return
	}
	m.logger.Printf("exit submission failed for %s (attempt %d), next try in %s", symbol, a.Attempts, backoff)
}

// RecordSuccess clears a symbol's back-off state after an exit submission
// finally goes through.
func (m *Manager) RecordSuccess(symbol string) {
	if m.attempts == nil {
		return
	}
	if err := m.attempts.ClearExitAttempt(symbol); err != nil {
		m.logger.Printf("backoff clear failed for %s: %v", symbol, err)
	}
}

// Backoff returns the current back-off state for a symbol, for the
// dashboard's status view.
func (m *Manager) Backoff(symbol string) (models.ExitAttempt, error) {
	if m.attempts == nil {
		return models.ExitAttempt{Symbol: symbol}, nil
	}
	a, err := m.attempts.GetExitAttempt(symbol)
	if err != nil {
		return a, fmt.Errorf("exit: backoff state for %s: %w", symbol, err)
	}
	return a, nil
}
