// Package risk implements the three-tier risk gate: SAFETY (hard
// abort), RISK (throws, trips the circuit breaker), and FILTERS (soft
// skip). Each tier is a narrow interface-backed stage so callers can
// exercise one tier without standing up the rest.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/scrantonlabs/eventbot/internal/broker"
	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/shopspring/decimal"
)

// Tier classifies which stage of the gate produced a result, used by
// OrderManager to decide whether to abort, throw, or soft-skip.
type Tier int

const (
	TierNone Tier = iota
	TierSafety
	TierRisk
	TierFilters
)

// SafetyError is returned when a SAFETY-tier check fails. It aborts the
// signal and is reported upstream as a fatal risk-gate error, but never
// increments the circuit breaker.
type SafetyError struct {
	Rule    string
	Message string
	cause   error
}

func (e *SafetyError) Error() string {
	return fmt.Sprintf("risk: SAFETY abort (%s): %s", e.Rule, e.Message)
}

func (e *SafetyError) Unwrap() error { return e.cause }

// RiskError is returned when a RISK-tier check fails. It trips the
// circuit breaker.
type RiskError struct {
	Rule    string
	Message string
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("risk: RISK throw (%s): %s", e.Rule, e.Message)
}

// ErrCircuitBreakerTripped is the sentinel SAFETY check 2 reports once
// the circuit breaker count reaches its threshold.
var ErrCircuitBreakerTripped = errors.New("circuit breaker tripped")

// FiltersResult is the non-error outcome of the FILTERS tier: allowed,
// or a reason for a soft skip. FILTERS failures never mutate state.
type FiltersResult struct {
	Allowed bool
	Reason  string
}

// Config holds every threshold the three tiers consult.
type Config struct {
	KillSwitch bool // SAFETY check 1, alongside the sentinel file

	CircuitBreakerMax int // SAFETY check 2 (default 5)

	SessionPolicy string // "regular_only" | "include_extended"

	MaxDailyLoss           decimal.Decimal
	MaxTradesPerDay        int
	MaxPositionPct         decimal.Decimal
	MaxConcurrentPositions int

	GateCooldown          time.Duration
	MinConfidence         float64
	MinMinutesAfterOpen   int
	MinMinutesBeforeClose int

	EquitiesOnly func(symbol string) bool // true if symbol is an equity (vs crypto), for rules 9/12
}

// DefaultConfig holds the recommended gate thresholds.
var DefaultConfig = Config{
	CircuitBreakerMax:      5,
	SessionPolicy:          "regular_only",
	MaxTradesPerDay:        20,
	MaxConcurrentPositions: 10,
	GateCooldown:           5 * time.Minute,
	MinConfidence:          0.5,
	MinMinutesAfterOpen:    5,
	MinMinutesBeforeClose:  5,
	EquitiesOnly:           func(string) bool { return true },
}

// botState is the persisted-state seam every tier reads and writes
// through; no tier keeps an authoritative in-memory copy.
type botState interface {
	GetBotState(key string) (string, bool, error)
	SetBotState(key, value string) error
}

// positionCounter reports the caller's current open-position count, used
// by SAFETY/RISK check 9.
type positionCounter interface {
	OpenCount() int
}

// gateStore is the atomic same-bar gate seam.
type gateStore interface {
	GateTryAccept(gateKey string, barTs, now time.Time, cooldown time.Duration) (bool, error)
}

// drawdownLevel reports the current DrawdownMonitor level. Gate stores
// it but does not call it: the SAFETY drawdown check reads the persisted
// level from bot state.
type drawdownLevel interface {
	Level() string // "normal" | "warning" | "halt" | "emergency"
}

// Gate is the concrete RiskManager: three unexported methods called in
// sequence by CheckEntry (CheckExit runs only the safety tier).
type Gate struct {
	cfg            Config
	broker         broker.Broker
	state          botState
	positions      positionCounter
	gates          gateStore
	drawdown       drawdownLevel
	killSwitchFile string
	logger         *log.Logger
}

// New constructs a Gate. Any dependency left nil is treated as "not
// configured" and that tier's corresponding checks are skipped (useful
// for unit-testing individual rules in isolation).
func New(cfg Config, b broker.Broker, state botState, positions positionCounter, gates gateStore, dd drawdownLevel, killSwitchFile string, logger *log.Logger) *Gate {
	if cfg.CircuitBreakerMax <= 0 {
		cfg.CircuitBreakerMax = DefaultConfig.CircuitBreakerMax
	}
	if logger == nil {
		logger = log.New(os.Stderr, "risk: ", log.LstdFlags)
	}
	return &Gate{cfg: cfg, broker: b, state: state, positions: positions, gates: gates, drawdown: dd, killSwitchFile: killSwitchFile, logger: logger}
}

// CheckEntry runs all three tiers for a new-position signal.
func (g *Gate) CheckEntry(sig models.Signal, accountEquity, notional decimal.Decimal) (FiltersResult, error) {
	if err := g.safety(); err != nil {
		return FiltersResult{}, err
	}
	if err := g.riskTier(accountEquity, notional); err != nil {
		return FiltersResult{}, err
	}
	return g.filters(sig)
}

// CheckExit runs only the SAFETY tier: exits are never throttled by
// confidence, cooldowns or time-of-day.
func (g *Gate) CheckExit() error {
	return g.safety()
}

// safety implements SAFETY checks 1-5. Any failure aborts and is never
// counted against the circuit breaker.
func (g *Gate) safety() error {
	if g.killSwitchActive() {
		return &SafetyError{Rule: "kill_switch", Message: "kill switch is active"}
	}

	if g.state != nil {
		count, err := g.circuitBreakerCount()
		if err != nil {
			return &SafetyError{Rule: "circuit_breaker_read", Message: err.Error()}
		}
		if count >= g.cfg.CircuitBreakerMax {
			return &SafetyError{
				Rule:    "circuit_breaker",
				Message: fmt.Sprintf("count=%d >= max=%d", count, g.cfg.CircuitBreakerMax),
				cause:   ErrCircuitBreakerTripped,
			}
		}

		halted, _, err := g.state.GetBotState(models.StateKeyTradingHalted)
		if err != nil {
			return &SafetyError{Rule: "trading_halted_read", Message: err.Error()}
		}
		if halted == "true" {
			return &SafetyError{Rule: "trading_halted", Message: "trading halted by reconciler or drawdown monitor"}
		}

		level, _, err := g.state.GetBotState(models.StateKeyDrawdownLevel)
		if err != nil {
			return &SafetyError{Rule: "drawdown_read", Message: err.Error()}
		}
		if level == "halt" || level == "emergency" {
			return &SafetyError{Rule: "drawdown_level", Message: fmt.Sprintf("drawdown level %s blocks new positions", level)}
		}
	}

	if g.broker != nil {
		clock, err := g.broker.GetClock(context.Background())
		if err != nil {
			return &SafetyError{Rule: "clock_fetch", Message: err.Error()}
		}
		if !clock.IsOpen && g.cfg.SessionPolicy != "include_extended" {
			return &SafetyError{Rule: "market_closed", Message: "market is closed and session policy excludes extended hours"}
		}
	}
	return nil
}

// riskTier implements RISK checks 6-9. Every failure here increments the
// persisted circuit-breaker count.
func (g *Gate) riskTier(accountEquity, notional decimal.Decimal) error {
	if g.state == nil {
		return nil
	}
	pnlStr, _, err := g.state.GetBotState(models.StateKeyDailyRealizedPnL)
	if err != nil {
		return g.tripAndWrap("daily_loss_read", err)
	}
	pnl, _ := decimal.NewFromString(pnlStr)
	if g.cfg.MaxDailyLoss.IsPositive() && pnl.LessThanOrEqual(g.cfg.MaxDailyLoss.Neg()) {
		return g.trip(&RiskError{Rule: "daily_loss", Message: fmt.Sprintf("daily realized pnl %s breached -%s", pnl, g.cfg.MaxDailyLoss)})
	}

	tradeCountStr, _, err := g.state.GetBotState(models.StateKeyDailyTradeCount)
	if err != nil {
		return g.tripAndWrap("trade_count_read", err)
	}
	tradeCount, _ := strconv.Atoi(tradeCountStr)
	if g.cfg.MaxTradesPerDay > 0 && tradeCount >= g.cfg.MaxTradesPerDay {
		return g.trip(&RiskError{Rule: "max_trades_per_day", Message: fmt.Sprintf("trade count %d >= max %d", tradeCount, g.cfg.MaxTradesPerDay)})
	}

	if g.cfg.MaxPositionPct.IsPositive() && accountEquity.IsPositive() {
		maxNotional := accountEquity.Mul(g.cfg.MaxPositionPct)
		if notional.GreaterThan(maxNotional) {
			return g.trip(&RiskError{Rule: "max_position_pct", Message: fmt.Sprintf("notional %s exceeds %s (%.2f%% of equity)", notional, maxNotional, g.cfg.MaxPositionPct.InexactFloat64()*100)})
		}
	}

	if g.positions != nil && g.cfg.MaxConcurrentPositions > 0 && g.positions.OpenCount() >= g.cfg.MaxConcurrentPositions {
		return g.trip(&RiskError{Rule: "max_concurrent_positions", Message: fmt.Sprintf("open positions %d >= max %d", g.positions.OpenCount(), g.cfg.MaxConcurrentPositions)})
	}
	return nil
}

func (g *Gate) trip(err *RiskError) error {
	return g.tripAndWrap(err.Rule, err)
}

func (g *Gate) tripAndWrap(rule string, cause error) error {
	if g.state != nil {
		count, _ := g.circuitBreakerCount()
		_ = g.state.SetBotState(models.StateKeyCircuitBreakerCount, strconv.Itoa(count+1))
	}
	if re, ok := cause.(*RiskError); ok {
		return re
	}
	return &RiskError{Rule: rule, Message: cause.Error()}
}

// filters implements FILTERS checks 10-12: same-bar gate, confidence
// threshold, time-of-day window. Failures here are soft skips: no state
// mutation beyond the gate table itself.
func (g *Gate) filters(sig models.Signal) (FiltersResult, error) {
	if g.gates != nil {
		accepted, err := g.gates.GateTryAccept(sig.GateKey(), sig.SignalTimestamp, time.Now(), g.cfg.GateCooldown)
		if err != nil {
			return FiltersResult{}, fmt.Errorf("risk: gate check failed: %w", err)
		}
		if !accepted {
			return FiltersResult{Allowed: false, Reason: "same_bar_gate"}, nil
		}
	}

	if sig.Metadata.Confidence < g.cfg.MinConfidence {
		return FiltersResult{Allowed: false, Reason: "low_confidence"}, nil
	}

	equitiesOnly := g.cfg.EquitiesOnly
	if equitiesOnly == nil {
		equitiesOnly = DefaultConfig.EquitiesOnly
	}
	if equitiesOnly(sig.Symbol) && g.broker != nil {
		clock, err := g.broker.GetClock(context.Background())
		if err == nil {
			minutesAfterOpen := clock.FetchedAt.Sub(clock.NextOpenUTC).Minutes()
			minutesBeforeClose := clock.NextCloseUTC.Sub(clock.FetchedAt).Minutes()
			if minutesAfterOpen >= 0 && minutesAfterOpen < float64(g.cfg.MinMinutesAfterOpen) {
				return FiltersResult{Allowed: false, Reason: "too_soon_after_open"}, nil
			}
			if minutesBeforeClose >= 0 && minutesBeforeClose < float64(g.cfg.MinMinutesBeforeClose) {
				return FiltersResult{Allowed: false, Reason: "too_close_to_close"}, nil
			}
		}
	}

	return FiltersResult{Allowed: true}, nil
}

func (g *Gate) circuitBreakerCount() (int, error) {
	s, ok, err := g.state.GetBotState(models.StateKeyCircuitBreakerCount)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, _ := strconv.Atoi(s)
	return n, nil
}

// killSwitchActive honours both halves of the kill switch: the
// configured boolean (typically set from an env var) and the sentinel
// file an operator can drop without restarting the bot.
func (g *Gate) killSwitchActive() bool {
	if g.cfg.KillSwitch {
		return true
	}
	if g.killSwitchFile == "" {
		return false
	}
	_, err := os.Stat(g.killSwitchFile)
	return err == nil
}
