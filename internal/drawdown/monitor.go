// Package drawdown implements the peak-to-trough drawdown monitor: four
// severity levels with hysteresis between separate escalation and
// recovery thresholds, a periodic equity poll, and automatic flatten-all
// at the most severe level. Level state persists through the bot-state
// table so a restart resumes exactly where the last tick left off.
package drawdown

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/shopspring/decimal"
)

// Level is the monitor's severity level, ordered from benign to severe.
type Level string

const (
	LevelNormal    Level = "normal"
	LevelWarning   Level = "warning"
	LevelHalt      Level = "halt"
	LevelEmergency Level = "emergency"
)

// severity orders levels for the one-step-escalation rule.
var severity = map[Level]int{
	LevelNormal:    0,
	LevelWarning:   1,
	LevelHalt:      2,
	LevelEmergency: 3,
}

// LevelTransition is one allowed edge of the level machine, with the
// condition that fires it.
type LevelTransition struct {
	From      Level
	To        Level
	Condition string
}

// ValidTransitions enumerates the allowed level edges: escalation moves
// one step at a time; recovery may jump multiple steps downward.
var ValidTransitions = []LevelTransition{
	{LevelNormal, LevelWarning, "escalate"},
	{LevelWarning, LevelHalt, "escalate"},
	{LevelHalt, LevelEmergency, "escalate"},

	{LevelWarning, LevelNormal, "recover"},
	{LevelHalt, LevelWarning, "recover"},
	{LevelHalt, LevelNormal, "recover"},
	{LevelEmergency, LevelHalt, "recover"},
	{LevelEmergency, LevelWarning, "recover"},
	{LevelEmergency, LevelNormal, "recover"},

	{LevelNormal, LevelHalt, "failsafe"},
	{LevelWarning, LevelHalt, "failsafe"},
}

var transitionLookup map[Level]map[Level]map[string]bool

func init() {
	transitionLookup = make(map[Level]map[Level]map[string]bool)
	for _, tr := range ValidTransitions {
		if transitionLookup[tr.From] == nil {
			transitionLookup[tr.From] = make(map[Level]map[string]bool)
		}
		if transitionLookup[tr.From][tr.To] == nil {
			transitionLookup[tr.From][tr.To] = make(map[string]bool)
		}
		transitionLookup[tr.From][tr.To][tr.Condition] = true
	}
}

// canTransition reports whether (from → to, condition) is an allowed edge.
func canTransition(from, to Level, condition string) bool {
	return transitionLookup[from][to][condition]
}

// Config carries the per-level thresholds (expressed in percent, e.g.
// 3.0 = 3%) and the monitor's operating knobs.
type Config struct {
	WarningThresholdPct           float64
	WarningRecoveryThresholdPct   float64
	HaltThresholdPct              float64
	HaltRecoveryThresholdPct      float64
	EmergencyThresholdPct         float64
	EmergencyRecoveryThresholdPct float64
	WarningPositionMultiplier     decimal.Decimal
	EnableAutoRecovery            bool
	LookbackDays                  int
	MaxConsecutiveFailures        int
}

// DefaultConfig is the 3/5/10 escalation, 2/4/8 recovery ladder.
var DefaultConfig = Config{
	WarningThresholdPct:           3.0,
	WarningRecoveryThresholdPct:   2.0,
	HaltThresholdPct:              5.0,
	HaltRecoveryThresholdPct:      4.0,
	EmergencyThresholdPct:         10.0,
	EmergencyRecoveryThresholdPct: 8.0,
	WarningPositionMultiplier:     decimal.NewFromFloat(0.5),
	LookbackDays:                  20,
	MaxConsecutiveFailures:        3,
}

// equitySource supplies the current portfolio value, typically the
// broker's account endpoint.
type equitySource interface {
	GetAccount(ctx context.Context) (models.Account, error)
}

// flattener is invoked once when the monitor first reaches Emergency.
type flattener interface {
	GetPositions(ctx context.Context) ([]models.BrokerPosition, error)
	FlattenAll(ctx context.Context, positions []models.BrokerPosition) []error
}

// botState is the persistence seam for level, peak and reset bookkeeping.
type botState interface {
	GetBotState(key string) (string, bool, error)
	SetBotState(key, value string) error
	DeleteBotState(key string) error
}

// notifier receives level-transition announcements. May be nil.
type notifier interface {
	Notify(ctx context.Context, event, message string) error
}

// Monitor tracks peak-to-trough drawdown and drives the level machine.
type Monitor struct {
	cfg     Config
	account equitySource
	flatten flattener
	state   botState
	notify  notifier
	logger  *log.Logger

	mu               sync.Mutex
	level            Level
	peak             decimal.Decimal
	lastPeakReset    time.Time
	failures         int
	flattenTriggered bool
}

// New constructs a Monitor and loads any persisted level/peak state.
// flatten and notify may be nil.
func New(cfg Config, account equitySource, flatten flattener, state botState, notify notifier, logger *log.Logger) (*Monitor, error) {
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = DefaultConfig.LookbackDays
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultConfig.MaxConsecutiveFailures
	}
	if cfg.WarningPositionMultiplier.IsZero() {
		cfg.WarningPositionMultiplier = DefaultConfig.WarningPositionMultiplier
	}
	if logger == nil {
		logger = log.New(os.Stderr, "drawdown: ", log.LstdFlags)
	}
	m := &Monitor{cfg: cfg, account: account, flatten: flatten, state: state, notify: notify, logger: logger, level: LevelNormal}
	if err := m.restore(); err != nil {
		return nil, err
	}
	return m, nil
}

// restore rehydrates level, peak equity and the last peak reset from the
// store, and applies the manual-recovery request if one is pending.
func (m *Monitor) restore() error {
	if m.state == nil {
		return nil
	}
	if lvl, ok, err := m.state.GetBotState(models.StateKeyDrawdownLevel); err != nil {
		return fmt.Errorf("drawdown: restore level: %w", err)
	} else if ok {
		if _, known := severity[Level(lvl)]; known {
			m.level = Level(lvl)
		}
	}
	if peakStr, ok, err := m.state.GetBotState(models.StateKeyDrawdownPeakEquity); err != nil {
		return fmt.Errorf("drawdown: restore peak: %w", err)
	} else if ok {
		if peak, perr := decimal.NewFromString(peakStr); perr == nil {
			m.peak = peak
		}
	}
	if resetStr, ok, err := m.state.GetBotState(models.StateKeyDrawdownLastPeakReset); err != nil {
		return fmt.Errorf("drawdown: restore peak reset: %w", err)
	} else if ok {
		if t, perr := time.Parse(time.RFC3339Nano, resetStr); perr == nil {
			m.lastPeakReset = t
		}
	}

	// A pending manual-recovery request, with auto-recovery disabled,
	// resets the level to Normal once at startup and clears itself.
	if !m.cfg.EnableAutoRecovery {
		if req, ok, err := m.state.GetBotState(models.StateKeyDrawdownManualRecovery); err != nil {
			return fmt.Errorf("drawdown: restore manual recovery flag: %w", err)
		} else if ok && req == "true" {
			m.logger.Printf("manual recovery requested, resetting level %s -> normal", m.level)
			m.level = LevelNormal
			m.flattenTriggered = false
			if err := m.state.SetBotState(models.StateKeyDrawdownLevel, string(LevelNormal)); err != nil {
				return err
			}
			if err := m.state.DeleteBotState(models.StateKeyDrawdownManualRecovery); err != nil {
				return err
			}
		}
	}
	return nil
}

// Level reports the current level as a string, satisfying the seams the
// risk gate and order manager consume.
func (m *Monitor) Level() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.level)
}

// WarningPositionMultiplier is the quantity multiplier applied while the
// monitor sits at Warning.
func (m *Monitor) WarningPositionMultiplier() decimal.Decimal {
	return m.cfg.WarningPositionMultiplier
}

// Run drives the periodic tick loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Tick(ctx, time.Now().UTC())
		}
	}
}

// Tick performs a single monitor pass: fetch equity, update the peak,
// compute the drawdown percentage, and move the level machine. Failures
// count towards the fail-safe; the configured number of consecutive
// failures escalates Normal/Warning straight to Halt.
func (m *Monitor) Tick(ctx context.Context, now time.Time) {
	acct, err := m.account.GetAccount(ctx)
	if err != nil {
		m.onTickFailure(ctx, err)
		return
	}
	m.mu.Lock()
	m.failures = 0

	// Reset the peak every lookback window so a months-old high-water
	// mark cannot keep the bot halted indefinitely.
	lookback := time.Duration(m.cfg.LookbackDays) * 24 * time.Hour
	if m.lastPeakReset.IsZero() || now.Sub(m.lastPeakReset) >= lookback {
		m.peak = acct.PortfolioValue
		m.lastPeakReset = now
		m.persistPeakLocked(now)
	}
	if acct.PortfolioValue.GreaterThan(m.peak) {
		m.peak = acct.PortfolioValue
		m.persistPeakLocked(m.lastPeakReset)
	}

	ddPct := 0.0
	if m.peak.IsPositive() {
		dd := m.peak.Sub(acct.PortfolioValue).Div(m.peak).Mul(decimal.NewFromInt(100))
		ddPct, _ = dd.Float64()
	}
	from := m.level
	to := m.targetLevel(from, ddPct)
	m.mu.Unlock()

	if to != from {
		m.transition(ctx, from, to, ddPct)
	}
}

// targetLevel applies the hysteresis ladder: escalation one step at a
// time using the escalation thresholds, recovery (when enabled) possibly
// multiple steps using the lower recovery thresholds.
func (m *Monitor) targetLevel(current Level, ddPct float64) Level {
	// Escalation: compare against the next level's escalation threshold
	// only; a single tick never jumps more than one step towards
	// severity.
	switch current {
	case LevelNormal:
		if ddPct >= m.cfg.WarningThresholdPct {
			return LevelWarning
		}
	case LevelWarning:
		if ddPct >= m.cfg.HaltThresholdPct {
			return LevelHalt
		}
	case LevelHalt:
		if ddPct >= m.cfg.EmergencyThresholdPct {
			return LevelEmergency
		}
	}

	if !m.cfg.EnableAutoRecovery {
		return current
	}

	// Recovery: find the most benign level whose recovery threshold the
	// current drawdown sits below.
	var target Level
	switch {
	case ddPct < m.cfg.WarningRecoveryThresholdPct:
		target = LevelNormal
	case ddPct < m.cfg.HaltRecoveryThresholdPct:
		target = LevelWarning
	case ddPct < m.cfg.EmergencyRecoveryThresholdPct:
		target = LevelHalt
	default:
		return current
	}
	if severity[target] < severity[current] {
		return target
	}
	return current
}

// transition moves the level machine along a validated edge, persists the
// new level, and runs level side effects.
func (m *Monitor) transition(ctx context.Context, from, to Level, ddPct float64) {
	condition := "escalate"
	if severity[to] < severity[from] {
		condition = "recover"
	}
	if !canTransition(from, to, condition) {
		m.logger.Printf("refusing invalid level transition %s -> %s (%s)", from, to, condition)
		return
	}

	m.mu.Lock()
	if m.level != from {
		m.mu.Unlock()
		return // raced with another transition; idempotent no-op
	}
	m.level = to
	if severity[to] < severity[LevelEmergency] {
		m.flattenTriggered = false
	}
	m.mu.Unlock()

	if m.state != nil {
		if err := m.state.SetBotState(models.StateKeyDrawdownLevel, string(to)); err != nil {
			m.logger.Printf("failed to persist drawdown level %s: %v", to, err)
		}
	}
	m.logger.Printf("drawdown level %s -> %s (drawdown %.2f%%)", from, to, ddPct)
	m.announce(ctx, fmt.Sprintf("drawdown level changed %s -> %s (%.2f%%)", from, to, ddPct))

	if to == LevelEmergency {
		m.triggerFlatten(ctx)
	}
}

// triggerFlatten liquidates the account once per Emergency episode.
func (m *Monitor) triggerFlatten(ctx context.Context) {
	m.mu.Lock()
	if m.flattenTriggered || m.flatten == nil {
		m.mu.Unlock()
		return
	}
	m.flattenTriggered = true
	m.mu.Unlock()

	positions, err := m.flatten.GetPositions(ctx)
	if err != nil {
		m.logger.Printf("emergency flatten: could not list positions: %v", err)
		return
	}
	if errs := m.flatten.FlattenAll(ctx, positions); len(errs) > 0 {
		for _, e := range errs {
			m.logger.Printf("emergency flatten: %v", e)
		}
	}
}

// onTickFailure counts consecutive equity-fetch failures; at the
// configured threshold, Normal or Warning escalates to Halt. Emergency is
// never downgraded by the fail-safe.
func (m *Monitor) onTickFailure(ctx context.Context, err error) {
	m.mu.Lock()
	m.failures++
	failures := m.failures
	from := m.level
	m.mu.Unlock()

	m.logger.Printf("drawdown tick failed (%d consecutive): %v", failures, err)
	if failures < m.cfg.MaxConsecutiveFailures {
		return
	}
	if from == LevelNormal || from == LevelWarning {
		m.mu.Lock()
		if m.level == from {
			m.level = LevelHalt
		}
		m.mu.Unlock()
		if m.state != nil {
			if perr := m.state.SetBotState(models.StateKeyDrawdownLevel, string(LevelHalt)); perr != nil {
				m.logger.Printf("failed to persist fail-safe halt: %v", perr)
			}
		}
		m.logger.Printf("drawdown fail-safe: %s -> halt after %d consecutive update failures", from, failures)
		m.announce(ctx, fmt.Sprintf("drawdown monitor fail-safe tripped: %s -> halt", from))
	}
}

func (m *Monitor) persistPeakLocked(resetAt time.Time) {
	if m.state == nil {
		return
	}
	if err := m.state.SetBotState(models.StateKeyDrawdownPeakEquity, m.peak.String()); err != nil {
		m.logger.Printf("failed to persist peak equity: %v", err)
	}
	if err := m.state.SetBotState(models.StateKeyDrawdownLastPeakReset, resetAt.UTC().Format(time.RFC3339Nano)); err != nil {
		m.logger.Printf("failed to persist peak reset time: %v", err)
	}
}

func (m *Monitor) announce(ctx context.Context, message string) {
	if m.notify == nil {
		return
	}
	if err := m.notify.Notify(ctx, "drawdown_level", message); err != nil {
		m.logger.Printf("notify failed: %v", err)
	}
}
