// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by Normalize when the corresponding option is unset.
const (
	defaultTimeframe            = "1m"
	defaultGateCooldownSeconds  = 300
	defaultExitCheckSeconds     = 30
	defaultDrawdownCheckSeconds = 60
	defaultReconcileSeconds     = 120
	defaultLookbackDays         = 20
	defaultDashboardPort        = 9847

	// Runtime reconciliation interval clamp bounds.
	minReconcileSeconds = 30
	maxReconcileSeconds = 300
)

// Config represents the complete application configuration.
type Config struct {
	Environment    EnvironmentConfig    `yaml:"environment"`
	Broker         BrokerConfig         `yaml:"broker"`
	Symbols        SymbolsConfig        `yaml:"symbols"`
	Timeframe      string               `yaml:"timeframe"`
	Session        SessionConfig        `yaml:"session"`
	Risk           RiskConfig           `yaml:"risk"`
	Filters        FiltersConfig        `yaml:"filters"`
	Gate           GateConfig           `yaml:"gate"`
	Exit           ExitConfig           `yaml:"exit"`
	Drawdown       DrawdownConfig       `yaml:"drawdown"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Storage        StorageConfig        `yaml:"storage"`
	Dashboard      DashboardConfig      `yaml:"dashboard"`
	Notify         NotifyConfig         `yaml:"notify"`
}

// EnvironmentConfig defines the runtime mode and the dual live gate.
type EnvironmentConfig struct {
	Mode             string `yaml:"mode"`               // paper | live
	AllowLiveTrading bool   `yaml:"allow_live_trading"` // second half of the dual gate
	DryRun           bool   `yaml:"dry_run"`            // log submissions instead of sending them
	KillSwitch       bool   `yaml:"kill_switch"`
	KillSwitchFile   string `yaml:"kill_switch_file"` // sentinel file checked at every safety pass
	LogLevel         string `yaml:"log_level"`        // debug | info | warn | error
	Timezone         string `yaml:"timezone"`         // market timezone for the daily reset
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider  string `yaml:"provider"` // paper | (a real provider wired externally)
	APIKey    string `yaml:"api_key"`
	AccountID string `yaml:"account_id"`
}

// SymbolsConfig is the fixed instrument universe, split by asset class
// because several risk and filter rules apply to equities only.
type SymbolsConfig struct {
	Equities []string `yaml:"equities"`
	Crypto   []string `yaml:"crypto"`
}

// SessionConfig controls the market-hours gate.
type SessionConfig struct {
	Policy string `yaml:"policy"` // regular_only | include_extended
}

// RiskConfig defines the RISK-tier thresholds.
type RiskConfig struct {
	MaxDailyLoss           float64 `yaml:"max_daily_loss"` // absolute dollars
	MaxTradesPerDay        int     `yaml:"max_trades_per_day"`
	MaxPositionPct         float64 `yaml:"max_position_pct"` // fraction of equity
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"`
	MaxRiskPerTradePct     float64 `yaml:"max_risk_per_trade_pct"` // fraction of equity
	StopLossPct            float64 `yaml:"stop_loss_pct"`          // fraction of price
}

// FiltersConfig defines the soft-skip FILTERS-tier thresholds.
type FiltersConfig struct {
	MinMinutesAfterOpen   int `yaml:"min_minutes_after_open"`
	MinMinutesBeforeClose int `yaml:"min_minutes_before_close"`
}

// GateConfig controls the same-bar gate cooldown.
type GateConfig struct {
	CooldownSeconds int `yaml:"cooldown_seconds"`
}

// ExitConfig defines the exit-rule thresholds and scan cadence.
type ExitConfig struct {
	CheckIntervalSeconds int     `yaml:"check_interval_seconds"`
	ATRStopMultiplier    float64 `yaml:"atr_stop_multiplier"`
	ATRProfitMultiplier  float64 `yaml:"atr_profit_multiplier"`
	StopLossPct          float64 `yaml:"stop_loss_pct"`
	ProfitTargetPct      float64 `yaml:"profit_target_pct"`
	TrailingMultiplier   float64 `yaml:"trailing_multiplier"`
}

// DrawdownConfig defines the escalation/recovery thresholds and hysteresis
// behaviour of the drawdown monitor.
type DrawdownConfig struct {
	Enabled                       bool    `yaml:"enabled"`
	WarningThresholdPct           float64 `yaml:"warning_threshold_pct"`
	WarningRecoveryThresholdPct   float64 `yaml:"warning_recovery_threshold_pct"`
	HaltThresholdPct              float64 `yaml:"halt_threshold_pct"`
	HaltRecoveryThresholdPct      float64 `yaml:"halt_recovery_threshold_pct"`
	EmergencyThresholdPct         float64 `yaml:"emergency_threshold_pct"`
	EmergencyRecoveryThresholdPct float64 `yaml:"emergency_recovery_threshold_pct"`
	WarningPositionMultiplier     float64 `yaml:"warning_position_multiplier"`
	CheckIntervalSeconds          int     `yaml:"check_interval_seconds"`
	EnableAutoRecovery            bool    `yaml:"enable_auto_recovery"`
	LookbackDays                  int     `yaml:"lookback_days"`
}

// ReconciliationConfig controls the runtime reconciliation cadence.
type ReconciliationConfig struct {
	RuntimeCheckIntervalSeconds int `yaml:"runtime_check_interval_seconds"`
}

// StorageConfig defines where the embedded database and artefacts live.
type StorageConfig struct {
	Path    string `yaml:"path"`     // sqlite file path
	DataDir string `yaml:"data_dir"` // metrics.json, reconciliation_error.json
}

// DashboardConfig defines web dashboard settings.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// NotifyConfig defines the optional webhook notifier target.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", configPath, err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", configPath, err)
	}

	config.Normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Normalize sets default values for configuration fields.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Environment.Mode) == "" {
		c.Environment.Mode = "paper"
	}
	if strings.TrimSpace(c.Environment.LogLevel) == "" {
		c.Environment.LogLevel = "info"
	}
	if strings.TrimSpace(c.Environment.Timezone) == "" {
		c.Environment.Timezone = "America/New_York"
	}
	if strings.TrimSpace(c.Broker.Provider) == "" {
		c.Broker.Provider = "paper"
	}
	if strings.TrimSpace(c.Timeframe) == "" {
		c.Timeframe = defaultTimeframe
	}
	if strings.TrimSpace(c.Session.Policy) == "" {
		c.Session.Policy = "regular_only"
	}
	if c.Risk.MaxPositionPct == 0 {
		c.Risk.MaxPositionPct = 0.05
	}
	if c.Risk.MaxRiskPerTradePct == 0 {
		c.Risk.MaxRiskPerTradePct = 0.01
	}
	if c.Risk.StopLossPct == 0 {
		c.Risk.StopLossPct = 0.01
	}
	if c.Risk.MaxTradesPerDay == 0 {
		c.Risk.MaxTradesPerDay = 20
	}
	if c.Risk.MaxConcurrentPositions == 0 {
		c.Risk.MaxConcurrentPositions = 10
	}
	if c.Gate.CooldownSeconds == 0 {
		c.Gate.CooldownSeconds = defaultGateCooldownSeconds
	}
	if c.Exit.CheckIntervalSeconds == 0 {
		c.Exit.CheckIntervalSeconds = defaultExitCheckSeconds
	}
	if c.Exit.ATRStopMultiplier == 0 {
		c.Exit.ATRStopMultiplier = 1.5
	}
	if c.Exit.ATRProfitMultiplier == 0 {
		c.Exit.ATRProfitMultiplier = 3.0
	}
	if c.Exit.StopLossPct == 0 {
		c.Exit.StopLossPct = 0.01
	}
	if c.Exit.ProfitTargetPct == 0 {
		c.Exit.ProfitTargetPct = 0.02
	}
	if c.Exit.TrailingMultiplier == 0 {
		c.Exit.TrailingMultiplier = 1.5
	}
	if c.Drawdown.WarningThresholdPct == 0 {
		c.Drawdown.WarningThresholdPct = 3.0
	}
	if c.Drawdown.WarningRecoveryThresholdPct == 0 {
		c.Drawdown.WarningRecoveryThresholdPct = 2.0
	}
	if c.Drawdown.HaltThresholdPct == 0 {
		c.Drawdown.HaltThresholdPct = 5.0
	}
	if c.Drawdown.HaltRecoveryThresholdPct == 0 {
		c.Drawdown.HaltRecoveryThresholdPct = 4.0
	}
	if c.Drawdown.EmergencyThresholdPct == 0 {
		c.Drawdown.EmergencyThresholdPct = 10.0
	}
	if c.Drawdown.EmergencyRecoveryThresholdPct == 0 {
		c.Drawdown.EmergencyRecoveryThresholdPct = 8.0
	}
	if c.Drawdown.WarningPositionMultiplier == 0 {
		c.Drawdown.WarningPositionMultiplier = 0.5
	}
	if c.Drawdown.CheckIntervalSeconds == 0 {
		c.Drawdown.CheckIntervalSeconds = defaultDrawdownCheckSeconds
	}
	if c.Drawdown.LookbackDays == 0 {
		c.Drawdown.LookbackDays = defaultLookbackDays
	}
	if c.Reconciliation.RuntimeCheckIntervalSeconds == 0 {
		c.Reconciliation.RuntimeCheckIntervalSeconds = defaultReconcileSeconds
	}
	// Out-of-range reconciliation intervals are clamped rather than
	// rejected.
	if c.Reconciliation.RuntimeCheckIntervalSeconds < minReconcileSeconds {
		c.Reconciliation.RuntimeCheckIntervalSeconds = minReconcileSeconds
	}
	if c.Reconciliation.RuntimeCheckIntervalSeconds > maxReconcileSeconds {
		c.Reconciliation.RuntimeCheckIntervalSeconds = maxReconcileSeconds
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = "data/eventbot.db"
	}
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		c.Storage.DataDir = "data"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = defaultDashboardPort
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch strings.ToLower(c.Environment.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of: debug, info, warn, error")
	}

	// Dual gate: live mode additionally requires an explicit opt-in flag,
	// so a single mistyped option can never arm live trading.
	if c.Environment.Mode == "live" && !c.Environment.AllowLiveTrading {
		return fmt.Errorf("environment.mode is 'live' but environment.allow_live_trading is false; both must be set for live trading")
	}

	if _, err := c.ResolveLocation(); err != nil {
		return err
	}

	switch strings.ToLower(c.Broker.Provider) {
	case "paper":
	default:
		// Any non-paper provider is an external execution endpoint and
		// needs credentials.
		if strings.TrimSpace(c.Broker.APIKey) == "" {
			return fmt.Errorf("broker.api_key is required for provider %q", c.Broker.Provider)
		}
		if strings.TrimSpace(c.Broker.AccountID) == "" {
			return fmt.Errorf("broker.account_id is required for provider %q", c.Broker.Provider)
		}
	}

	if len(c.Symbols.Equities)+len(c.Symbols.Crypto) == 0 {
		return fmt.Errorf("symbols: at least one equity or crypto symbol is required")
	}
	seen := make(map[string]bool)
	for _, s := range append(append([]string{}, c.Symbols.Equities...), c.Symbols.Crypto...) {
		sym := strings.TrimSpace(s)
		if sym == "" {
			return fmt.Errorf("symbols: empty symbol")
		}
		if seen[sym] {
			return fmt.Errorf("symbols: duplicate symbol %q", sym)
		}
		seen[sym] = true
	}

	if c.Session.Policy != "regular_only" && c.Session.Policy != "include_extended" {
		return fmt.Errorf("session.policy must be 'regular_only' or 'include_extended'")
	}

	if c.Risk.MaxDailyLoss < 0 {
		return fmt.Errorf("risk.max_daily_loss must be >= 0")
	}
	if c.Risk.MaxTradesPerDay <= 0 {
		return fmt.Errorf("risk.max_trades_per_day must be > 0")
	}
	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 1 {
		return fmt.Errorf("risk.max_position_pct must be in (0,1]")
	}
	if c.Risk.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("risk.max_concurrent_positions must be > 0")
	}
	if c.Risk.MaxRiskPerTradePct <= 0 || c.Risk.MaxRiskPerTradePct > 1 {
		return fmt.Errorf("risk.max_risk_per_trade_pct must be in (0,1]")
	}
	if c.Risk.StopLossPct <= 0 || c.Risk.StopLossPct >= 1 {
		return fmt.Errorf("risk.stop_loss_pct must be in (0,1)")
	}

	if c.Filters.MinMinutesAfterOpen < 0 {
		return fmt.Errorf("filters.min_minutes_after_open must be >= 0")
	}
	if c.Filters.MinMinutesBeforeClose < 0 {
		return fmt.Errorf("filters.min_minutes_before_close must be >= 0")
	}
	if c.Gate.CooldownSeconds < 0 {
		return fmt.Errorf("gate.cooldown_seconds must be >= 0")
	}

	if c.Exit.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("exit.check_interval_seconds must be > 0")
	}
	if c.Exit.ATRStopMultiplier <= 0 {
		return fmt.Errorf("exit.atr_stop_multiplier must be > 0")
	}
	if c.Exit.ATRProfitMultiplier <= 0 {
		return fmt.Errorf("exit.atr_profit_multiplier must be > 0")
	}
	if c.Exit.StopLossPct <= 0 || c.Exit.StopLossPct >= 1 {
		return fmt.Errorf("exit.stop_loss_pct must be in (0,1)")
	}
	if c.Exit.ProfitTargetPct <= 0 || c.Exit.ProfitTargetPct >= 1 {
		return fmt.Errorf("exit.profit_target_pct must be in (0,1)")
	}
	if c.Exit.TrailingMultiplier <= 0 {
		return fmt.Errorf("exit.trailing_multiplier must be > 0")
	}

	if c.Drawdown.Enabled {
		if err := c.validateDrawdownThresholds(); err != nil {
			return err
		}
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}

	if c.Dashboard.Enabled {
		if c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535 {
			return fmt.Errorf("dashboard.port must be between 1 and 65535")
		}
	}

	return nil
}

// validateDrawdownThresholds enforces ordering across the three levels and
// the hysteresis gap between each escalation threshold and its recovery
// threshold.
func (c *Config) validateDrawdownThresholds() error {
	d := c.Drawdown
	type pair struct {
		name     string
		escalate float64
		recover  float64
	}
	pairs := []pair{
		{"warning", d.WarningThresholdPct, d.WarningRecoveryThresholdPct},
		{"halt", d.HaltThresholdPct, d.HaltRecoveryThresholdPct},
		{"emergency", d.EmergencyThresholdPct, d.EmergencyRecoveryThresholdPct},
	}
	for _, p := range pairs {
		if p.escalate <= 0 || p.escalate >= 100 {
			return fmt.Errorf("drawdown.%s_threshold_pct must be in (0,100)", p.name)
		}
		if p.recover <= 0 || p.recover >= p.escalate {
			return fmt.Errorf("drawdown.%s_recovery_threshold_pct must be in (0, %s_threshold_pct)", p.name, p.name)
		}
	}
	if !(d.WarningThresholdPct < d.HaltThresholdPct && d.HaltThresholdPct < d.EmergencyThresholdPct) {
		return fmt.Errorf("drawdown thresholds must satisfy warning < halt < emergency")
	}
	if d.WarningPositionMultiplier <= 0 || d.WarningPositionMultiplier > 1 {
		return fmt.Errorf("drawdown.warning_position_multiplier must be in (0,1]")
	}
	if d.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("drawdown.check_interval_seconds must be > 0")
	}
	if d.LookbackDays <= 0 {
		return fmt.Errorf("drawdown.lookback_days must be > 0")
	}
	return nil
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// LiveTradingArmed reports whether both halves of the dual gate are set.
func (c *Config) LiveTradingArmed() bool {
	return c.Environment.Mode == "live" && c.Environment.AllowLiveTrading
}

// AllSymbols returns the combined equities+crypto universe.
func (c *Config) AllSymbols() []string {
	out := make([]string, 0, len(c.Symbols.Equities)+len(c.Symbols.Crypto))
	out = append(out, c.Symbols.Equities...)
	out = append(out, c.Symbols.Crypto...)
	return out
}

// IsEquity reports whether symbol belongs to the equities universe, for
// the risk rules that apply to equities only.
func (c *Config) IsEquity(symbol string) bool {
	for _, s := range c.Symbols.Equities {
		if s == symbol {
			return true
		}
	}
	return false
}

// ResolveLocation returns the configured market TZ or the NY fallback.
// With embedded tzdata, LoadLocation should always succeed for valid
// timezone names.
func (c *Config) ResolveLocation() (*time.Location, error) {
	tz := c.Environment.Timezone
	if strings.TrimSpace(tz) == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", tz, err)
	}
	return loc, nil
}

// GateCooldown returns the same-bar gate cooldown as a duration.
func (c *Config) GateCooldown() time.Duration {
	return time.Duration(c.Gate.CooldownSeconds) * time.Second
}

// ExitCheckInterval returns the exit-scan cadence as a duration.
func (c *Config) ExitCheckInterval() time.Duration {
	return time.Duration(c.Exit.CheckIntervalSeconds) * time.Second
}

// DrawdownCheckInterval returns the drawdown-monitor cadence as a duration.
func (c *Config) DrawdownCheckInterval() time.Duration {
	return time.Duration(c.Drawdown.CheckIntervalSeconds) * time.Second
}

// ReconcileInterval returns the runtime reconciliation cadence as a
// duration, already clamped by Normalize.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconciliation.RuntimeCheckIntervalSeconds) * time.Second
}
