// Package housekeeping owns the periodic account bookkeeping around the
// trading core: equity snapshots, the once-per-day counter reset after
// the market opens, the metrics artefact, and the graceful shutdown
// sequence (cancel, flatten, final snapshot).
package housekeeping

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/shopspring/decimal"
)

// accountSource supplies equity points and the positions to flatten.
type accountSource interface {
	GetAccount(ctx context.Context) (models.Account, error)
	GetPositions(ctx context.Context) ([]models.BrokerPosition, error)
}

// store is the persistence seam for snapshots and daily counters.
type store interface {
	InsertEquitySnapshot(models.EquitySnapshot) error
	GetBotState(key string) (string, bool, error)
	SetBotState(key, value string) error
}

// flattener is the order manager's liquidation entry point.
type flattener interface {
	FlattenAll(ctx context.Context, positions []models.BrokerPosition) []error
}

// metricsWriter persists the counters artefact alongside each snapshot.
// May be nil.
type metricsWriter interface {
	WriteJSON(path string) error
}

// Config carries the cadences and the market timezone for the daily
// reset.
type Config struct {
	SnapshotInterval  time.Duration
	ResetPollInterval time.Duration
	Location          *time.Location
	MetricsPath       string
}

// DefaultConfig snapshots every minute and polls the reset window every
// 30 seconds.
var DefaultConfig = Config{
	SnapshotInterval:  60 * time.Second,
	ResetPollInterval: 30 * time.Second,
}

// Housekeeper runs the two periodic loops and the shutdown hook.
type Housekeeper struct {
	cfg     Config
	account accountSource
	store   store
	flatten flattener
	metrics metricsWriter
	logger  *log.Logger
}

// New constructs a Housekeeper. metrics may be nil.
func New(cfg Config, account accountSource, s store, flatten flattener, metrics metricsWriter, logger *log.Logger) *Housekeeper {
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultConfig.SnapshotInterval
	}
	if cfg.ResetPollInterval <= 0 {
		cfg.ResetPollInterval = DefaultConfig.ResetPollInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = log.New(os.Stderr, "housekeeping: ", log.LstdFlags)
	}
	return &Housekeeper{cfg: cfg, account: account, store: s, flatten: flatten, metrics: metrics, logger: logger}
}

// RunSnapshots drives the equity-snapshot loop until ctx is cancelled.
func (h *Housekeeper) RunSnapshots(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := h.TakeSnapshot(ctx, time.Now().UTC()); err != nil {
				h.logger.Printf("equity snapshot failed: %v", err)
			}
			if h.metrics != nil && h.cfg.MetricsPath != "" {
				if err := h.metrics.WriteJSON(h.cfg.MetricsPath); err != nil {
					h.logger.Printf("metrics artefact write failed: %v", err)
				}
			}
		}
	}
}

// TakeSnapshot records one equity point, idempotent by timestamp.
func (h *Housekeeper) TakeSnapshot(ctx context.Context, now time.Time) error {
	acct, err := h.account.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("housekeeping: fetch account: %w", err)
	}
	pnl := decimal.Zero
	if pnlStr, ok, err := h.store.GetBotState(models.StateKeyDailyRealizedPnL); err == nil && ok {
		if parsed, perr := decimal.NewFromString(pnlStr); perr == nil {
			pnl = parsed
		}
	}
	return h.store.InsertEquitySnapshot(models.EquitySnapshot{
		Timestamp:      now,
		PortfolioValue: acct.PortfolioValue,
		Cash:           acct.CashAvailable,
		DailyPnL:       pnl,
	})
}

// RunDailyReset polls for the first tick after 09:30 market time on a
// weekday and clears the daily counters once per calendar day.
func (h *Housekeeper) RunDailyReset(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.ResetPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := h.MaybeDailyReset(time.Now()); err != nil {
				h.logger.Printf("daily reset failed: %v", err)
			}
		}
	}
}

// MaybeDailyReset clears the daily realised P&L and trade count, but
// never the circuit-breaker count, gated so it runs at most once per day.
func (h *Housekeeper) MaybeDailyReset(now time.Time) error {
	local := now.In(h.cfg.Location)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return nil
	}
	open := time.Date(local.Year(), local.Month(), local.Day(), 9, 30, 0, 0, h.cfg.Location)
	if local.Before(open) {
		return nil
	}
	today := local.Format("2006-01-02")
	last, _, err := h.store.GetBotState(models.StateKeyDailyResetDate)
	if err != nil {
		return fmt.Errorf("housekeeping: read reset date: %w", err)
	}
	if last == today {
		return nil
	}
	if err := h.store.SetBotState(models.StateKeyDailyRealizedPnL, "0"); err != nil {
		return fmt.Errorf("housekeeping: reset pnl: %w", err)
	}
	if err := h.store.SetBotState(models.StateKeyDailyTradeCount, "0"); err != nil {
		return fmt.Errorf("housekeeping: reset trade count: %w", err)
	}
	if err := h.store.SetBotState(models.StateKeyDailyResetDate, today); err != nil {
		return fmt.Errorf("housekeeping: record reset date: %w", err)
	}
	h.logger.Printf("daily counters reset for %s", today)
	return nil
}

// Shutdown runs the graceful-shutdown sequence: flatten the account
// (which cancels every open order first), then take a final equity
// snapshot. Errors are aggregated so one failing leg never hides the
// others.
func (h *Housekeeper) Shutdown(ctx context.Context) error {
	var result *multierror.Error

	positions, err := h.account.GetPositions(ctx)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("housekeeping: shutdown: list positions: %w", err))
	} else if h.flatten != nil {
		for _, ferr := range h.flatten.FlattenAll(ctx, positions) {
			result = multierror.Append(result, ferr)
		}
	}

	if err := h.TakeSnapshot(ctx, time.Now().UTC()); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
