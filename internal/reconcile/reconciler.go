// Package reconcile implements the two reconciliation modes: a blocking
// startup pass that refuses to trade over a store that disagrees with
// the broker, and a periodic advisory runtime pass that repairs stuck
// exits, detects position drift in both directions, recovers untracked
// broker positions, and flips broker health to degraded after repeated
// failures.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/scrantonlabs/eventbot/internal/broker"
	"github.com/scrantonlabs/eventbot/internal/models"
)

// ErrStartupDiscrepancy is wrapped by every fatal startup finding so the
// entry point can distinguish "refuse to start" from transport failures.
var ErrStartupDiscrepancy = errors.New("reconcile: startup discrepancy")

// store is the persistence seam the reconciler reads and repairs through.
type store interface {
	ListNonTerminalOrderIntents() ([]models.OrderIntent, error)
	GetOrderIntent(clientOrderID string) (models.OrderIntent, error)
	UpdateOrderIntent(models.OrderIntent) error
	InsertFill(models.Fill) error
	OpenPositionTracking() ([]models.Position, error)
	DeletePositionTracking(symbol string) error
	SnapshotBrokerPositions([]models.BrokerPosition, time.Time) error
	InsertReconciliationReport(models.ReconciliationReport) error
	GetBotState(key string) (string, bool, error)
	SetBotState(key, value string) error
}

// tracker is the in-memory position view the runtime pass repairs.
type tracker interface {
	All() []models.Position
	SetPendingExit(symbol string, pending bool) error
	Recover(models.Position) error
}

// notifier receives reconciliation alerts. May be nil.
type notifier interface {
	Notify(ctx context.Context, event, message string) error
}

// Config bounds the runtime pass.
type Config struct {
	CycleTimeout           time.Duration
	MaxConsecutiveFailures int
}

// DefaultConfig allows a generous per-cycle budget and degrades after
// three straight failures.
var DefaultConfig = Config{
	CycleTimeout:           30 * time.Second,
	MaxConsecutiveFailures: 3,
}

// Reconciler runs both passes against one broker/store pair.
type Reconciler struct {
	cfg      Config
	broker   broker.Broker
	store    store
	tracker  tracker
	notify   notifier
	logger   *log.Logger
	failures int
}

// New constructs a Reconciler. tracker and notify may be nil (the startup
// pass runs before the tracker is hydrated).
func New(cfg Config, b broker.Broker, s store, tr tracker, n notifier, logger *log.Logger) *Reconciler {
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = DefaultConfig.CycleTimeout
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultConfig.MaxConsecutiveFailures
	}
	if logger == nil {
		logger = log.New(os.Stderr, "reconcile: ", log.LstdFlags)
	}
	return &Reconciler{cfg: cfg, broker: b, store: s, tracker: tr, notify: n, logger: logger}
}

// Startup performs the blocking startup pass. Any discrepancy it cannot
// deterministically repair returns an error wrapping
// ErrStartupDiscrepancy along with the report describing every finding;
// the caller writes the report out and exits non-zero.
func (r *Reconciler) Startup(ctx context.Context) (models.ReconciliationReport, error) {
	started := time.Now().UTC()
	report := models.ReconciliationReport{Timestamp: started, Status: "ok"}

	openOrders, err := r.broker.GetOpenOrders(ctx)
	if err != nil {
		return r.finishStartup(report, started, fmt.Errorf("reconcile: startup: list open orders: %w", err))
	}
	brokerPositions, err := r.broker.GetPositions(ctx)
	if err != nil {
		return r.finishStartup(report, started, fmt.Errorf("reconcile: startup: list positions: %w", err))
	}
	intents, err := r.store.ListNonTerminalOrderIntents()
	if err != nil {
		return r.finishStartup(report, started, fmt.Errorf("reconcile: startup: list intents: %w", err))
	}

	// Rule 1: broker terminal, store non-terminal: the broker is the
	// source of truth for order lifecycle, so apply its state.
	for _, intent := range intents {
		if intent.BrokerOrderID == "" {
			// Persisted but never submitted (crash between insert and
			// submit). The deterministic id makes replaying the signal
			// safe, so this is not a discrepancy.
			continue
		}
		order, err := r.broker.GetOrderByID(ctx, intent.BrokerOrderID)
		if err != nil {
			return r.finishStartup(report, started, fmt.Errorf("reconcile: startup: fetch order %s: %w", intent.BrokerOrderID, err))
		}
		if order.Status.IsTerminal() {
			r.logger.Printf("applying broker state to intent %s: %s -> %s", intent.ClientOrderID, intent.Status, order.Status)
			r.applyBrokerOrder(&intent, order)
		}
	}

	// Rules 2 and 3 inspect every order the broker still has working.
	for _, o := range openOrders {
		stored, err := r.store.GetOrderIntent(o.ClientOrderID)
		if err != nil {
			report.Discrepancies = append(report.Discrepancies, models.Discrepancy{
				Rule:        "unknown_broker_order",
				Symbol:      o.Symbol,
				Description: fmt.Sprintf("broker has open order %s (client %s) with no stored intent", o.BrokerOrderID, o.ClientOrderID),
			})
			continue
		}
		if stored.Status.IsTerminal() {
			report.Discrepancies = append(report.Discrepancies, models.Discrepancy{
				Rule:        "terminal_intent_open_at_broker",
				Symbol:      o.Symbol,
				Description: fmt.Sprintf("intent %s is %s locally but still open at the broker", o.ClientOrderID, stored.Status),
			})
		}
	}

	// Rule 4 plus ghost cleanup over the position tables.
	tracked, err := r.store.OpenPositionTracking()
	if err != nil {
		return r.finishStartup(report, started, fmt.Errorf("reconcile: startup: list tracked positions: %w", err))
	}
	brokerBySymbol := make(map[string]models.BrokerPosition, len(brokerPositions))
	for _, p := range brokerPositions {
		brokerBySymbol[p.Symbol] = p
	}
	openOrderSymbols := make(map[string]bool, len(openOrders))
	for _, o := range openOrders {
		openOrderSymbols[o.Symbol] = true
	}
	trackedSymbols := make(map[string]bool, len(tracked))
	for _, pos := range tracked {
		trackedSymbols[pos.Symbol] = true
	}
	for _, pos := range tracked {
		bp, held := brokerBySymbol[pos.Symbol]
		if !held {
			if openOrderSymbols[pos.Symbol] {
				report.Discrepancies = append(report.Discrepancies, models.Discrepancy{
					Rule:        "position_missing_at_broker",
					Symbol:      pos.Symbol,
					Description: fmt.Sprintf("tracked position of %s has no broker position but open orders exist", pos.CurrentQuantity),
				})
				continue
			}
			// Ghost position: nothing at the broker and nothing working,
			// so the stored row is stale. Cleared automatically.
			r.logger.Printf("clearing ghost position %s (%s tracked, none at broker)", pos.Symbol, pos.CurrentQuantity)
			if err := r.store.DeletePositionTracking(pos.Symbol); err != nil {
				return r.finishStartup(report, started, fmt.Errorf("reconcile: startup: clear ghost %s: %w", pos.Symbol, err))
			}
			r.announce(ctx, "ghost_position", fmt.Sprintf("cleared ghost position %s", pos.Symbol))
			continue
		}
		if !bp.Quantity.Equal(pos.CurrentQuantity) {
			report.Discrepancies = append(report.Discrepancies, models.Discrepancy{
				Rule:        "position_quantity_mismatch",
				Symbol:      pos.Symbol,
				Description: fmt.Sprintf("tracked %s vs broker %s", pos.CurrentQuantity, bp.Quantity),
			})
		}
	}

	// The mismatch rule is symmetric: a broker position with no tracked
	// row at all is a quantity mismatch against an implicit zero, and
	// adopting it silently could hide a real failure.
	for _, bp := range brokerPositions {
		if trackedSymbols[bp.Symbol] {
			continue
		}
		report.Discrepancies = append(report.Discrepancies, models.Discrepancy{
			Rule:        "position_missing_at_store",
			Symbol:      bp.Symbol,
			Description: fmt.Sprintf("broker holds %s with no tracked position", bp.Quantity),
		})
	}

	if len(report.Discrepancies) > 0 {
		report.Status = "discrepancies"
		return r.finishStartup(report, started,
			fmt.Errorf("%w: %d finding(s)", ErrStartupDiscrepancy, len(report.Discrepancies)))
	}

	if err := r.store.SnapshotBrokerPositions(brokerPositions, time.Now().UTC()); err != nil {
		return r.finishStartup(report, started, fmt.Errorf("reconcile: startup: snapshot positions: %w", err))
	}
	return r.finishStartup(report, started, nil)
}

func (r *Reconciler) finishStartup(report models.ReconciliationReport, started time.Time, err error) (models.ReconciliationReport, error) {
	report.Duration = time.Since(started)
	if err != nil && report.Status == "ok" {
		report.Status = "failed"
	}
	if perr := r.store.InsertReconciliationReport(report); perr != nil {
		r.logger.Printf("failed to persist startup report: %v", perr)
	}
	if err != nil {
		r.announce(context.Background(), "reconciliation_failed", err.Error())
	}
	return report, err
}

// Run drives the periodic runtime pass until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 120 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.RuntimeCycle(ctx)
		}
	}
}

// RuntimeCycle performs one advisory pass under the per-cycle timeout. A
// timeout or transport failure counts towards the consecutive-failure
// threshold; reaching it marks the broker degraded and halts trading.
func (r *Reconciler) RuntimeCycle(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, r.cfg.CycleTimeout)
	defer cancel()

	started := time.Now().UTC()
	report := models.ReconciliationReport{Timestamp: started, Status: "ok"}
	err := r.runtimePass(cycleCtx, &report)
	report.Duration = time.Since(started)

	if err != nil {
		report.Status = "failed"
		r.failures++
		r.logger.Printf("runtime reconciliation failed (%d consecutive): %v", r.failures, err)
		if r.failures >= r.cfg.MaxConsecutiveFailures {
			r.degrade(ctx)
		}
	} else {
		r.failures = 0
		if len(report.Discrepancies) > 0 {
			report.Status = "discrepancies"
		}
	}
	if perr := r.store.InsertReconciliationReport(report); perr != nil {
		r.logger.Printf("failed to persist runtime report: %v", perr)
	}
}

func (r *Reconciler) runtimePass(ctx context.Context, report *models.ReconciliationReport) error {
	openOrders, err := r.broker.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: runtime: list open orders: %w", err)
	}
	brokerPositions, err := r.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: runtime: list positions: %w", err)
	}

	brokerBySymbol := make(map[string]models.BrokerPosition, len(brokerPositions))
	for _, p := range brokerPositions {
		brokerBySymbol[p.Symbol] = p
	}
	openBySymbol := make(map[string]bool, len(openOrders))
	for _, o := range openOrders {
		openBySymbol[o.Symbol] = true
	}

	// Stuck-exit repair: a pendingExit flag with neither a working exit
	// order nor the underlying position can never clear itself.
	if r.tracker != nil {
		for _, pos := range r.tracker.All() {
			if !pos.PendingExit {
				continue
			}
			_, held := brokerBySymbol[pos.Symbol]
			if !openBySymbol[pos.Symbol] && !held {
				r.logger.Printf("clearing stuck pendingExit for %s", pos.Symbol)
				if err := r.tracker.SetPendingExit(pos.Symbol, false); err != nil {
					return fmt.Errorf("reconcile: runtime: clear pendingExit %s: %w", pos.Symbol, err)
				}
			}
		}

		// Advisory position drift check; warned, never auto-adjusted.
		trackedSymbols := make(map[string]bool)
		for _, pos := range r.tracker.All() {
			trackedSymbols[pos.Symbol] = true
			bp, held := brokerBySymbol[pos.Symbol]
			if !held || !bp.Quantity.Equal(pos.CurrentQuantity) {
				got := "none"
				if held {
					got = bp.Quantity.String()
				}
				r.logger.Printf("position drift %s: tracked %s, broker %s", pos.Symbol, pos.CurrentQuantity, got)
				report.Discrepancies = append(report.Discrepancies, models.Discrepancy{
					Rule:        "position_drift",
					Symbol:      pos.Symbol,
					Description: fmt.Sprintf("tracked %s vs broker %s", pos.CurrentQuantity, got),
				})
			}
		}

		// The reverse direction: a broker position with no tracked
		// counterpart (opened out-of-band, or lost from the tracker in a
		// crash mid-fill). Reported, then recovered into the tracker so it
		// is counted, visible, and persisted for the next rehydration. The
		// ATR for a recovered lot is unknown, which keeps the exit scan
		// off it until an operator intervenes.
		for _, bp := range brokerPositions {
			if trackedSymbols[bp.Symbol] {
				continue
			}
			r.logger.Printf("untracked broker position %s: broker %s, tracked none", bp.Symbol, bp.Quantity)
			report.Discrepancies = append(report.Discrepancies, models.Discrepancy{
				Rule:        "untracked_broker_position",
				Symbol:      bp.Symbol,
				Description: fmt.Sprintf("broker holds %s with no tracked position", bp.Quantity),
			})
			recovered := models.Position{
				Symbol:          bp.Symbol,
				Side:            models.SideBuy,
				CurrentQuantity: bp.Quantity,
				EntryPrice:      bp.AverageEntryPrice,
				OpenedAt:        time.Now().UTC(),
			}
			if err := r.tracker.Recover(recovered); err != nil {
				return fmt.Errorf("reconcile: runtime: recover position %s: %w", bp.Symbol, err)
			}
			r.announce(ctx, "untracked_position", fmt.Sprintf("recovered untracked broker position %s (%s)", bp.Symbol, bp.Quantity))
		}
	}

	return r.reconcileFills(ctx, report)
}

// reconcileFills compares every non-terminal intent against the broker's
// fill progress and inserts any missing fill rows idempotently.
func (r *Reconciler) reconcileFills(ctx context.Context, report *models.ReconciliationReport) error {
	intents, err := r.store.ListNonTerminalOrderIntents()
	if err != nil {
		return fmt.Errorf("reconcile: runtime: list intents: %w", err)
	}
	for _, intent := range intents {
		if intent.BrokerOrderID == "" {
			continue
		}
		order, err := r.broker.GetOrderByID(ctx, intent.BrokerOrderID)
		if err != nil {
			return fmt.Errorf("reconcile: runtime: fetch order %s: %w", intent.BrokerOrderID, err)
		}
		if !order.FilledQuantity.Equal(intent.FilledQuantity) {
			fill := models.Fill{
				DedupeKey:     models.FillDedupeKey(order.BrokerOrderID, order.FilledQuantity, order.AverageFilledPrice),
				BrokerOrderID: order.BrokerOrderID,
				ClientOrderID: intent.ClientOrderID,
				Quantity:      order.FilledQuantity.Sub(intent.FilledQuantity),
				Price:         order.AverageFilledPrice,
				Timestamp:     order.UpdatedAt,
			}
			if err := r.store.InsertFill(fill); err != nil {
				return fmt.Errorf("reconcile: runtime: insert fill %s: %w", fill.DedupeKey, err)
			}
			report.Discrepancies = append(report.Discrepancies, models.Discrepancy{
				Rule:        "missed_fill",
				Symbol:      intent.Symbol,
				Description: fmt.Sprintf("intent %s filled %s at broker vs %s stored", intent.ClientOrderID, order.FilledQuantity, intent.FilledQuantity),
			})
			r.applyBrokerOrder(&intent, order)
		}
	}
	return nil
}

// applyBrokerOrder copies the broker's view of an order onto the stored
// intent.
func (r *Reconciler) applyBrokerOrder(intent *models.OrderIntent, order models.Order) {
	intent.Status = order.Status
	intent.FilledQuantity = order.FilledQuantity
	intent.AverageFillPrice = order.AverageFilledPrice
	intent.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdateOrderIntent(*intent); err != nil {
		r.logger.Printf("failed to persist reconciled intent %s: %v", intent.ClientOrderID, err)
	}
}

// degrade flips broker health and halts trading after the configured run
// of failures.
func (r *Reconciler) degrade(ctx context.Context) {
	if err := r.store.SetBotState(models.StateKeyBrokerHealth, models.BrokerHealthDegraded); err != nil {
		r.logger.Printf("failed to persist broker health: %v", err)
	}
	if err := r.store.SetBotState(models.StateKeyTradingHalted, "true"); err != nil {
		r.logger.Printf("failed to persist trading halt: %v", err)
	}
	r.logger.Printf("broker marked degraded after %d consecutive reconciliation failures; trading halted", r.failures)
	r.announce(ctx, "broker_degraded", "runtime reconciliation failed repeatedly; trading halted")
}

func (r *Reconciler) announce(ctx context.Context, event, message string) {
	if r.notify == nil {
		return
	}
	if err := r.notify.Notify(ctx, event, message); err != nil {
		r.logger.Printf("notify failed: %v", err)
	}
}
