package main

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/scrantonlabs/eventbot/internal/data"
	"github.com/scrantonlabs/eventbot/internal/eventbus"
	"github.com/scrantonlabs/eventbot/internal/exit"
	"github.com/scrantonlabs/eventbot/internal/marketdata"
	"github.com/scrantonlabs/eventbot/internal/metrics"
	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/scrantonlabs/eventbot/internal/risk"
	"github.com/shopspring/decimal"
)

// SignalEvent carries one strategy signal from the bar handler to the
// order submission path, preserving the order the strategy produced
// them in.
type SignalEvent struct {
	Signal models.Signal
}

// ordersAPI is the slice of the order manager the dispatcher drives.
type ordersAPI interface {
	SubmitEntry(ctx context.Context, sig models.Signal, equity, price decimal.Decimal) (models.OrderIntent, error)
	SubmitExit(ctx context.Context, symbol string, side models.Side, quantity decimal.Decimal, sig models.Signal) (models.OrderIntent, error)
}

// positionView is the tracker slice the dispatcher mutates on fills and
// exit submissions.
type positionView interface {
	Get(symbol string) (models.Position, bool)
	ApplyFill(symbol string, side models.Side, fillQty, avgPrice, atrValue decimal.Decimal, at time.Time) error
	UpdateTrailingStop(symbol string, closePrice decimal.Decimal) error
	SetPendingExit(symbol string, pending bool) error
}

// intentStore is the order-intent slice consulted when order updates
// arrive.
type intentStore interface {
	GetOrderIntent(clientOrderID string) (models.OrderIntent, error)
	UpdateOrderIntent(models.OrderIntent) error
	InsertFill(models.Fill) error
}

// equitySource feeds position sizing with current account equity.
type equitySource interface {
	GetAccount(ctx context.Context) (models.Account, error)
}

// strategyRunner is the strategy contract the bar path invokes.
type strategyRunner interface {
	OnBar(symbol string, history []models.Bar) []models.Signal
}

// historySource hands the strategy its per-symbol rolling window.
type historySource interface {
	History(symbol string) []models.Bar
}

// exitFeedback closes the loop back to the exit manager's back-off table.
type exitFeedback interface {
	RecordFailure(symbol string, now time.Time)
	RecordSuccess(symbol string)
}

// dispatcher routes every event the bus delivers. It owns the transient
// signal-metadata map that carries ATR from an accepted entry signal to
// the fill that opens the position.
type dispatcher struct {
	ctx      context.Context
	bus      *eventbus.Bus
	orders   ordersAPI
	tracker  positionView
	store    intentStore
	account  equitySource
	strategy strategyRunner
	history  historySource
	exits    exitFeedback
	metrics  *metrics.Metrics
	logger   *log.Logger

	// clientOrderID -> metadata of the signal that produced the intent.
	// Rebuilt naturally after a restart: reconciliation re-applies any
	// missed fills and the ATR for rehydrated positions comes from the
	// store.
	signalMeta map[string]models.SignalMetadata
}

func newDispatcher(ctx context.Context, bus *eventbus.Bus, orders ordersAPI, tracker positionView, store intentStore,
	account equitySource, strat strategyRunner, history historySource, exits exitFeedback, m *metrics.Metrics, logger *log.Logger) *dispatcher {
	return &dispatcher{
		ctx:        ctx,
		bus:        bus,
		orders:     orders,
		tracker:    tracker,
		store:      store,
		account:    account,
		strategy:   strat,
		history:    history,
		exits:      exits,
		metrics:    m,
		logger:     logger,
		signalMeta: make(map[string]models.SignalMetadata),
	}
}

// handle is the single handler the bus dispatcher invokes for every
// event, exit-channel events first.
func (d *dispatcher) handle(ev eventbus.Event) {
	switch e := ev.(type) {
	case data.BarEvent:
		d.onBar(e)
	case SignalEvent:
		d.onSignal(e)
	case exit.ExitSignalEvent:
		d.onExitSignal(e)
	case marketdata.OrderStatusUpdate:
		d.onOrderUpdate(e)
	}
}

// onBar ratchets trailing stops and runs the strategy over the updated
// window, publishing each resulting signal in order.
func (d *dispatcher) onBar(e data.BarEvent) {
	if d.metrics != nil {
		d.metrics.BarsProcessed.Inc()
	}
	if err := d.tracker.UpdateTrailingStop(e.Bar.Symbol, e.Bar.Close); err != nil {
		d.logger.Printf("trailing stop update failed for %s: %v", e.Bar.Symbol, err)
	}
	if d.strategy == nil {
		return
	}
	for _, sig := range d.strategy.OnBar(e.Bar.Symbol, d.history.History(e.Bar.Symbol)) {
		if d.metrics != nil {
			d.metrics.SignalsGenerated.Inc()
		}
		d.bus.PublishMain(SignalEvent{Signal: sig})
	}
}

// onSignal runs a strategy signal through the full submission protocol.
func (d *dispatcher) onSignal(e SignalEvent) {
	acct, err := d.account.GetAccount(d.ctx)
	if err != nil {
		d.logger.Printf("dropping signal %s/%s: account fetch failed: %v", e.Signal.Symbol, e.Signal.Side, err)
		return
	}
	price := e.Signal.Metadata.CurrentPrice
	if !price.IsPositive() {
		d.logger.Printf("dropping signal %s/%s: no reference price", e.Signal.Symbol, e.Signal.Side)
		return
	}
	if d.metrics != nil {
		d.metrics.OrdersSubmitted.Inc()
	}
	intent, err := d.orders.SubmitEntry(d.ctx, e.Signal, acct.PortfolioValue, price)
	if err != nil {
		if d.metrics != nil {
			d.metrics.OrdersRejected.Inc()
		}
		var safetyErr *risk.SafetyError
		var riskErr *risk.RiskError
		switch {
		case errors.As(err, &safetyErr):
			d.logger.Printf("signal %s/%s aborted: %v", e.Signal.Symbol, e.Signal.Side, err)
		case errors.As(err, &riskErr):
			d.logger.Printf("signal %s/%s rejected: %v", e.Signal.Symbol, e.Signal.Side, err)
		default:
			d.logger.Printf("signal %s/%s failed: %v", e.Signal.Symbol, e.Signal.Side, err)
		}
		return
	}
	d.signalMeta[intent.ClientOrderID] = e.Signal.Metadata
}

// onExitSignal submits an exit and feeds the result back into the exit
// manager's back-off bookkeeping.
func (d *dispatcher) onExitSignal(e exit.ExitSignalEvent) {
	if d.metrics != nil {
		d.metrics.ExitSignalsEmitted.Inc()
	}
	_, err := d.orders.SubmitExit(d.ctx, e.Symbol, e.Side, e.Quantity, e.Signal)
	if err != nil {
		d.logger.Printf("exit submission failed for %s (%s): %v", e.Symbol, e.Rule, err)
		if d.exits != nil {
			d.exits.RecordFailure(e.Symbol, time.Now().UTC())
		}
		return
	}
	if err := d.tracker.SetPendingExit(e.Symbol, true); err != nil {
		d.logger.Printf("failed to flag pendingExit for %s: %v", e.Symbol, err)
	}
	if d.exits != nil {
		d.exits.RecordSuccess(e.Symbol)
	}
}

// onOrderUpdate applies a broker order-state change: intent update, fill
// recording, position mutation, and pendingExit bookkeeping.
func (d *dispatcher) onOrderUpdate(u marketdata.OrderStatusUpdate) {
	intent, err := d.store.GetOrderIntent(u.ClientOrderID)
	if err != nil {
		d.logger.Printf("order update for unknown intent %s (broker %s)", u.ClientOrderID, u.BrokerOrderID)
		return
	}
	if intent.Status.IsTerminal() {
		return // terminal intents only move via reconciliation
	}

	fillDelta := u.FilledQuantity.Sub(intent.FilledQuantity)

	intent.Status = u.Status
	intent.BrokerOrderID = u.BrokerOrderID
	intent.FilledQuantity = u.FilledQuantity
	intent.AverageFillPrice = u.AverageFilledPrice
	intent.UpdatedAt = time.Now().UTC()
	if err := d.store.UpdateOrderIntent(intent); err != nil {
		d.logger.Printf("failed to persist order update %s: %v", intent.ClientOrderID, err)
	}

	if fillDelta.IsPositive() {
		fill := models.Fill{
			DedupeKey:     models.FillDedupeKey(u.BrokerOrderID, u.FilledQuantity, u.AverageFilledPrice),
			BrokerOrderID: u.BrokerOrderID,
			ClientOrderID: u.ClientOrderID,
			Quantity:      fillDelta,
			Price:         u.AverageFilledPrice,
			Timestamp:     intent.UpdatedAt,
		}
		if err := d.store.InsertFill(fill); err != nil {
			d.logger.Printf("failed to persist fill %s: %v", fill.DedupeKey, err)
		}
		atr := d.signalMeta[intent.ClientOrderID].ATR
		if err := d.tracker.ApplyFill(intent.Symbol, intent.Side, fillDelta, u.AverageFilledPrice, atr, intent.UpdatedAt); err != nil {
			d.logger.Printf("failed to apply fill to tracker for %s: %v", intent.Symbol, err)
		}
	}

	if intent.Status.IsTerminal() {
		delete(d.signalMeta, intent.ClientOrderID)
		// An exit order that died without filling leaves the position
		// open; clearing pendingExit lets the next scan try again.
		if intent.Status != models.OrderStatusFilled {
			if pos, ok := d.tracker.Get(intent.Symbol); ok && pos.PendingExit {
				if err := d.tracker.SetPendingExit(intent.Symbol, false); err != nil {
					d.logger.Printf("failed to clear pendingExit for %s: %v", intent.Symbol, err)
				}
			}
		}
	}
}
