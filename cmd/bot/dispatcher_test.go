package main

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/scrantonlabs/eventbot/internal/data"
	"github.com/scrantonlabs/eventbot/internal/eventbus"
	"github.com/scrantonlabs/eventbot/internal/exit"
	"github.com/scrantonlabs/eventbot/internal/marketdata"
	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOrders struct {
	entryCalls int
	exitCalls  int
	entryErr   error
	exitErr    error
	lastEntry  models.Signal
	intent     models.OrderIntent
}

func (f *fakeOrders) SubmitEntry(ctx context.Context, sig models.Signal, equity, price decimal.Decimal) (models.OrderIntent, error) {
	f.entryCalls++
	f.lastEntry = sig
	return f.intent, f.entryErr
}

func (f *fakeOrders) SubmitExit(ctx context.Context, symbol string, side models.Side, quantity decimal.Decimal, sig models.Signal) (models.OrderIntent, error) {
	f.exitCalls++
	return f.intent, f.exitErr
}

type fakePositions struct {
	positions map[string]*models.Position
	fills     []models.Fill
}

func (f *fakePositions) Get(symbol string) (models.Position, bool) {
	p, ok := f.positions[symbol]
	if !ok {
		return models.Position{}, false
	}
	return *p, true
}

func (f *fakePositions) ApplyFill(symbol string, side models.Side, fillQty, avgPrice, atrValue decimal.Decimal, at time.Time) error {
	f.fills = append(f.fills, models.Fill{ClientOrderID: symbol, Quantity: fillQty, Price: avgPrice})
	if p, ok := f.positions[symbol]; ok && p.ATRValue.IsZero() {
		p.ATRValue = atrValue
	}
	return nil
}

func (f *fakePositions) UpdateTrailingStop(symbol string, closePrice decimal.Decimal) error {
	return nil
}

func (f *fakePositions) SetPendingExit(symbol string, pending bool) error {
	if p, ok := f.positions[symbol]; ok {
		p.PendingExit = pending
	}
	return nil
}

type fakeIntents struct {
	intents map[string]*models.OrderIntent
	fills   []models.Fill
}

func (f *fakeIntents) GetOrderIntent(clientOrderID string) (models.OrderIntent, error) {
	i, ok := f.intents[clientOrderID]
	if !ok {
		return models.OrderIntent{}, errors.New("not found")
	}
	return *i, nil
}

func (f *fakeIntents) UpdateOrderIntent(oi models.OrderIntent) error {
	f.intents[oi.ClientOrderID] = &oi
	return nil
}

func (f *fakeIntents) InsertFill(fill models.Fill) error {
	f.fills = append(f.fills, fill)
	return nil
}

type fakeEquity struct{}

func (fakeEquity) GetAccount(ctx context.Context) (models.Account, error) {
	return models.Account{PortfolioValue: decimal.NewFromInt(100000)}, nil
}

type fakeFeedback struct {
	failures  int
	successes int
}

func (f *fakeFeedback) RecordFailure(symbol string, now time.Time) { f.failures++ }
func (f *fakeFeedback) RecordSuccess(symbol string)                { f.successes++ }

type fakeStrategy struct {
	signals []models.Signal
}

func (f *fakeStrategy) OnBar(symbol string, history []models.Bar) []models.Signal {
	return f.signals
}

type fakeHistory struct{}

func (fakeHistory) History(symbol string) []models.Bar { return nil }

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func exitEvent(symbol string) exit.ExitSignalEvent {
	return exit.ExitSignalEvent{
		Rule:     exit.RuleATRStop,
		Symbol:   symbol,
		Side:     models.SideSell,
		Quantity: decimal.NewFromInt(100),
		Signal: models.Signal{
			Strategy:        exit.StrategyName,
			Symbol:          symbol,
			Side:            models.SideSell,
			Timeframe:       "1m",
			SignalTimestamp: time.Now().UTC(),
		},
	}
}

func newTestDispatcher(orders *fakeOrders, tracker *fakePositions, intents *fakeIntents, feedback *fakeFeedback, strat strategyRunner) (*dispatcher, *eventbus.Bus) {
	bus := eventbus.New(64, nil)
	d := newDispatcher(context.Background(), bus, orders, tracker, intents, fakeEquity{}, strat, fakeHistory{}, feedback, nil, testLogger())
	return d, bus
}

func TestExitSignalSetsPendingExitOnSuccess(t *testing.T) {
	orders := &fakeOrders{intent: models.OrderIntent{ClientOrderID: "abc"}}
	tracker := &fakePositions{positions: map[string]*models.Position{
		"AAPL": {Symbol: "AAPL", CurrentQuantity: decimal.NewFromInt(100)},
	}}
	feedback := &fakeFeedback{}
	d, _ := newTestDispatcher(orders, tracker, &fakeIntents{intents: map[string]*models.OrderIntent{}}, feedback, nil)

	d.handle(exitEvent("AAPL"))

	assert.Equal(t, 1, orders.exitCalls)
	assert.True(t, tracker.positions["AAPL"].PendingExit)
	assert.Equal(t, 1, feedback.successes)
	assert.Zero(t, feedback.failures)
}

func TestExitSignalFailureRecordsBackoff(t *testing.T) {
	orders := &fakeOrders{exitErr: errors.New("broker down")}
	tracker := &fakePositions{positions: map[string]*models.Position{
		"AAPL": {Symbol: "AAPL", CurrentQuantity: decimal.NewFromInt(100)},
	}}
	feedback := &fakeFeedback{}
	d, _ := newTestDispatcher(orders, tracker, &fakeIntents{intents: map[string]*models.OrderIntent{}}, feedback, nil)

	d.handle(exitEvent("AAPL"))

	assert.False(t, tracker.positions["AAPL"].PendingExit)
	assert.Equal(t, 1, feedback.failures)
	assert.Zero(t, feedback.successes)
}

func TestCanceledExitOrderClearsPendingExit(t *testing.T) {
	tracker := &fakePositions{positions: map[string]*models.Position{
		"AAPL": {Symbol: "AAPL", CurrentQuantity: decimal.NewFromInt(100), PendingExit: true},
	}}
	intents := &fakeIntents{intents: map[string]*models.OrderIntent{
		"exit1": {ClientOrderID: "exit1", Symbol: "AAPL", Side: models.SideSell, Status: models.OrderStatusAccepted},
	}}
	d, _ := newTestDispatcher(&fakeOrders{}, tracker, intents, &fakeFeedback{}, nil)

	d.handle(marketdata.OrderStatusUpdate{
		BrokerOrderID: "b1",
		ClientOrderID: "exit1",
		Status:        models.OrderStatusCanceled,
	})

	assert.False(t, tracker.positions["AAPL"].PendingExit, "terminal failure of the exit order re-arms the scan")
	assert.Equal(t, models.OrderStatusCanceled, intents.intents["exit1"].Status)
}

func TestOrderFillFlowsToTrackerWithSignalATR(t *testing.T) {
	orders := &fakeOrders{intent: models.OrderIntent{ClientOrderID: "c1", Symbol: "AAPL", Side: models.SideBuy}}
	tracker := &fakePositions{positions: map[string]*models.Position{
		"AAPL": {Symbol: "AAPL"},
	}}
	intents := &fakeIntents{intents: map[string]*models.OrderIntent{
		"c1": {ClientOrderID: "c1", Symbol: "AAPL", Side: models.SideBuy, Status: models.OrderStatusAccepted},
	}}
	d, _ := newTestDispatcher(orders, tracker, intents, &fakeFeedback{}, nil)

	// The accepted entry signal parks its metadata for the fill.
	d.handle(SignalEvent{Signal: models.Signal{
		Symbol: "AAPL",
		Side:   models.SideBuy,
		Metadata: models.SignalMetadata{
			CurrentPrice: decimal.NewFromInt(150),
			ATR:          decimal.NewFromInt(2),
		},
	}})
	require.Equal(t, 1, orders.entryCalls)

	d.handle(marketdata.OrderStatusUpdate{
		BrokerOrderID:      "b1",
		ClientOrderID:      "c1",
		Status:             models.OrderStatusFilled,
		FilledQuantity:     decimal.NewFromInt(33),
		AverageFilledPrice: decimal.NewFromInt(150),
	})

	require.Len(t, intents.fills, 1)
	assert.True(t, intents.fills[0].Quantity.Equal(decimal.NewFromInt(33)))
	require.Len(t, tracker.fills, 1)
	assert.True(t, tracker.positions["AAPL"].ATRValue.Equal(decimal.NewFromInt(2)), "ATR from signal metadata reaches the opened position")
}

func TestDuplicateOrderUpdateIsIdempotent(t *testing.T) {
	tracker := &fakePositions{positions: map[string]*models.Position{"AAPL": {Symbol: "AAPL"}}}
	intents := &fakeIntents{intents: map[string]*models.OrderIntent{
		"c1": {ClientOrderID: "c1", Symbol: "AAPL", Side: models.SideBuy, Status: models.OrderStatusAccepted},
	}}
	d, _ := newTestDispatcher(&fakeOrders{}, tracker, intents, &fakeFeedback{}, nil)

	update := marketdata.OrderStatusUpdate{
		BrokerOrderID:      "b1",
		ClientOrderID:      "c1",
		Status:             models.OrderStatusFilled,
		FilledQuantity:     decimal.NewFromInt(33),
		AverageFilledPrice: decimal.NewFromInt(150),
	}
	d.handle(update)
	d.handle(update) // terminal intent; second delivery is a no-op

	assert.Len(t, tracker.fills, 1)
	assert.Len(t, intents.fills, 1)
}

func TestBarEventRunsStrategyAndPublishesSignals(t *testing.T) {
	strat := &fakeStrategy{signals: []models.Signal{
		{Symbol: "AAPL", Side: models.SideBuy},
		{Symbol: "AAPL", Side: models.SideSell},
	}}
	d, bus := newTestDispatcher(&fakeOrders{}, &fakePositions{positions: map[string]*models.Position{}}, &fakeIntents{intents: map[string]*models.OrderIntent{}}, &fakeFeedback{}, strat)

	d.handle(data.BarEvent{Bar: models.Bar{
		Symbol:    "AAPL",
		Timeframe: "1m",
		Timestamp: time.Now().UTC(),
		Close:     decimal.NewFromInt(150),
	}})

	// Drain the main channel to observe the published signal events, in
	// the order the strategy produced them.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	timeout := time.AfterFunc(5*time.Second, cancel)
	defer timeout.Stop()

	var published []models.Side
	bus.Dispatch(ctx, func(ev eventbus.Event) {
		if e, ok := ev.(SignalEvent); ok {
			published = append(published, e.Signal.Side)
			if len(published) == 2 {
				cancel()
			}
		}
	})
	assert.Equal(t, []models.Side{models.SideBuy, models.SideSell}, published)
}
