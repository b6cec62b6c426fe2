package exit

import (
	"context"
	"testing"
	"time"

	"github.com/scrantonlabs/eventbot/internal/eventbus"
	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTracker struct {
	positions map[string]*models.Position
}

func (f *fakeTracker) All() []models.Position {
	out := make([]models.Position, 0, len(f.positions))
	for _, p := range f.positions {
		out = append(out, *p)
	}
	return out
}

func (f *fakeTracker) UpdateTrailingStop(symbol string, closePrice decimal.Decimal) error {
	p, ok := f.positions[symbol]
	if !ok {
		return nil
	}
	candidate := closePrice.Sub(decimal.NewFromFloat(1.5).Mul(p.ATRValue))
	if candidate.GreaterThan(p.TrailingStopPrice) {
		p.TrailingStopPrice = candidate
	}
	return nil
}

func (f *fakeTracker) Get(symbol string) (models.Position, bool) {
	p, ok := f.positions[symbol]
	if !ok {
		return models.Position{}, false
	}
	return *p, true
}

type fakePrices struct {
	prices map[string]decimal.Decimal
}

func (f *fakePrices) LastPrice(symbol string) (decimal.Decimal, bool) {
	p, ok := f.prices[symbol]
	return p, ok
}

type fakeClock struct {
	open bool
}

func (f *fakeClock) GetClock(ctx context.Context) (models.Clock, error) {
	return models.Clock{IsOpen: f.open, FetchedAt: time.Now().UTC()}, nil
}

type fakeAttempts struct {
	attempts map[string]models.ExitAttempt
}

func newFakeAttempts() *fakeAttempts {
	return &fakeAttempts{attempts: map[string]models.ExitAttempt{}}
}

func (f *fakeAttempts) GetExitAttempt(symbol string) (models.ExitAttempt, error) {
	a, ok := f.attempts[symbol]
	if !ok {
		return models.ExitAttempt{Symbol: symbol}, nil
	}
	return a, nil
}

func (f *fakeAttempts) UpsertExitAttempt(a models.ExitAttempt) error {
	f.attempts[a.Symbol] = a
	return nil
}

func (f *fakeAttempts) ClearExitAttempt(symbol string) error {
	delete(f.attempts, symbol)
	return nil
}

func position(symbol string, entry, atr float64) *models.Position {
	return &models.Position{
		Symbol:          symbol,
		Side:            models.SideBuy,
		CurrentQuantity: decimal.NewFromInt(100),
		EntryPrice:      decimal.NewFromFloat(entry),
		ATRValue:        decimal.NewFromFloat(atr),
		OpenedAt:        time.Now().UTC(),
	}
}

// drainExits collects every event currently queued on the bus's exit
// channel.
func drainExits(t *testing.T, bus *eventbus.Bus) []ExitSignalEvent {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out []ExitSignalEvent
	bus.Dispatch(ctx, func(ev eventbus.Event) {
		if e, ok := ev.(ExitSignalEvent); ok {
			out = append(out, e)
		}
	})
	return out
}

func newManager(tr *fakeTracker, prices *fakePrices, clock clockSource, attempts attemptStore) (*Manager, *eventbus.Bus) {
	bus := eventbus.New(16, nil)
	m := New(DefaultConfig, tr, prices, clock, attempts, bus, nil)
	return m, bus
}

func TestRulePriority(t *testing.T) {
	tests := []struct {
		name     string
		entry    float64
		atr      float64
		trailing float64
		price    float64
		want     Rule
		fired    bool
	}{
		{"atr stop beats pct stop", 100, 2, 0, 97.0, RuleATRStop, true},
		{"pct stop", 100, 4, 0, 98.9, RulePctStop, true},
		{"atr profit target", 100, 2, 0, 106.0, RuleATRProfit, true},
		{"pct profit target", 100, 10, 0, 102.5, RulePctProfit, true},
		{"trailing stop", 100, 2, 101.0, 100.5, RuleTrailingStop, true},
		{"no rule", 100, 2, 0, 100.5, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(DefaultConfig, nil, nil, nil, nil, eventbus.New(16, nil), nil)
			pos := *position("AAPL", tt.entry, tt.atr)
			pos.TrailingStopPrice = decimal.NewFromFloat(tt.trailing)
			rule, fired := m.evaluate(pos, decimal.NewFromFloat(tt.price))
			assert.Equal(t, tt.fired, fired)
			if tt.fired {
				assert.Equal(t, tt.want, rule)
			}
		})
	}
}

func TestScanEmitsAtMostOneSignalPerPosition(t *testing.T) {
	tr := &fakeTracker{positions: map[string]*models.Position{
		"AAPL": position("AAPL", 100, 2),
	}}
	prices := &fakePrices{prices: map[string]decimal.Decimal{"AAPL": decimal.NewFromFloat(97.0)}}
	m, bus := newManager(tr, prices, &fakeClock{open: true}, newFakeAttempts())

	m.Scan(context.Background(), time.Now().UTC())

	events := drainExits(t, bus)
	require.Len(t, events, 1)
	assert.Equal(t, RuleATRStop, events[0].Rule)
	assert.Equal(t, "AAPL", events[0].Symbol)
	assert.Equal(t, models.SideSell, events[0].Side)
	assert.True(t, events[0].Quantity.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, StrategyName, events[0].Signal.Strategy)
}

func TestScanSkipsPendingExit(t *testing.T) {
	pos := position("AAPL", 100, 2)
	pos.PendingExit = true
	tr := &fakeTracker{positions: map[string]*models.Position{"AAPL": pos}}
	prices := &fakePrices{prices: map[string]decimal.Decimal{"AAPL": decimal.NewFromFloat(90.0)}}
	m, bus := newManager(tr, prices, &fakeClock{open: true}, newFakeAttempts())

	m.Scan(context.Background(), time.Now().UTC())
	assert.Empty(t, drainExits(t, bus))
}

func TestScanSkipsInvalidATR(t *testing.T) {
	pos := position("AAPL", 100, 0)
	tr := &fakeTracker{positions: map[string]*models.Position{"AAPL": pos}}
	prices := &fakePrices{prices: map[string]decimal.Decimal{"AAPL": decimal.NewFromFloat(90.0)}}
	m, bus := newManager(tr, prices, &fakeClock{open: true}, newFakeAttempts())

	m.Scan(context.Background(), time.Now().UTC())
	assert.Empty(t, drainExits(t, bus))
}

func TestScanSkipsWhenMarketClosed(t *testing.T) {
	tr := &fakeTracker{positions: map[string]*models.Position{"AAPL": position("AAPL", 100, 2)}}
	prices := &fakePrices{prices: map[string]decimal.Decimal{"AAPL": decimal.NewFromFloat(90.0)}}
	m, bus := newManager(tr, prices, &fakeClock{open: false}, newFakeAttempts())

	m.Scan(context.Background(), time.Now().UTC())
	assert.Empty(t, drainExits(t, bus))
}

func TestBackoffDoubling(t *testing.T) {
	attempts := newFakeAttempts()
	m := New(DefaultConfig, nil, nil, nil, attempts, eventbus.New(16, nil), nil)

	now := time.Now().UTC()
	m.RecordFailure("AAPL", now)
	a := attempts.attempts["AAPL"]
	assert.Equal(t, 1, a.Attempts)
	assert.Equal(t, now.Add(1*time.Second), a.NextTryAt)

	m.RecordFailure("AAPL", now)
	a = attempts.attempts["AAPL"]
	assert.Equal(t, 2, a.Attempts)
	assert.Equal(t, now.Add(2*time.Second), a.NextTryAt)

	m.RecordFailure("AAPL", now)
	a = attempts.attempts["AAPL"]
	assert.Equal(t, 3, a.Attempts)
	assert.Equal(t, now.Add(4*time.Second), a.NextTryAt)

	// The cap bounds runaway doubling.
	for i := 0; i < 20; i++ {
		m.RecordFailure("AAPL", now)
	}
	a = attempts.attempts["AAPL"]
	assert.Equal(t, now.Add(DefaultConfig.MaxBackoff), a.NextTryAt)

	m.RecordSuccess("AAPL")
	_, ok := attempts.attempts["AAPL"]
	assert.False(t, ok)
}

func TestScanRespectsBackoff(t *testing.T) {
	tr := &fakeTracker{positions: map[string]*models.Position{"AAPL": position("AAPL", 100, 2)}}
	prices := &fakePrices{prices: map[string]decimal.Decimal{"AAPL": decimal.NewFromFloat(90.0)}}
	attempts := newFakeAttempts()
	m, bus := newManager(tr, prices, &fakeClock{open: true}, attempts)

	now := time.Now().UTC()
	m.RecordFailure("AAPL", now)

	m.Scan(context.Background(), now)
	assert.Empty(t, drainExits(t, bus), "position in back-off emits nothing")

	m.Scan(context.Background(), now.Add(2*time.Second))
	events := drainExits(t, bus)
	require.Len(t, events, 1, "back-off expiry re-enables the scan")
}

func TestTrailingStopRefreshedBeforeEvaluation(t *testing.T) {
	pos := position("AAPL", 100, 2)
	pos.TrailingStopPrice = decimal.NewFromFloat(97.0)
	tr := &fakeTracker{positions: map[string]*models.Position{"AAPL": pos}}

	// A scan at 110 must ratchet the persisted stop from 97 to
	// 110 - 1.5*ATR(2) = 107 before the exit rules are evaluated.
	prices := &fakePrices{prices: map[string]decimal.Decimal{"AAPL": decimal.NewFromFloat(110.0)}}
	m, bus := newManager(tr, prices, &fakeClock{open: true}, newFakeAttempts())
	m.Scan(context.Background(), time.Now().UTC())
	drainExits(t, bus) // 110 fires the profit target; not under test here

	assert.True(t, tr.positions["AAPL"].TrailingStopPrice.Equal(decimal.NewFromFloat(107.0)))
}
