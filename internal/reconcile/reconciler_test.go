package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scrantonlabs/eventbot/internal/models"
	storepkg "github.com/scrantonlabs/eventbot/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroker struct {
	openOrders []models.Order
	orders     map[string]models.Order
	positions  []models.BrokerPosition
	err        error
}

func (f *fakeBroker) GetClock(ctx context.Context) (models.Clock, error) {
	return models.Clock{IsOpen: true, FetchedAt: time.Now().UTC()}, nil
}
func (f *fakeBroker) GetAccount(ctx context.Context) (models.Account, error) {
	return models.Account{}, nil
}
func (f *fakeBroker) GetPositions(ctx context.Context) ([]models.BrokerPosition, error) {
	return f.positions, f.err
}
func (f *fakeBroker) GetOpenOrders(ctx context.Context) ([]models.Order, error) {
	return f.openOrders, f.err
}
func (f *fakeBroker) GetOrderByID(ctx context.Context, id string) (models.Order, error) {
	if f.err != nil {
		return models.Order{}, f.err
	}
	o, ok := f.orders[id]
	if !ok {
		return models.Order{}, errors.New("order not found")
	}
	return o, nil
}
func (f *fakeBroker) SubmitOrder(ctx context.Context, symbol string, side models.Side, quantity, limitPrice decimal.Decimal, clientOrderID string) (models.Order, error) {
	return models.Order{}, errors.New("not implemented")
}
func (f *fakeBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	return nil
}

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

func (f *fakeTracker) SetPendingExit(symbol string, pending bool) error {
	if p, ok := f.positions[symbol]; ok {
		p.PendingExit = pending
	}
	return nil
}

func (f *fakeTracker) Recover(p models.Position) error {
	if _, ok := f.positions[p.Symbol]; ok {
		return nil
	}
	f.positions[p.Symbol] = &p
	return nil
}

func newStore(t *testing.T) *storepkg.Store {
	t.Helper()
	s, err := storepkg.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insertIntent(t *testing.T, s *storepkg.Store, clientID, brokerID, symbol string, status models.OrderStatus) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, s.InsertOrderIntent(models.OrderIntent{
		ClientOrderID: clientID,
		Symbol:        symbol,
		Side:          models.SideBuy,
		Quantity:      decimal.NewFromInt(10),
		Status:        status,
		BrokerOrderID: brokerID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))
}

func TestStartupAppliesBrokerTerminalState(t *testing.T) {
	s := newStore(t)
	insertIntent(t, s, "c1", "b1", "AAPL", models.OrderStatusAccepted)
	b := &fakeBroker{orders: map[string]models.Order{
		"b1": {
			BrokerOrderID:      "b1",
			ClientOrderID:      "c1",
			Symbol:             "AAPL",
			Status:             models.OrderStatusFilled,
			FilledQuantity:     decimal.NewFromInt(10),
			AverageFilledPrice: decimal.NewFromFloat(150),
		},
	}}

	r := New(DefaultConfig, b, s, nil, nil, nil)
	report, err := r.Startup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", report.Status)

	intent, err := s.GetOrderIntent("c1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, intent.Status)
	assert.True(t, intent.FilledQuantity.Equal(decimal.NewFromInt(10)))
}

func TestStartupAbortsOnTerminalIntentOpenAtBroker(t *testing.T) {
	s := newStore(t)
	insertIntent(t, s, "c1", "b1", "AAPL", models.OrderStatusCanceled)
	b := &fakeBroker{openOrders: []models.Order{
		{BrokerOrderID: "b1", ClientOrderID: "c1", Symbol: "AAPL", Status: models.OrderStatusAccepted},
	}}

	r := New(DefaultConfig, b, s, nil, nil, nil)
	report, err := r.Startup(context.Background())
	require.ErrorIs(t, err, ErrStartupDiscrepancy)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, "terminal_intent_open_at_broker", report.Discrepancies[0].Rule)
}

func TestStartupAbortsOnUnknownBrokerOrder(t *testing.T) {
	s := newStore(t)
	b := &fakeBroker{openOrders: []models.Order{
		{BrokerOrderID: "b9", ClientOrderID: "never-seen", Symbol: "TSLA", Status: models.OrderStatusAccepted},
	}}

	r := New(DefaultConfig, b, s, nil, nil, nil)
	report, err := r.Startup(context.Background())
	require.ErrorIs(t, err, ErrStartupDiscrepancy)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, "unknown_broker_order", report.Discrepancies[0].Rule)
}

func TestStartupAbortsOnQuantityMismatch(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.UpsertPositionTracking(models.Position{
		Symbol:          "AAPL",
		Side:            models.SideBuy,
		CurrentQuantity: decimal.NewFromInt(100),
		EntryPrice:      decimal.NewFromFloat(150),
		ATRValue:        decimal.NewFromFloat(2),
		OpenedAt:        time.Now().UTC(),
	}))
	b := &fakeBroker{positions: []models.BrokerPosition{
		{Symbol: "AAPL", Quantity: decimal.NewFromInt(60)},
	}}

	r := New(DefaultConfig, b, s, nil, nil, nil)
	report, err := r.Startup(context.Background())
	require.ErrorIs(t, err, ErrStartupDiscrepancy)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, "position_quantity_mismatch", report.Discrepancies[0].Rule)
}

func TestStartupAbortsOnUntrackedBrokerPosition(t *testing.T) {
	s := newStore(t)
	b := &fakeBroker{positions: []models.BrokerPosition{
		{Symbol: "MSFT", Quantity: decimal.NewFromInt(25), AverageEntryPrice: decimal.NewFromFloat(400)},
	}}

	r := New(DefaultConfig, b, s, nil, nil, nil)
	report, err := r.Startup(context.Background())
	require.ErrorIs(t, err, ErrStartupDiscrepancy)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, "position_missing_at_store", report.Discrepancies[0].Rule)
	assert.Equal(t, "MSFT", report.Discrepancies[0].Symbol)
}

func TestStartupClearsGhostPosition(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.UpsertPositionTracking(models.Position{
		Symbol:          "XYZ",
		Side:            models.SideBuy,
		CurrentQuantity: decimal.NewFromInt(50),
		EntryPrice:      decimal.NewFromFloat(10),
		ATRValue:        decimal.NewFromFloat(1),
		OpenedAt:        time.Now().UTC(),
	}))
	b := &fakeBroker{} // no positions, no open orders

	r := New(DefaultConfig, b, s, nil, nil, nil)
	report, err := r.Startup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", report.Status)

	rows, err := s.OpenPositionTracking()
	require.NoError(t, err)
	assert.Empty(t, rows, "ghost position cleared from the store")
}

func TestRuntimeClearsStuckPendingExit(t *testing.T) {
	s := newStore(t)
	tr := &fakeTracker{positions: map[string]*models.Position{
		"AAPL": {
			Symbol:          "AAPL",
			CurrentQuantity: decimal.NewFromInt(10),
			PendingExit:     true,
		},
	}}
	b := &fakeBroker{} // neither a working order nor a position

	r := New(DefaultConfig, b, s, tr, nil, nil)
	r.RuntimeCycle(context.Background())

	assert.False(t, tr.positions["AAPL"].PendingExit)
}

func TestRuntimeKeepsPendingExitWhileOrderWorking(t *testing.T) {
	s := newStore(t)
	tr := &fakeTracker{positions: map[string]*models.Position{
		"AAPL": {
			Symbol:          "AAPL",
			CurrentQuantity: decimal.NewFromInt(10),
			PendingExit:     true,
		},
	}}
	b := &fakeBroker{
		openOrders: []models.Order{{BrokerOrderID: "b1", ClientOrderID: "c1", Symbol: "AAPL", Status: models.OrderStatusAccepted}},
		positions:  []models.BrokerPosition{{Symbol: "AAPL", Quantity: decimal.NewFromInt(10)}},
	}

	r := New(DefaultConfig, b, s, tr, nil, nil)
	r.RuntimeCycle(context.Background())

	assert.True(t, tr.positions["AAPL"].PendingExit)
}

func TestRuntimeRecoversUntrackedBrokerPosition(t *testing.T) {
	s := newStore(t)
	tr := &fakeTracker{positions: map[string]*models.Position{}}
	b := &fakeBroker{positions: []models.BrokerPosition{
		{Symbol: "MSFT", Quantity: decimal.NewFromInt(25), AverageEntryPrice: decimal.NewFromFloat(400)},
	}}

	r := New(DefaultConfig, b, s, tr, nil, nil)
	r.RuntimeCycle(context.Background())

	recovered, ok := tr.positions["MSFT"]
	require.True(t, ok, "broker-only position adopted by the tracker")
	assert.True(t, recovered.CurrentQuantity.Equal(decimal.NewFromInt(25)))
	assert.True(t, recovered.EntryPrice.Equal(decimal.NewFromFloat(400)))
	assert.True(t, recovered.ATRValue.IsZero(), "ATR unknown for a recovered lot")

	var count int
	require.NoError(t, s.DB().QueryRow(
		`SELECT COUNT(*) FROM reconciliation_reports WHERE discrepancies LIKE '%untracked_broker_position%'`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestRuntimeDegradesAfterConsecutiveFailures(t *testing.T) {
	s := newStore(t)
	b := &fakeBroker{err: errors.New("broker unreachable")}

	r := New(DefaultConfig, b, s, nil, nil, nil)
	for i := 0; i < 3; i++ {
		r.RuntimeCycle(context.Background())
	}

	health, _, err := s.GetBotState(models.StateKeyBrokerHealth)
	require.NoError(t, err)
	assert.Equal(t, models.BrokerHealthDegraded, health)
	halted, _, err := s.GetBotState(models.StateKeyTradingHalted)
	require.NoError(t, err)
	assert.Equal(t, "true", halted)
}

func TestRuntimeRecordsMissedFills(t *testing.T) {
	s := newStore(t)
	insertIntent(t, s, "c1", "b1", "AAPL", models.OrderStatusAccepted)
	b := &fakeBroker{orders: map[string]models.Order{
		"b1": {
			BrokerOrderID:      "b1",
			ClientOrderID:      "c1",
			Symbol:             "AAPL",
			Status:             models.OrderStatusPartiallyFilled,
			FilledQuantity:     decimal.NewFromInt(4),
			AverageFilledPrice: decimal.NewFromFloat(150),
			UpdatedAt:          time.Now().UTC(),
		},
	}}

	r := New(DefaultConfig, b, s, nil, nil, nil)
	r.RuntimeCycle(context.Background())

	var count int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM fills`).Scan(&count))
	assert.Equal(t, 1, count)

	intent, err := s.GetOrderIntent("c1")
	require.NoError(t, err)
	assert.True(t, intent.FilledQuantity.Equal(decimal.NewFromInt(4)))

	// A second cycle sees no new fill delta and stays idempotent.
	r.RuntimeCycle(context.Background())
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM fills`).Scan(&count))
	assert.Equal(t, 1, count)
}
