package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scrantonlabs/eventbot/internal/eventbus"
	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/scrantonlabs/eventbot/internal/risk"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	intents map[string]models.OrderIntent
	kv      map[string]string
}

func newMemStore() *memStore {
	return &memStore{intents: map[string]models.OrderIntent{}, kv: map[string]string{}}
}

func (m *memStore) InsertOrderIntent(oi models.OrderIntent) error {
	if _, ok := m.intents[oi.ClientOrderID]; ok {
		return nil
	}
	m.intents[oi.ClientOrderID] = oi
	return nil
}
func (m *memStore) GetOrderIntent(id string) (models.OrderIntent, error) {
	oi, ok := m.intents[id]
	if !ok {
		return models.OrderIntent{}, errors.New("not found")
	}
	return oi, nil
}
func (m *memStore) UpdateOrderIntent(oi models.OrderIntent) error {
	m.intents[oi.ClientOrderID] = oi
	return nil
}
func (m *memStore) GetBotState(key string) (string, bool, error) {
	v, ok := m.kv[key]
	return v, ok, nil
}
func (m *memStore) SetBotState(key, value string) error {
	m.kv[key] = value
	return nil
}

type stubBroker struct {
	submitErr  error
	submitted  []string
	cancelled  []string
	openOrders []models.Order
}

func (s *stubBroker) GetClock(context.Context) (models.Clock, error) {
	return models.Clock{IsOpen: true}, nil
}
func (s *stubBroker) GetAccount(context.Context) (models.Account, error) {
	return models.Account{}, nil
}
func (s *stubBroker) GetPositions(context.Context) ([]models.BrokerPosition, error) { return nil, nil }
func (s *stubBroker) GetOpenOrders(context.Context) ([]models.Order, error)         { return s.openOrders, nil }
func (s *stubBroker) GetOrderByID(context.Context, string) (models.Order, error) {
	return models.Order{}, nil
}
func (s *stubBroker) SubmitOrder(ctx context.Context, symbol string, side models.Side, qty, limit decimal.Decimal, clientOrderID string) (models.Order, error) {
	s.submitted = append(s.submitted, clientOrderID)
	if s.submitErr != nil {
		return models.Order{}, s.submitErr
	}
	return models.Order{BrokerOrderID: "b-" + clientOrderID, ClientOrderID: clientOrderID, Symbol: symbol, Side: side, Quantity: qty, Status: models.OrderStatusAccepted}, nil
}
func (s *stubBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	s.cancelled = append(s.cancelled, brokerOrderID)
	return nil
}

func sampleSignal() models.Signal {
	return models.Signal{
		Strategy:        "sma_crossover_multi",
		Symbol:          "AAPL",
		Side:            models.SideBuy,
		Timeframe:       "1m",
		SignalTimestamp: time.Date(2024, 2, 21, 10, 30, 0, 0, time.UTC),
		Metadata:        models.SignalMetadata{ParamTag: "sma_5_15", Confidence: 0.8},
	}
}

func TestClientOrderID_DeterministicAndStable(t *testing.T) {
	sig := sampleSignal()
	id1 := ClientOrderID(sig)
	id2 := ClientOrderID(sig)
	require.Equal(t, id1, id2)
	require.Len(t, id1, 16)
}

func TestClientOrderID_KnownValue(t *testing.T) {
	// SHA-256("sma_crossover_multi:AAPL:1m:2024-02-21T10:30:00Z:buy"),
	// first 16 hex characters.
	require.Equal(t, "f96c6425fc1a89f5", ClientOrderID(sampleSignal()))
}

func TestClientOrderID_DiffersOnSide(t *testing.T) {
	buy := sampleSignal()
	sell := sampleSignal()
	sell.Side = models.SideSell
	require.NotEqual(t, ClientOrderID(buy), ClientOrderID(sell))
}

func TestSizeQuantity_UsesLesserOfEquityAndRiskCap(t *testing.T) {
	cfg := DefaultConfig
	qty := SizeQuantity(cfg, decimal.NewFromInt(100000), decimal.NewFromInt(100))
	// equityCap = floor(100000*0.10/100) = 100; riskCap = floor(1000/1) = 1000.
	require.True(t, qty.Equal(decimal.NewFromInt(100)), "got %s", qty)
}

func TestSizeQuantity_EquityCapWins(t *testing.T) {
	cfg := Config{
		MaxPositionPct:     decimal.NewFromFloat(0.05),
		MaxRiskPerTradePct: decimal.NewFromFloat(0.01),
		StopLossPct:        decimal.NewFromFloat(0.01),
	}
	// equityCap = floor(100000 * 0.05 / 150) = 33, well under the risk
	// cap of floor(100000 * 0.01 / 1.50) = 666.
	qty := SizeQuantity(cfg, decimal.NewFromInt(100000), decimal.NewFromInt(150))
	require.True(t, qty.Equal(decimal.NewFromInt(33)), "got %s", qty)
}

func TestSizeQuantity_ClampsToAtLeastOne(t *testing.T) {
	cfg := DefaultConfig
	qty := SizeQuantity(cfg, decimal.NewFromInt(10), decimal.NewFromInt(100000))
	require.True(t, qty.Equal(decimal.NewFromInt(1)))
}

func TestManager_SubmitEntry_PersistsBeforeSubmitAndAccepts(t *testing.T) {
	st := newMemStore()
	b := &stubBroker{}
	bus := eventbus.New(10, nil)
	m := NewManager(b, st, nil, nil, bus, nil)

	intent, err := m.SubmitEntry(context.Background(), sampleSignal(), decimal.NewFromInt(100000), decimal.NewFromInt(100))
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusAccepted, intent.Status)
	require.Len(t, b.submitted, 1)

	stored, err := st.GetOrderIntent(intent.ClientOrderID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusAccepted, stored.Status)
}

func TestManager_SubmitEntry_DoesNotResubmitNonTerminalIntent(t *testing.T) {
	st := newMemStore()
	b := &stubBroker{}
	m := NewManager(b, st, nil, nil, nil, nil)
	sig := sampleSignal()

	id := ClientOrderID(sig)
	st.intents[id] = models.OrderIntent{ClientOrderID: id, Status: models.OrderStatusAccepted}

	_, err := m.SubmitEntry(context.Background(), sig, decimal.NewFromInt(100000), decimal.NewFromInt(100))
	require.NoError(t, err)
	require.Empty(t, b.submitted)
}

func TestManager_SubmitEntry_BrokerFailureIncrementsCircuitBreaker(t *testing.T) {
	st := newMemStore()
	b := &stubBroker{submitErr: errors.New("boom")}
	m := NewManager(b, st, nil, nil, nil, nil)

	_, err := m.SubmitEntry(context.Background(), sampleSignal(), decimal.NewFromInt(100000), decimal.NewFromInt(100))
	require.Error(t, err)

	count, ok, _ := st.GetBotState(models.StateKeyCircuitBreakerCount)
	require.True(t, ok)
	require.Equal(t, "1", count)
}

func TestManager_SubmitEntry_SuccessResetsCircuitBreaker(t *testing.T) {
	st := newMemStore()
	st.kv[models.StateKeyCircuitBreakerCount] = "3"
	b := &stubBroker{}
	m := NewManager(b, st, nil, nil, nil, nil)

	_, err := m.SubmitEntry(context.Background(), sampleSignal(), decimal.NewFromInt(100000), decimal.NewFromInt(100))
	require.NoError(t, err)

	count, _, _ := st.GetBotState(models.StateKeyCircuitBreakerCount)
	require.Equal(t, "0", count)
}

func TestManager_SubmitEntry_RiskGateRejectionPropagates(t *testing.T) {
	st := newMemStore()
	b := &stubBroker{}
	m := NewManager(b, st, rejectingGate{}, nil, nil, nil)

	_, err := m.SubmitEntry(context.Background(), sampleSignal(), decimal.NewFromInt(100000), decimal.NewFromInt(100))
	require.Error(t, err)
	require.Empty(t, b.submitted)
}

type rejectingGate struct{}

func (rejectingGate) CheckEntry(models.Signal, decimal.Decimal, decimal.Decimal) (risk.FiltersResult, error) {
	return risk.FiltersResult{}, &risk.SafetyError{Rule: "kill_switch", Message: "blocked"}
}
func (rejectingGate) CheckExit() error { return nil }

func TestManager_FlattenAll_CancelsOpenOrdersAndSubmitsMarketSells(t *testing.T) {
	st := newMemStore()
	b := &stubBroker{openOrders: []models.Order{{BrokerOrderID: "existing-1"}}}
	m := NewManager(b, st, nil, nil, nil, nil)

	positions := []models.BrokerPosition{{Symbol: "AAPL", Quantity: decimal.NewFromInt(10)}}
	errs := m.FlattenAll(context.Background(), positions)

	require.Empty(t, errs)
	require.Equal(t, []string{"existing-1"}, b.cancelled)
	require.Len(t, b.submitted, 1)
}
