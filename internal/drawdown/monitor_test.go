package drawdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeState struct {
	values map[string]string
}

func newFakeState() *fakeState { return &fakeState{values: map[string]string{}} }

func (f *fakeState) GetBotState(key string) (string, bool, error) {
	v, ok := f.values[key]
	return v, ok, nil
}
func (f *fakeState) SetBotState(key, value string) error {
	f.values[key] = value
	return nil
}
func (f *fakeState) DeleteBotState(key string) error {
	delete(f.values, key)
	return nil
}

type fakeAccount struct {
	equities []decimal.Decimal
	idx      int
	err      error
}

func (f *fakeAccount) GetAccount(ctx context.Context) (models.Account, error) {
	if f.err != nil {
		return models.Account{}, f.err
	}
	eq := f.equities[f.idx]
	if f.idx < len(f.equities)-1 {
		f.idx++
	}
	return models.Account{PortfolioValue: eq, CashAvailable: eq}, nil
}

type fakeFlattener struct {
	flattenCalls int
	positions    []models.BrokerPosition
}

func (f *fakeFlattener) GetPositions(ctx context.Context) ([]models.BrokerPosition, error) {
	return f.positions, nil
}
func (f *fakeFlattener) FlattenAll(ctx context.Context, positions []models.BrokerPosition) []error {
	f.flattenCalls++
	return nil
}

func seedPeak(state *fakeState, peak string, resetAt time.Time) {
	state.values[models.StateKeyDrawdownPeakEquity] = peak
	state.values[models.StateKeyDrawdownLastPeakReset] = resetAt.UTC().Format(time.RFC3339Nano)
}

func TestEscalationLadder(t *testing.T) {
	state := newFakeState()
	seedPeak(state, "100000", time.Now())
	account := &fakeAccount{equities: []decimal.Decimal{
		decimal.NewFromInt(99000),
		decimal.NewFromInt(97000),
		decimal.NewFromInt(95000),
		decimal.NewFromInt(89500),
	}}
	flat := &fakeFlattener{positions: []models.BrokerPosition{{Symbol: "AAPL", Quantity: decimal.NewFromInt(10)}}}

	m, err := New(DefaultConfig, account, flat, state, nil, nil)
	require.NoError(t, err)

	now := time.Now().UTC()

	m.Tick(context.Background(), now)
	assert.Equal(t, string(LevelNormal), m.Level(), "1%% drawdown stays normal")

	m.Tick(context.Background(), now)
	assert.Equal(t, string(LevelWarning), m.Level(), "3%% drawdown escalates to warning")

	m.Tick(context.Background(), now)
	assert.Equal(t, string(LevelHalt), m.Level(), "5%% drawdown escalates to halt")

	m.Tick(context.Background(), now)
	assert.Equal(t, string(LevelEmergency), m.Level(), "10.5%% drawdown escalates to emergency")
	assert.Equal(t, 1, flat.flattenCalls, "emergency triggers flatten-all exactly once")

	// Another emergency tick must not flatten again.
	account.equities = []decimal.Decimal{decimal.NewFromInt(89000)}
	account.idx = 0
	m.Tick(context.Background(), now)
	assert.Equal(t, 1, flat.flattenCalls)

	assert.Equal(t, string(LevelEmergency), state.values[models.StateKeyDrawdownLevel])
}

func TestEscalationNeverSkipsLevels(t *testing.T) {
	state := newFakeState()
	seedPeak(state, "100000", time.Now())
	// 12% drawdown immediately; must still walk normal -> warning ->
	// halt -> emergency one tick at a time.
	account := &fakeAccount{equities: []decimal.Decimal{decimal.NewFromInt(88000)}}
	m, err := New(DefaultConfig, account, nil, state, nil, nil)
	require.NoError(t, err)

	now := time.Now().UTC()
	want := []Level{LevelWarning, LevelHalt, LevelEmergency, LevelEmergency}
	for _, expected := range want {
		m.Tick(context.Background(), now)
		assert.Equal(t, string(expected), m.Level())
	}
}

func TestHysteresisRecovery(t *testing.T) {
	cfg := DefaultConfig
	cfg.EnableAutoRecovery = true

	state := newFakeState()
	seedPeak(state, "100000", time.Now())
	state.values[models.StateKeyDrawdownLevel] = string(LevelHalt)

	// 4.5% drawdown: above the halt recovery threshold, so halt holds.
	account := &fakeAccount{equities: []decimal.Decimal{decimal.NewFromInt(95500)}}
	m, err := New(cfg, account, nil, state, nil, nil)
	require.NoError(t, err)

	m.Tick(context.Background(), time.Now().UTC())
	assert.Equal(t, string(LevelHalt), m.Level())

	// 3.5% drawdown: below the halt recovery threshold, halt drops to
	// warning.
	account.equities = []decimal.Decimal{decimal.NewFromInt(96500)}
	account.idx = 0
	m.Tick(context.Background(), time.Now().UTC())
	assert.Equal(t, string(LevelWarning), m.Level())

	// 1% drawdown: recovery may jump multiple steps to normal.
	state2 := newFakeState()
	seedPeak(state2, "100000", time.Now())
	state2.values[models.StateKeyDrawdownLevel] = string(LevelEmergency)
	account2 := &fakeAccount{equities: []decimal.Decimal{decimal.NewFromInt(99000)}}
	m2, err := New(cfg, account2, nil, state2, nil, nil)
	require.NoError(t, err)

	m2.Tick(context.Background(), time.Now().UTC())
	assert.Equal(t, string(LevelNormal), m2.Level())
}

func TestNoRecoveryWithoutAutoRecovery(t *testing.T) {
	state := newFakeState()
	seedPeak(state, "100000", time.Now())
	state.values[models.StateKeyDrawdownLevel] = string(LevelHalt)

	account := &fakeAccount{equities: []decimal.Decimal{decimal.NewFromInt(99900)}}
	m, err := New(DefaultConfig, account, nil, state, nil, nil)
	require.NoError(t, err)

	m.Tick(context.Background(), time.Now().UTC())
	assert.Equal(t, string(LevelHalt), m.Level())
}

func TestFailSafeEscalatesToHalt(t *testing.T) {
	state := newFakeState()
	account := &fakeAccount{err: errors.New("account endpoint down")}
	m, err := New(DefaultConfig, account, nil, state, nil, nil)
	require.NoError(t, err)

	now := time.Now().UTC()
	m.Tick(context.Background(), now)
	m.Tick(context.Background(), now)
	assert.Equal(t, string(LevelNormal), m.Level())

	m.Tick(context.Background(), now)
	assert.Equal(t, string(LevelHalt), m.Level())
}

func TestFailSafeNeverDowngradesEmergency(t *testing.T) {
	state := newFakeState()
	state.values[models.StateKeyDrawdownLevel] = string(LevelEmergency)
	account := &fakeAccount{err: errors.New("account endpoint down")}
	m, err := New(DefaultConfig, account, nil, state, nil, nil)
	require.NoError(t, err)

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		m.Tick(context.Background(), now)
	}
	assert.Equal(t, string(LevelEmergency), m.Level())
}

func TestManualRecoveryAtStartup(t *testing.T) {
	state := newFakeState()
	state.values[models.StateKeyDrawdownLevel] = string(LevelHalt)
	state.values[models.StateKeyDrawdownManualRecovery] = "true"

	m, err := New(DefaultConfig, &fakeAccount{equities: []decimal.Decimal{decimal.NewFromInt(100000)}}, nil, state, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, string(LevelNormal), m.Level())
	_, ok := state.values[models.StateKeyDrawdownManualRecovery]
	assert.False(t, ok, "manual recovery flag clears itself once consumed")
}

func TestPeakResetAfterLookback(t *testing.T) {
	state := newFakeState()
	seedPeak(state, "200000", time.Now().Add(-30*24*time.Hour))

	account := &fakeAccount{equities: []decimal.Decimal{decimal.NewFromInt(100000)}}
	m, err := New(DefaultConfig, account, nil, state, nil, nil)
	require.NoError(t, err)

	// Without the lookback reset this would be a 50% drawdown; with it,
	// the stale peak collapses to current equity and the level holds.
	m.Tick(context.Background(), time.Now().UTC())
	assert.Equal(t, string(LevelNormal), m.Level())
	assert.Equal(t, "100000", state.values[models.StateKeyDrawdownPeakEquity])
}
