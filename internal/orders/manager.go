// Package orders implements the deterministic, crash-recoverable order
// submission protocol: a content-addressed
// clientOrderId, persist-before-submit sequencing, equity/risk-capped
// position sizing, circuit-breaker accounting, and flatten-all.
package orders

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/scrantonlabs/eventbot/internal/broker"
	"github.com/scrantonlabs/eventbot/internal/eventbus"
	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/scrantonlabs/eventbot/internal/risk"
	"github.com/shopspring/decimal"
)

// Config contains the tunable parameters for quantity sizing.
type Config struct {
	MaxPositionPct     decimal.Decimal // equityCap numerator
	MaxRiskPerTradePct decimal.Decimal // riskCap numerator
	StopLossPct        decimal.Decimal // riskCap denominator term
	CircuitBreakerMax  int
	CallTimeout        time.Duration
}

// DefaultConfig holds the reference sizing defaults.
var DefaultConfig = Config{
	MaxPositionPct:     decimal.NewFromFloat(0.10),
	MaxRiskPerTradePct: decimal.NewFromFloat(0.01),
	StopLossPct:        decimal.NewFromFloat(0.01),
	CircuitBreakerMax:  5,
	CallTimeout:        5 * time.Second,
}

// store is the persistence seam OrderManager needs: order intents plus
// the BotState key/value table.
type store interface {
	InsertOrderIntent(models.OrderIntent) error
	GetOrderIntent(clientOrderID string) (models.OrderIntent, error)
	UpdateOrderIntent(models.OrderIntent) error
	GetBotState(key string) (string, bool, error)
	SetBotState(key, value string) error
}

// riskGate is the contract OrderManager runs new entries and exits
// through. Satisfied by *risk.Gate.
type riskGate interface {
	CheckEntry(sig models.Signal, accountEquity, notional decimal.Decimal) (risk.FiltersResult, error)
	CheckExit() error
}

// drawdownLevel reports the monitor's current escalation level so
// OrderManager can apply the Warning-tier position-size multiplier.
type drawdownLevel interface {
	Level() string
	WarningPositionMultiplier() decimal.Decimal
}

// OrderIntentEvent is published on the EventBus main channel once an
// intent's lifecycle changes.
type OrderIntentEvent struct {
	Intent models.OrderIntent
}

// Manager implements the submission protocol. It never accesses the
// broker or store except through its injected dependencies, matching
// the narrow interfaces declared above.
type Manager struct {
	broker   broker.Broker
	store    store
	risk     riskGate
	drawdown drawdownLevel
	bus      *eventbus.Bus
	logger   *log.Logger
	config   Config
}

// NewManager constructs a Manager. broker and store are required; risk,
// drawdown and bus may be nil for narrower unit tests; both hard
// dependencies panic when nil.
func NewManager(b broker.Broker, s store, rg riskGate, dd drawdownLevel, bus *eventbus.Bus, logger *log.Logger, config ...Config) *Manager {
	if b == nil {
		panic("orders.NewManager: broker must not be nil")
	}
	if s == nil {
		panic("orders.NewManager: store must not be nil")
	}
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.CircuitBreakerMax <= 0 {
		cfg.CircuitBreakerMax = DefaultConfig.CircuitBreakerMax
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if logger == nil {
		logger = log.New(os.Stderr, "orders: ", log.LstdFlags)
	}
	return &Manager{broker: b, store: s, risk: rg, drawdown: dd, bus: bus, logger: logger, config: cfg}
}

// ClientOrderID computes the deterministic idempotency id:
// SHA-256 over "strategy:symbol:timeframe:signalTimestamp:side", first
// 16 hex characters. Same inputs always produce the same id, which is
// what makes a crash between Store insert and broker submit safely
// recoverable: replaying the same signal resolves to the same intent.
func ClientOrderID(sig models.Signal) string {
	raw := fmt.Sprintf("%s:%s:%s:%s:%s", sig.Strategy, sig.Symbol, sig.Timeframe,
		sig.SignalTimestamp.UTC().Format(time.RFC3339Nano), sig.Side)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}

// SizeQuantity computes min(equityCap, riskCap), clamped to >= 1, per
// the sizing rule.
func SizeQuantity(cfg Config, equity, price decimal.Decimal) decimal.Decimal {
	if price.IsZero() || price.IsNegative() || equity.IsNegative() {
		return decimal.NewFromInt(1)
	}
	equityCap := equity.Mul(cfg.MaxPositionPct).Div(price).Floor()
	denom := price.Mul(cfg.StopLossPct)
	riskCap := decimal.NewFromInt(1)
	if denom.IsPositive() {
		riskCap = equity.Mul(cfg.MaxRiskPerTradePct).Div(denom).Floor()
	}
	qty := equityCap
	if riskCap.LessThan(qty) {
		qty = riskCap
	}
	if qty.LessThan(decimal.NewFromInt(1)) {
		qty = decimal.NewFromInt(1)
	}
	return qty
}

// SubmitEntry runs the full protocol for a new-position signal: risk
// gate, sizing, idempotent lookup, persist-before-submit, broker
// submit, and circuit-breaker accounting.
func (m *Manager) SubmitEntry(ctx context.Context, sig models.Signal, equity, price decimal.Decimal) (models.OrderIntent, error) {
	if m.risk != nil {
		notional := price.Mul(SizeQuantity(m.config, equity, price))
		res, err := m.risk.CheckEntry(sig, equity, notional)
		if err != nil {
			return models.OrderIntent{}, fmt.Errorf("orders: risk gate rejected entry: %w", err)
		}
		if !res.Allowed {
			return models.OrderIntent{}, fmt.Errorf("orders: entry filtered: %s", res.Reason)
		}
	}

	quantity := SizeQuantity(m.config, equity, price)
	if m.drawdown != nil && m.drawdown.Level() == "warning" {
		mult := m.drawdown.WarningPositionMultiplier()
		if mult.IsPositive() {
			quantity = quantity.Mul(mult).Floor()
			if quantity.LessThan(decimal.NewFromInt(1)) {
				quantity = decimal.NewFromInt(1)
			}
		}
	}

	clientOrderID := ClientOrderID(sig)

	existing, err := m.store.GetOrderIntent(clientOrderID)
	if err == nil && existing.ClientOrderID != "" && !existing.Status.IsTerminal() {
		m.logger.Printf("order intent %s already exists with status %s, not resubmitting", clientOrderID, existing.Status)
		return existing, nil
	}

	now := time.Now().UTC()
	intent := models.OrderIntent{
		ClientOrderID: clientOrderID,
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Quantity:      quantity,
		Status:        models.OrderStatusPendingNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.InsertOrderIntent(intent); err != nil {
		return models.OrderIntent{}, fmt.Errorf("orders: persist-before-submit failed: %w", err)
	}
	m.publishIntent(intent)

	return m.submitToBroker(ctx, intent)
}

// SubmitExit runs only the SAFETY tier of the risk gate, then the same
// persist-before-submit/broker protocol as entries.
func (m *Manager) SubmitExit(ctx context.Context, symbol string, side models.Side, quantity decimal.Decimal, sig models.Signal) (models.OrderIntent, error) {
	if m.risk != nil {
		if err := m.risk.CheckExit(); err != nil {
			return models.OrderIntent{}, fmt.Errorf("orders: risk gate rejected exit: %w", err)
		}
	}

	clientOrderID := ClientOrderID(sig)
	existing, err := m.store.GetOrderIntent(clientOrderID)
	if err == nil && existing.ClientOrderID != "" && !existing.Status.IsTerminal() {
		return existing, nil
	}

	now := time.Now().UTC()
	intent := models.OrderIntent{
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          side,
		Quantity:      quantity,
		Status:        models.OrderStatusPendingNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.InsertOrderIntent(intent); err != nil {
		return models.OrderIntent{}, fmt.Errorf("orders: persist-before-submit failed: %w", err)
	}
	m.publishIntent(intent)

	return m.submitToBroker(ctx, intent)
}

func (m *Manager) submitToBroker(ctx context.Context, intent models.OrderIntent) (models.OrderIntent, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	defer cancel()

	order, err := m.broker.SubmitOrder(callCtx, intent.Symbol, intent.Side, intent.Quantity, decimal.Zero, intent.ClientOrderID)
	if err != nil {
		intent.Status = models.OrderStatusRejected
		intent.ErrorMessage = err.Error()
		intent.UpdatedAt = time.Now().UTC()
		if uerr := m.store.UpdateOrderIntent(intent); uerr != nil {
			m.logger.Printf("failed to persist rejected intent %s: %v", intent.ClientOrderID, uerr)
		}
		m.incrementCircuitBreaker()
		m.publishIntent(intent)
		return intent, fmt.Errorf("orders: broker submit failed for %s: %w", intent.ClientOrderID, err)
	}

	intent.BrokerOrderID = order.BrokerOrderID
	intent.Status = models.OrderStatusAccepted
	intent.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateOrderIntent(intent); err != nil {
		m.logger.Printf("failed to persist accepted intent %s: %v", intent.ClientOrderID, err)
	}
	m.resetCircuitBreaker()
	m.publishIntent(intent)
	return intent, nil
}

// FlattenAll cancels every open order at the broker (for any symbol),
// then submits a closing market order for each given non-zero position
// (a sell for a long, a buy for a short), using a
// synthetic FLATTEN_{symbol}_{uuid} clientOrderId. Used
// by graceful shutdown and the drawdown monitor's Emergency level.
func (m *Manager) FlattenAll(ctx context.Context, positions []models.BrokerPosition) []error {
	var errs []error

	openOrders, err := m.broker.GetOpenOrders(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("orders: flatten-all: list open orders: %w", err))
	} else {
		for _, o := range openOrders {
			if cerr := m.broker.CancelOrder(ctx, o.BrokerOrderID); cerr != nil {
				errs = append(errs, fmt.Errorf("orders: flatten-all: cancel %s: %w", o.BrokerOrderID, cerr))
			}
		}
	}

	for _, p := range positions {
		if p.Quantity.IsZero() {
			continue
		}
		clientOrderID := fmt.Sprintf("FLATTEN_%s_%s", p.Symbol, uuid.NewString())
		side := models.SideSell
		if p.Quantity.IsNegative() {
			side = models.SideBuy
		}
		now := time.Now().UTC()
		intent := models.OrderIntent{
			ClientOrderID: clientOrderID,
			Symbol:        p.Symbol,
			Side:          side,
			Quantity:      p.Quantity.Abs(),
			Status:        models.OrderStatusPendingNew,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := m.store.InsertOrderIntent(intent); err != nil {
			errs = append(errs, fmt.Errorf("orders: flatten-all: persist %s: %w", p.Symbol, err))
			continue
		}
		if _, err := m.submitToBroker(ctx, intent); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (m *Manager) publishIntent(intent models.OrderIntent) {
	if m.bus == nil {
		return
	}
	m.bus.PublishMain(OrderIntentEvent{Intent: intent})
}

func (m *Manager) incrementCircuitBreaker() {
	count := m.circuitBreakerCount()
	_ = m.store.SetBotState(models.StateKeyCircuitBreakerCount, strconv.Itoa(count+1))
}

func (m *Manager) resetCircuitBreaker() {
	_ = m.store.SetBotState(models.StateKeyCircuitBreakerCount, "0")
}

func (m *Manager) circuitBreakerCount() int {
	s, ok, err := m.store.GetBotState(models.StateKeyCircuitBreakerCount)
	if err != nil || !ok {
		return 0
	}
	n, _ := strconv.Atoi(s)
	return n
}
