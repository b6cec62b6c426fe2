package broker

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/shopspring/decimal"
)

// PriceSource supplies the latest trade price for a symbol, used by
// PaperBroker to simulate fills. internal/data's Handler (latest close of
// each symbol's window) satisfies this.
type PriceSource interface {
	LastPrice(symbol string) (decimal.Decimal, bool)
}

// PaperBrokerConfig tunes the simulator's behaviour.
type PaperBrokerConfig struct {
	StartingCash   decimal.Decimal
	FillLatency    time.Duration // not read by SubmitOrder: every order fills synchronously
	RejectionRate  float64       // not read by SubmitOrder: no submission is rejected synthetically
	KillSwitch     bool          // env var or sentinel file override
	KillSwitchFile string
	DryRun         bool
}

// DefaultPaperBrokerConfig mirrors a conservative default: no rejections,
// immediate fills, $100k starting cash.
var DefaultPaperBrokerConfig = PaperBrokerConfig{
	StartingCash: decimal.NewFromInt(100000),
}

// PaperBroker is an in-process simulated broker for paper-mode trading.
// It is the default runnable implementation so the bot works without a
// real brokerage account.
type PaperBroker struct {
	logger *log.Logger
	prices PriceSource
	cfg    PaperBrokerConfig

	mu        sync.Mutex
	cash      decimal.Decimal
	positions map[string]models.BrokerPosition
	orders    map[string]models.Order // keyed by brokerOrderID
	byClient  map[string]string       // clientOrderID -> brokerOrderID

	acctMu     sync.Mutex
	acctCached models.Account
	acctAt     time.Time
	posMu      sync.Mutex
	posCached  []models.BrokerPosition
	posAt      time.Time
}

// NewPaperBroker constructs a PaperBroker. prices may be nil; in that case
// SubmitOrder fills at the supplied limit price (or rejects market orders
// with no reference price).
func NewPaperBroker(prices PriceSource, cfg PaperBrokerConfig, logger *log.Logger) *PaperBroker {
	if logger == nil {
		logger = log.New(os.Stderr, "broker: ", log.LstdFlags)
	}
	if cfg.StartingCash.IsZero() {
		cfg.StartingCash = DefaultPaperBrokerConfig.StartingCash
	}
	return &PaperBroker{
		logger:    logger,
		prices:    prices,
		cfg:       cfg,
		cash:      cfg.StartingCash,
		positions: make(map[string]models.BrokerPosition),
		orders:    make(map[string]models.Order),
		byClient:  make(map[string]string),
	}
}

// GetClock always returns the live (synthetic) session state; it is
// never cached.
func (p *PaperBroker) GetClock(ctx context.Context) (models.Clock, error) {
	now := time.Now().UTC()
	open := isRegularSessionOpen(now)
	return models.Clock{
		IsOpen:       open,
		FetchedAt:    now,
		NextOpenUTC:  nextSessionOpen(now),
		NextCloseUTC: nextSessionClose(now),
	}, nil
}

func isRegularSessionOpen(t time.Time) bool {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	local := t.In(loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	open := time.Date(local.Year(), local.Month(), local.Day(), 9, 30, 0, 0, loc)
	close := time.Date(local.Year(), local.Month(), local.Day(), 16, 0, 0, 0, loc)
	return !local.Before(open) && local.Before(close)
}

func nextSessionOpen(t time.Time) time.Time {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	local := t.In(loc)
	for d := 0; d < 8; d++ {
		cand := local.AddDate(0, 0, d)
		open := time.Date(cand.Year(), cand.Month(), cand.Day(), 9, 30, 0, 0, loc)
		if open.After(local) && cand.Weekday() != time.Saturday && cand.Weekday() != time.Sunday {
			return open.UTC()
		}
	}
	return local.UTC()
}

func nextSessionClose(t time.Time) time.Time {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	local := t.In(loc)
	close := time.Date(local.Year(), local.Month(), local.Day(), 16, 0, 0, 0, loc)
	if close.After(local) && local.Weekday() != time.Saturday && local.Weekday() != time.Sunday {
		return close.UTC()
	}
	return nextSessionOpen(t).Add(6*time.Hour + 30*time.Minute)
}

// GetAccount returns the cached account snapshot if within the 1-second
// TTL, otherwise recomputes and caches it.
func (p *PaperBroker) GetAccount(ctx context.Context) (models.Account, error) {
	p.acctMu.Lock()
	defer p.acctMu.Unlock()
	if time.Since(p.acctAt) < cacheTTL {
		return p.acctCached, nil
	}
	p.mu.Lock()
	portfolio := p.cash
	for _, pos := range p.positions {
		portfolio = portfolio.Add(pos.Quantity.Mul(pos.CurrentPrice))
	}
	cash := p.cash
	p.mu.Unlock()
	acct := models.Account{
		CashAvailable:  cash,
		PortfolioValue: portfolio,
		IsTradable:     true,
	}
	p.acctCached = acct
	p.acctAt = time.Now()
	return acct, nil
}

// GetPositions returns the cached positions snapshot if within the
// 1-second TTL.
func (p *PaperBroker) GetPositions(ctx context.Context) ([]models.BrokerPosition, error) {
	p.posMu.Lock()
	defer p.posMu.Unlock()
	if time.Since(p.posAt) < cacheTTL {
		out := make([]models.BrokerPosition, len(p.posCached))
		copy(out, p.posCached)
		return out, nil
	}
	p.mu.Lock()
	out := make([]models.BrokerPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	p.mu.Unlock()
	p.posCached = out
	p.posAt = time.Now()
	ret := make([]models.BrokerPosition, len(out))
	copy(ret, out)
	return ret, nil
}

// invalidatePositionsCache forces the next GetPositions call to recompute,
// called after every successful order submission.
func (p *PaperBroker) invalidatePositionsCache() {
	p.posMu.Lock()
	p.posAt = time.Time{}
	p.posMu.Unlock()
}

// GetOpenOrders returns every non-terminal order.
func (p *PaperBroker) GetOpenOrders(ctx context.Context) ([]models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Order
	for _, o := range p.orders {
		if !o.Status.IsTerminal() {
			out = append(out, o)
		}
	}
	return out, nil
}

// GetOrderByID looks up a single order by its broker-assigned id.
func (p *PaperBroker) GetOrderByID(ctx context.Context, brokerOrderID string) (models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[brokerOrderID]
	if !ok {
		return models.Order{}, fmt.Errorf("broker: order %s not found", brokerOrderID)
	}
	return o, nil
}

// SubmitOrder simulates order placement: dry-run mode logs and returns a
// synthetic accepted order without touching positions; the kill switch
// rejects before anything else runs.
// Writes are never retried: a failure here is fatal to the
// caller.
func (p *PaperBroker) SubmitOrder(ctx context.Context, symbol string, side models.Side, quantity, limitPrice decimal.Decimal, clientOrderID string) (models.Order, error) {
	if p.killSwitchActive() {
		return models.Order{}, fmt.Errorf("broker: kill switch active, refusing to submit order %s", clientOrderID)
	}
	now := time.Now().UTC()
	if p.cfg.DryRun {
		p.logger.Printf("dry-run: would submit %s %s x%s @ %s (client_order_id=%s)", side, symbol, quantity, limitPrice, clientOrderID)
		return models.Order{
			BrokerOrderID:      "dryrun-" + uuid.NewString(),
			ClientOrderID:      clientOrderID,
			Symbol:             symbol,
			Side:               side,
			Quantity:           quantity,
			FilledQuantity:     quantity,
			AverageFilledPrice: limitPrice,
			Status:             models.OrderStatusFilled,
			CreatedAt:          now,
			UpdatedAt:          now,
		}, nil
	}

	p.mu.Lock()
	if existingID, ok := p.byClient[clientOrderID]; ok {
		existing := p.orders[existingID]
		p.mu.Unlock()
		return existing, nil
	}

	fillPrice := limitPrice
	if fillPrice.IsZero() && p.prices != nil {
		if last, ok := p.prices.LastPrice(symbol); ok {
			fillPrice = last
		}
	}
	if fillPrice.IsZero() {
		p.mu.Unlock()
		return models.Order{}, fmt.Errorf("broker: no reference price available to fill market order for %s", symbol)
	}

	brokerOrderID := uuid.NewString()
	order := models.Order{
		BrokerOrderID:      brokerOrderID,
		ClientOrderID:      clientOrderID,
		Symbol:             symbol,
		Side:               side,
		Quantity:           quantity,
		FilledQuantity:     quantity,
		AverageFilledPrice: fillPrice,
		Status:             models.OrderStatusFilled,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	p.orders[brokerOrderID] = order
	p.byClient[clientOrderID] = brokerOrderID
	p.applyFillLocked(symbol, side, quantity, fillPrice)
	p.mu.Unlock()

	p.invalidatePositionsCache()
	return order, nil
}

func (p *PaperBroker) applyFillLocked(symbol string, side models.Side, quantity, price decimal.Decimal) {
	signed := quantity
	if side == models.SideSell {
		signed = quantity.Neg()
	}
	pos, ok := p.positions[symbol]
	if !ok {
		pos = models.BrokerPosition{Symbol: symbol}
	}
	newQty := pos.Quantity.Add(signed)
	if side == models.SideBuy {
		p.cash = p.cash.Sub(quantity.Mul(price))
	} else {
		p.cash = p.cash.Add(quantity.Mul(price))
	}
	if newQty.IsZero() {
		delete(p.positions, symbol)
		return
	}
	if pos.Quantity.IsZero() || pos.Quantity.Sign() == signed.Sign() {
		// opening or adding: blend entry price
		totalCost := pos.AverageEntryPrice.Mul(pos.Quantity.Abs()).Add(price.Mul(quantity))
		pos.AverageEntryPrice = totalCost.Div(newQty.Abs())
	}
	pos.Quantity = newQty
	pos.CurrentPrice = price
	pos.UnrealizedPnL = newQty.Mul(price.Sub(pos.AverageEntryPrice))
	p.positions[symbol] = pos
}

// CancelOrder marks a working order canceled.
func (p *PaperBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("broker: cannot cancel unknown order %s", brokerOrderID)
	}
	if o.Status.IsTerminal() {
		return nil
	}
	o.Status = models.OrderStatusCanceled
	o.UpdatedAt = time.Now().UTC()
	p.orders[brokerOrderID] = o
	return nil
}

func (p *PaperBroker) killSwitchActive() bool {
	if p.cfg.KillSwitch {
		return true
	}
	if p.cfg.KillSwitchFile == "" {
		return false
	}
	_, err := os.Stat(p.cfg.KillSwitchFile)
	return err == nil
}
