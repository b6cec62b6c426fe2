package broker

import (
	"context"
	"time"

	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

// CircuitBreakerSettings configures the gobreaker.CircuitBreaker wrapping
// every Broker call. MinRequests/FailureRatio gate when the breaker trips
// open; Interval is the rolling-window reset period; Timeout is how long
// the breaker stays open before allowing a half-open probe.
type CircuitBreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultCircuitBreakerSettings trips once a 1-minute window has seen at
// least 5 requests with at least 60% of them failed, and probes again
// after 30s open.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  1,
	Interval:     1 * time.Minute,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// CircuitBreakerBroker decorates any Broker with a gobreaker circuit
// breaker, so repeated transport failures short-circuit further calls
// instead of piling up latency against a broker that is already down.
// This is independent of (and in addition to) the persisted
// circuit_breaker_count OrderManager owns: that counter tracks
// consecutive submission failures across restarts, while this breaker
// tracks live call health within the process.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreakerBroker wraps broker with DefaultCircuitBreakerSettings.
func NewCircuitBreakerBroker(b Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(b, DefaultCircuitBreakerSettings)
}

// NewCircuitBreakerBrokerWithSettings wraps broker with explicit settings.
func NewCircuitBreakerBrokerWithSettings(b Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	st := gobreaker.Settings{
		Name:        "broker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= settings.FailureRatio
		},
	}
	return &CircuitBreakerBroker{
		broker:  b,
		breaker: gobreaker.NewCircuitBreaker(st),
	}
}

// State exposes the underlying breaker state for dashboards/metrics.
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}

func (c *CircuitBreakerBroker) GetClock(ctx context.Context) (models.Clock, error) {
	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.broker.GetClock(ctx)
	})
	if err != nil {
		return models.Clock{}, err
	}
	return v.(models.Clock), nil
}

func (c *CircuitBreakerBroker) GetAccount(ctx context.Context) (models.Account, error) {
	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.broker.GetAccount(ctx)
	})
	if err != nil {
		return models.Account{}, err
	}
	return v.(models.Account), nil
}

func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]models.BrokerPosition, error) {
	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.broker.GetPositions(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.BrokerPosition), nil
}

func (c *CircuitBreakerBroker) GetOpenOrders(ctx context.Context) ([]models.Order, error) {
	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.broker.GetOpenOrders(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.Order), nil
}

func (c *CircuitBreakerBroker) GetOrderByID(ctx context.Context, brokerOrderID string) (models.Order, error) {
	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.broker.GetOrderByID(ctx, brokerOrderID)
	})
	if err != nil {
		return models.Order{}, err
	}
	return v.(models.Order), nil
}

func (c *CircuitBreakerBroker) SubmitOrder(ctx context.Context, symbol string, side models.Side, quantity, limitPrice decimal.Decimal, clientOrderID string) (models.Order, error) {
	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.broker.SubmitOrder(ctx, symbol, side, quantity, limitPrice, clientOrderID)
	})
	if err != nil {
		return models.Order{}, err
	}
	return v.(models.Order), nil
}

func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.broker.CancelOrder(ctx, brokerOrderID)
	})
	return err
}
