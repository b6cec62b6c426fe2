// Package broker defines the execution-endpoint contract every broker
// implementation must satisfy and ships the two concrete
// implementations that stay in scope for the core: a paper-trading
// simulator and a circuit-breaker decorator. The concrete HTTP/WebSocket
// client for a real brokerage is an external collaborator and is not
// implemented here.
package broker

import (
	"context"
	"time"

	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/shopspring/decimal"
)

// Broker is the contract for execution endpoints. Market data (quotes,
// bars) is a separate concern served by internal/marketdata.
//
// GetClock must always hit the live source; it is never allowed to be
// cached by an implementation. GetAccount and GetPositions
// may be served from a short-TTL cache.
type Broker interface {
	GetClock(ctx context.Context) (models.Clock, error)
	GetAccount(ctx context.Context) (models.Account, error)
	GetPositions(ctx context.Context) ([]models.BrokerPosition, error)
	GetOpenOrders(ctx context.Context) ([]models.Order, error)
	GetOrderByID(ctx context.Context, brokerOrderID string) (models.Order, error)
	SubmitOrder(ctx context.Context, symbol string, side models.Side, quantity, limitPrice decimal.Decimal, clientOrderID string) (models.Order, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
}

// Clock and Account/Position types reuse internal/models so every
// component shares one vocabulary for broker-shaped data.

// cacheTTL is the mandatory 1-second account/positions cache window.
const cacheTTL = 1 * time.Second
