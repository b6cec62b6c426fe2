package main

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/scrantonlabs/eventbot/internal/broker"
	"github.com/scrantonlabs/eventbot/internal/marketdata"
	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/shopspring/decimal"
)

// paperFeed is the market-data client wired in paper mode: a random-walk
// bar generator per symbol plus order status served straight from the
// paper broker. It exists so the bot runs end to end without any
// external feed; a real deployment swaps in an HTTP or WebSocket client
// behind the same interface.
type paperFeed struct {
	broker    broker.Broker
	timeframe string

	mu   sync.Mutex
	last map[string]decimal.Decimal
	rng  *rand.Rand
}

func newPaperFeed(b broker.Broker, symbols []string, timeframe string, seed int64) *paperFeed {
	f := &paperFeed{
		broker:    b,
		timeframe: timeframe,
		last:      make(map[string]decimal.Decimal, len(symbols)),
		rng:       rand.New(rand.NewSource(seed)),
	}
	for i, sym := range symbols {
		// Spread synthetic starting prices so symbols are distinguishable.
		f.last[sym] = decimal.NewFromInt(int64(50 + 25*i)).Add(decimal.NewFromInt(100))
	}
	return f
}

// FetchBars produces one fresh synthetic bar per requested symbol,
// stepping each price by a small bounded random walk.
func (f *paperFeed) FetchBars(ctx context.Context, symbols []string, timeframe string) ([]models.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC().Truncate(time.Minute)
	bars := make([]models.Bar, 0, len(symbols))
	for _, sym := range symbols {
		prev, ok := f.last[sym]
		if !ok {
			prev = decimal.NewFromInt(100)
		}
		// Step within roughly +-0.5% of the previous close.
		stepPct := (f.rng.Float64() - 0.5) / 100
		close := prev.Mul(decimal.NewFromFloat(1 + stepPct)).Round(4)
		if !close.IsPositive() {
			close = prev
		}
		high := prev
		low := close
		if close.GreaterThan(prev) {
			high, low = close, prev
		}
		bars = append(bars, models.Bar{
			Symbol:    sym,
			Timeframe: f.timeframe,
			Timestamp: now,
			Open:      prev,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    decimal.NewFromInt(int64(1000 + f.rng.Intn(9000))),
		})
		f.last[sym] = close
	}
	return bars, nil
}

// FetchSnapshot serves a synthetic top-of-book around the last close.
func (f *paperFeed) FetchSnapshot(ctx context.Context, symbol string) (marketdata.Snapshot, error) {
	f.mu.Lock()
	last := f.last[symbol]
	f.mu.Unlock()
	mid, _ := last.Float64()
	return marketdata.Snapshot{
		Symbol:    symbol,
		Bid:       mid - 0.01,
		Ask:       mid + 0.01,
		BidSize:   100,
		AskSize:   100,
		Timestamp: time.Now().UTC(),
	}, nil
}

// FetchOrderStatus reads the paper broker's view of an order.
func (f *paperFeed) FetchOrderStatus(ctx context.Context, brokerOrderID string) (marketdata.OrderStatusUpdate, error) {
	order, err := f.broker.GetOrderByID(ctx, brokerOrderID)
	if err != nil {
		return marketdata.OrderStatusUpdate{}, err
	}
	return marketdata.OrderStatusUpdate{
		BrokerOrderID:      order.BrokerOrderID,
		ClientOrderID:      order.ClientOrderID,
		Status:             order.Status,
		FilledQuantity:     order.FilledQuantity,
		AverageFilledPrice: order.AverageFilledPrice,
	}, nil
}
