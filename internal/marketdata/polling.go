package marketdata

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/scrantonlabs/eventbot/internal/retry"
	"golang.org/x/sync/errgroup"
)

// BarsAndOrdersClient is the thin HTTP-shaped client PollingSource drives.
// The concrete HTTP client is an external collaborator; this
// interface is the seam a real client implements.
type BarsAndOrdersClient interface {
	FetchBars(ctx context.Context, symbols []string, timeframe string) ([]models.Bar, error)
	FetchSnapshot(ctx context.Context, symbol string) (Snapshot, error)
	FetchOrderStatus(ctx context.Context, brokerOrderID string) (OrderStatusUpdate, error)
}

const (
	barPollInterval   = 1 * time.Minute
	orderPollInterval = 2 * time.Second
	symbolBatchSize   = 25
	maxConcurrentPoll = 10
)

// PollingSource is the primary MarketDataSource implementation: it polls
// FetchBars at 1-minute cadence (batched 25 symbols/request) and
// FetchOrderStatus at 2-second cadence (bounded 10 concurrent per
// cycle).
type PollingSource struct {
	client  BarsAndOrdersClient
	symbols []string

	bars   chan models.Bar
	orders chan OrderStatusUpdate

	trackedOrders func() []string // returns broker order ids currently open; supplied by OrderManager

	logger *log.Logger
}

// NewPollingSource constructs a PollingSource for the given symbol
// universe. trackedOrders supplies the set of broker order ids to poll
// each cycle (OrderManager's view of open orders).
func NewPollingSource(client BarsAndOrdersClient, symbols []string, trackedOrders func() []string, logger *log.Logger) *PollingSource {
	if logger == nil {
		logger = log.New(os.Stderr, "marketdata: ", log.LstdFlags)
	}
	return &PollingSource{
		client:        client,
		symbols:       symbols,
		bars:          make(chan models.Bar, 1024),
		orders:        make(chan OrderStatusUpdate, 256),
		trackedOrders: trackedOrders,
		logger:        logger,
	}
}

func (p *PollingSource) Bars() <-chan models.Bar                { return p.bars }
func (p *PollingSource) OrderUpdates() <-chan OrderStatusUpdate { return p.orders }

// GetBars is a synchronous pass-through, used by history-window warm-up.
func (p *PollingSource) GetBars(ctx context.Context, symbol, timeframe string, limit int) ([]models.Bar, error) {
	bars, err := p.client.FetchBars(ctx, []string{symbol}, timeframe)
	if err != nil {
		return nil, fmt.Errorf("marketdata: get bars %s: %w", symbol, err)
	}
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

func (p *PollingSource) GetSnapshot(ctx context.Context, symbol string) (Snapshot, error) {
	return p.client.FetchSnapshot(ctx, symbol)
}

// Run drives both poll loops until ctx is cancelled.
func (p *PollingSource) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.runBarLoop(gctx) })
	g.Go(func() error { return p.runOrderLoop(gctx) })
	return g.Wait()
}

func (p *PollingSource) runBarLoop(ctx context.Context) error {
	ticker := time.NewTicker(barPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.pollBarsOnce(ctx)
		}
	}
}

func (p *PollingSource) pollBarsOnce(ctx context.Context) {
	for i := 0; i < len(p.symbols); i += symbolBatchSize {
		end := i + symbolBatchSize
		if end > len(p.symbols) {
			end = len(p.symbols)
		}
		batch := p.symbols[i:end]
		var bars []models.Bar
		err := retry.Do(ctx, retry.DefaultConfig, func() error {
			var err error
			bars, err = p.client.FetchBars(ctx, batch, "1m")
			return err
		})
		if err != nil {
			p.logger.Printf("bar poll batch %v failed: %v", batch, err)
			continue
		}
		for _, b := range bars {
			select {
			case p.bars <- b:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *PollingSource) runOrderLoop(ctx context.Context) error {
	ticker := time.NewTicker(orderPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.pollOrdersOnce(ctx)
		}
	}
}

func (p *PollingSource) pollOrdersOnce(ctx context.Context) {
	if p.trackedOrders == nil {
		return
	}
	ids := p.trackedOrders()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPoll)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			var update OrderStatusUpdate
			err := retry.Do(gctx, retry.DefaultConfig, func() error {
				var err error
				update, err = p.client.FetchOrderStatus(gctx, id)
				return err
			})
			if err != nil {
				p.logger.Printf("order status poll %s failed: %v", id, err)
				return nil // a single order's transient failure should not cancel the cycle
			}
			select {
			case p.orders <- update:
			case <-gctx.Done():
			}
			return nil
		})
	}
	_ = g.Wait()
}
