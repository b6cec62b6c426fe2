package marketdata

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	fetchBarsCalls atomic.Int32
	bar            models.Bar
}

func (f *fakeClient) FetchBars(ctx context.Context, symbols []string, timeframe string) ([]models.Bar, error) {
	f.fetchBarsCalls.Add(1)
	return []models.Bar{f.bar}, nil
}
func (f *fakeClient) FetchSnapshot(ctx context.Context, symbol string) (Snapshot, error) {
	return Snapshot{Symbol: symbol}, nil
}
func (f *fakeClient) FetchOrderStatus(ctx context.Context, brokerOrderID string) (OrderStatusUpdate, error) {
	return OrderStatusUpdate{BrokerOrderID: brokerOrderID, Status: models.OrderStatusFilled}, nil
}

func TestPollingSource_GetBarsSynchronousPassThrough(t *testing.T) {
	client := &fakeClient{bar: models.Bar{
		Symbol: "AAPL", Timeframe: "1m", Timestamp: time.Now().UTC(),
		Open: decimal.NewFromInt(1), High: decimal.NewFromInt(1), Low: decimal.NewFromInt(1),
		Close: decimal.NewFromInt(1), Volume: decimal.NewFromInt(1),
	}}
	src := NewPollingSource(client, []string{"AAPL"}, nil, nil)
	bars, err := src.GetBars(context.Background(), "AAPL", "1m", 10)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	require.Equal(t, int32(1), client.fetchBarsCalls.Load())
}

func TestPollingSource_PollBarsOnceBatchesBySymbolSize(t *testing.T) {
	symbols := make([]string, 60)
	for i := range symbols {
		symbols[i] = "SYM"
	}
	client := &fakeClient{bar: models.Bar{
		Symbol: "SYM", Timeframe: "1m", Timestamp: time.Now().UTC(),
		Open: decimal.NewFromInt(1), High: decimal.NewFromInt(1), Low: decimal.NewFromInt(1),
		Close: decimal.NewFromInt(1), Volume: decimal.NewFromInt(1),
	}}
	src := NewPollingSource(client, symbols, nil, nil)
	src.pollBarsOnce(context.Background())
	// 60 symbols at batch size 25 => 3 requests (25, 25, 10)
	require.Equal(t, int32(3), client.fetchBarsCalls.Load())
}

func TestPollingSource_PollOrdersOnceEmitsUpdates(t *testing.T) {
	client := &fakeClient{}
	src := NewPollingSource(client, nil, func() []string { return []string{"order-1", "order-2"} }, nil)
	src.pollOrdersOnce(context.Background())

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case u := <-src.OrderUpdates():
			seen[u.BrokerOrderID] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for order update")
		}
	}
	require.True(t, seen["order-1"])
	require.True(t, seen["order-2"])
}
