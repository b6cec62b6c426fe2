package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/shopspring/decimal"
)

// wireBar/wireOrderUpdate are the JSON shapes StreamSource expects on the
// wire; a real feed's exact schema is an external collaborator's concern,
// but StreamSource must emit the same models.Bar/OrderStatusUpdate
// outputs PollingSource does so DataHandler never depends on which
// implementation is running.
type wireMessage struct {
	Type  string          `json:"type"`
	Bar   *wireBar        `json:"bar,omitempty"`
	Order *wireOrderEvent `json:"order,omitempty"`
}

type wireBar struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Timestamp string `json:"timestamp"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Volume    string `json:"volume"`
}

type wireOrderEvent struct {
	BrokerOrderID string `json:"broker_order_id"`
	ClientOrderID string `json:"client_order_id"`
	Status        string `json:"status"`
	FilledQty     string `json:"filled_quantity"`
	AvgPrice      string `json:"average_filled_price"`
}

// Dialer abstracts websocket.Dialer for tests.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, error)
}

// gorillaDialer adapts *websocket.Dialer (which also returns an
// *http.Response) to the narrower Dialer interface above.
type gorillaDialer struct {
	*websocket.Dialer
}

func (d gorillaDialer) DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, error) {
	conn, _, err := d.Dialer.DialContext(ctx, urlStr, requestHeader)
	return conn, err
}

// NewDefaultDialer wraps websocket.DefaultDialer for production use.
func NewDefaultDialer() Dialer {
	return gorillaDialer{Dialer: websocket.DefaultDialer}
}

// StreamSource is the alternative MarketDataSource implementation: a
// persistent WebSocket connection emitting the same bar/order-status
// events PollingSource produces.
type StreamSource struct {
	url    string
	dialer Dialer
	bars   chan models.Bar
	orders chan OrderStatusUpdate
	logger *log.Logger

	snapshotFn func(ctx context.Context, symbol string) (Snapshot, error)
	getBarsFn  func(ctx context.Context, symbol, timeframe string, limit int) ([]models.Bar, error)
}

// NewStreamSource constructs a StreamSource pointed at url.
func NewStreamSource(url string, dialer Dialer, logger *log.Logger) *StreamSource {
	if logger == nil {
		logger = log.New(os.Stderr, "marketdata: ", log.LstdFlags)
	}
	return &StreamSource{
		url:    url,
		dialer: dialer,
		bars:   make(chan models.Bar, 1024),
		orders: make(chan OrderStatusUpdate, 256),
		logger: logger,
	}
}

func (s *StreamSource) Bars() <-chan models.Bar                { return s.bars }
func (s *StreamSource) OrderUpdates() <-chan OrderStatusUpdate { return s.orders }

// GetBars/GetSnapshot delegate to whatever REST fallback the caller
// wires in (a streaming feed typically still needs a synchronous history
// fetch for warm-up); if unset, they return an error.
func (s *StreamSource) GetBars(ctx context.Context, symbol, timeframe string, limit int) ([]models.Bar, error) {
	if s.getBarsFn == nil {
		return nil, fmt.Errorf("marketdata: stream source has no history fetcher configured")
	}
	return s.getBarsFn(ctx, symbol, timeframe, limit)
}

func (s *StreamSource) GetSnapshot(ctx context.Context, symbol string) (Snapshot, error) {
	if s.snapshotFn == nil {
		return Snapshot{}, fmt.Errorf("marketdata: stream source has no snapshot fetcher configured")
	}
	return s.snapshotFn(ctx, symbol)
}

// Run dials the websocket and decodes messages until ctx is cancelled,
// reconnecting with backoff on transport errors.
func (s *StreamSource) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.logger.Printf("stream dial failed: %v, retrying in %v", err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		s.readLoop(ctx, conn)
		_ = conn.Close()
	}
}

func (s *StreamSource) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Printf("stream read error: %v", err)
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Printf("stream decode error: %v", err)
			continue
		}
		switch msg.Type {
		case "bar":
			if msg.Bar == nil {
				continue
			}
			bar, err := decodeWireBar(*msg.Bar)
			if err != nil {
				s.logger.Printf("stream bar decode error: %v", err)
				continue
			}
			select {
			case s.bars <- bar:
			case <-ctx.Done():
				return
			}
		case "order":
			if msg.Order == nil {
				continue
			}
			update, err := decodeWireOrder(*msg.Order)
			if err != nil {
				s.logger.Printf("stream order decode error: %v", err)
				continue
			}
			select {
			case s.orders <- update:
			case <-ctx.Done():
				return
			}
		}
	}
}

func decodeWireBar(w wireBar) (models.Bar, error) {
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return models.Bar{}, fmt.Errorf("parse timestamp: %w", err)
	}
	open, err1 := decimal.NewFromString(w.Open)
	high, err2 := decimal.NewFromString(w.High)
	low, err3 := decimal.NewFromString(w.Low)
	closePx, err4 := decimal.NewFromString(w.Close)
	vol, err5 := decimal.NewFromString(w.Volume)
	for _, e := range []error{err1, err2, err3, err4, err5} {
		if e != nil {
			return models.Bar{}, fmt.Errorf("parse bar field: %w", e)
		}
	}
	return models.Bar{
		Symbol:    w.Symbol,
		Timeframe: w.Timeframe,
		Timestamp: ts.UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePx,
		Volume:    vol,
	}, nil
}

func decodeWireOrder(w wireOrderEvent) (OrderStatusUpdate, error) {
	filled, err := decimal.NewFromString(w.FilledQty)
	if err != nil {
		return OrderStatusUpdate{}, fmt.Errorf("parse filled quantity: %w", err)
	}
	avg, err := decimal.NewFromString(w.AvgPrice)
	if err != nil {
		return OrderStatusUpdate{}, fmt.Errorf("parse average price: %w", err)
	}
	return OrderStatusUpdate{
		BrokerOrderID:      w.BrokerOrderID,
		ClientOrderID:      w.ClientOrderID,
		Status:             models.OrderStatus(w.Status),
		FilledQuantity:     filled,
		AverageFilledPrice: avg,
	}, nil
}
