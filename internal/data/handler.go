// Package data implements DataHandler and the bars handler: a thin
// coordinator plus the normalise/persist/publish pipeline for every
// incoming bar, and the per-symbol rolling history window the strategy
// consumes.
package data

import (
	"log"
	"os"
	"sync"

	"github.com/scrantonlabs/eventbot/internal/eventbus"
	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/shopspring/decimal"
)

// MaxHistoryWindow is the cap on in-memory bars kept per symbol.
const MaxHistoryWindow = 500

// barStore is the persistence seam the bars handler writes through;
// internal/store.Store satisfies it.
type barStore interface {
	InsertBar(b models.Bar) error
	RecentBars(symbol, timeframe string, limit int) ([]models.Bar, error)
}

// BarEvent is published on the EventBus main channel for each normalised,
// newly persisted bar.
type BarEvent struct {
	Bar models.Bar
}

// Handler is DataHandler: it owns the per-symbol rolling window and
// validates, persists and publishes each bar itself in OnBar. It
// keeps no broker or strategy reference, so strategies cannot reach the
// broker or MarketDataSource through it.
type Handler struct {
	mu        sync.RWMutex
	histories map[string][]models.Bar
	timeframe string

	store  barStore
	bus    *eventbus.Bus
	logger *log.Logger
}

// NewHandler constructs a Handler for the given store/bus/timeframe.
func NewHandler(store barStore, bus *eventbus.Bus, timeframe string, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "data: ", log.LstdFlags)
	}
	return &Handler{
		histories: make(map[string][]models.Bar),
		timeframe: timeframe,
		store:     store,
		bus:       bus,
		logger:    logger,
	}
}

// Warm pre-populates a symbol's in-memory window from the store, so
// strategy warm-up does not wait for live bars to accumulate.
func (h *Handler) Warm(symbols []string) error {
	for _, sym := range symbols {
		bars, err := h.store.RecentBars(sym, h.timeframe, MaxHistoryWindow)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.histories[sym] = bars
		h.mu.Unlock()
	}
	return nil
}

// OnBar is the entry point for a single incoming raw bar: validate,
// persist, publish. Bars with a non-UTC timestamp or invalid OHLCV are
// dropped with a log line; bars not newer than the tail of the symbol's
// window (duplicates or out-of-order) are dropped silently. The store's
// insert is idempotent, so a bar already persisted but absent from the
// window is still appended and published. A symbol lagging behind others never blocks the
// dispatcher: this call is synchronous per-symbol but independent
// across symbols.
func (h *Handler) OnBar(raw models.Bar) {
	b := models.Bar{
		Symbol:    raw.Symbol,
		Timeframe: raw.Timeframe,
		Timestamp: raw.Timestamp,
		Open:      raw.Open,
		High:      raw.High,
		Low:       raw.Low,
		Close:     raw.Close,
		Volume:    raw.Volume,
	}
	if err := b.Validate(); err != nil {
		h.logger.Printf("dropping invalid bar: %v", err)
		return
	}

	h.mu.Lock()
	window := h.histories[b.Symbol]
	if len(window) > 0 && !window[len(window)-1].Timestamp.Before(b.Timestamp) {
		h.mu.Unlock()
		return // duplicate or out-of-order bar for this symbol; dropped silently
	}
	h.mu.Unlock()

	if err := h.store.InsertBar(b); err != nil {
		h.logger.Printf("failed to persist bar %s: %v", b.Key(), err)
		return
	}

	h.mu.Lock()
	window = append(h.histories[b.Symbol], b)
	if len(window) > MaxHistoryWindow {
		window = window[len(window)-MaxHistoryWindow:]
	}
	h.histories[b.Symbol] = window
	h.mu.Unlock()

	if h.bus != nil {
		h.bus.PublishMain(BarEvent{Bar: b})
	}
}

// History returns a copy of the current rolling window for symbol, in
// strict ascending timestamp order, for strategy consumption.
func (h *Handler) History(symbol string) []models.Bar {
	h.mu.RLock()
	defer h.mu.RUnlock()
	window := h.histories[symbol]
	out := make([]models.Bar, len(window))
	copy(out, window)
	return out
}

// LastPrice satisfies broker.PriceSource, returning the most recent
// close for symbol.
func (h *Handler) LastPrice(symbol string) (decimal.Decimal, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	window := h.histories[symbol]
	if len(window) == 0 {
		return decimal.Zero, false
	}
	return window[len(window)-1].Close, true
}
