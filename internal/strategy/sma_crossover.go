package strategy

import (
	"fmt"
	"log"
	"os"

	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/shopspring/decimal"
)

// smaPair is one (fast, slow) SMA lookback combination evaluated every bar.
type smaPair struct {
	fast, slow int
	tag        string
}

// Config contains the tunable parameters for SMACrossoverStrategy.
type Config struct {
	Name        string
	ATRPeriod   int
	TrendStrong float64 // strength threshold for "trending" (default 1.5)
	TrendWeak   float64 // strength threshold for "ranging" (default 0.5)
}

// DefaultConfig holds the reference strategy parameters.
var DefaultConfig = Config{
	Name:        "sma_crossover_multi",
	ATRPeriod:   14,
	TrendStrong: 1.5,
	TrendWeak:   0.5,
}

var defaultPairs = []smaPair{
	{fast: 5, slow: 15, tag: "sma_5_15"},
	{fast: 10, slow: 30, tag: "sma_10_30"},
	{fast: 20, slow: 50, tag: "sma_20_50"},
}

// SMACrossoverStrategy is the reference strategy: three (fast, slow)
// SMA pairs, ATR(14) volatility metadata, and a trend-strength regime
// classifier.
type SMACrossoverStrategy struct {
	config Config
	pairs  []smaPair
	state  botState
	logger *log.Logger
}

// NewSMACrossoverStrategy constructs the strategy. state may be nil, in
// which case duplicate-signal suppression is skipped (useful for
// backtesting contexts with no store).
func NewSMACrossoverStrategy(config Config, state botState, logger *log.Logger) *SMACrossoverStrategy {
	if config.ATRPeriod <= 0 {
		config.ATRPeriod = DefaultConfig.ATRPeriod
	}
	if config.TrendStrong <= 0 {
		config.TrendStrong = DefaultConfig.TrendStrong
	}
	if config.TrendWeak <= 0 {
		config.TrendWeak = DefaultConfig.TrendWeak
	}
	if config.Name == "" {
		config.Name = DefaultConfig.Name
	}
	if logger == nil {
		logger = log.New(os.Stderr, "strategy: ", log.LstdFlags)
	}
	return &SMACrossoverStrategy{config: config, pairs: defaultPairs, state: state, logger: logger}
}

// OnBar implements Strategy. It evaluates every configured SMA pair
// against the freshest bar in history and emits zero or more signals.
func (s *SMACrossoverStrategy) OnBar(symbol string, history []models.Bar) []models.Signal {
	if len(history) < 2 {
		return nil
	}
	last := history[len(history)-1]
	atr := atr14(history, s.config.ATRPeriod)
	sma50 := sma(closes(history), 50)

	var signals []models.Signal
	for _, pair := range s.pairs {
		side, ok := s.crossoverSide(history, pair)
		if !ok {
			continue
		}
		if s.isDuplicate(symbol, pair.tag, side) {
			continue
		}
		meta := s.buildMetadata(pair.tag, last.Close, atr, sma50)
		signals = append(signals, models.Signal{
			Strategy:        s.config.Name,
			Symbol:          symbol,
			Side:            side,
			Timeframe:       last.Timeframe,
			SignalTimestamp: last.Timestamp,
			Metadata:        meta,
		})
		s.recordSignal(symbol, pair.tag, side)
	}
	return signals
}

// crossoverSide reports whether the fast/slow SMA pair crossed on the
// final two bars of history, and in which direction.
func (s *SMACrossoverStrategy) crossoverSide(history []models.Bar, pair smaPair) (models.Side, bool) {
	need := pair.slow + 1
	if len(history) < need {
		return "", false
	}
	c := closes(history)
	fastPrev := sma(c[:len(c)-1], pair.fast)
	slowPrev := sma(c[:len(c)-1], pair.slow)
	fastNow := sma(c, pair.fast)
	slowNow := sma(c, pair.slow)

	if fastPrev.LessThanOrEqual(slowPrev) && fastNow.GreaterThan(slowNow) {
		return models.SideBuy, true
	}
	if fastPrev.GreaterThanOrEqual(slowPrev) && fastNow.LessThan(slowNow) {
		return models.SideSell, true
	}
	return "", false
}

// buildMetadata computes regime/confidence metadata from the trend
// strength: strength = |close - SMA50| / ATR14.
func (s *SMACrossoverStrategy) buildMetadata(paramTag string, price, atr, sma50 decimal.Decimal) models.SignalMetadata {
	meta := models.SignalMetadata{
		ParamTag:     paramTag,
		CurrentPrice: price,
		ATR:          atr,
	}
	if atr.IsZero() || sma50.IsZero() {
		meta.Regime = models.RegimeUnknown
		meta.RegimeStrength = 0
		meta.Confidence = 0.6
		return meta
	}
	strength := price.Sub(sma50).Abs().Div(atr)
	strengthF, _ := strength.Float64()
	meta.RegimeStrength = clamp01(strengthF)

	switch {
	case strengthF >= s.config.TrendStrong:
		meta.Regime = models.RegimeTrending
		meta.Confidence = confidenceForTag(paramTag, 0.5, 0.9)
	case strengthF < s.config.TrendWeak:
		meta.Regime = models.RegimeRanging
		meta.Confidence = confidenceForTag(paramTag, 0.2, 0.4)
	default:
		meta.Regime = models.RegimeUnknown
		meta.Confidence = confidenceForTag(paramTag, 0.5, 0.7)
	}
	return meta
}

// confidenceForTag weights confidence towards slower pairs within the
// [lo, hi] band.
func confidenceForTag(tag string, lo, hi float64) float64 {
	weight := 0.0
	for i, p := range defaultPairs {
		if p.tag == tag {
			weight = float64(i) / float64(len(defaultPairs)-1)
			break
		}
	}
	return lo + weight*(hi-lo)
}

func (s *SMACrossoverStrategy) isDuplicate(symbol, paramTag string, side models.Side) bool {
	if s.state == nil {
		return false
	}
	key := models.LastSignalStateKey(symbol, paramTag)
	last, ok, err := s.state.GetBotState(key)
	if err != nil {
		s.logger.Printf("last-signal lookup failed for %s: %v", key, err)
		return false
	}
	return ok && last == string(side)
}

func (s *SMACrossoverStrategy) recordSignal(symbol, paramTag string, side models.Side) {
	if s.state == nil {
		return
	}
	key := models.LastSignalStateKey(symbol, paramTag)
	if err := s.state.SetBotState(key, string(side)); err != nil {
		s.logger.Printf("failed to record last signal %s: %v", key, err)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func closes(bars []models.Bar) []decimal.Decimal {
	out := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// sma computes the simple moving average of the last period values in vs,
// or the zero value if vs is shorter than period.
func sma(vs []decimal.Decimal, period int) decimal.Decimal {
	if period <= 0 || len(vs) < period {
		return decimal.Zero
	}
	window := vs[len(vs)-period:]
	sum := decimal.Zero
	for _, v := range window {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}

// atr14 computes the Average True Range as the simple mean of the last
// period true ranges in history (no Wilder smoothing).
func atr14(history []models.Bar, period int) decimal.Decimal {
	if period <= 0 || len(history) < period+1 {
		return decimal.Zero
	}
	trs := make([]decimal.Decimal, 0, len(history)-1)
	for i := 1; i < len(history); i++ {
		trs = append(trs, trueRange(history[i], history[i-1]))
	}
	if len(trs) < period {
		return decimal.Zero
	}
	window := trs[len(trs)-period:]
	sum := decimal.Zero
	for _, v := range window {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}

func trueRange(curr, prev models.Bar) decimal.Decimal {
	hl := curr.High.Sub(curr.Low).Abs()
	hc := curr.High.Sub(prev.Close).Abs()
	lc := curr.Low.Sub(prev.Close).Abs()
	max := hl
	if hc.GreaterThan(max) {
		max = hc
	}
	if lc.GreaterThan(max) {
		max = lc
	}
	return max
}

// String formats the pair's lookbacks as "fast_slow". Signals carry the
// pair's tag field instead; ClientOrderID does not use either.
func (p smaPair) String() string {
	return fmt.Sprintf("%d_%d", p.fast, p.slow)
}
