// Package estimator maintains rolling OHLC windows per symbol and derives the
// volatility inputs the engine's adaptive variants consume: Wilder-smoothed
// ATR and a coarse market-regime label.
package estimator

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"trailbot/internal/domain"
)

const (
	defaultPeriod     = 14
	defaultMaxCandles = 120

	// Regime thresholds on the ATR-to-price ratio and on the normalized
	// per-bar regression slope.
	defaultVolatileATRRatio = 0.02
	defaultQuietATRRatio    = 0.005
	defaultTrendSlope       = 0.002
)

// Config tunes the ATR period, the window bound, and the regime thresholds.
// Zero values fall back to defaults.
type Config struct {
	// Period is the ATR lookback; ATR needs Period+1 candles.
	Period int
	// MaxCandles bounds the per-symbol window.
	MaxCandles int
	// VolatileATRRatio and QuietATRRatio classify by ATR/price: at or above
	// the former is VOLATILE, at or below the latter is QUIET.
	VolatileATRRatio float64
	QuietATRRatio    float64
	// TrendSlope is the normalized per-bar regression slope magnitude at or
	// above which the regime is TRENDING rather than RANGING.
	TrendSlope float64
}

// Estimator keeps a bounded sliding window of closed candles for each symbol.
// All methods are safe for concurrent use; reads never mutate state.
type Estimator struct {
	mu      sync.RWMutex
	windows map[string][]domain.Candle
	cfg     Config
}

var _ domain.VolatilitySource = (*Estimator)(nil)

// New creates an Estimator, filling zero config fields with defaults.
func New(cfg Config) *Estimator {
	if cfg.Period <= 0 {
		cfg.Period = defaultPeriod
	}
	if cfg.MaxCandles <= cfg.Period {
		cfg.MaxCandles = defaultMaxCandles
	}
	if cfg.VolatileATRRatio <= 0 {
		cfg.VolatileATRRatio = defaultVolatileATRRatio
	}
	if cfg.QuietATRRatio <= 0 {
		cfg.QuietATRRatio = defaultQuietATRRatio
	}
	if cfg.TrendSlope <= 0 {
		cfg.TrendSlope = defaultTrendSlope
	}
	return &Estimator{
		windows: make(map[string][]domain.Candle),
		cfg:     cfg,
	}
}

// Period returns the configured ATR lookback.
func (e *Estimator) Period() int { return e.cfg.Period }

// AddCandle appends a closed candle to the symbol's window. A candle with the
// same open time as the last one replaces it, so streaming updates of the
// still-forming bar stay idempotent. The window is trimmed to the bound.
func (e *Estimator) AddCandle(symbol string, c domain.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w := e.windows[symbol]
	if n := len(w); n > 0 && w[n-1].OpenTime.Equal(c.OpenTime) {
		w[n-1] = c
	} else {
		w = append(w, c)
	}
	if len(w) > e.cfg.MaxCandles {
		w = w[len(w)-e.cfg.MaxCandles:]
	}
	e.windows[symbol] = w
}

// SetWindow replaces the symbol's window wholesale, trimmed to the bound.
// Used to seed from historical klines at startup.
func (e *Estimator) SetWindow(symbol string, candles []domain.Candle) {
	w := make([]domain.Candle, len(candles))
	copy(w, candles)
	if len(w) > e.cfg.MaxCandles {
		w = w[len(w)-e.cfg.MaxCandles:]
	}

	e.mu.Lock()
	e.windows[symbol] = w
	e.mu.Unlock()
}

// Window returns a copy of the symbol's current window.
func (e *Estimator) Window(symbol string) []domain.Candle {
	e.mu.RLock()
	defer e.mu.RUnlock()

	src := e.windows[symbol]
	if len(src) == 0 {
		return nil
	}
	out := make([]domain.Candle, len(src))
	copy(out, src)
	return out
}

// Symbols returns the sorted symbols with at least one candle.
func (e *Estimator) Symbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]string, 0, len(e.windows))
	for s := range e.windows {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ATR computes Wilder's average true range over the configured period. It
// needs at least period+1 candles and returns domain.ErrInsufficientHistory
// otherwise.
func (e *Estimator) ATR(symbol string) (float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	atr, ok := atrOf(e.windows[symbol], e.cfg.Period)
	if !ok {
		return 0, fmt.Errorf("estimator: atr %s: need %d candles, have %d: %w",
			symbol, e.cfg.Period+1, len(e.windows[symbol]), domain.ErrInsufficientHistory)
	}
	return atr, nil
}

// Regime classifies the symbol's market state. Extremes of the ATR-to-price
// ratio decide VOLATILE and QUIET; otherwise the normalized regression slope
// separates TRENDING from RANGING. UNKNOWN when history is insufficient.
func (e *Estimator) Regime(symbol string) domain.Regime {
	e.mu.RLock()
	defer e.mu.RUnlock()

	w := e.windows[symbol]
	atr, ok := atrOf(w, e.cfg.Period)
	if !ok {
		return domain.RegimeUnknown
	}

	last := w[len(w)-1].Close
	if last <= 0 {
		return domain.RegimeUnknown
	}
	ratio := atr / last
	if ratio >= e.cfg.VolatileATRRatio {
		return domain.RegimeVolatile
	}
	if ratio <= e.cfg.QuietATRRatio {
		return domain.RegimeQuiet
	}

	if math.Abs(closeSlope(w))/last >= e.cfg.TrendSlope {
		return domain.RegimeTrending
	}
	return domain.RegimeRanging
}

// atrOf runs Wilder's smoothing: the first period true ranges are averaged,
// then each later bar folds in as (atr*(period-1)+tr)/period.
func atrOf(candles []domain.Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) <= period {
		return 0, false
	}

	trs := make([]float64, len(candles))
	for i := 1; i < len(candles); i++ {
		highLow := candles[i].High - candles[i].Low
		highClose := math.Abs(candles[i].High - candles[i-1].Close)
		lowClose := math.Abs(candles[i].Low - candles[i-1].Close)
		trs[i] = math.Max(highLow, math.Max(highClose, lowClose))
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += trs[i]
	}
	atr := sum / float64(period)

	for i := period + 1; i < len(candles); i++ {
		atr = (atr*float64(period-1) + trs[i]) / float64(period)
	}
	return atr, atr > 0
}

// closeSlope is the least-squares slope of close prices against bar index,
// i.e. average drift per bar in price units.
func closeSlope(candles []domain.Candle) float64 {
	n := float64(len(candles))
	if n < 2 {
		return 0
	}

	meanX := (n - 1) / 2
	var meanY float64
	for _, c := range candles {
		meanY += c.Close
	}
	meanY /= n

	var num, den float64
	for i, c := range candles {
		dx := float64(i) - meanX
		num += dx * (c.Close - meanY)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}
