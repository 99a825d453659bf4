package domain

import "time"

// Candle is one OHLCV bar as delivered by the exchange.
type Candle struct {
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}

// PriceUpdate is a single mark-price observation for a symbol.
type PriceUpdate struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
}

// Regime is a coarse classification of current market behavior, used to
// adapt stop parameters.
type Regime string

const (
	RegimeTrending Regime = "TRENDING"
	RegimeRanging  Regime = "RANGING"
	RegimeVolatile Regime = "VOLATILE"
	RegimeQuiet    Regime = "QUIET"
	RegimeUnknown  Regime = "UNKNOWN"
)

// VolatilitySource supplies ATR and regime readings to the engine. Reads are
// pure functions of the stored candle window and never block.
type VolatilitySource interface {
	// ATR returns the average true range for symbol, or
	// ErrInsufficientHistory when fewer than period+1 candles are stored.
	ATR(symbol string) (float64, error)
	// Regime classifies current market behavior for symbol, returning
	// RegimeUnknown when history is insufficient.
	Regime(symbol string) Regime
}
