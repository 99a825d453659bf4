package estimator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailbot/internal/domain"
)

var windowStart = time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)

func candleAt(i int, open, high, low, close float64) domain.Candle {
	openTime := windowStart.Add(time.Duration(i) * time.Minute)
	return domain.Candle{
		OpenTime:  openTime,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		CloseTime: openTime.Add(time.Minute),
	}
}

// flatCandles yields n candles pinned at price with a fixed high-low range.
func flatCandles(n int, price, rng float64) []domain.Candle {
	out := make([]domain.Candle, n)
	for i := range out {
		out[i] = candleAt(i, price, price+rng/2, price-rng/2, price)
	}
	return out
}

func TestATRConstantRange(t *testing.T) {
	e := New(Config{})
	e.SetWindow("BTCUSDT", flatCandles(15, 100, 10))

	atr, err := e.ATR("BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, atr, 1e-9)
}

func TestATRWilderSmoothing(t *testing.T) {
	candles := flatCandles(15, 100, 10)
	// One wide bar folds into the running average with weight 1/period.
	candles = append(candles, candleAt(15, 100, 112, 88, 100))

	e := New(Config{})
	e.SetWindow("BTCUSDT", candles)

	atr, err := e.ATR("BTCUSDT")
	require.NoError(t, err)
	// (10*13 + 24) / 14
	assert.InDelta(t, 11.0, atr, 1e-9)
}

func TestATRInsufficientHistory(t *testing.T) {
	e := New(Config{})
	e.SetWindow("BTCUSDT", flatCandles(14, 100, 10))

	_, err := e.ATR("BTCUSDT")
	assert.ErrorIs(t, err, domain.ErrInsufficientHistory)

	_, err = e.ATR("NEVERSEEN")
	assert.ErrorIs(t, err, domain.ErrInsufficientHistory)
}

func TestAddCandleReplacesFormingBar(t *testing.T) {
	e := New(Config{})
	c := candleAt(0, 100, 101, 99, 100)
	e.AddCandle("BTCUSDT", c)

	// Same open time: the still-forming bar is updated in place.
	c.Close = 100.5
	c.High = 101.5
	e.AddCandle("BTCUSDT", c)

	w := e.Window("BTCUSDT")
	require.Len(t, w, 1)
	assert.InDelta(t, 100.5, w[0].Close, 1e-9)

	e.AddCandle("BTCUSDT", candleAt(1, 100.5, 101, 100, 100.8))
	assert.Len(t, e.Window("BTCUSDT"), 2)
}

func TestWindowBound(t *testing.T) {
	e := New(Config{Period: 5, MaxCandles: 20})
	for i := 0; i < 30; i++ {
		e.AddCandle("BTCUSDT", candleAt(i, 100, 101, 99, 100))
	}

	w := e.Window("BTCUSDT")
	require.Len(t, w, 20)
	assert.Equal(t, windowStart.Add(10*time.Minute), w[0].OpenTime, "oldest candles evicted first")
}

func TestRegimeClassification(t *testing.T) {
	trending := make([]domain.Candle, 16)
	for i := range trending {
		px := 100.0 + float64(i)
		trending[i] = candleAt(i, px-1, px+0.5, px-0.5, px)
	}

	ranging := make([]domain.Candle, 16)
	for i := range ranging {
		px := 100.2
		if i%2 == 1 {
			px = 99.8
		}
		ranging[i] = candleAt(i, 100, px+0.2, px-0.2, px)
	}

	tests := []struct {
		name    string
		candles []domain.Candle
		want    domain.Regime
	}{
		{"volatile on wide ranges", flatCandles(15, 100, 4), domain.RegimeVolatile},
		{"quiet on narrow ranges", flatCandles(15, 100, 0.2), domain.RegimeQuiet},
		{"trending on steady drift", trending, domain.RegimeTrending},
		{"ranging on oscillation", ranging, domain.RegimeRanging},
		{"unknown without history", flatCandles(5, 100, 1), domain.RegimeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(Config{})
			e.SetWindow("BTCUSDT", tt.candles)
			assert.Equal(t, tt.want, e.Regime("BTCUSDT"))
		})
	}
}

func TestRegimeUnknownForMissingSymbol(t *testing.T) {
	e := New(Config{})
	assert.Equal(t, domain.RegimeUnknown, e.Regime("BTCUSDT"))
}

func TestSymbols(t *testing.T) {
	e := New(Config{})
	e.AddCandle("ETHUSDT", candleAt(0, 100, 101, 99, 100))
	e.AddCandle("BTCUSDT", candleAt(0, 100, 101, 99, 100))
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, e.Symbols())
}
