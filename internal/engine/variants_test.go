package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailbot/internal/domain"
)

func TestAbsoluteVariantLong(t *testing.T) {
	e := newTestEngine(nil)
	mustRegister(t, e, RegisterParams{
		Symbol: "BTCUSDT", Direction: domain.DirectionLong,
		EntryPrice: 60000, Quantity: 0.1,
		Variant: domain.VariantAbsolute,
		Params:  domain.VariantParams{ActivationAmount: 500, CallbackAmount: 200},
	})

	assert.Empty(t, feed(t, e, "BTCUSDT", 60499), "below the activation amount")

	events := feed(t, e, "BTCUSDT", 60500)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTrailingActivated, events[0].Kind)
	assert.InDelta(t, 60300.0, events[0].StopPrice, 1e-9)

	events = feed(t, e, "BTCUSDT", 61000)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventStopMoved, events[0].Kind)
	assert.InDelta(t, 60800.0, events[0].StopPrice, 1e-9)

	events = feed(t, e, "BTCUSDT", 60799)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventPositionClosed, events[0].Kind)
	assert.Equal(t, domain.CloseReasonTrailingStop, events[0].Reason)
}

func TestAbsoluteVariantShort(t *testing.T) {
	e := newTestEngine(nil)
	mustRegister(t, e, RegisterParams{
		Symbol: "ETHUSDT", Direction: domain.DirectionShort,
		EntryPrice: 3000, Quantity: 1,
		Variant: domain.VariantAbsolute,
		Params:  domain.VariantParams{ActivationAmount: 50, CallbackAmount: 20},
	})

	events := feed(t, e, "ETHUSDT", 2950)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTrailingActivated, events[0].Kind)
	assert.InDelta(t, 2970.0, events[0].StopPrice, 1e-9)

	events = feed(t, e, "ETHUSDT", 2971)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventPositionClosed, events[0].Kind)
	assert.Equal(t, domain.CloseReasonTrailingStop, events[0].Reason)
}

func TestATRVariantUsesEstimatorReading(t *testing.T) {
	e := newTestEngine(stubVol{atr: 100})
	mustRegister(t, e, RegisterParams{
		Symbol: "BTCUSDT", Direction: domain.DirectionLong,
		EntryPrice: 60000, Quantity: 0.1,
		Variant: domain.VariantATR,
		Params:  domain.VariantParams{ATRActivationMult: 2, ATRMult: 1.5},
	})

	assert.Empty(t, feed(t, e, "BTCUSDT", 60199), "gain below 2*ATR")

	// Gain 200 = 2*ATR activates; stop = extreme - 1.5*ATR.
	events := feed(t, e, "BTCUSDT", 60200)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTrailingActivated, events[0].Kind)
	assert.InDelta(t, 60050.0, events[0].StopPrice, 1e-9)

	events = feed(t, e, "BTCUSDT", 60400)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventStopMoved, events[0].Kind)
	assert.InDelta(t, 60250.0, events[0].StopPrice, 1e-9)
}

// With no usable ATR the variant degrades to the engine's percentage
// defaults (1.0% activation, 0.5% callback) instead of failing the update.
func TestATRVariantFallsBackWithoutHistory(t *testing.T) {
	for name, vol := range map[string]domain.VolatilitySource{
		"estimator error": stubVol{err: domain.ErrInsufficientHistory},
		"no estimator":    nil,
	} {
		t.Run(name, func(t *testing.T) {
			e := newTestEngine(vol)
			mustRegister(t, e, RegisterParams{
				Symbol: "BTCUSDT", Direction: domain.DirectionLong,
				EntryPrice: 60000, Quantity: 0.1,
				Variant: domain.VariantATR,
				Params:  domain.VariantParams{ATRActivationMult: 2, ATRMult: 1.5},
			})

			events := feed(t, e, "BTCUSDT", 60600) // +1.0%
			require.Len(t, events, 1)
			assert.Equal(t, domain.EventTrailingActivated, events[0].Kind)
			assert.InDelta(t, 60297.0, events[0].StopPrice, 1e-6)
		})
	}
}

func TestStepVariantLadder(t *testing.T) {
	e := newTestEngine(nil)
	id := mustRegister(t, e, RegisterParams{
		Symbol: "BTCUSDT", Direction: domain.DirectionLong,
		EntryPrice: 60000, Quantity: 0.1,
		Variant: domain.VariantStep,
		Params: domain.VariantParams{Steps: []domain.StepLevel{
			{ProfitPercent: 1.0, CallbackPercent: 1.0},
			{ProfitPercent: 2.0, CallbackPercent: 0.5},
		}},
	})

	assert.Empty(t, feed(t, e, "BTCUSDT", 60300), "+0.5% crosses no rung")

	events := feed(t, e, "BTCUSDT", 60600) // +1.0%, rung 0
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTrailingActivated, events[0].Kind)
	assert.InDelta(t, 60600*0.99, events[0].StopPrice, 1e-6)

	events = feed(t, e, "BTCUSDT", 61200) // +2.0%, rung 1 tightens the callback
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventStopMoved, events[0].Kind)
	assert.InDelta(t, 61200*0.995, events[0].StopPrice, 1e-6)

	pos, err := e.GetPositionInfo(id)
	require.NoError(t, err)
	assert.Equal(t, 1, pos.StepIndex)

	// Profit dips back into rung 0 territory: the rung is retained and the
	// stop holds, no regression to the looser callback.
	events = feed(t, e, "BTCUSDT", 60900) // +1.5%, above the 60894 stop
	assert.Empty(t, events)

	pos, err = e.GetPositionInfo(id)
	require.NoError(t, err)
	assert.Equal(t, 1, pos.StepIndex)
	require.NotNil(t, pos.TrailingStopPrice)
	assert.InDelta(t, 61200*0.995, *pos.TrailingStopPrice, 1e-6)
}

func TestStepVariantRejectsUnsortedLadder(t *testing.T) {
	e := newTestEngine(nil)
	_, err := e.RegisterPosition(RegisterParams{
		Symbol: "BTCUSDT", Direction: domain.DirectionLong,
		EntryPrice: 60000, Quantity: 0.1,
		Variant: domain.VariantStep,
		Params: domain.VariantParams{Steps: []domain.StepLevel{
			{ProfitPercent: 2.0, CallbackPercent: 0.5},
			{ProfitPercent: 1.0, CallbackPercent: 1.0},
		}},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidVariantParams)
}

// Long SAR walk: seed 1% below entry, acceleration 0.02 per new high capped
// at 0.20, activation once the recursion crosses the entry price.
func TestParabolicSARVariantLong(t *testing.T) {
	e := newTestEngine(nil)
	id := mustRegister(t, e, RegisterParams{
		Symbol: "BTCUSDT", Direction: domain.DirectionLong,
		EntryPrice: 100, Quantity: 1,
		Variant: domain.VariantParabolicSAR,
	})

	// Each new high bumps the acceleration factor, then the recursion
	// advances toward the extreme: sar' = sar + af*(extreme - sar).
	assert.Empty(t, feed(t, e, "BTCUSDT", 101)) // sar 99 -> 99.08
	assert.Empty(t, feed(t, e, "BTCUSDT", 102)) // -> 99.2552

	pos, err := e.GetPositionInfo(id)
	require.NoError(t, err)
	assert.InDelta(t, 99.2552, pos.SAR, 1e-9)
	assert.InDelta(t, 0.06, pos.SARAF, 1e-9)
	assert.False(t, pos.TrailingActive)

	assert.Empty(t, feed(t, e, "BTCUSDT", 103)) // -> 99.554784
	assert.Empty(t, feed(t, e, "BTCUSDT", 104)) // -> 99.9993056, still below entry

	// The next step crosses the entry price and activates trailing.
	events := feed(t, e, "BTCUSDT", 105)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTrailingActivated, events[0].Kind)
	assert.InDelta(t, 100.599388928, events[0].StopPrice, 1e-6)

	// Acceleration saturates at the cap on subsequent highs.
	prevSAR := events[0].StopPrice
	for _, price := range []float64{106, 107, 108, 109, 110} {
		feed(t, e, "BTCUSDT", price)
		pos, err = e.GetPositionInfo(id)
		require.NoError(t, err)
		assert.Greater(t, pos.SAR, prevSAR, "SAR only ratchets toward price")
		prevSAR = pos.SAR
	}
	assert.InDelta(t, 0.20, pos.SARAF, 1e-9)
}

func TestParabolicSARVariantShort(t *testing.T) {
	e := newTestEngine(nil)
	id := mustRegister(t, e, RegisterParams{
		Symbol: "ETHUSDT", Direction: domain.DirectionShort,
		EntryPrice: 100, Quantity: 1,
		Variant: domain.VariantParabolicSAR,
	})

	for _, price := range []float64{99, 98, 97, 96} {
		assert.Empty(t, feed(t, e, "ETHUSDT", price))
	}

	events := feed(t, e, "ETHUSDT", 95)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTrailingActivated, events[0].Kind)
	assert.InDelta(t, 99.400611072, events[0].StopPrice, 1e-6)

	pos, err := e.GetPositionInfo(id)
	require.NoError(t, err)
	assert.Less(t, pos.SAR, 100.0, "short SAR sits on the profit side of entry")
}

func TestParabolicSARSeedsFromStopLoss(t *testing.T) {
	e := newTestEngine(nil)
	id := mustRegister(t, e, RegisterParams{
		Symbol: "BTCUSDT", Direction: domain.DirectionLong,
		EntryPrice: 100, Quantity: 1,
		StopLossPrice: domain.Float64Ptr(98),
		Variant:       domain.VariantParabolicSAR,
	})

	feed(t, e, "BTCUSDT", 101)

	pos, err := e.GetPositionInfo(id)
	require.NoError(t, err)
	// Seed 98, one new high: af 0.04, sar = 98 + 0.04*(101-98).
	assert.InDelta(t, 98.12, pos.SAR, 1e-9)
}

func TestRegimeAdaptiveScalesCallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RegimeAdaptive = true
	e := New(stubVol{regime: domain.RegimeVolatile}, cfg, testLogger())
	mustRegister(t, e, RegisterParams{
		Symbol: "BTCUSDT", Direction: domain.DirectionLong,
		EntryPrice: 60000, Quantity: 0.1,
		Variant: domain.VariantPercentage, Params: percentageParams(1.0, 0.5),
	})

	// VOLATILE scales the 0.5% callback by 1.5 to 0.75%.
	events := feed(t, e, "BTCUSDT", 60600)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTrailingActivated, events[0].Kind)
	assert.InDelta(t, 60600*0.9925, events[0].StopPrice, 1e-6)
}

func TestRegimeScaleClamped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RegimeAdaptive = true
	cfg.RegimeScale = map[domain.Regime]float64{
		domain.RegimeVolatile: 9.0,
		domain.RegimeQuiet:    0.01,
	}

	e := New(stubVol{regime: domain.RegimeVolatile}, cfg, testLogger())
	assert.InDelta(t, 4.0, e.regimeScale("BTCUSDT"), 1e-9)

	e = New(stubVol{regime: domain.RegimeQuiet}, cfg, testLogger())
	assert.InDelta(t, 0.25, e.regimeScale("BTCUSDT"), 1e-9)

	// Unknown regime and disabled adaptation both mean no scaling.
	e = New(stubVol{regime: domain.RegimeUnknown}, cfg, testLogger())
	assert.InDelta(t, 1.0, e.regimeScale("BTCUSDT"), 1e-9)

	cfg.RegimeAdaptive = false
	e = New(stubVol{regime: domain.RegimeVolatile}, cfg, testLogger())
	assert.InDelta(t, 1.0, e.regimeScale("BTCUSDT"), 1e-9)
}
