package engine

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailbot/internal/domain"
)

// stubVol is a canned VolatilitySource for tests.
type stubVol struct {
	atr    float64
	err    error
	regime domain.Regime
}

func (s stubVol) ATR(string) (float64, error) { return s.atr, s.err }

func (s stubVol) Regime(string) domain.Regime {
	if s.regime == "" {
		return domain.RegimeUnknown
	}
	return s.regime
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(vol domain.VolatilitySource) *Engine {
	return New(vol, DefaultConfig(), testLogger())
}

func percentageParams(activation, callback float64) domain.VariantParams {
	return domain.VariantParams{ActivationPercent: activation, CallbackPercent: callback}
}

func mustRegister(t *testing.T, e *Engine, params RegisterParams) string {
	t.Helper()
	id, err := e.RegisterPosition(params)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func feed(t *testing.T, e *Engine, symbol string, price float64) []domain.Event {
	t.Helper()
	events, err := e.UpdatePrice(symbol, price, time.Now().UTC())
	require.NoError(t, err)
	return events
}

func eventsOfKind(events []domain.Event, kind domain.EventKind) []domain.Event {
	var out []domain.Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestRegisterPositionValidation(t *testing.T) {
	tests := []struct {
		name    string
		params  RegisterParams
		wantErr error
	}{
		{
			name: "missing symbol",
			params: RegisterParams{
				Direction: domain.DirectionLong, EntryPrice: 100, Quantity: 1,
				Variant: domain.VariantPercentage, Params: percentageParams(1, 0.5),
			},
			wantErr: domain.ErrInvalidSymbol,
		},
		{
			name: "bad direction",
			params: RegisterParams{
				Symbol: "BTCUSDT", Direction: "SIDEWAYS", EntryPrice: 100, Quantity: 1,
				Variant: domain.VariantPercentage, Params: percentageParams(1, 0.5),
			},
			wantErr: domain.ErrInvalidDirection,
		},
		{
			name: "zero entry price",
			params: RegisterParams{
				Symbol: "BTCUSDT", Direction: domain.DirectionLong, EntryPrice: 0, Quantity: 1,
				Variant: domain.VariantPercentage, Params: percentageParams(1, 0.5),
			},
			wantErr: domain.ErrInvalidPrice,
		},
		{
			name: "negative quantity",
			params: RegisterParams{
				Symbol: "BTCUSDT", Direction: domain.DirectionLong, EntryPrice: 100, Quantity: -1,
				Variant: domain.VariantPercentage, Params: percentageParams(1, 0.5),
			},
			wantErr: domain.ErrInvalidQuantity,
		},
		{
			name: "long stop above entry",
			params: RegisterParams{
				Symbol: "BTCUSDT", Direction: domain.DirectionLong, EntryPrice: 100, Quantity: 1,
				StopLossPrice: domain.Float64Ptr(101),
				Variant:       domain.VariantPercentage, Params: percentageParams(1, 0.5),
			},
			wantErr: domain.ErrInvalidStopPlacement,
		},
		{
			name: "short stop below entry",
			params: RegisterParams{
				Symbol: "ETHUSDT", Direction: domain.DirectionShort, EntryPrice: 3000, Quantity: 1,
				StopLossPrice: domain.Float64Ptr(2900),
				Variant:       domain.VariantPercentage, Params: percentageParams(1, 0.5),
			},
			wantErr: domain.ErrInvalidStopPlacement,
		},
		{
			name: "long target below entry",
			params: RegisterParams{
				Symbol: "BTCUSDT", Direction: domain.DirectionLong, EntryPrice: 100, Quantity: 1,
				TakeProfitPrice: domain.Float64Ptr(99),
				Variant:         domain.VariantPercentage, Params: percentageParams(1, 0.5),
			},
			wantErr: domain.ErrInvalidTargetPlacement,
		},
		{
			name: "short target above entry",
			params: RegisterParams{
				Symbol: "ETHUSDT", Direction: domain.DirectionShort, EntryPrice: 3000, Quantity: 1,
				TakeProfitPrice: domain.Float64Ptr(3100),
				Variant:         domain.VariantPercentage, Params: percentageParams(1, 0.5),
			},
			wantErr: domain.ErrInvalidTargetPlacement,
		},
		{
			name: "unknown variant",
			params: RegisterParams{
				Symbol: "BTCUSDT", Direction: domain.DirectionLong, EntryPrice: 100, Quantity: 1,
				Variant: "FANCY",
			},
			wantErr: domain.ErrUnknownVariant,
		},
		{
			name: "zero callback percent",
			params: RegisterParams{
				Symbol: "BTCUSDT", Direction: domain.DirectionLong, EntryPrice: 100, Quantity: 1,
				Variant: domain.VariantPercentage, Params: percentageParams(1, 0),
			},
			wantErr: domain.ErrInvalidVariantParams,
		},
		{
			name: "partial fractions above one",
			params: RegisterParams{
				Symbol: "BTCUSDT", Direction: domain.DirectionLong, EntryPrice: 100, Quantity: 1,
				Variant: domain.VariantPercentage, Params: percentageParams(1, 0.5),
				PartialTP: []PartialTPSpec{
					{TriggerPercent: 1, Fraction: 0.6},
					{TriggerPercent: 2, Fraction: 0.6},
				},
			},
			wantErr: domain.ErrInvalidPartialLevels,
		},
		{
			name: "partial trigger on loss side",
			params: RegisterParams{
				Symbol: "BTCUSDT", Direction: domain.DirectionLong, EntryPrice: 100, Quantity: 1,
				Variant: domain.VariantPercentage, Params: percentageParams(1, 0.5),
				PartialTP: []PartialTPSpec{
					{TriggerPrice: 99, Fraction: 0.5},
				},
			},
			wantErr: domain.ErrInvalidPartialLevels,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(nil)
			id, err := e.RegisterPosition(tt.params)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v, want %v", err, tt.wantErr)
			assert.Empty(t, id)
			assert.Zero(t, e.ActiveCount(), "rejected registration must not create a position")
		})
	}
}

// Scenario: LONG 60000, PERCENTAGE 1.0%/0.5%. Activation at exactly +1.0%,
// stop recomputed on new highs, closed when price touches the stop.
func TestPercentageTrailingLifecycleLong(t *testing.T) {
	e := newTestEngine(nil)
	id := mustRegister(t, e, RegisterParams{
		Symbol: "BTCUSDT", Direction: domain.DirectionLong,
		EntryPrice: 60000, Quantity: 0.1,
		Variant: domain.VariantPercentage, Params: percentageParams(1.0, 0.5),
	})

	assert.Empty(t, feed(t, e, "BTCUSDT", 60000), "no gain, no events")

	events := feed(t, e, "BTCUSDT", 60600)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTrailingActivated, events[0].Kind)
	assert.InDelta(t, 60297.0, events[0].StopPrice, 1e-6)

	pos, err := e.GetPositionInfo(id)
	require.NoError(t, err)
	assert.True(t, pos.TrailingActive)
	assert.Equal(t, domain.StateTrailingActive, pos.State)
	require.NotNil(t, pos.TrailingStopPrice)
	assert.InDelta(t, 60297.0, *pos.TrailingStopPrice, 1e-6)

	events = feed(t, e, "BTCUSDT", 61000)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventStopMoved, events[0].Kind)
	assert.InDelta(t, 60297.0, events[0].PrevStopPrice, 1e-6)
	assert.InDelta(t, 60695.0, events[0].StopPrice, 1e-6)

	events = feed(t, e, "BTCUSDT", 60690)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventPositionClosed, events[0].Kind)
	assert.Equal(t, domain.CloseReasonTrailingStop, events[0].Reason)

	pos, err = e.GetPositionInfo(id)
	require.NoError(t, err)
	assert.True(t, pos.IsClosed())
	require.NotNil(t, pos.ClosedAt)
	require.NotNil(t, pos.ExitPrice)
	assert.InDelta(t, 60690.0, *pos.ExitPrice, 1e-6)

	// Terminal state: further updates are no-ops.
	assert.Empty(t, feed(t, e, "BTCUSDT", 50000))
}

func TestPercentageTrailingLifecycleShort(t *testing.T) {
	e := newTestEngine(nil)
	mustRegister(t, e, RegisterParams{
		Symbol: "ETHUSDT", Direction: domain.DirectionShort,
		EntryPrice: 3000, Quantity: 1,
		Variant: domain.VariantPercentage, Params: percentageParams(1.0, 0.5),
	})

	events := feed(t, e, "ETHUSDT", 2970)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTrailingActivated, events[0].Kind)
	assert.InDelta(t, 2970*1.005, events[0].StopPrice, 1e-6)

	events = feed(t, e, "ETHUSDT", 2940)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventStopMoved, events[0].Kind)
	assert.InDelta(t, 2940*1.005, events[0].StopPrice, 1e-6)

	events = feed(t, e, "ETHUSDT", 2956)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventPositionClosed, events[0].Kind)
	assert.Equal(t, domain.CloseReasonTrailingStop, events[0].Reason)
}

// Scenario: SHORT with a static stop loss above entry closes on the first
// adverse price regardless of trailing state.
func TestStaticStopLossShort(t *testing.T) {
	e := newTestEngine(nil)
	id := mustRegister(t, e, RegisterParams{
		Symbol: "ETHUSDT", Direction: domain.DirectionShort,
		EntryPrice: 3000, Quantity: 1,
		StopLossPrice: domain.Float64Ptr(3150),
		Variant:       domain.VariantPercentage, Params: percentageParams(1.0, 0.5),
	})

	events := feed(t, e, "ETHUSDT", 3160)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventPositionClosed, events[0].Kind)
	assert.Equal(t, domain.CloseReasonStopLoss, events[0].Reason)

	pos, err := e.GetPositionInfo(id)
	require.NoError(t, err)
	assert.Equal(t, domain.CloseReasonStopLoss, pos.CloseReason)
}

func TestStaticTakeProfitLong(t *testing.T) {
	e := newTestEngine(nil)
	mustRegister(t, e, RegisterParams{
		Symbol: "BTCUSDT", Direction: domain.DirectionLong,
		EntryPrice: 60000, Quantity: 0.5,
		TakeProfitPrice: domain.Float64Ptr(63000),
		Variant:         domain.VariantPercentage, Params: percentageParams(10, 0.5),
	})

	events := feed(t, e, "BTCUSDT", 63000)
	closedEvents := eventsOfKind(events, domain.EventPositionClosed)
	require.Len(t, closedEvents, 1)
	assert.Equal(t, domain.CloseReasonTakeProfit, closedEvents[0].Reason)
	assert.InDelta(t, 0.5, closedEvents[0].Quantity, 1e-9)
}

// Static stop loss outranks the trailing stop when one price crosses both.
func TestClosePriorityStopLossBeforeTrailing(t *testing.T) {
	e := newTestEngine(nil)
	mustRegister(t, e, RegisterParams{
		Symbol: "BTCUSDT", Direction: domain.DirectionLong,
		EntryPrice: 60000, Quantity: 1,
		StopLossPrice: domain.Float64Ptr(59000),
		Variant:       domain.VariantPercentage, Params: percentageParams(1.0, 0.5),
	})

	feed(t, e, "BTCUSDT", 61000) // activates trailing, stop 60695

	events := feed(t, e, "BTCUSDT", 58900) // crosses both SL and trailing stop
	require.Len(t, events, 1)
	assert.Equal(t, domain.CloseReasonStopLoss, events[0].Reason)
}

// Scenario: partial take-profit ladder. A +1.6% move fires only the first
// rung, releasing 30% of the original quantity.
func TestPartialTakeProfitLadder(t *testing.T) {
	e := newTestEngine(nil)
	id := mustRegister(t, e, RegisterParams{
		Symbol: "BTCUSDT", Direction: domain.DirectionLong,
		EntryPrice: 60000, Quantity: 0.1,
		Variant: domain.VariantPercentage, Params: percentageParams(1.0, 0.5),
		PartialTP: []PartialTPSpec{
			{TriggerPercent: 1.5, Fraction: 0.3},
			{TriggerPercent: 3.0, Fraction: 0.3},
		},
	})

	events := feed(t, e, "BTCUSDT", 60960) // +1.6%
	partials := eventsOfKind(events, domain.EventPartialTakeProfit)
	require.Len(t, partials, 1)
	assert.Equal(t, 0, partials[0].LevelIndex)
	assert.InDelta(t, 0.03, partials[0].Quantity, 1e-9)
	assert.InDelta(t, 0.3, partials[0].Fraction, 1e-9)

	pos, err := e.GetPositionInfo(id)
	require.NoError(t, err)
	assert.InDelta(t, 0.07, pos.Quantity, 1e-9)
	require.Len(t, pos.PartialTPLevels, 2)
	assert.True(t, pos.PartialTPLevels[0].Triggered)
	require.NotNil(t, pos.PartialTPLevels[0].TriggeredAt)
	assert.False(t, pos.PartialTPLevels[1].Triggered)
	assert.False(t, pos.IsClosed(), "partial take-profit must not close the position")

	// Same rung never fires twice; the second rung fires on the next leg up.
	events = feed(t, e, "BTCUSDT", 61900) // +3.17%
	partials = eventsOfKind(events, domain.EventPartialTakeProfit)
	require.Len(t, partials, 1)
	assert.Equal(t, 1, partials[0].LevelIndex)

	pos, err = e.GetPositionInfo(id)
	require.NoError(t, err)
	assert.InDelta(t, 0.04, pos.Quantity, 1e-9)
	assert.InDelta(t, 0.6, pos.ReleasedFraction(), 1e-9)
	// Accounting invariant: released + remaining = original.
	assert.InDelta(t, pos.InitialQuantity,
		pos.Quantity+pos.InitialQuantity*pos.ReleasedFraction(), 1e-9)
}

// Scenario: out-of-order delivery. A stale lower price after a new high must
// not regress the favorable extreme.
func TestOutOfOrderUpdatesKeepExtreme(t *testing.T) {
	e := newTestEngine(nil)
	id := mustRegister(t, e, RegisterParams{
		Symbol: "BTCUSDT", Direction: domain.DirectionLong,
		EntryPrice: 60000, Quantity: 0.1,
		// High activation so the position stays in MONITORING throughout.
		Variant: domain.VariantPercentage, Params: percentageParams(5.0, 0.5),
	})

	feed(t, e, "BTCUSDT", 60000)
	feed(t, e, "BTCUSDT", 61000)
	feed(t, e, "BTCUSDT", 60500)

	pos, err := e.GetPositionInfo(id)
	require.NoError(t, err)
	assert.InDelta(t, 61000.0, pos.HighestPrice, 1e-9)
	assert.False(t, pos.IsClosed())
}

// An already-tightened stop never loosens when a stale price arrives.
func TestOutOfOrderUpdatesKeepStop(t *testing.T) {
	e := newTestEngine(nil)
	id := mustRegister(t, e, RegisterParams{
		Symbol: "BTCUSDT", Direction: domain.DirectionLong,
		EntryPrice: 60000, Quantity: 0.1,
		Variant: domain.VariantPercentage, Params: percentageParams(1.0, 2.0),
	})

	feed(t, e, "BTCUSDT", 61000) // activates, stop 61000*0.98 = 59780
	events := feed(t, e, "BTCUSDT", 60500)
	assert.Empty(t, events, "stale price must neither move the stop nor close")

	pos, err := e.GetPositionInfo(id)
	require.NoError(t, err)
	require.NotNil(t, pos.TrailingStopPrice)
	assert.InDelta(t, 59780.0, *pos.TrailingStopPrice, 1e-6)
}

func TestActivationIsOneWay(t *testing.T) {
	e := newTestEngine(nil)
	id := mustRegister(t, e, RegisterParams{
		Symbol: "BTCUSDT", Direction: domain.DirectionLong,
		EntryPrice: 60000, Quantity: 0.1,
		Variant: domain.VariantPercentage, Params: percentageParams(1.0, 2.0),
	})

	feed(t, e, "BTCUSDT", 60600) // +1.0%, activates, stop 60600*0.98 = 59388
	feed(t, e, "BTCUSDT", 60000) // gain back to zero, above the stop

	pos, err := e.GetPositionInfo(id)
	require.NoError(t, err)
	assert.True(t, pos.TrailingActive, "activation never reverts")
	assert.False(t, pos.IsClosed())
}

func TestUpdatePriceUnknownSymbolIsNoop(t *testing.T) {
	e := newTestEngine(nil)
	events, err := e.UpdatePrice("NOPEUSDT", 100, time.Now().UTC())
	assert.NoError(t, err)
	assert.Empty(t, events)
}

func TestUpdatePriceRejectsInvalidPrice(t *testing.T) {
	e := newTestEngine(nil)
	mustRegister(t, e, RegisterParams{
		Symbol: "BTCUSDT", Direction: domain.DirectionLong,
		EntryPrice: 60000, Quantity: 0.1,
		Variant: domain.VariantPercentage, Params: percentageParams(1.0, 0.5),
	})

	for _, price := range []float64{0, -1} {
		_, err := e.UpdatePrice("BTCUSDT", price, time.Now().UTC())
		assert.ErrorIs(t, err, domain.ErrInvalidPrice)
	}

	// The rejected update must not have touched the position.
	pos := e.ListActivePositions()
	require.Len(t, pos, 1)
	assert.InDelta(t, 60000.0, pos[0].HighestPrice, 1e-9)
}

func TestClosePositionIdempotent(t *testing.T) {
	e := newTestEngine(nil)
	id := mustRegister(t, e, RegisterParams{
		Symbol: "BTCUSDT", Direction: domain.DirectionLong,
		EntryPrice: 60000, Quantity: 0.1,
		Variant: domain.VariantPercentage, Params: percentageParams(1.0, 0.5),
	})

	ev, err := e.ClosePosition(id, domain.CloseReasonManual)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, domain.CloseReasonManual, ev.Reason)

	// Second close is a silent no-op.
	ev, err = e.ClosePosition(id, domain.CloseReasonManual)
	assert.NoError(t, err)
	assert.Nil(t, ev)

	_, err = e.ClosePosition("missing-id", domain.CloseReasonManual)
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
}

func TestManualCloseRecordsLastPrice(t *testing.T) {
	e := newTestEngine(nil)
	id := mustRegister(t, e, RegisterParams{
		Symbol: "BTCUSDT", Direction: domain.DirectionLong,
		EntryPrice: 60000, Quantity: 0.1,
		Variant: domain.VariantPercentage, Params: percentageParams(1.0, 0.5),
	})
	feed(t, e, "BTCUSDT", 60100)

	ev, err := e.ClosePosition(id, domain.CloseReasonReconcile)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.InDelta(t, 60100.0, ev.Price, 1e-9)

	pos, err := e.GetPositionInfo(id)
	require.NoError(t, err)
	require.NotNil(t, pos.ExitPrice)
	assert.InDelta(t, 60100.0, *pos.ExitPrice, 1e-9)
}

// One position closing must not disturb the pass over its siblings.
func TestMultiplePositionsOnSymbol(t *testing.T) {
	e := newTestEngine(nil)
	first := mustRegister(t, e, RegisterParams{
		Symbol: "BTCUSDT", Direction: domain.DirectionLong,
		EntryPrice: 60000, Quantity: 0.1,
		StopLossPrice: domain.Float64Ptr(59500),
		Variant:       domain.VariantPercentage, Params: percentageParams(1.0, 0.5),
	})
	second := mustRegister(t, e, RegisterParams{
		Symbol: "BTCUSDT", Direction: domain.DirectionShort,
		EntryPrice: 60000, Quantity: 0.2,
		Variant: domain.VariantPercentage, Params: percentageParams(1.0, 0.5),
	})

	events := feed(t, e, "BTCUSDT", 59400)
	closedEvents := eventsOfKind(events, domain.EventPositionClosed)
	require.Len(t, closedEvents, 1)
	assert.Equal(t, first, closedEvents[0].PositionID)

	// The short side saw the same price and activated (gain +1.0%).
	pos, err := e.GetPositionInfo(second)
	require.NoError(t, err)
	assert.False(t, pos.IsClosed())
	assert.True(t, pos.TrailingActive)

	assert.Equal(t, 1, e.ActiveCount())
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	e := newTestEngine(nil)
	activeID := mustRegister(t, e, RegisterParams{
		Symbol: "BTCUSDT", Direction: domain.DirectionLong,
		EntryPrice: 60000, Quantity: 0.1,
		Variant: domain.VariantPercentage, Params: percentageParams(1.0, 0.5),
	})
	closedID := mustRegister(t, e, RegisterParams{
		Symbol: "ETHUSDT", Direction: domain.DirectionShort,
		EntryPrice: 3000, Quantity: 1,
		Variant: domain.VariantPercentage, Params: percentageParams(1.0, 0.5),
	})

	feed(t, e, "BTCUSDT", 60600) // trailing active with a real stop
	_, err := e.ClosePosition(closedID, domain.CloseReasonManual)
	require.NoError(t, err)

	snap := e.Snapshot()
	require.Len(t, snap.Positions, 1, "snapshots carry active positions only")
	assert.False(t, snap.TakenAt.IsZero())

	restoredEngine := newTestEngine(nil)
	restored, skipped := restoredEngine.Restore(snap)
	assert.Equal(t, 1, restored)
	assert.Zero(t, skipped)

	pos, err := restoredEngine.GetPositionInfo(activeID)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", pos.Symbol)
	assert.True(t, pos.TrailingActive)
	require.NotNil(t, pos.TrailingStopPrice)
	assert.InDelta(t, 60297.0, *pos.TrailingStopPrice, 1e-6)

	// The restored position keeps trailing where it left off.
	events, err := restoredEngine.UpdatePrice("BTCUSDT", 60200, time.Now().UTC())
	require.NoError(t, err)
	closedEvents := eventsOfKind(events, domain.EventPositionClosed)
	require.Len(t, closedEvents, 1)
	assert.Equal(t, domain.CloseReasonTrailingStop, closedEvents[0].Reason)
}

func TestSetVariantResetsSubState(t *testing.T) {
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

	feed(t, e, "BTCUSDT", 61200) // +2.0%, reaches the second rung
	pos, err := e.GetPositionInfo(id)
	require.NoError(t, err)
	assert.Equal(t, 1, pos.StepIndex)
	require.NotNil(t, pos.TrailingStopPrice)
	stopBefore := *pos.TrailingStopPrice

	err = e.SetVariant(id, domain.VariantPercentage, percentageParams(1.0, 0.5))
	require.NoError(t, err)

	pos, err = e.GetPositionInfo(id)
	require.NoError(t, err)
	assert.Equal(t, domain.VariantPercentage, pos.Variant)
	assert.Equal(t, -1, pos.StepIndex)
	assert.True(t, pos.TrailingActive, "activation survives the change")
	require.NotNil(t, pos.TrailingStopPrice)
	assert.InDelta(t, stopBefore, *pos.TrailingStopPrice, 1e-9, "adopted stop survives the change")

	// Invalid params leave the position untouched.
	err = e.SetVariant(id, domain.VariantPercentage, percentageParams(0, 0))
	assert.ErrorIs(t, err, domain.ErrInvalidVariantParams)

	_, err = e.ClosePosition(id, domain.CloseReasonManual)
	require.NoError(t, err)
	err = e.SetVariant(id, domain.VariantPercentage, percentageParams(1.0, 0.5))
	assert.ErrorIs(t, err, domain.ErrPositionClosed)
}

func TestRestoreSkipsMalformedRecords(t *testing.T) {
	e := newTestEngine(nil)
	good := domain.Position{
		ID: "good", Symbol: "BTCUSDT", Direction: domain.DirectionLong,
		EntryPrice: 60000, Quantity: 0.1, InitialQuantity: 0.1,
		HighestPrice: 60000, LowestPrice: 60000, LastPrice: 60000,
		Variant: domain.VariantPercentage,
		Params:  percentageParams(1.0, 0.5),
		State:   domain.StateMonitoring, StepIndex: -1,
	}
	snap := Snapshot{
		TakenAt: time.Now().UTC(),
		Positions: []domain.Position{
			good,
			{ID: "", Symbol: "BTCUSDT", EntryPrice: 1, Quantity: 1, Direction: domain.DirectionLong},
			{ID: "neg", Symbol: "BTCUSDT", EntryPrice: -5, Quantity: 1, Direction: domain.DirectionLong},
			{ID: "closed", Symbol: "BTCUSDT", EntryPrice: 10, Quantity: 1, Direction: domain.DirectionLong, State: domain.StateClosed},
			good, // duplicate id
		},
	}

	restored, skipped := e.Restore(snap)
	assert.Equal(t, 1, restored)
	assert.Equal(t, 4, skipped)
	assert.Equal(t, 1, e.ActiveCount())
}
