package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailbot/internal/domain"
	"trailbot/internal/engine"
)

func longParams(symbol string, entry, qty float64) engine.RegisterParams {
	return engine.RegisterParams{
		Symbol:     symbol,
		Direction:  domain.DirectionLong,
		EntryPrice: entry,
		Quantity:   qty,
		Variant:    domain.VariantPercentage,
		Params:     domain.VariantParams{ActivationPercent: 1.0, CallbackPercent: 0.5},
	}
}

func TestCheckRegistrationMaxPositions(t *testing.T) {
	eng := newTestEngine(t)
	svc := NewRiskService(eng, RiskConfig{MaxPositions: 2}, testLogger())

	first := longParams("BTCUSDT", 60000, 0.01)
	require.NoError(t, svc.CheckRegistration(first))
	_, err := eng.RegisterPosition(first)
	require.NoError(t, err)

	second := longParams("ETHUSDT", 3000, 0.1)
	require.NoError(t, svc.CheckRegistration(second))
	_, err = eng.RegisterPosition(second)
	require.NoError(t, err)

	err = svc.CheckRegistration(longParams("SOLUSDT", 150, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max positions")
}

func TestCheckRegistrationClosedPositionsFreeSlots(t *testing.T) {
	eng := newTestEngine(t)
	svc := NewRiskService(eng, RiskConfig{MaxPositions: 1}, testLogger())

	id, err := eng.RegisterPosition(longParams("BTCUSDT", 60000, 0.01))
	require.NoError(t, err)
	require.Error(t, svc.CheckRegistration(longParams("ETHUSDT", 3000, 0.1)))

	_, err = eng.ClosePosition(id, domain.CloseReasonManual)
	require.NoError(t, err)

	assert.NoError(t, svc.CheckRegistration(longParams("ETHUSDT", 3000, 0.1)))
}

func TestCheckRegistrationNotionalCap(t *testing.T) {
	eng := newTestEngine(t)
	svc := NewRiskService(eng, RiskConfig{MaxPositionNotional: 5000}, testLogger())

	assert.NoError(t, svc.CheckRegistration(longParams("BTCUSDT", 60000, 0.08)))

	err := svc.CheckRegistration(longParams("BTCUSDT", 60000, 0.1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notional")
}

func TestCheckRegistrationExposureCap(t *testing.T) {
	eng := newTestEngine(t)
	svc := NewRiskService(eng, RiskConfig{MaxExposure: 10000}, testLogger())

	_, err := eng.RegisterPosition(longParams("BTCUSDT", 60000, 0.1)) // 6000 notional
	require.NoError(t, err)

	// 6000 + 3000 stays under the cap.
	assert.NoError(t, svc.CheckRegistration(longParams("ETHUSDT", 3000, 1)))

	// 6000 + 6000 breaches it.
	err = svc.CheckRegistration(longParams("ETHUSDT", 3000, 2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exposure")
}

func TestCheckRegistrationZeroLimitsDisableChecks(t *testing.T) {
	eng := newTestEngine(t)
	svc := NewRiskService(eng, RiskConfig{}, testLogger())

	_, err := eng.RegisterPosition(longParams("BTCUSDT", 60000, 10))
	require.NoError(t, err)

	assert.NoError(t, svc.CheckRegistration(longParams("ETHUSDT", 3000, 100)))
}

func TestExposureSumsEntryNotional(t *testing.T) {
	eng := newTestEngine(t)
	svc := NewRiskService(eng, RiskConfig{}, testLogger())

	assert.Zero(t, svc.Exposure())

	_, err := eng.RegisterPosition(longParams("BTCUSDT", 60000, 0.1))
	require.NoError(t, err)
	_, err = eng.RegisterPosition(longParams("ETHUSDT", 3000, 2))
	require.NoError(t, err)

	assert.InDelta(t, 12000, svc.Exposure(), 1e-9)
}

func TestSuggestQuantityRisksConfiguredEquityFraction(t *testing.T) {
	svc := NewRiskService(newTestEngine(t), RiskConfig{}, testLogger())

	// Risking 1% of 10_000 equity with a 600-point stop distance.
	qty := svc.SuggestQuantity(10000, 1, 60000, 59400)
	assert.InDelta(t, 100.0/600.0, qty, 1e-9)

	// Short positions size the same way.
	assert.InDelta(t, qty, svc.SuggestQuantity(10000, 1, 60000, 60600), 1e-9)
}

func TestSuggestQuantityFallsBackToDefaultRiskPercent(t *testing.T) {
	svc := NewRiskService(newTestEngine(t), RiskConfig{DefaultRiskPercent: 2}, testLogger())

	qty := svc.SuggestQuantity(10000, 0, 60000, 59400)
	assert.InDelta(t, 200.0/600.0, qty, 1e-9)
}

func TestSuggestQuantityRespectsNotionalCap(t *testing.T) {
	svc := NewRiskService(newTestEngine(t), RiskConfig{MaxPositionNotional: 3000}, testLogger())

	// Uncapped sizing would be 1000/600 units at 60000, ~100k notional.
	qty := svc.SuggestQuantity(100000, 1, 60000, 59400)
	assert.InDelta(t, 3000.0/60000.0, qty, 1e-9)
}

func TestSuggestQuantityGuardsDegenerateInputs(t *testing.T) {
	svc := NewRiskService(newTestEngine(t), RiskConfig{}, testLogger())

	assert.Zero(t, svc.SuggestQuantity(0, 1, 60000, 59400))
	assert.Zero(t, svc.SuggestQuantity(10000, 0, 60000, 59400))
	assert.Zero(t, svc.SuggestQuantity(10000, 1, 0, 59400))
	assert.Zero(t, svc.SuggestQuantity(10000, 1, 60000, 60000))
}
