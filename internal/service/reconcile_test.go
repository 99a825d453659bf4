package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailbot/internal/domain"
	"trailbot/internal/engine"
	"trailbot/internal/snapshot"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGateway serves canned exchange positions per symbol. A symbol with no
// entry is flat; a symbol in failSymbols returns an error.
type fakeGateway struct {
	positions   map[string]*domain.ExchangePosition
	failSymbols map[string]bool
	lookups     []string
}

func (g *fakeGateway) GetPosition(_ context.Context, symbol string) (*domain.ExchangePosition, error) {
	g.lookups = append(g.lookups, symbol)
	if g.failSymbols[symbol] {
		return nil, errors.New("exchange unavailable")
	}
	return g.positions[symbol], nil
}

func (g *fakeGateway) MarkPrice(context.Context, string) (float64, error) { return 0, nil }

func (g *fakeGateway) Klines(context.Context, string, string, int) ([]domain.Candle, error) {
	return nil, nil
}

func (g *fakeGateway) PlaceStopOrder(context.Context, string, domain.Direction, float64, float64) (domain.StopOrder, error) {
	return domain.StopOrder{}, nil
}

func (g *fakeGateway) CancelOrder(context.Context, string, string) error { return nil }

func (g *fakeGateway) CloseMarket(context.Context, string, domain.Direction, float64) error {
	return nil
}

type fakeDispatcher struct {
	events []domain.Event
}

func (d *fakeDispatcher) Dispatch(_ context.Context, ev domain.Event) {
	d.events = append(d.events, ev)
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	return engine.New(nil, engine.DefaultConfig(), testLogger())
}

func registerLong(t *testing.T, eng *engine.Engine, symbol string) string {
	t.Helper()
	id, err := eng.RegisterPosition(engine.RegisterParams{
		Symbol:     symbol,
		Direction:  domain.DirectionLong,
		EntryPrice: 60000,
		Quantity:   0.1,
		Variant:    domain.VariantPercentage,
		Params:     domain.VariantParams{ActivationPercent: 1.0, CallbackPercent: 0.5},
	})
	require.NoError(t, err)
	return id
}

func exchangeLong(symbol string, qty float64) *domain.ExchangePosition {
	return &domain.ExchangePosition{
		Symbol:     symbol,
		Direction:  domain.DirectionLong,
		EntryPrice: 60000,
		Quantity:   qty,
		Leverage:   10,
	}
}

func TestRunRestoresSnapshotAndKeepsLivePositions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	store := snapshot.NewStore(path, time.Hour, testLogger())

	src := newTestEngine(t)
	registerLong(t, src, "BTCUSDT")
	require.NoError(t, store.Save(src.Snapshot()))

	eng := newTestEngine(t)
	gw := &fakeGateway{positions: map[string]*domain.ExchangePosition{
		"BTCUSDT": exchangeLong("BTCUSDT", 0.1),
	}}
	rec := NewReconciler(eng, gw, store, nil, ReconcileConfig{}, testLogger())

	require.NoError(t, rec.Run(context.Background()))

	active := eng.ListActivePositions()
	require.Len(t, active, 1)
	assert.Equal(t, "BTCUSDT", active[0].Symbol)
	assert.Contains(t, gw.lookups, "BTCUSDT")
}

func TestRunClosesPositionMissingFromExchange(t *testing.T) {
	eng := newTestEngine(t)
	id := registerLong(t, eng, "BTCUSDT")

	gw := &fakeGateway{} // exchange flat everywhere
	disp := &fakeDispatcher{}
	rec := NewReconciler(eng, gw, nil, disp, ReconcileConfig{}, testLogger())

	require.NoError(t, rec.Run(context.Background()))

	assert.Zero(t, eng.ActiveCount())
	pos, err := eng.GetPositionInfo(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, pos.State)
	assert.Equal(t, domain.CloseReasonReconcile, pos.CloseReason)

	require.Len(t, disp.events, 1)
	assert.Equal(t, domain.EventPositionClosed, disp.events[0].Kind)
	assert.Equal(t, domain.CloseReasonReconcile, disp.events[0].Reason)
}

func TestRunClosesPositionWhenDirectionFlipped(t *testing.T) {
	eng := newTestEngine(t)
	id := registerLong(t, eng, "BTCUSDT")

	gw := &fakeGateway{positions: map[string]*domain.ExchangePosition{
		"BTCUSDT": {
			Symbol:     "BTCUSDT",
			Direction:  domain.DirectionShort,
			EntryPrice: 61000,
			Quantity:   0.2,
		},
	}}
	rec := NewReconciler(eng, gw, nil, nil, ReconcileConfig{}, testLogger())

	require.NoError(t, rec.Run(context.Background()))

	pos, err := eng.GetPositionInfo(id)
	require.NoError(t, err)
	assert.Equal(t, domain.CloseReasonReconcile, pos.CloseReason)
}

func TestRunKeepsPositionWhenLookupFails(t *testing.T) {
	eng := newTestEngine(t)
	registerLong(t, eng, "BTCUSDT")

	gw := &fakeGateway{failSymbols: map[string]bool{"BTCUSDT": true}}
	rec := NewReconciler(eng, gw, nil, nil, ReconcileConfig{}, testLogger())

	require.NoError(t, rec.Run(context.Background()))
	assert.Equal(t, 1, eng.ActiveCount())
}

func TestRunWithoutGatewaySkipsVerification(t *testing.T) {
	eng := newTestEngine(t)
	registerLong(t, eng, "BTCUSDT")

	rec := NewReconciler(eng, nil, nil, nil, ReconcileConfig{AdoptOrphans: true}, testLogger())

	require.NoError(t, rec.Run(context.Background()))
	assert.Equal(t, 1, eng.ActiveCount())
}

func TestRunDiscardsStaleSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	writer := snapshot.NewStore(path, 0, testLogger())

	src := newTestEngine(t)
	registerLong(t, src, "BTCUSDT")
	snap := src.Snapshot()
	snap.TakenAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, writer.Save(snap))

	store := snapshot.NewStore(path, 10*time.Minute, testLogger())
	eng := newTestEngine(t)
	rec := NewReconciler(eng, &fakeGateway{}, store, nil, ReconcileConfig{}, testLogger())

	require.NoError(t, rec.Run(context.Background()))
	assert.Zero(t, eng.ActiveCount())
}

func TestRunMissingSnapshotStartsEmpty(t *testing.T) {
	store := snapshot.NewStore(filepath.Join(t.TempDir(), "positions.json"), time.Hour, testLogger())
	eng := newTestEngine(t)
	rec := NewReconciler(eng, &fakeGateway{}, store, nil, ReconcileConfig{}, testLogger())

	require.NoError(t, rec.Run(context.Background()))
	assert.Zero(t, eng.ActiveCount())
}

func TestAdoptOrphansRegistersUnprotectedPositions(t *testing.T) {
	eng := newTestEngine(t)

	gw := &fakeGateway{positions: map[string]*domain.ExchangePosition{
		"ETHUSDT": {
			Symbol:     "ETHUSDT",
			Direction:  domain.DirectionShort,
			EntryPrice: 3200,
			Quantity:   1.5,
			Leverage:   5,
		},
	}}
	rec := NewReconciler(eng, gw, nil, nil, ReconcileConfig{
		Symbols:           []string{"BTCUSDT", "ETHUSDT"},
		AdoptOrphans:      true,
		ActivationPercent: 2.0,
		CallbackPercent:   1.0,
	}, testLogger())

	require.NoError(t, rec.Run(context.Background()))

	active := eng.ListActivePositions()
	require.Len(t, active, 1)
	pos := active[0]
	assert.Equal(t, "ETHUSDT", pos.Symbol)
	assert.Equal(t, domain.DirectionShort, pos.Direction)
	assert.Equal(t, 3200.0, pos.EntryPrice)
	assert.Equal(t, 1.5, pos.Quantity)
	assert.Equal(t, 5, pos.Leverage)
	assert.Equal(t, domain.VariantPercentage, pos.Variant)
	assert.Equal(t, 2.0, pos.Params.ActivationPercent)
	assert.Equal(t, 1.0, pos.Params.CallbackPercent)
}

func TestAdoptOrphansSkipsAlreadyProtectedSymbols(t *testing.T) {
	eng := newTestEngine(t)
	registerLong(t, eng, "BTCUSDT")

	gw := &fakeGateway{positions: map[string]*domain.ExchangePosition{
		"BTCUSDT": exchangeLong("BTCUSDT", 0.1),
	}}
	rec := NewReconciler(eng, gw, nil, nil, ReconcileConfig{
		Symbols:      []string{"BTCUSDT"},
		AdoptOrphans: true,
	}, testLogger())

	require.NoError(t, rec.Run(context.Background()))
	assert.Equal(t, 1, eng.ActiveCount())
}

func TestAdoptOrphansDisabledLeavesOrphansAlone(t *testing.T) {
	eng := newTestEngine(t)
	gw := &fakeGateway{positions: map[string]*domain.ExchangePosition{
		"ETHUSDT": exchangeLong("ETHUSDT", 1),
	}}
	rec := NewReconciler(eng, gw, nil, nil, ReconcileConfig{
		Symbols: []string{"ETHUSDT"},
	}, testLogger())

	require.NoError(t, rec.Run(context.Background()))
	assert.Zero(t, eng.ActiveCount())
}
