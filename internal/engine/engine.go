// Package engine implements the trailing-stop / SL-TP protection state
// machine. The engine owns every registered position for its protected
// lifetime: it is the only component that mutates protective fields, it
// performs no I/O, and it reports its decisions as events for the caller to
// act on.
package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"trailbot/internal/domain"
)

// Config tunes engine-wide behavior shared by every position.
type Config struct {
	// DefaultActivationPercent and DefaultCallbackPercent drive the
	// PERCENTAGE fallback used when the ATR variant has no volatility
	// reading yet.
	DefaultActivationPercent float64
	DefaultCallbackPercent   float64

	// RegimeAdaptive scales variant callbacks by the factor configured for
	// the symbol's current regime; adoption stays monotonic, so adaptation
	// can widen future candidates but never loosen an adopted stop.
	RegimeAdaptive bool
	RegimeScale    map[domain.Regime]float64
}

// DefaultConfig returns the engine defaults used when config values are
// missing or zero.
func DefaultConfig() Config {
	return Config{
		DefaultActivationPercent: 1.0,
		DefaultCallbackPercent:   0.5,
		RegimeScale: map[domain.Regime]float64{
			domain.RegimeVolatile: 1.5,
			domain.RegimeTrending: 1.0,
			domain.RegimeRanging:  0.8,
			domain.RegimeQuiet:    0.6,
		},
	}
}

// Engine applies the protection state machine to registered positions.
// All registry access happens under one coarse mutex: the status server reads
// the registry while the feed goroutine mutates it.
type Engine struct {
	mu     sync.RWMutex
	reg    *registry
	vol    domain.VolatilitySource
	cfg    Config
	logger *slog.Logger
}

// New creates an Engine. vol may be nil, in which case the ATR variant
// always uses its PERCENTAGE fallback and regime adaptation is inert.
func New(vol domain.VolatilitySource, cfg Config, logger *slog.Logger) *Engine {
	if cfg.DefaultActivationPercent <= 0 {
		cfg.DefaultActivationPercent = 1.0
	}
	if cfg.DefaultCallbackPercent <= 0 {
		cfg.DefaultCallbackPercent = 0.5
	}
	return &Engine{
		reg:    newRegistry(),
		vol:    vol,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "engine")),
	}
}

// PartialTPSpec defines one take-profit rung at registration, either by
// absolute trigger price or, when TriggerPrice is zero, by percent gain from
// the entry price.
type PartialTPSpec struct {
	TriggerPrice   float64
	TriggerPercent float64
	Fraction       float64
}

// RegisterParams carries everything needed to place a position under
// protection.
type RegisterParams struct {
	Symbol          string
	Direction       domain.Direction
	EntryPrice      float64
	Quantity        float64
	Leverage        int
	StopLossPrice   *float64
	TakeProfitPrice *float64
	Variant         domain.VariantKind
	Params          domain.VariantParams
	PartialTP       []PartialTPSpec
	// OpenedAt defaults to now when zero.
	OpenedAt time.Time
}

// RegisterPosition validates params, creates the position in MONITORING, and
// returns its id. Validation failures never create registry entries.
func (e *Engine) RegisterPosition(params RegisterParams) (string, error) {
	if params.Symbol == "" {
		return "", fmt.Errorf("engine: register: %w", domain.ErrInvalidSymbol)
	}
	if !params.Direction.Valid() {
		return "", fmt.Errorf("engine: register %s: %w", params.Symbol, domain.ErrInvalidDirection)
	}
	if !validPrice(params.EntryPrice) {
		return "", fmt.Errorf("engine: register %s: entry price: %w", params.Symbol, domain.ErrInvalidPrice)
	}
	if params.Quantity <= 0 {
		return "", fmt.Errorf("engine: register %s: %w", params.Symbol, domain.ErrInvalidQuantity)
	}

	long := params.Direction == domain.DirectionLong
	if sl := params.StopLossPrice; sl != nil {
		if !validPrice(*sl) {
			return "", fmt.Errorf("engine: register %s: stop loss: %w", params.Symbol, domain.ErrInvalidPrice)
		}
		// The stop must sit on the loss side of entry: below for LONG,
		// above for SHORT.
		if (long && *sl >= params.EntryPrice) || (!long && *sl <= params.EntryPrice) {
			return "", fmt.Errorf("engine: register %s: %w", params.Symbol, domain.ErrInvalidStopPlacement)
		}
	}
	if tp := params.TakeProfitPrice; tp != nil {
		if !validPrice(*tp) {
			return "", fmt.Errorf("engine: register %s: take profit: %w", params.Symbol, domain.ErrInvalidPrice)
		}
		if (long && *tp <= params.EntryPrice) || (!long && *tp >= params.EntryPrice) {
			return "", fmt.Errorf("engine: register %s: %w", params.Symbol, domain.ErrInvalidTargetPlacement)
		}
	}

	vp := params.Params
	if err := normalizeVariantParams(params.Variant, &vp); err != nil {
		return "", fmt.Errorf("engine: register %s: %w", params.Symbol, err)
	}

	levels, err := buildPartialLevels(params)
	if err != nil {
		return "", fmt.Errorf("engine: register %s: %w", params.Symbol, err)
	}

	openedAt := params.OpenedAt
	if openedAt.IsZero() {
		openedAt = time.Now().UTC()
	}

	pos := &domain.Position{
		ID:              uuid.NewString(),
		Symbol:          params.Symbol,
		Direction:       params.Direction,
		EntryPrice:      params.EntryPrice,
		Quantity:        params.Quantity,
		InitialQuantity: params.Quantity,
		Leverage:        params.Leverage,
		StopLossPrice:   params.StopLossPrice,
		TakeProfitPrice: params.TakeProfitPrice,
		HighestPrice:    params.EntryPrice,
		LowestPrice:     params.EntryPrice,
		LastPrice:       params.EntryPrice,
		Variant:         params.Variant,
		Params:          vp,
		PartialTPLevels: levels,
		StepIndex:       -1,
		State:           domain.StateRegistered,
		OpenedAt:        openedAt,
		UpdatedAt:       openedAt,
	}

	e.mu.Lock()
	e.reg.insert(pos)
	pos.State = domain.StateMonitoring
	e.mu.Unlock()

	e.logger.Info("position registered",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("direction", string(pos.Direction)),
		slog.String("variant", string(pos.Variant)),
		slog.Float64("entry_price", pos.EntryPrice),
		slog.Float64("quantity", pos.Quantity),
	)
	return pos.ID, nil
}

// buildPartialLevels converts registration specs into absolute-price levels,
// ordered so earlier rungs trigger first, and validates the accounting
// invariant that fractions sum to at most 1.0.
func buildPartialLevels(params RegisterParams) ([]domain.PartialTPLevel, error) {
	if len(params.PartialTP) == 0 {
		return nil, nil
	}
	long := params.Direction == domain.DirectionLong
	levels := make([]domain.PartialTPLevel, 0, len(params.PartialTP))
	var total float64
	for _, spec := range params.PartialTP {
		if spec.Fraction <= 0 || spec.Fraction > 1 {
			return nil, domain.ErrInvalidPartialLevels
		}
		trigger := spec.TriggerPrice
		if trigger == 0 {
			if spec.TriggerPercent <= 0 {
				return nil, domain.ErrInvalidPartialLevels
			}
			trigger = params.EntryPrice * (1 + params.Direction.Sign()*spec.TriggerPercent/100)
		}
		if (long && trigger <= params.EntryPrice) || (!long && trigger >= params.EntryPrice) {
			return nil, domain.ErrInvalidPartialLevels
		}
		total += spec.Fraction
		levels = append(levels, domain.PartialTPLevel{TriggerPrice: trigger, Fraction: spec.Fraction})
	}
	if total > 1+priceEpsilon {
		return nil, domain.ErrInvalidPartialLevels
	}
	sort.Slice(levels, func(i, j int) bool {
		if long {
			return levels[i].TriggerPrice < levels[j].TriggerPrice
		}
		return levels[i].TriggerPrice > levels[j].TriggerPrice
	})
	return levels, nil
}

// UpdatePrice applies one price observation to every non-closed position on
// symbol and returns the events that resulted. Unknown symbols are a no-op.
// A zero ts means now. Out-of-order prices are accepted; the monotonic
// extreme and stop invariants make them safe.
func (e *Engine) UpdatePrice(symbol string, price float64, ts time.Time) ([]domain.Event, error) {
	if !validPrice(price) {
		return nil, fmt.Errorf("engine: update %s: %w", symbol, domain.ErrInvalidPrice)
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ids := e.reg.idsForSymbol(symbol)
	if len(ids) == 0 {
		return nil, nil
	}
	scale := e.regimeScale(symbol)

	var events []domain.Event
	var closed []string
	// Copy the index slice: close handling below mutates it.
	for _, id := range append([]string(nil), ids...) {
		pos, ok := e.reg.get(id)
		if !ok || pos.IsClosed() {
			continue
		}
		events = append(events, e.processPosition(pos, price, ts, scale)...)
		if pos.IsClosed() {
			closed = append(closed, id)
		}
	}
	for _, id := range closed {
		e.reg.dropFromIndex(symbol, id)
	}
	return events, nil
}

// processPosition runs the per-position update algorithm: extreme tracking,
// activation, monotonic stop tightening, the partial take-profit ladder, and
// finally the close checks in priority order. Caller holds the engine lock.
func (e *Engine) processPosition(pos *domain.Position, price float64, ts time.Time, scale float64) []domain.Event {
	var events []domain.Event

	newExtreme := false
	if price > pos.HighestPrice {
		pos.HighestPrice = price
		if pos.Direction == domain.DirectionLong {
			newExtreme = true
		}
	}
	if price < pos.LowestPrice {
		pos.LowestPrice = price
		if pos.Direction == domain.DirectionShort {
			newExtreme = true
		}
	}
	pos.LastPrice = price
	pos.UpdatedAt = ts

	ev := e.strategyFor(pos, scale).evaluate(pos, price, newExtreme)

	if !pos.TrailingActive {
		if ev.activate && ev.hasStop {
			pos.TrailingActive = true
			pos.State = domain.StateTrailingActive
			stop := ev.stop
			pos.TrailingStopPrice = &stop
			events = append(events, domain.Event{
				Kind:       domain.EventTrailingActivated,
				PositionID: pos.ID,
				Symbol:     pos.Symbol,
				Direction:  pos.Direction,
				Price:      price,
				Timestamp:  ts,
				StopPrice:  stop,
			})
			e.logger.Info("trailing activated",
				slog.String("position_id", pos.ID),
				slog.String("symbol", pos.Symbol),
				slog.Float64("price", price),
				slog.Float64("stop", stop),
			)
		}
	} else if ev.hasStop && pos.TrailingStopPrice != nil && tightens(pos.Direction, ev.stop, *pos.TrailingStopPrice) {
		prev := *pos.TrailingStopPrice
		stop := ev.stop
		pos.TrailingStopPrice = &stop
		events = append(events, domain.Event{
			Kind:          domain.EventStopMoved,
			PositionID:    pos.ID,
			Symbol:        pos.Symbol,
			Direction:     pos.Direction,
			Price:         price,
			Timestamp:     ts,
			StopPrice:     stop,
			PrevStopPrice: prev,
		})
		e.logger.Debug("trailing stop tightened",
			slog.String("position_id", pos.ID),
			slog.Float64("from", prev),
			slog.Float64("to", stop),
		)
	}

	// Partial take-profit ladder, nearest rung first; each rung fires once.
	for i := range pos.PartialTPLevels {
		lvl := &pos.PartialTPLevels[i]
		if lvl.Triggered || !crossedProfit(pos.Direction, price, lvl.TriggerPrice) {
			continue
		}
		released := e.executePartialTP(pos, i, ts)
		events = append(events, domain.Event{
			Kind:       domain.EventPartialTakeProfit,
			PositionID: pos.ID,
			Symbol:     pos.Symbol,
			Direction:  pos.Direction,
			Price:      price,
			Timestamp:  ts,
			Quantity:   released,
			Fraction:   lvl.Fraction,
			LevelIndex: i,
		})
	}

	if reason, hit := closeReasonAt(pos, price); hit {
		events = append(events, e.closeLocked(pos, reason, price, ts))
	}
	return events
}

// executePartialTP marks rung i triggered and releases its fraction of the
// original quantity. Caller holds the engine lock.
func (e *Engine) executePartialTP(pos *domain.Position, i int, ts time.Time) float64 {
	lvl := &pos.PartialTPLevels[i]
	lvl.Triggered = true
	t := ts
	lvl.TriggeredAt = &t

	released := pos.InitialQuantity * lvl.Fraction
	if released > pos.Quantity {
		released = pos.Quantity
	}
	pos.Quantity -= released
	if pos.Quantity < 0 {
		pos.Quantity = 0
	}

	e.logger.Info("partial take-profit triggered",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.Int("level", i),
		slog.Float64("trigger_price", lvl.TriggerPrice),
		slog.Float64("released", released),
		slog.Float64("remaining", pos.Quantity),
	)
	return released
}

// closeReasonAt evaluates the close conditions in priority order: static
// stop loss, static take profit, then the active trailing stop.
func closeReasonAt(pos *domain.Position, price float64) (domain.CloseReason, bool) {
	long := pos.Direction == domain.DirectionLong
	if sl := pos.StopLossPrice; sl != nil {
		if (long && leq(price, *sl)) || (!long && geq(price, *sl)) {
			return domain.CloseReasonStopLoss, true
		}
	}
	if tp := pos.TakeProfitPrice; tp != nil {
		if (long && geq(price, *tp)) || (!long && leq(price, *tp)) {
			return domain.CloseReasonTakeProfit, true
		}
	}
	if pos.TrailingActive && pos.TrailingStopPrice != nil {
		ts := *pos.TrailingStopPrice
		if (long && leq(price, ts)) || (!long && geq(price, ts)) {
			return domain.CloseReasonTrailingStop, true
		}
	}
	return "", false
}

// closeLocked transitions pos to CLOSED exactly once and returns the close
// event. Caller holds the engine lock and has checked pos is not closed.
func (e *Engine) closeLocked(pos *domain.Position, reason domain.CloseReason, price float64, ts time.Time) domain.Event {
	pos.State = domain.StateClosed
	t := ts
	pos.ClosedAt = &t
	pos.CloseReason = reason
	exit := price
	pos.ExitPrice = &exit

	e.logger.Info("position closed",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("reason", string(reason)),
		slog.Float64("exit_price", price),
		slog.Float64("quantity", pos.Quantity),
	)
	return domain.Event{
		Kind:       domain.EventPositionClosed,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		Price:      price,
		Timestamp:  ts,
		Quantity:   pos.Quantity,
		Reason:     reason,
	}
}

// ClosePosition closes a position by external request. Closing an
// already-closed position is an idempotent no-op returning (nil, nil).
func (e *Engine) ClosePosition(id string, reason domain.CloseReason) (*domain.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.reg.get(id)
	if !ok {
		return nil, fmt.Errorf("engine: close %s: %w", id, domain.ErrPositionNotFound)
	}
	if pos.IsClosed() {
		return nil, nil
	}
	if reason == "" {
		reason = domain.CloseReasonManual
	}
	ev := e.closeLocked(pos, reason, pos.LastPrice, time.Now().UTC())
	e.reg.dropFromIndex(pos.Symbol, id)
	return &ev, nil
}

// SetVariant swaps a position's stop variant. Variant sub-state (step index,
// SAR level and acceleration) resets; extremes, activation, and any adopted
// trailing stop survive, so the stop still never loosens across the change.
func (e *Engine) SetVariant(id string, kind domain.VariantKind, params domain.VariantParams) error {
	if err := normalizeVariantParams(kind, &params); err != nil {
		return fmt.Errorf("engine: set variant %s: %w", id, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.reg.get(id)
	if !ok {
		return fmt.Errorf("engine: set variant %s: %w", id, domain.ErrPositionNotFound)
	}
	if pos.IsClosed() {
		return fmt.Errorf("engine: set variant %s: %w", id, domain.ErrPositionClosed)
	}

	prev := pos.Variant
	pos.Variant = kind
	pos.Params = params
	pos.StepIndex = -1
	pos.SAR = 0
	pos.SARAF = 0
	pos.UpdatedAt = time.Now().UTC()

	e.logger.Info("variant changed",
		slog.String("position_id", id),
		slog.String("from", string(prev)),
		slog.String("to", string(kind)),
	)
	return nil
}

// GetPositionInfo returns a deep copy of the position, closed or not.
func (e *Engine) GetPositionInfo(id string) (domain.Position, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	pos, ok := e.reg.get(id)
	if !ok {
		return domain.Position{}, fmt.Errorf("engine: get %s: %w", id, domain.ErrPositionNotFound)
	}
	return *pos.Clone(), nil
}

// ListActivePositions returns deep copies of every non-closed position.
func (e *Engine) ListActivePositions() []domain.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reg.active()
}

// ActiveCount returns the number of positions currently under protection.
func (e *Engine) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reg.activeCount()
}

// Symbols returns the sorted set of symbols with at least one active
// position.
func (e *Engine) Symbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]string, 0, len(e.reg.bySymbol))
	for s := range e.reg.bySymbol {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Snapshot captures the active positions for crash recovery.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reg.snapshot(time.Now().UTC())
}

// Restore seeds the registry from a snapshot, returning how many positions
// were restored and how many were skipped as malformed or already closed.
func (e *Engine) Restore(snap Snapshot) (restored, skipped int) {
	e.mu.Lock()
	restored, skipped = e.reg.restore(snap)
	e.mu.Unlock()

	if restored > 0 || skipped > 0 {
		e.logger.Info("registry restored from snapshot",
			slog.Int("restored", restored),
			slog.Int("skipped", skipped),
			slog.Time("taken_at", snap.TakenAt),
		)
	}
	return restored, skipped
}

// tightens reports whether candidate locks in more profit than current.
func tightens(dir domain.Direction, candidate, current float64) bool {
	if dir == domain.DirectionShort {
		return candidate < current
	}
	return candidate > current
}

// crossedProfit reports whether price has reached trigger on the profit side.
func crossedProfit(dir domain.Direction, price, trigger float64) bool {
	if dir == domain.DirectionShort {
		return leq(price, trigger)
	}
	return geq(price, trigger)
}

// regimeScale returns the callback multiplier for the symbol's current
// regime, clamped to a sane range; 1.0 when adaptation is off or unknown.
func (e *Engine) regimeScale(symbol string) float64 {
	if !e.cfg.RegimeAdaptive || e.vol == nil {
		return 1
	}
	scale, ok := e.cfg.RegimeScale[e.vol.Regime(symbol)]
	if !ok || scale <= 0 {
		return 1
	}
	if scale < 0.25 {
		return 0.25
	}
	if scale > 4 {
		return 4
	}
	return scale
}
