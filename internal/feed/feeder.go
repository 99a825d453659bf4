package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"trailbot/internal/domain"
	"trailbot/internal/engine"
	"trailbot/internal/metrics"
)

// CandleSink receives finished and forming bars, normally the estimator.
type CandleSink interface {
	AddCandle(symbol string, c domain.Candle)
}

// eventMessage is the JSON shape published on the "events" bus channel.
type eventMessage struct {
	Event         string  `json:"event"`
	PositionID    string  `json:"position_id"`
	Symbol        string  `json:"symbol"`
	Direction     string  `json:"direction"`
	Price         float64 `json:"price"`
	StopPrice     float64 `json:"stop_price,omitempty"`
	PrevStopPrice float64 `json:"prev_stop_price,omitempty"`
	Quantity      float64 `json:"quantity,omitempty"`
	Fraction      float64 `json:"fraction,omitempty"`
	LevelIndex    int     `json:"level_index,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	Timestamp     string  `json:"timestamp"`
}

// EngineFeeder applies price updates to the engine and fans the resulting
// protection events out: to the executor queue, to the Redis price cache,
// and to the signal bus. Candles go to the estimator.
//
// The engine call is synchronous; everything downstream must not block the
// feed, so the executor queue drops its oldest entry when full.
type EngineFeeder struct {
	engine *engine.Engine
	sink   CandleSink
	events chan domain.Event
	prices domain.PriceCache // optional
	bus    domain.SignalBus  // optional
	logger *slog.Logger
}

// NewEngineFeeder creates an EngineFeeder. prices and bus may be nil when
// Redis is not configured.
func NewEngineFeeder(eng *engine.Engine, sink CandleSink, events chan domain.Event, prices domain.PriceCache, bus domain.SignalBus, logger *slog.Logger) *EngineFeeder {
	return &EngineFeeder{
		engine: eng,
		sink:   sink,
		events: events,
		prices: prices,
		bus:    bus,
		logger: logger.With(slog.String("component", "engine_feeder")),
	}
}

// PriceHandler returns a handler bound to a metrics source label
// ("websocket", "poller", "replay").
func (f *EngineFeeder) PriceHandler(source string) PriceHandler {
	return func(ctx context.Context, update domain.PriceUpdate) {
		f.HandlePrice(ctx, source, update)
	}
}

// CandleHandler returns the candle handler for the websocket feed.
func (f *EngineFeeder) CandleHandler() CandleHandler {
	return func(ctx context.Context, symbol string, candle domain.Candle, closed bool) {
		f.HandleCandle(symbol, candle)
	}
}

// HandlePrice feeds one price observation through the engine and dispatches
// the resulting events.
func (f *EngineFeeder) HandlePrice(ctx context.Context, source string, update domain.PriceUpdate) {
	start := time.Now()
	evs, err := f.engine.UpdatePrice(update.Symbol, update.Price, update.Timestamp)
	metrics.UpdateDuration.Observe(time.Since(start).Seconds())
	metrics.PriceUpdates.WithLabelValues(update.Symbol, source).Inc()

	if err != nil {
		f.logger.Warn("price update rejected",
			slog.String("symbol", update.Symbol),
			slog.Float64("price", update.Price),
			slog.String("error", err.Error()),
		)
		return
	}

	metrics.ActivePositions.Set(float64(f.engine.ActiveCount()))

	for _, ev := range evs {
		metrics.Events.WithLabelValues(string(ev.Kind)).Inc()
		if ev.Kind == domain.EventPositionClosed {
			metrics.Closes.WithLabelValues(string(ev.Reason)).Inc()
		}
		f.enqueue(ev)
		f.publish(ctx, ev)
	}

	if f.prices != nil {
		if err := f.prices.SetPrice(ctx, update.Symbol, update.Price, update.Timestamp); err != nil {
			f.logger.Debug("price cache write failed",
				slog.String("symbol", update.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}
}

// HandleCandle forwards a bar to the estimator. Forming bars replace the
// previous forming bar for the same open time, so every kline tick keeps the
// ATR window current.
func (f *EngineFeeder) HandleCandle(symbol string, candle domain.Candle) {
	if f.sink != nil {
		f.sink.AddCandle(symbol, candle)
	}
}

// Dispatch pushes an event produced outside the price path (manual close,
// reconcile) through the same executor queue and bus fan-out.
func (f *EngineFeeder) Dispatch(ctx context.Context, ev domain.Event) {
	metrics.Events.WithLabelValues(string(ev.Kind)).Inc()
	if ev.Kind == domain.EventPositionClosed {
		metrics.Closes.WithLabelValues(string(ev.Reason)).Inc()
	}
	metrics.ActivePositions.Set(float64(f.engine.ActiveCount()))
	f.enqueue(ev)
	f.publish(ctx, ev)
}

// enqueue hands an event to the executor without ever blocking the feed.
// When the queue is full the oldest queued event is dropped and accounted.
func (f *EngineFeeder) enqueue(ev domain.Event) {
	select {
	case f.events <- ev:
		return
	default:
	}

	select {
	case dropped := <-f.events:
		metrics.EventsDropped.Inc()
		f.logger.Warn("executor queue full, dropped oldest event",
			slog.String("kind", string(dropped.Kind)),
			slog.String("position_id", dropped.PositionID),
		)
	default:
	}

	select {
	case f.events <- ev:
	default:
		metrics.EventsDropped.Inc()
	}
}

// publish mirrors an event onto the signal bus: the pub/sub channel feeds
// live WebSocket clients, the stream keeps a short replayable history.
func (f *EngineFeeder) publish(ctx context.Context, ev domain.Event) {
	if f.bus == nil {
		return
	}

	payload, err := json.Marshal(eventMessage{
		Event:         string(ev.Kind),
		PositionID:    ev.PositionID,
		Symbol:        ev.Symbol,
		Direction:     string(ev.Direction),
		Price:         ev.Price,
		StopPrice:     ev.StopPrice,
		PrevStopPrice: ev.PrevStopPrice,
		Quantity:      ev.Quantity,
		Fraction:      ev.Fraction,
		LevelIndex:    ev.LevelIndex,
		Reason:        string(ev.Reason),
		Timestamp:     ev.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}

	if err := f.bus.Publish(ctx, "events", payload); err != nil {
		f.logger.Debug("event publish failed", slog.String("error", err.Error()))
	}
	if err := f.bus.StreamAppend(ctx, "events", payload); err != nil {
		f.logger.Debug("event stream append failed", slog.String("error", err.Error()))
	}
}
