// Package replay drives a fresh protection engine over historical klines to
// show how a trailing stop variant would have managed a hypothetical
// position. It is the one-shot backtest harness behind replay mode; nothing
// here touches the exchange.
package replay

import (
	"context"
	"fmt"
	"log/slog"

	"trailbot/internal/domain"
	"trailbot/internal/engine"
	"trailbot/internal/estimator"
)

// Config describes the hypothetical position and the engine it runs under.
type Config struct {
	Symbol    string
	Direction domain.Direction
	Quantity  float64
	Variant   domain.VariantKind

	// ActivationPercent and CallbackPercent parameterize the variant. The
	// richer variants derive their parameters from these two numbers (see
	// variantParams); live registrations pass full parameters through the
	// API instead.
	ActivationPercent float64
	CallbackPercent   float64

	// ATRPeriod sizes the warmup window withheld from the replay to seed
	// the estimator before entry.
	ATRPeriod int

	// Engine is the engine configuration the position runs under.
	Engine engine.Config
}

// Report summarizes one replay run.
type Report struct {
	PositionID string
	EntryPrice float64

	// ExitPrice is the close-event price, or the last candle's close when
	// the position survived the whole window (StillOpen).
	ExitPrice  float64
	ExitReason domain.CloseReason
	StillOpen  bool

	CandlesReplayed int
	Activated       bool
	StopMoves       int
	Events          []domain.Event

	// PnL is in quote currency for the configured quantity; PnLPercent is
	// relative to the entry price.
	PnL        float64
	PnLPercent float64
}

// Replayer replays klines through an isolated engine instance.
type Replayer struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Replayer.
func New(cfg Config, logger *slog.Logger) *Replayer {
	return &Replayer{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "replay")),
	}
}

// Run replays candles (oldest first) against the configured position. The
// first ATRPeriod+1 candles warm the estimator; the position enters at the
// close of the last warmup candle and the remaining candles drive it.
//
// Within each candle, prices apply adverse extreme first (for a long: low,
// then high, then close), so a stop hit inside a bar is detected before the
// same bar's favorable extreme could tighten the stop. The replay therefore
// never credits a stop move the live feed could not have made in time.
func (r *Replayer) Run(ctx context.Context, candles []domain.Candle) (*Report, error) {
	warmup := r.cfg.ATRPeriod + 1
	if warmup < 2 {
		warmup = 2
	}
	if len(candles) <= warmup {
		return nil, fmt.Errorf("replay: need more than %d candles, got %d", warmup, len(candles))
	}

	est := estimator.New(estimator.Config{Period: r.cfg.ATRPeriod})
	est.SetWindow(r.cfg.Symbol, candles[:warmup])

	eng := engine.New(est, r.cfg.Engine, r.logger)

	entryCandle := candles[warmup-1]
	entry := entryCandle.Close
	id, err := eng.RegisterPosition(engine.RegisterParams{
		Symbol:     r.cfg.Symbol,
		Direction:  r.cfg.Direction,
		EntryPrice: entry,
		Quantity:   r.cfg.Quantity,
		Variant:    r.cfg.Variant,
		Params:     r.variantParams(entry),
		OpenedAt:   entryCandle.CloseTime,
	})
	if err != nil {
		return nil, fmt.Errorf("replay: register: %w", err)
	}

	report := &Report{
		PositionID: id,
		EntryPrice: entry,
		StillOpen:  true,
	}

	for _, c := range candles[warmup:] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.CandlesReplayed++
		est.AddCandle(r.cfg.Symbol, c)

		for _, price := range r.pricePath(c) {
			events, err := eng.UpdatePrice(r.cfg.Symbol, price, c.CloseTime)
			if err != nil {
				return nil, fmt.Errorf("replay: update price: %w", err)
			}
			report.Events = append(report.Events, events...)
			for _, ev := range events {
				switch ev.Kind {
				case domain.EventTrailingActivated:
					report.Activated = true
				case domain.EventStopMoved:
					report.StopMoves++
				case domain.EventPositionClosed:
					report.StillOpen = false
					report.ExitPrice = ev.Price
					report.ExitReason = ev.Reason
				}
			}
			if !report.StillOpen {
				break
			}
		}
		if !report.StillOpen {
			break
		}
	}

	if report.StillOpen {
		report.ExitPrice = candles[len(candles)-1].Close
	}
	report.PnL = r.cfg.Direction.Sign() * (report.ExitPrice - report.EntryPrice) * r.cfg.Quantity
	if report.EntryPrice > 0 {
		report.PnLPercent = r.cfg.Direction.Sign() * (report.ExitPrice - report.EntryPrice) / report.EntryPrice * 100
	}
	return report, nil
}

// pricePath is the intra-candle price sequence: adverse extreme, favorable
// extreme, close.
func (r *Replayer) pricePath(c domain.Candle) [3]float64 {
	if r.cfg.Direction == domain.DirectionShort {
		return [3]float64{c.High, c.Low, c.Close}
	}
	return [3]float64{c.Low, c.High, c.Close}
}

// variantParams derives full variant parameters from the two configured
// percents. PERCENTAGE uses them directly; ABSOLUTE converts them to quote
// amounts at the entry price; ATR uses a 1x activation / 2x trail multiplier
// pair; STEP builds a three-rung ladder that tightens the callback as profit
// grows; PARABOLIC_SAR relies on the engine's default acceleration schedule.
func (r *Replayer) variantParams(entry float64) domain.VariantParams {
	activation := r.cfg.ActivationPercent
	if activation <= 0 {
		activation = r.cfg.Engine.DefaultActivationPercent
	}
	callback := r.cfg.CallbackPercent
	if callback <= 0 {
		callback = r.cfg.Engine.DefaultCallbackPercent
	}

	switch r.cfg.Variant {
	case domain.VariantAbsolute:
		return domain.VariantParams{
			ActivationAmount: entry * activation / 100,
			CallbackAmount:   entry * callback / 100,
		}
	case domain.VariantATR:
		return domain.VariantParams{
			ATRActivationMult: 1.0,
			ATRMult:           2.0,
		}
	case domain.VariantStep:
		return domain.VariantParams{
			Steps: []domain.StepLevel{
				{ProfitPercent: activation, CallbackPercent: callback},
				{ProfitPercent: activation * 2, CallbackPercent: callback / 2},
				{ProfitPercent: activation * 3, CallbackPercent: callback / 4},
			},
		}
	case domain.VariantParabolicSAR:
		return domain.VariantParams{}
	default:
		return domain.VariantParams{
			ActivationPercent: activation,
			CallbackPercent:   callback,
		}
	}
}
