package engine

import (
	"fmt"
	"math"
	"sort"

	"trailbot/internal/domain"
)

// Default PARABOLIC_SAR acceleration schedule, applied when the caller leaves
// the fields zero at registration.
const (
	defaultSARAFStart     = 0.02
	defaultSARAFStep      = 0.02
	defaultSARAFMax       = 0.20
	defaultSARSeedPercent = 1.0
)

// evaluation is what a stop variant derives from one applied price.
type evaluation struct {
	// activate reports that the variant's activation condition holds at this
	// price. The engine consults it only while trailing is not yet active.
	activate bool
	// stop is the candidate trailing stop computed from the current extreme.
	// The engine adopts it only when it tightens the existing stop.
	stop    float64
	hasStop bool
}

// stopStrategy computes activation and candidate stops for one variant.
// evaluate may advance variant sub-state held on the position (the STEP
// ladder index, the SAR recursion) and is called exactly once per applied
// price update.
type stopStrategy interface {
	evaluate(pos *domain.Position, price float64, newExtreme bool) evaluation
}

// trailFromExtreme applies a percentage callback to the favorable extreme:
// below it for LONG, above it for SHORT.
func trailFromExtreme(pos *domain.Position, callbackPercent float64) float64 {
	return pos.Extreme() * (1 - pos.Direction.Sign()*callbackPercent/100)
}

// ---------------------------------------------------------------------------
// PERCENTAGE
// ---------------------------------------------------------------------------

type percentageStop struct {
	activationPercent float64
	callbackPercent   float64
}

func (s percentageStop) evaluate(pos *domain.Position, price float64, _ bool) evaluation {
	return evaluation{
		activate: geq(pos.GainPercent(price), s.activationPercent),
		stop:     trailFromExtreme(pos, s.callbackPercent),
		hasStop:  true,
	}
}

// ---------------------------------------------------------------------------
// ABSOLUTE
// ---------------------------------------------------------------------------

type absoluteStop struct {
	activationAmount float64
	callbackAmount   float64
}

func (s absoluteStop) evaluate(pos *domain.Position, price float64, _ bool) evaluation {
	return evaluation{
		activate: geq(pos.GainAbs(price), s.activationAmount),
		stop:     pos.Extreme() - pos.Direction.Sign()*s.callbackAmount,
		hasStop:  true,
	}
}

// ---------------------------------------------------------------------------
// ATR
// ---------------------------------------------------------------------------

// atrStop holds the ATR reading taken once per update pass. When no reading
// is available (insufficient history, no estimator wired) it behaves as the
// PERCENTAGE variant with the engine's default thresholds, so a cold
// estimator degrades protection instead of disabling it.
type atrStop struct {
	activationMult float64
	mult           float64
	atr            float64
	atrOK          bool
	fallback       percentageStop
}

func (s atrStop) evaluate(pos *domain.Position, price float64, newExtreme bool) evaluation {
	if !s.atrOK || s.atr <= 0 {
		return s.fallback.evaluate(pos, price, newExtreme)
	}
	return evaluation{
		activate: geq(pos.GainAbs(price), s.activationMult*s.atr),
		stop:     pos.Extreme() - pos.Direction.Sign()*s.mult*s.atr,
		hasStop:  true,
	}
}

// ---------------------------------------------------------------------------
// STEP
// ---------------------------------------------------------------------------

// stepStop walks a monotone ladder: the highest rung whose profit threshold
// has been crossed supplies the callback. The rung index is retained on the
// position, so a later profit dip never regresses to a looser rung.
type stepStop struct {
	steps         []domain.StepLevel
	callbackScale float64
}

func (s stepStop) evaluate(pos *domain.Position, price float64, _ bool) evaluation {
	gain := pos.GainPercent(price)
	for i := len(s.steps) - 1; i >= 0; i-- {
		if geq(gain, s.steps[i].ProfitPercent) {
			if i > pos.StepIndex {
				pos.StepIndex = i
			}
			break
		}
	}
	if pos.StepIndex < 0 {
		return evaluation{}
	}
	cb := s.steps[pos.StepIndex].CallbackPercent * s.callbackScale
	return evaluation{
		activate: true,
		stop:     trailFromExtreme(pos, cb),
		hasStop:  true,
	}
}

// ---------------------------------------------------------------------------
// PARABOLIC_SAR
// ---------------------------------------------------------------------------

// sarStop advances the classic recursion sar' = sar + af*(ep - sar), where ep
// is the favorable extreme and af grows by a fixed step, bounded by a
// maximum, each time a new extreme is set. The stop is the SAR itself;
// trailing activates once the SAR crosses to the profit side of the entry
// price, i.e. once the recursion has locked in at least breakeven.
type sarStop struct{}

func (sarStop) evaluate(pos *domain.Position, price float64, newExtreme bool) evaluation {
	p := pos.Params
	if pos.SARAF == 0 {
		pos.SARAF = p.SARAFStart
		if pos.StopLossPrice != nil {
			pos.SAR = *pos.StopLossPrice
		} else {
			pos.SAR = pos.EntryPrice * (1 - pos.Direction.Sign()*p.SARSeedPercent/100)
		}
	}
	if newExtreme {
		pos.SARAF = math.Min(pos.SARAF+p.SARAFStep, p.SARAFMax)
	}
	pos.SAR += pos.SARAF * (pos.Extreme() - pos.SAR)

	var activate bool
	if pos.Direction == domain.DirectionShort {
		activate = leq(pos.SAR, pos.EntryPrice)
	} else {
		activate = geq(pos.SAR, pos.EntryPrice)
	}
	return evaluation{activate: activate, stop: pos.SAR, hasStop: true}
}

// ---------------------------------------------------------------------------
// Construction and validation
// ---------------------------------------------------------------------------

// strategyFor builds the stop strategy for one position, reading the ATR once
// so every evaluation within the pass sees the same volatility. scale is the
// regime-adaptation multiplier applied to callbacks (1.0 when disabled).
func (e *Engine) strategyFor(pos *domain.Position, scale float64) stopStrategy {
	switch pos.Variant {
	case domain.VariantAbsolute:
		return absoluteStop{
			activationAmount: pos.Params.ActivationAmount,
			callbackAmount:   pos.Params.CallbackAmount * scale,
		}
	case domain.VariantATR:
		s := atrStop{
			activationMult: pos.Params.ATRActivationMult,
			mult:           pos.Params.ATRMult * scale,
			fallback: percentageStop{
				activationPercent: e.cfg.DefaultActivationPercent,
				callbackPercent:   e.cfg.DefaultCallbackPercent * scale,
			},
		}
		if e.vol != nil {
			if atr, err := e.vol.ATR(pos.Symbol); err == nil {
				s.atr = atr
				s.atrOK = true
			}
		}
		return s
	case domain.VariantStep:
		return stepStop{steps: pos.Params.Steps, callbackScale: scale}
	case domain.VariantParabolicSAR:
		return sarStop{}
	default:
		return percentageStop{
			activationPercent: pos.Params.ActivationPercent,
			callbackPercent:   pos.Params.CallbackPercent * scale,
		}
	}
}

// normalizeVariantParams validates the tuning for the chosen variant and
// fills variant defaults, so evaluate never has to guard against zero
// schedules.
func normalizeVariantParams(kind domain.VariantKind, p *domain.VariantParams) error {
	switch kind {
	case domain.VariantPercentage:
		if p.ActivationPercent <= 0 || p.CallbackPercent <= 0 || p.CallbackPercent >= 100 {
			return fmt.Errorf("percentage variant requires 0 < callback < 100 and activation > 0: %w", domain.ErrInvalidVariantParams)
		}
	case domain.VariantAbsolute:
		if p.ActivationAmount <= 0 || p.CallbackAmount <= 0 {
			return fmt.Errorf("absolute variant requires positive activation and callback amounts: %w", domain.ErrInvalidVariantParams)
		}
	case domain.VariantATR:
		if p.ATRActivationMult <= 0 || p.ATRMult <= 0 {
			return fmt.Errorf("atr variant requires positive multipliers: %w", domain.ErrInvalidVariantParams)
		}
	case domain.VariantStep:
		if len(p.Steps) == 0 {
			return fmt.Errorf("step variant requires at least one step: %w", domain.ErrInvalidVariantParams)
		}
		if !sort.SliceIsSorted(p.Steps, func(i, j int) bool {
			return p.Steps[i].ProfitPercent < p.Steps[j].ProfitPercent
		}) {
			return fmt.Errorf("step ladder must ascend by profit threshold: %w", domain.ErrInvalidVariantParams)
		}
		for _, s := range p.Steps {
			if s.ProfitPercent <= 0 || s.CallbackPercent <= 0 || s.CallbackPercent >= 100 {
				return fmt.Errorf("step ladder entries require 0 < callback < 100 and profit > 0: %w", domain.ErrInvalidVariantParams)
			}
		}
	case domain.VariantParabolicSAR:
		if p.SARAFStart == 0 {
			p.SARAFStart = defaultSARAFStart
		}
		if p.SARAFStep == 0 {
			p.SARAFStep = defaultSARAFStep
		}
		if p.SARAFMax == 0 {
			p.SARAFMax = defaultSARAFMax
		}
		if p.SARSeedPercent == 0 {
			p.SARSeedPercent = defaultSARSeedPercent
		}
		if p.SARAFStart <= 0 || p.SARAFStep <= 0 || p.SARAFMax < p.SARAFStart {
			return fmt.Errorf("sar acceleration schedule must be positive with max >= start: %w", domain.ErrInvalidVariantParams)
		}
		if p.SARSeedPercent <= 0 || p.SARSeedPercent >= 100 {
			return fmt.Errorf("sar seed percent must be in (0, 100): %w", domain.ErrInvalidVariantParams)
		}
	default:
		return fmt.Errorf("%q: %w", kind, domain.ErrUnknownVariant)
	}
	return nil
}
