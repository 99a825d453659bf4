package domain

import "time"

// Direction is the side of a futures position.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// Sign returns +1 for LONG and -1 for SHORT, the multiplier that turns
// direction-aware price arithmetic into a single formula.
func (d Direction) Sign() float64 {
	if d == DirectionShort {
		return -1
	}
	return 1
}

// PositionState is the protection lifecycle state of a position.
type PositionState string

const (
	StateRegistered     PositionState = "REGISTERED"
	StateMonitoring     PositionState = "MONITORING"
	StateTrailingActive PositionState = "TRAILING_ACTIVE"
	StateClosed         PositionState = "CLOSED"
)

// CloseReason records why a position left protection.
type CloseReason string

const (
	CloseReasonStopLoss     CloseReason = "STOP_LOSS"
	CloseReasonTakeProfit   CloseReason = "TAKE_PROFIT"
	CloseReasonTrailingStop CloseReason = "TRAILING_STOP"
	CloseReasonManual       CloseReason = "MANUAL"
	CloseReasonReconcile    CloseReason = "RECONCILE"
)

// VariantKind selects the stop-strategy formula applied to a position.
type VariantKind string

const (
	VariantPercentage   VariantKind = "PERCENTAGE"
	VariantAbsolute     VariantKind = "ABSOLUTE"
	VariantATR          VariantKind = "ATR"
	VariantStep         VariantKind = "STEP"
	VariantParabolicSAR VariantKind = "PARABOLIC_SAR"
)

// Valid reports whether k is a known variant.
func (k VariantKind) Valid() bool {
	switch k {
	case VariantPercentage, VariantAbsolute, VariantATR, VariantStep, VariantParabolicSAR:
		return true
	}
	return false
}

// StepLevel is one rung of the STEP variant's ladder: once unrealized profit
// crosses ProfitPercent, the trailing callback tightens to CallbackPercent.
type StepLevel struct {
	ProfitPercent   float64
	CallbackPercent float64
}

// VariantParams carries the per-variant tuning supplied at registration.
// Only the fields relevant to the selected VariantKind are consulted.
type VariantParams struct {
	// PERCENTAGE (also the fallback when ATR history is unavailable).
	ActivationPercent float64
	CallbackPercent   float64

	// ABSOLUTE, in quote-currency units.
	ActivationAmount float64
	CallbackAmount   float64

	// ATR multipliers.
	ATRActivationMult float64
	ATRMult           float64

	// STEP ladder, ascending by ProfitPercent.
	Steps []StepLevel

	// PARABOLIC_SAR acceleration schedule and seed offset.
	SARAFStart     float64
	SARAFStep      float64
	SARAFMax       float64
	SARSeedPercent float64
}

// PartialTPLevel is one rung of the partial take-profit ladder. Each level
// triggers at most once, releasing Fraction of the original quantity.
type PartialTPLevel struct {
	TriggerPrice float64
	Fraction     float64
	Triggered    bool
	TriggeredAt  *time.Time
}

// Position is the protective state for one exchange position. It is owned
// exclusively by the engine for its protected lifetime; no other component
// mutates protective fields after registration.
type Position struct {
	ID         string
	Symbol     string
	Direction  Direction
	EntryPrice float64
	// Quantity is the currently protected size; partial take-profits reduce
	// it, nothing increases it.
	Quantity        float64
	InitialQuantity float64
	Leverage        int

	StopLossPrice   *float64
	TakeProfitPrice *float64

	// HighestPrice and LowestPrice track the most favorable price seen since
	// registration. They never regress, which is what makes out-of-order
	// price delivery safe.
	HighestPrice float64
	LowestPrice  float64
	// LastPrice is the most recent price applied to this position, seeded
	// with the entry price.
	LastPrice float64

	TrailingActive    bool
	TrailingStopPrice *float64

	Variant VariantKind
	Params  VariantParams

	PartialTPLevels []PartialTPLevel

	// Variant sub-state. StepIndex is the highest STEP rung reached, -1
	// before any rung is crossed. SAR and SARAF hold the PARABOLIC_SAR
	// recursion state once seeded.
	StepIndex int
	SAR       float64
	SARAF     float64

	State       PositionState
	OpenedAt    time.Time
	UpdatedAt   time.Time
	ClosedAt    *time.Time
	CloseReason CloseReason
	ExitPrice   *float64
}

// IsClosed reports whether the position reached the terminal state.
func (p *Position) IsClosed() bool {
	return p.State == StateClosed
}

// Extreme returns the most favorable price seen so far for the position's
// direction: HighestPrice for LONG, LowestPrice for SHORT.
func (p *Position) Extreme() float64 {
	if p.Direction == DirectionShort {
		return p.LowestPrice
	}
	return p.HighestPrice
}

// GainPercent returns the unrealized, direction-aware gain at price as a
// percentage of the entry price. Losses are negative.
func (p *Position) GainPercent(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return p.Direction.Sign() * (price - p.EntryPrice) / p.EntryPrice * 100
}

// GainAbs returns the unrealized, direction-aware gain at price in
// quote-currency units.
func (p *Position) GainAbs(price float64) float64 {
	return p.Direction.Sign() * (price - p.EntryPrice)
}

// ReleasedFraction sums the fractions of the original quantity already
// released through triggered partial take-profit levels.
func (p *Position) ReleasedFraction() float64 {
	var sum float64
	for _, lvl := range p.PartialTPLevels {
		if lvl.Triggered {
			sum += lvl.Fraction
		}
	}
	return sum
}

// Clone returns a deep copy of the position, safe to hand to callers outside
// the registry lock.
func (p *Position) Clone() *Position {
	cp := *p
	cp.StopLossPrice = clonePtr(p.StopLossPrice)
	cp.TakeProfitPrice = clonePtr(p.TakeProfitPrice)
	cp.TrailingStopPrice = clonePtr(p.TrailingStopPrice)
	cp.ExitPrice = clonePtr(p.ExitPrice)
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		cp.ClosedAt = &t
	}
	if p.PartialTPLevels != nil {
		cp.PartialTPLevels = make([]PartialTPLevel, len(p.PartialTPLevels))
		copy(cp.PartialTPLevels, p.PartialTPLevels)
		for i, lvl := range p.PartialTPLevels {
			if lvl.TriggeredAt != nil {
				t := *lvl.TriggeredAt
				cp.PartialTPLevels[i].TriggeredAt = &t
			}
		}
	}
	if p.Params.Steps != nil {
		cp.Params.Steps = make([]StepLevel, len(p.Params.Steps))
		copy(cp.Params.Steps, p.Params.Steps)
	}
	return &cp
}

func clonePtr(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Float64Ptr is a convenience for building optional price fields.
func Float64Ptr(v float64) *float64 {
	return &v
}
