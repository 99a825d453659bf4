package domain

import "time"

// EventKind classifies protection events emitted by the engine.
type EventKind string

const (
	EventTrailingActivated EventKind = "trailing_activated"
	EventStopMoved         EventKind = "stop_moved"
	EventPartialTakeProfit EventKind = "partial_take_profit"
	EventPositionClosed    EventKind = "position_closed"
)

// Event is a protection event produced by the engine during UpdatePrice or
// ClosePosition. The engine only reasons about protective state; acting on an
// event (closing on the exchange, moving a stop order) is the caller's job.
type Event struct {
	Kind       EventKind
	PositionID string
	Symbol     string
	Direction  Direction
	// Price is the market price that produced the event.
	Price     float64
	Timestamp time.Time

	// StopPrice and PrevStopPrice are set for trailing_activated and
	// stop_moved events.
	StopPrice     float64
	PrevStopPrice float64

	// Quantity is the released size for partial_take_profit and the size
	// still open at close time for position_closed. Fraction and LevelIndex
	// identify the partial take-profit rung that fired.
	Quantity   float64
	Fraction   float64
	LevelIndex int

	// Reason is set for position_closed events.
	Reason CloseReason
}
