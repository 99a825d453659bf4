package domain

import (
	"context"
	"time"
)

// ExchangePosition is the exchange's view of an open position, used for
// startup reconciliation against the registry.
type ExchangePosition struct {
	Symbol     string
	Direction  Direction
	EntryPrice float64
	Quantity   float64
	Leverage   int
	MarkPrice  float64
	UpdatedAt  time.Time
}

// StopOrder identifies an exchange-side protective order placed by the
// gateway on the engine's behalf.
type StopOrder struct {
	OrderID      string
	Symbol       string
	Direction    Direction
	TriggerPrice float64
	Quantity     float64
	PlacedAt     time.Time
}

// OrderGateway is the exchange collaborator. The engine never calls it from
// the price-update hot path; the executor and reconciler do, with their own
// timeout and retry policy.
type OrderGateway interface {
	// GetPosition returns the live exchange position for symbol, or nil when
	// the exchange reports the symbol flat.
	GetPosition(ctx context.Context, symbol string) (*ExchangePosition, error)

	// MarkPrice returns the current mark price for symbol.
	MarkPrice(ctx context.Context, symbol string) (float64, error)

	// Klines returns up to limit recent candles for symbol at the given
	// interval (e.g. "1m", "1h"), oldest first.
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)

	// PlaceStopOrder places a reduce-only stop-market order that closes the
	// position when triggerPrice is crossed against it.
	PlaceStopOrder(ctx context.Context, symbol string, dir Direction, triggerPrice, quantity float64) (StopOrder, error)

	// CancelOrder cancels a previously placed order.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// CloseMarket closes quantity of the position with a reduce-only market
	// order. Quantity 0 closes the full position.
	CloseMarket(ctx context.Context, symbol string, dir Direction, quantity float64) error
}
