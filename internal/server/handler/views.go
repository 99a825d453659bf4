package handler

import (
	"time"

	"trailbot/internal/domain"
)

// positionView is the wire representation of a protected position. The
// domain type is kept free of serialization concerns; this view is the only
// JSON shape the API exposes.
type positionView struct {
	ID              string   `json:"id"`
	Symbol          string   `json:"symbol"`
	Direction       string   `json:"direction"`
	State           string   `json:"state"`
	EntryPrice      float64  `json:"entry_price"`
	Quantity        float64  `json:"quantity"`
	InitialQuantity float64  `json:"initial_quantity"`
	Leverage        int      `json:"leverage,omitempty"`
	StopLossPrice   *float64 `json:"stop_loss_price,omitempty"`
	TakeProfitPrice *float64 `json:"take_profit_price,omitempty"`

	HighestPrice float64 `json:"highest_price"`
	LowestPrice  float64 `json:"lowest_price"`
	LastPrice    float64 `json:"last_price"`
	GainPercent  float64 `json:"gain_percent"`

	TrailingActive    bool     `json:"trailing_active"`
	TrailingStopPrice *float64 `json:"trailing_stop_price,omitempty"`

	Variant   string          `json:"variant"`
	PartialTP []partialTPView `json:"partial_tp,omitempty"`

	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`
	ExitPrice   *float64   `json:"exit_price,omitempty"`
}

// partialTPView is one take-profit rung in API responses.
type partialTPView struct {
	TriggerPrice float64    `json:"trigger_price"`
	Fraction     float64    `json:"fraction"`
	Triggered    bool       `json:"triggered"`
	TriggeredAt  *time.Time `json:"triggered_at,omitempty"`
}

// eventView is the wire representation of a protection event.
type eventView struct {
	Kind          string    `json:"kind"`
	PositionID    string    `json:"position_id"`
	Symbol        string    `json:"symbol"`
	Direction     string    `json:"direction"`
	Price         float64   `json:"price"`
	StopPrice     float64   `json:"stop_price,omitempty"`
	PrevStopPrice float64   `json:"prev_stop_price,omitempty"`
	Quantity      float64   `json:"quantity,omitempty"`
	Fraction      float64   `json:"fraction,omitempty"`
	LevelIndex    *int      `json:"level_index,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func toPositionView(p domain.Position) positionView {
	v := positionView{
		ID:                p.ID,
		Symbol:            p.Symbol,
		Direction:         string(p.Direction),
		State:             string(p.State),
		EntryPrice:        p.EntryPrice,
		Quantity:          p.Quantity,
		InitialQuantity:   p.InitialQuantity,
		Leverage:          p.Leverage,
		StopLossPrice:     p.StopLossPrice,
		TakeProfitPrice:   p.TakeProfitPrice,
		HighestPrice:      p.HighestPrice,
		LowestPrice:       p.LowestPrice,
		LastPrice:         p.LastPrice,
		GainPercent:       p.GainPercent(p.LastPrice),
		TrailingActive:    p.TrailingActive,
		TrailingStopPrice: p.TrailingStopPrice,
		Variant:           string(p.Variant),
		OpenedAt:          p.OpenedAt,
		ClosedAt:          p.ClosedAt,
		CloseReason:       string(p.CloseReason),
		ExitPrice:         p.ExitPrice,
	}
	for _, lvl := range p.PartialTPLevels {
		v.PartialTP = append(v.PartialTP, partialTPView{
			TriggerPrice: lvl.TriggerPrice,
			Fraction:     lvl.Fraction,
			Triggered:    lvl.Triggered,
			TriggeredAt:  lvl.TriggeredAt,
		})
	}
	return v
}

func toPositionViews(positions []domain.Position) []positionView {
	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, toPositionView(p))
	}
	return views
}

func toEventView(ev domain.Event) eventView {
	v := eventView{
		Kind:          string(ev.Kind),
		PositionID:    ev.PositionID,
		Symbol:        ev.Symbol,
		Direction:     string(ev.Direction),
		Price:         ev.Price,
		StopPrice:     ev.StopPrice,
		PrevStopPrice: ev.PrevStopPrice,
		Quantity:      ev.Quantity,
		Fraction:      ev.Fraction,
		Reason:        string(ev.Reason),
		Timestamp:     ev.Timestamp,
	}
	if ev.Kind == domain.EventPartialTakeProfit {
		idx := ev.LevelIndex
		v.LevelIndex = &idx
	}
	return v
}
