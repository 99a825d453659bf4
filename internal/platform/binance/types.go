package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"trailbot/internal/domain"
)

// --------------------------------------------------------------------------
// Binance USDT-M futures API DTOs
// --------------------------------------------------------------------------

// markPriceResponse is the /fapi/v1/premiumIndex payload. Prices arrive as
// decimal strings.
type markPriceResponse struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

// positionRiskEntry is one element of the /fapi/v2/positionRisk response.
type positionRiskEntry struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"` // signed: >0 long, <0 short, 0 flat
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnrealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
	MarginType       string `json:"marginType"`
	PositionSide     string `json:"positionSide"` // "BOTH" in one-way mode
	UpdateTime       int64  `json:"updateTime"`
}

// orderResponse is the /fapi/v1/order payload for both placement and
// cancellation.
type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"` // "NEW", "FILLED", "CANCELED", ...
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
}

// apiError is the error envelope Binance returns with non-2xx statuses.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// --------------------------------------------------------------------------
// Kline parsing
// --------------------------------------------------------------------------

// parseKlines decodes the /fapi/v1/klines response. Each row is a positional
// array mixing numbers and decimal strings:
//
//	[openTime, open, high, low, close, volume, closeTime, ...]
//
// Rows arrive oldest first and the last row is usually the still-forming bar.
func parseKlines(body []byte) ([]domain.Candle, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	candles := make([]domain.Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 7 {
			return nil, fmt.Errorf("kline row %d: want at least 7 fields, got %d", i, len(row))
		}

		openTime, err := rawInt64(row[0])
		if err != nil {
			return nil, fmt.Errorf("kline row %d open time: %w", i, err)
		}
		closeTime, err := rawInt64(row[6])
		if err != nil {
			return nil, fmt.Errorf("kline row %d close time: %w", i, err)
		}

		var c domain.Candle
		c.OpenTime = time.UnixMilli(openTime).UTC()
		c.CloseTime = time.UnixMilli(closeTime).UTC()

		for j, dst := range []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume} {
			v, err := rawFloat(row[j+1])
			if err != nil {
				return nil, fmt.Errorf("kline row %d field %d: %w", i, j+1, err)
			}
			*dst = v
		}

		candles = append(candles, c)
	}

	return candles, nil
}

// rawFloat decodes a JSON value that is a decimal inside a string.
func rawFloat(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("expected string-wrapped decimal: %w", err)
	}
	return strconv.ParseFloat(s, 64)
}

// rawInt64 decodes a bare JSON integer.
func rawInt64(raw json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("expected integer: %w", err)
	}
	return n, nil
}

// --------------------------------------------------------------------------
// Conversion helpers
// --------------------------------------------------------------------------

// toExchangePosition converts a positionRisk entry into the domain view.
// It returns nil when the entry reports the symbol flat.
func (p *positionRiskEntry) toExchangePosition() (*domain.ExchangePosition, error) {
	amt, err := strconv.ParseFloat(p.PositionAmt, 64)
	if err != nil {
		return nil, fmt.Errorf("parse positionAmt %q: %w", p.PositionAmt, err)
	}
	if amt == 0 {
		return nil, nil
	}

	entry, err := strconv.ParseFloat(p.EntryPrice, 64)
	if err != nil {
		return nil, fmt.Errorf("parse entryPrice %q: %w", p.EntryPrice, err)
	}
	mark, err := strconv.ParseFloat(p.MarkPrice, 64)
	if err != nil {
		return nil, fmt.Errorf("parse markPrice %q: %w", p.MarkPrice, err)
	}
	leverage, err := strconv.Atoi(p.Leverage)
	if err != nil {
		leverage = 0
	}

	dir := domain.DirectionLong
	if amt < 0 {
		dir = domain.DirectionShort
		amt = -amt
	}

	return &domain.ExchangePosition{
		Symbol:     p.Symbol,
		Direction:  dir,
		EntryPrice: entry,
		Quantity:   amt,
		Leverage:   leverage,
		MarkPrice:  mark,
		UpdatedAt:  time.UnixMilli(p.UpdateTime).UTC(),
	}, nil
}

// closeSide returns the order side that reduces a position in dir.
func closeSide(dir domain.Direction) string {
	if dir == domain.DirectionLong {
		return "SELL"
	}
	return "BUY"
}

// formatQty renders a quantity without trailing zeros.
func formatQty(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}

// formatPrice renders a price without trailing zeros.
func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}
