// Package binance implements the order gateway against the Binance USDT-M
// futures REST API.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"trailbot/internal/crypto"
	"trailbot/internal/domain"
)

// REST throttling shares one allowance bucket across all calls and, with a
// distributed limiter, across all guard replicas.
const (
	restLimitKey     = "binance:rest"
	restLimit        = 10
	restWindow       = time.Second
	throttleInterval = 50 * time.Millisecond
)

// Client is the REST client for the Binance futures API.
type Client struct {
	baseURL      string
	signer       *crypto.Signer
	recvWindowMS int
	httpClient   *http.Client
	limiter      domain.RateLimiter
}

var _ domain.OrderGateway = (*Client)(nil)

// NewClient creates a new Binance futures REST client.
//
// baseURL is the API root, e.g. "https://fapi.binance.com". Signed endpoints
// authenticate with the signer's HMAC key pair; public endpoints work with a
// zero-value signer.
func NewClient(baseURL string, signer *crypto.Signer, recvWindowMS int) *Client {
	return &Client{
		baseURL:      baseURL,
		signer:       signer,
		recvWindowMS: recvWindowMS,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// SetRateLimiter installs a rate limiter consulted before every REST call.
// A nil limiter leaves calls unthrottled.
func (c *Client) SetRateLimiter(l domain.RateLimiter) {
	c.limiter = l
}

// MarkPrice returns the current mark price for symbol.
func (c *Client) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.doPublic(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params)
	if err != nil {
		return 0, fmt.Errorf("binance: mark price %s: %w", symbol, err)
	}

	var resp markPriceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("binance: decode mark price: %w", err)
	}

	price, err := strconv.ParseFloat(resp.MarkPrice, 64)
	if err != nil {
		return 0, fmt.Errorf("binance: parse mark price %q: %w", resp.MarkPrice, err)
	}

	return price, nil
}

// Klines returns up to limit candles for symbol at the given interval,
// oldest first. The last candle is usually still forming.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	body, err := c.doPublic(ctx, http.MethodGet, "/fapi/v1/klines", params)
	if err != nil {
		return nil, fmt.Errorf("binance: klines %s %s: %w", symbol, interval, err)
	}

	candles, err := parseKlines(body)
	if err != nil {
		return nil, fmt.Errorf("binance: klines %s %s: %w", symbol, interval, err)
	}

	return candles, nil
}

// GetPosition returns the live exchange position for symbol, or nil when the
// exchange reports the symbol flat.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*domain.ExchangePosition, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, fmt.Errorf("binance: position risk %s: %w", symbol, err)
	}

	var entries []positionRiskEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("binance: decode position risk: %w", err)
	}

	// One-way mode returns a single entry per symbol; hedge mode returns one
	// per position side. Take the first non-flat entry.
	for i := range entries {
		pos, err := entries[i].toExchangePosition()
		if err != nil {
			return nil, fmt.Errorf("binance: position risk %s: %w", symbol, err)
		}
		if pos != nil {
			return pos, nil
		}
	}

	return nil, nil
}

// PlaceStopOrder places a reduce-only STOP_MARKET order that closes the
// position when triggerPrice is crossed against it.
func (c *Client) PlaceStopOrder(ctx context.Context, symbol string, dir domain.Direction, triggerPrice, quantity float64) (domain.StopOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", closeSide(dir))
	params.Set("type", "STOP_MARKET")
	params.Set("stopPrice", formatPrice(triggerPrice))
	params.Set("quantity", formatQty(quantity))
	params.Set("reduceOnly", "true")
	params.Set("workingType", "MARK_PRICE")

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return domain.StopOrder{}, fmt.Errorf("binance: place stop order %s: %w", symbol, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.StopOrder{}, fmt.Errorf("binance: decode order response: %w", err)
	}

	return domain.StopOrder{
		OrderID:      strconv.FormatInt(resp.OrderID, 10),
		Symbol:       symbol,
		Direction:    dir,
		TriggerPrice: triggerPrice,
		Quantity:     quantity,
		PlacedAt:     time.UnixMilli(resp.UpdateTime).UTC(),
	}, nil
}

// CancelOrder cancels a previously placed order by its exchange ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	if _, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params); err != nil {
		return fmt.Errorf("binance: cancel order %s/%s: %w", symbol, orderID, err)
	}

	return nil
}

// CloseMarket closes quantity of the position with a reduce-only market
// order. Quantity 0 closes the full position; closing an already flat symbol
// is a no-op.
func (c *Client) CloseMarket(ctx context.Context, symbol string, dir domain.Direction, quantity float64) error {
	if quantity == 0 {
		pos, err := c.GetPosition(ctx, symbol)
		if err != nil {
			return fmt.Errorf("binance: close market %s: %w", symbol, err)
		}
		if pos == nil {
			return nil
		}
		quantity = pos.Quantity
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", closeSide(dir))
	params.Set("type", "MARKET")
	params.Set("quantity", formatQty(quantity))
	params.Set("reduceOnly", "true")

	if _, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params); err != nil {
		return fmt.Errorf("binance: close market %s: %w", symbol, err)
	}

	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doPublic sends an unauthenticated request and reads the response body.
func (c *Client) doPublic(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	fullURL := c.baseURL + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}
	return c.do(ctx, method, fullURL, false)
}

// doSigned sends a signed request. Binance authenticates signed endpoints
// with an HMAC-SHA256 signature over the exact query string, plus the API
// key header; all parameters travel in the query string regardless of
// method.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	query := c.signer.SignedQuery(params, c.recvWindowMS, time.Now())
	fullURL := c.baseURL + path + "?" + query
	return c.do(ctx, method, fullURL, true)
}

func (c *Client) do(ctx context.Context, method, fullURL string, signed bool) ([]byte, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.signer.Key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := c.checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

// throttle blocks until the shared REST allowance admits the next call.
// Limiter errors fail open; the exchange enforces its own limits regardless.
func (c *Client) throttle(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	for {
		allowed, err := c.limiter.Allow(ctx, restLimitKey, restLimit, restWindow)
		if err != nil || allowed {
			return nil
		}

		timer := time.NewTimer(throttleInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// checkStatus maps non-2xx HTTP status codes to errors carrying the Binance
// error code and message.
func (c *Client) checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var errResp apiError
	_ = json.Unmarshal(body, &errResp)

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("unauthorized: %s (code %d)", errResp.Msg, errResp.Code)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s (code %d)", domain.ErrRateLimited, errResp.Msg, errResp.Code)
	case http.StatusBadRequest:
		return fmt.Errorf("bad request: %s (code %d)", errResp.Msg, errResp.Code)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("service unavailable: %s (code %d)", errResp.Msg, errResp.Code)
	default:
		return fmt.Errorf("HTTP %d: %s (code %d)", statusCode, errResp.Msg, errResp.Code)
	}
}
