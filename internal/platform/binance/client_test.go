package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailbot/internal/crypto"
	"trailbot/internal/domain"
)

func testSigner() *crypto.Signer {
	return &crypto.Signer{Key: "test-key", Secret: "test-secret"}
}

func TestMarkPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/premiumIndex", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		// Public endpoint: no API key header, no signature.
		assert.Empty(t, r.Header.Get("X-MBX-APIKEY"))
		assert.Empty(t, r.URL.Query().Get("signature"))

		w.Write([]byte(`{"symbol":"BTCUSDT","markPrice":"60123.45000000","indexPrice":"60120.00","time":1717000000000}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(), 5000)
	price, err := c.MarkPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 60123.45, price, 1e-9)
}

func TestKlinesParsesPositionalRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/klines", r.URL.Path)
		assert.Equal(t, "1m", r.URL.Query().Get("interval"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))

		w.Write([]byte(`[
			[1717000000000,"60000.0","60100.0","59900.0","60050.0","12.5",1717000059999,"750000.0",100,"6.0","360000.0","0"],
			[1717000060000,"60050.0","60200.0","60000.0","60150.0","8.25",1717000119999,"495000.0",80,"4.0","240000.0","0"]
		]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(), 0)
	candles, err := c.Klines(context.Background(), "BTCUSDT", "1m", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)

	first := candles[0]
	assert.Equal(t, time.UnixMilli(1717000000000).UTC(), first.OpenTime)
	assert.Equal(t, time.UnixMilli(1717000059999).UTC(), first.CloseTime)
	assert.InDelta(t, 60000.0, first.Open, 1e-9)
	assert.InDelta(t, 60100.0, first.High, 1e-9)
	assert.InDelta(t, 59900.0, first.Low, 1e-9)
	assert.InDelta(t, 60050.0, first.Close, 1e-9)
	assert.InDelta(t, 12.5, first.Volume, 1e-9)

	// Oldest first.
	assert.True(t, candles[0].OpenTime.Before(candles[1].OpenTime))
}

func TestGetPositionFlatReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v2/positionRisk", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-MBX-APIKEY"))
		assert.NotEmpty(t, r.URL.Query().Get("signature"))
		assert.NotEmpty(t, r.URL.Query().Get("timestamp"))

		w.Write([]byte(`[{"symbol":"BTCUSDT","positionAmt":"0.000","entryPrice":"0.0","markPrice":"60000.0","leverage":"10","positionSide":"BOTH","updateTime":1717000000000}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(), 5000)
	pos, err := c.GetPosition(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestGetPositionShort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"symbol":"ETHUSDT","positionAmt":"-2.500","entryPrice":"3000.0","markPrice":"2950.0","leverage":"5","positionSide":"BOTH","updateTime":1717000000000}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(), 5000)
	pos, err := c.GetPosition(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	require.NotNil(t, pos)

	assert.Equal(t, domain.DirectionShort, pos.Direction)
	assert.InDelta(t, 2.5, pos.Quantity, 1e-9)
	assert.InDelta(t, 3000.0, pos.EntryPrice, 1e-9)
	assert.Equal(t, 5, pos.Leverage)
}

func TestPlaceStopOrderSendsReduceOnlyStopMarket(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/fapi/v1/order", r.URL.Path)

		q := r.URL.Query()
		got = map[string]string{
			"symbol":     q.Get("symbol"),
			"side":       q.Get("side"),
			"type":       q.Get("type"),
			"stopPrice":  q.Get("stopPrice"),
			"quantity":   q.Get("quantity"),
			"reduceOnly": q.Get("reduceOnly"),
			"signature":  q.Get("signature"),
		}

		w.Write([]byte(`{"orderId":123456,"symbol":"BTCUSDT","status":"NEW","side":"SELL","type":"STOP_MARKET","stopPrice":"60297","origQty":"0.1","reduceOnly":true,"updateTime":1717000000000}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(), 5000)
	order, err := c.PlaceStopOrder(context.Background(), "BTCUSDT", domain.DirectionLong, 60297, 0.1)
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", got["symbol"])
	assert.Equal(t, "SELL", got["side"])
	assert.Equal(t, "STOP_MARKET", got["type"])
	assert.Equal(t, "60297", got["stopPrice"])
	assert.Equal(t, "0.1", got["quantity"])
	assert.Equal(t, "true", got["reduceOnly"])
	assert.NotEmpty(t, got["signature"])

	assert.Equal(t, "123456", order.OrderID)
	assert.Equal(t, domain.DirectionLong, order.Direction)
	assert.InDelta(t, 60297.0, order.TriggerPrice, 1e-9)
}

func TestCloseMarketFullPositionLooksUpQuantity(t *testing.T) {
	var orderQty, orderSide string
	orders := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v2/positionRisk":
			w.Write([]byte(`[{"symbol":"BTCUSDT","positionAmt":"0.750","entryPrice":"60000.0","markPrice":"60500.0","leverage":"10","positionSide":"BOTH","updateTime":1717000000000}]`))
		case "/fapi/v1/order":
			orders++
			orderQty = r.URL.Query().Get("quantity")
			orderSide = r.URL.Query().Get("side")
			w.Write([]byte(`{"orderId":1,"symbol":"BTCUSDT","status":"FILLED"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(), 5000)
	require.NoError(t, c.CloseMarket(context.Background(), "BTCUSDT", domain.DirectionLong, 0))

	assert.Equal(t, 1, orders)
	assert.Equal(t, "0.75", orderQty)
	assert.Equal(t, "SELL", orderSide)
}

func TestCloseMarketFlatSymbolIsNoop(t *testing.T) {
	orders := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v2/positionRisk":
			w.Write([]byte(`[{"symbol":"BTCUSDT","positionAmt":"0.000","entryPrice":"0.0","markPrice":"60000.0","leverage":"10","positionSide":"BOTH","updateTime":1717000000000}]`))
		case "/fapi/v1/order":
			orders++
			w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(), 5000)
	require.NoError(t, c.CloseMarket(context.Background(), "BTCUSDT", domain.DirectionLong, 0))
	assert.Equal(t, 0, orders)
}

func TestCloseMarketShortBuysBack(t *testing.T) {
	var orderSide string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/order", r.URL.Path)
		orderSide = r.URL.Query().Get("side")
		w.Write([]byte(`{"orderId":2,"symbol":"ETHUSDT","status":"FILLED"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(), 5000)
	require.NoError(t, c.CloseMarket(context.Background(), "ETHUSDT", domain.DirectionShort, 1.5))
	assert.Equal(t, "BUY", orderSide)
}

func TestAPIErrorSurfacesCodeAndMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2019,"msg":"Margin is insufficient."}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(), 5000)
	_, err := c.PlaceStopOrder(context.Background(), "BTCUSDT", domain.DirectionLong, 60000, 0.1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Margin is insufficient")
	assert.Contains(t, err.Error(), "-2019")
}

func TestCancelOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "987", r.URL.Query().Get("orderId"))
		w.Write([]byte(`{"orderId":987,"symbol":"BTCUSDT","status":"CANCELED"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(), 5000)
	require.NoError(t, c.CancelOrder(context.Background(), "BTCUSDT", "987"))
}
