// Package feed delivers mark prices and candles from the exchange into the
// protection engine.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trailbot/internal/domain"
	"trailbot/internal/metrics"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// PriceHandler is called for every mark-price tick.
type PriceHandler func(ctx context.Context, update domain.PriceUpdate)

// CandleHandler is called for every kline message. closed reports whether the
// bar has finished forming.
type CandleHandler func(ctx context.Context, symbol string, candle domain.Candle, closed bool)

// BinanceWS streams mark prices and klines for the configured symbols over
// the futures combined-stream endpoint and invokes the handlers on each
// message. It reconnects with exponential backoff on disconnect.
type BinanceWS struct {
	wsURL    string
	symbols  []string
	interval string
	onPrice  PriceHandler
	onCandle CandleHandler
	logger   *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewBinanceWS creates a feed for the given symbols.
//
// wsURL is the websocket root, e.g. "wss://fstream.binance.com". interval is
// the kline interval to subscribe to, e.g. "1m".
func NewBinanceWS(wsURL string, symbols []string, interval string, onPrice PriceHandler, onCandle CandleHandler, logger *slog.Logger) *BinanceWS {
	return &BinanceWS{
		wsURL:    wsURL,
		symbols:  symbols,
		interval: interval,
		onPrice:  onPrice,
		onCandle: onCandle,
		logger:   logger.With(slog.String("component", "binance_ws")),
		done:     make(chan struct{}),
	}
}

// Run connects and reads until ctx is cancelled, reconnecting with backoff
// on disconnect.
func (f *BinanceWS) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.Info("no symbols to subscribe, exiting")
		return nil
	}

	delay := reconnectDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			return nil
		}

		metrics.FeedReconnects.Inc()
		f.logger.Warn("feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// Close stops the feed.
func (f *BinanceWS) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

// runConnection dials the combined-stream endpoint and reads messages until
// the connection drops or ctx is cancelled.
func (f *BinanceWS) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, f.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Unblock ReadMessage when the context ends, and keep the connection
	// alive with periodic pings.
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-f.done:
				conn.Close()
				return
			case <-connDone:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	f.logger.Info("feed subscribed",
		slog.Int("symbols", len(f.symbols)),
		slog.String("interval", f.interval),
	)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", domain.ErrWSDisconnect)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		f.handleMessage(ctx, message)
	}
}

// streamURL builds the combined-stream URL subscribing every symbol to the
// 1s mark-price stream and the configured kline stream.
func (f *BinanceWS) streamURL() string {
	streams := make([]string, 0, len(f.symbols)*2)
	for _, s := range f.symbols {
		lower := strings.ToLower(s)
		streams = append(streams, lower+"@markPrice@1s", lower+"@kline_"+f.interval)
	}
	return f.wsURL + "/stream?streams=" + strings.Join(streams, "/")
}

// --------------------------------------------------------------------------
// Message parsing
// --------------------------------------------------------------------------

// wsEnvelope is the combined-stream wrapper.
type wsEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// wsMarkPrice is the markPriceUpdate event payload.
type wsMarkPrice struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

// wsKline is the kline event payload.
type wsKline struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

// handleMessage parses a raw combined-stream message and routes it by the
// inner event type. Unparseable messages are dropped.
func (f *BinanceWS) handleMessage(ctx context.Context, raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	var probe struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(env.Data, &probe); err != nil {
		return
	}

	switch probe.EventType {
	case "markPriceUpdate":
		var ev wsMarkPrice
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		price, err := strconv.ParseFloat(ev.MarkPrice, 64)
		if err != nil || price <= 0 {
			return
		}
		if f.onPrice != nil {
			f.onPrice(ctx, domain.PriceUpdate{
				Symbol:    ev.Symbol,
				Price:     price,
				Timestamp: time.UnixMilli(ev.EventTime).UTC(),
			})
		}

	case "kline":
		var ev wsKline
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		candle, err := klineToCandle(ev)
		if err != nil {
			f.logger.Debug("bad kline payload", slog.String("error", err.Error()))
			return
		}
		if f.onCandle != nil {
			f.onCandle(ctx, ev.Symbol, candle, ev.Kline.Closed)
		}
	}
}

// klineToCandle converts the string-valued kline payload to a candle.
func klineToCandle(ev wsKline) (domain.Candle, error) {
	var c domain.Candle
	c.OpenTime = time.UnixMilli(ev.Kline.OpenTime).UTC()
	c.CloseTime = time.UnixMilli(ev.Kline.CloseTime).UTC()

	for _, field := range []struct {
		raw string
		dst *float64
	}{
		{ev.Kline.Open, &c.Open},
		{ev.Kline.High, &c.High},
		{ev.Kline.Low, &c.Low},
		{ev.Kline.Close, &c.Close},
		{ev.Kline.Volume, &c.Volume},
	} {
		v, err := strconv.ParseFloat(field.raw, 64)
		if err != nil {
			return domain.Candle{}, fmt.Errorf("parse kline field %q: %w", field.raw, err)
		}
		*field.dst = v
	}

	return c, nil
}
