package feed

import (
	"context"
	"log/slog"
	"time"

	"trailbot/internal/domain"
)

// PriceSource is the slice of the gateway the poller needs.
type PriceSource interface {
	MarkPrice(ctx context.Context, symbol string) (float64, error)
}

// Poller is the REST fallback feed: it polls the mark price for every
// configured symbol on a fixed interval. Used when the websocket feed is
// disabled, and as the only feed in replay-style setups without streaming.
type Poller struct {
	source   PriceSource
	symbols  []string
	interval time.Duration
	onPrice  PriceHandler
	logger   *slog.Logger
}

// NewPoller creates a poller. interval falls back to 30s when non-positive.
func NewPoller(source PriceSource, symbols []string, interval time.Duration, onPrice PriceHandler, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		source:   source,
		symbols:  symbols,
		interval: interval,
		onPrice:  onPrice,
		logger:   logger.With(slog.String("component", "price_poller")),
	}
}

// Run polls until ctx is cancelled. Individual fetch failures are logged and
// skipped; the loop keeps going.
func (p *Poller) Run(ctx context.Context) error {
	if len(p.symbols) == 0 {
		p.logger.Info("no symbols to poll, exiting")
		return nil
	}

	p.logger.Info("price poller started",
		slog.Int("symbols", len(p.symbols)),
		slog.Duration("interval", p.interval),
	)

	// Poll immediately so restored positions are checked before the first
	// tick elapses.
	p.pollOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	for _, symbol := range p.symbols {
		price, err := p.source.MarkPrice(ctx, symbol)
		if err != nil {
			p.logger.Warn("mark price poll failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
			continue
		}
		if p.onPrice != nil {
			p.onPrice(ctx, domain.PriceUpdate{
				Symbol:    symbol,
				Price:     price,
				Timestamp: time.Now().UTC(),
			})
		}
	}
}
