// Package executor acts on protection events emitted by the engine: closing
// positions on the exchange, syncing exchange-side stop orders, and fanning
// events out to the audit log, the position store, and the notifier.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"trailbot/internal/domain"
	"trailbot/internal/engine"
	"trailbot/internal/metrics"
)

// Notifier is the slice of the notification system the executor needs.
type Notifier interface {
	// Notify delivers a message when event is in the configured allow list.
	Notify(ctx context.Context, event, title, message string) error
	// NotifyAll bypasses the event filter, used for capital-risk conditions.
	NotifyAll(ctx context.Context, title, message string) error
}

// Config tunes the executor's exchange interaction.
type Config struct {
	// SyncStopOrders mirrors the engine's trailing stop to an exchange-side
	// STOP_MARKET order on every activation and move.
	SyncStopOrders bool
	// CloseRetries is the number of close attempts before giving up.
	CloseRetries int
	// RetryBackoff is the initial delay between attempts, doubled each retry.
	RetryBackoff time.Duration
}

// Executor reads protection events from a channel and performs the exchange
// and persistence side effects the engine deliberately does not. The engine's
// state is already final when an event arrives; the executor's job is to make
// the outside world catch up, loudly flagging anything it could not do.
type Executor struct {
	events  <-chan domain.Event
	eng     *engine.Engine
	gateway domain.OrderGateway // nil in monitor mode

	positions domain.PositionStore // optional
	audit     domain.AuditStore    // optional
	notifier  Notifier             // optional

	dedup           *Dedup
	cleanupInterval time.Duration
	cfg             Config
	logger          *slog.Logger

	// stopOrders tracks the live exchange stop per position. Only touched
	// from the Run goroutine.
	stopOrders map[string]domain.StopOrder
}

// NewExecutor creates an Executor that consumes events and acts through
// gateway. gateway may be nil, in which case only persistence and
// notification side effects run.
func NewExecutor(events <-chan domain.Event, eng *engine.Engine, gateway domain.OrderGateway, cfg Config, logger *slog.Logger) *Executor {
	if cfg.CloseRetries <= 0 {
		cfg.CloseRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &Executor{
		events:          events,
		eng:             eng,
		gateway:         gateway,
		dedup:           NewDedup(2 * time.Minute),
		cleanupInterval: 30 * time.Second,
		cfg:             cfg,
		logger:          logger.With(slog.String("component", "executor")),
		stopOrders:      make(map[string]domain.StopOrder),
	}
}

// SetStores wires the optional Postgres-backed stores.
func (e *Executor) SetStores(positions domain.PositionStore, audit domain.AuditStore) {
	e.positions = positions
	e.audit = audit
}

// SetNotifier wires the optional notifier.
func (e *Executor) SetNotifier(n Notifier) {
	e.notifier = n
}

// Run processes events until the context is cancelled, at which point it
// drains any events already buffered in the channel and returns.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started",
		slog.Bool("sync_stop_orders", e.cfg.SyncStopOrders),
		slog.Int("close_retries", e.cfg.CloseRetries),
	)
	defer e.logger.Info("executor stopped")

	cleanupTicker := time.NewTicker(e.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()

		case ev, ok := <-e.events:
			if !ok {
				return nil
			}
			e.process(ctx, ev)

		case <-cleanupTicker.C:
			e.dedup.Cleanup()
		}
	}
}

// process handles a single protection event.
func (e *Executor) process(ctx context.Context, ev domain.Event) {
	log := e.logger.With(
		slog.String("kind", string(ev.Kind)),
		slog.String("position_id", ev.PositionID),
		slog.String("symbol", ev.Symbol),
	)

	// Every event leaves an audit trail, side effects or not.
	e.recordAudit(ctx, ev)

	switch ev.Kind {
	case domain.EventPositionClosed:
		if e.dedup.IsDuplicate("close:" + ev.PositionID) {
			log.Debug("close already handled, skipping")
			return
		}
		e.handleClose(ctx, ev, log)

	case domain.EventPartialTakeProfit:
		if e.dedup.IsDuplicate(fmt.Sprintf("ptp:%s:%d", ev.PositionID, ev.LevelIndex)) {
			log.Debug("partial take-profit already handled, skipping")
			return
		}
		e.handlePartial(ctx, ev, log)

	case domain.EventTrailingActivated, domain.EventStopMoved:
		e.syncStop(ctx, ev.PositionID, log)
	}

	e.notify(ctx, ev)
}

// handleClose closes the remaining quantity on the exchange, retires any
// synced stop order, and persists the closed row.
func (e *Executor) handleClose(ctx context.Context, ev domain.Event, log *slog.Logger) {
	// A reconcile close means the exchange is already flat; sending another
	// close order would open a position the other way.
	if e.gateway != nil && ev.Reason != domain.CloseReasonReconcile {
		if err := e.closeWithRetry(ctx, ev); err != nil {
			metrics.CloseFailures.WithLabelValues(ev.Symbol).Inc()
			log.Error("exchange close failed, manual intervention required",
				slog.String("reason", string(ev.Reason)),
				slog.Float64("quantity", ev.Quantity),
				slog.String("error", err.Error()),
			)
			e.recordCloseFailure(ctx, ev, err)
			if e.notifier != nil {
				_ = e.notifier.NotifyAll(ctx,
					"CRITICAL: exchange close failed",
					fmt.Sprintf("%s %s qty %.8f could not be closed after %d attempts: %v. Position is unprotected, close it manually.",
						ev.Symbol, ev.Direction, ev.Quantity, e.cfg.CloseRetries, err),
				)
			}
		} else {
			log.Info("position closed on exchange",
				slog.String("reason", string(ev.Reason)),
				slog.Float64("price", ev.Price),
				slog.Float64("quantity", ev.Quantity),
			)
		}
	}

	e.cancelSyncedStop(ctx, ev.PositionID, log)

	if e.positions != nil {
		pos, err := e.eng.GetPositionInfo(ev.PositionID)
		if err != nil {
			log.Warn("closed position not found in engine", slog.String("error", err.Error()))
			return
		}
		if err := e.positions.MarkClosed(ctx, pos); err != nil {
			log.Warn("persist closed position failed", slog.String("error", err.Error()))
		}
	}
}

// handlePartial closes the released quantity on the exchange and re-syncs the
// stop order to the reduced size.
func (e *Executor) handlePartial(ctx context.Context, ev domain.Event, log *slog.Logger) {
	if e.gateway == nil {
		return
	}

	if err := e.closeWithRetry(ctx, ev); err != nil {
		metrics.CloseFailures.WithLabelValues(ev.Symbol).Inc()
		log.Error("partial close failed",
			slog.Int("level", ev.LevelIndex),
			slog.Float64("quantity", ev.Quantity),
			slog.String("error", err.Error()),
		)
		e.recordCloseFailure(ctx, ev, err)
		return
	}

	log.Info("partial take-profit executed",
		slog.Int("level", ev.LevelIndex),
		slog.Float64("quantity", ev.Quantity),
		slog.Float64("price", ev.Price),
	)

	// The exchange stop still covers the pre-release quantity.
	e.syncStop(ctx, ev.PositionID, log)
}

// closeWithRetry sends a reduce-only market close for ev.Quantity with
// exponential backoff between attempts.
func (e *Executor) closeWithRetry(ctx context.Context, ev domain.Event) error {
	backoff := e.cfg.RetryBackoff
	var lastErr error

	for attempt := 1; attempt <= e.cfg.CloseRetries; attempt++ {
		err := e.gateway.CloseMarket(ctx, ev.Symbol, ev.Direction, ev.Quantity)
		if err == nil {
			return nil
		}
		lastErr = err
		e.logger.Warn("exchange close attempt failed",
			slog.String("symbol", ev.Symbol),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", e.cfg.CloseRetries),
			slog.String("error", err.Error()),
		)

		if attempt == e.cfg.CloseRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return lastErr
}

// syncStop mirrors the engine's current trailing stop to the exchange:
// cancel the previous stop order, place a new one at the current stop price
// for the remaining quantity. Best effort: the engine remains the authority
// and failures only cost the exchange-side backstop.
func (e *Executor) syncStop(ctx context.Context, positionID string, log *slog.Logger) {
	if !e.cfg.SyncStopOrders || e.gateway == nil {
		return
	}

	pos, err := e.eng.GetPositionInfo(positionID)
	if err != nil || pos.IsClosed() || pos.TrailingStopPrice == nil {
		return
	}

	e.cancelSyncedStop(ctx, positionID, log)

	order, err := e.gateway.PlaceStopOrder(ctx, pos.Symbol, pos.Direction, *pos.TrailingStopPrice, pos.Quantity)
	if err != nil {
		log.Warn("stop order sync failed", slog.String("error", err.Error()))
		return
	}

	e.stopOrders[positionID] = order
	log.Info("stop order synced",
		slog.String("order_id", order.OrderID),
		slog.Float64("trigger_price", order.TriggerPrice),
		slog.Float64("quantity", order.Quantity),
	)
}

// cancelSyncedStop retires the tracked exchange stop order for a position,
// if any.
func (e *Executor) cancelSyncedStop(ctx context.Context, positionID string, log *slog.Logger) {
	order, ok := e.stopOrders[positionID]
	if !ok {
		return
	}
	delete(e.stopOrders, positionID)

	if e.gateway == nil {
		return
	}
	if err := e.gateway.CancelOrder(ctx, order.Symbol, order.OrderID); err != nil {
		log.Warn("cancel stop order failed",
			slog.String("order_id", order.OrderID),
			slog.String("error", err.Error()),
		)
	}
}

// recordAudit writes one audit row per event.
func (e *Executor) recordAudit(ctx context.Context, ev domain.Event) {
	if e.audit == nil {
		return
	}

	detail := map[string]any{
		"position_id": ev.PositionID,
		"symbol":      ev.Symbol,
		"direction":   string(ev.Direction),
		"price":       ev.Price,
	}
	switch ev.Kind {
	case domain.EventTrailingActivated:
		detail["stop_price"] = ev.StopPrice
	case domain.EventStopMoved:
		detail["stop_price"] = ev.StopPrice
		detail["prev_stop_price"] = ev.PrevStopPrice
	case domain.EventPartialTakeProfit:
		detail["quantity"] = ev.Quantity
		detail["fraction"] = ev.Fraction
		detail["level_index"] = ev.LevelIndex
	case domain.EventPositionClosed:
		detail["quantity"] = ev.Quantity
		detail["reason"] = string(ev.Reason)
	}

	if err := e.audit.Log(ctx, string(ev.Kind), detail); err != nil {
		e.logger.Warn("audit log failed", slog.String("error", err.Error()))
	}
}

// recordCloseFailure leaves a loud audit row for manual reconciliation.
func (e *Executor) recordCloseFailure(ctx context.Context, ev domain.Event, closeErr error) {
	if e.audit == nil {
		return
	}
	detail := map[string]any{
		"position_id": ev.PositionID,
		"symbol":      ev.Symbol,
		"direction":   string(ev.Direction),
		"quantity":    ev.Quantity,
		"error":       closeErr.Error(),
	}
	if err := e.audit.Log(ctx, "close_failed", detail); err != nil {
		e.logger.Warn("audit log failed", slog.String("error", err.Error()))
	}
}

// notify sends the operator notification for an event, subject to the
// configured event filter.
func (e *Executor) notify(ctx context.Context, ev domain.Event) {
	if e.notifier == nil {
		return
	}

	var title, message string
	switch ev.Kind {
	case domain.EventTrailingActivated:
		title = "Trailing stop activated"
		message = fmt.Sprintf("%s %s at %.8g, stop %.8g", ev.Symbol, ev.Direction, ev.Price, ev.StopPrice)
	case domain.EventStopMoved:
		title = "Trailing stop moved"
		message = fmt.Sprintf("%s %s: stop moved from %.8g to %.8g", ev.Symbol, ev.Direction, ev.PrevStopPrice, ev.StopPrice)
	case domain.EventPartialTakeProfit:
		title = "Partial take-profit"
		message = fmt.Sprintf("%s %s: released %.8g (level %d) at %.8g", ev.Symbol, ev.Direction, ev.Quantity, ev.LevelIndex+1, ev.Price)
	case domain.EventPositionClosed:
		title = "Position closed"
		message = fmt.Sprintf("%s %s closed at %.8g (%s), qty %.8g", ev.Symbol, ev.Direction, ev.Price, ev.Reason, ev.Quantity)
	default:
		return
	}

	if err := e.notifier.Notify(ctx, string(ev.Kind), title, message); err != nil {
		e.logger.Debug("notification failed", slog.String("error", err.Error()))
	}
}

// drain processes events already buffered in the channel after context
// cancellation so in-flight protection actions are not silently dropped.
func (e *Executor) drain() {
	for {
		select {
		case ev, ok := <-e.events:
			if !ok {
				return
			}
			e.logger.Warn("draining event after shutdown",
				slog.String("kind", string(ev.Kind)),
				slog.String("position_id", ev.PositionID),
			)
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.process(drainCtx, ev)
			cancel()
		default:
			return
		}
	}
}

// SetDedupTTL replaces the dedup instance with a new one using the given TTL.
func (e *Executor) SetDedupTTL(ttl time.Duration) {
	e.dedup = NewDedup(ttl)
}
