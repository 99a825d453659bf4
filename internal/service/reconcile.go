package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"trailbot/internal/domain"
	"trailbot/internal/engine"
	"trailbot/internal/snapshot"
)

// quantityTolerance is the relative mismatch between registry and exchange
// quantity above which the reconciler warns. Small residue from rounding or
// fee deduction is expected.
const quantityTolerance = 0.001

// EventDispatcher delivers events produced outside the price path (manual
// closes, reconciliation) into the same executor / notification pipeline.
type EventDispatcher interface {
	Dispatch(ctx context.Context, ev domain.Event)
}

// ReconcileConfig tunes startup reconciliation.
type ReconcileConfig struct {
	// Symbols are the markets scanned for orphan adoption.
	Symbols []string
	// AdoptOrphans registers exchange positions that have no registry entry,
	// protecting them with a percentage trailing stop built from
	// ActivationPercent and CallbackPercent.
	AdoptOrphans      bool
	ActivationPercent float64
	CallbackPercent   float64
}

// Reconciler squares the position registry with reality at startup: it
// restores the last snapshot, drops positions the exchange no longer holds,
// and optionally adopts exchange positions the registry never saw.
type Reconciler struct {
	eng        *engine.Engine
	gateway    domain.OrderGateway
	snapshots  *snapshot.Store
	dispatcher EventDispatcher
	cfg        ReconcileConfig
	logger     *slog.Logger
}

// NewReconciler creates a Reconciler. gateway may be nil (no exchange
// verification, snapshot restore only), as may snapshots and dispatcher.
func NewReconciler(
	eng *engine.Engine,
	gateway domain.OrderGateway,
	snapshots *snapshot.Store,
	dispatcher EventDispatcher,
	cfg ReconcileConfig,
	logger *slog.Logger,
) *Reconciler {
	if cfg.ActivationPercent <= 0 {
		cfg.ActivationPercent = 1.0
	}
	if cfg.CallbackPercent <= 0 {
		cfg.CallbackPercent = 0.5
	}
	return &Reconciler{
		eng:        eng,
		gateway:    gateway,
		snapshots:  snapshots,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "reconciler")),
	}
}

// Run performs the full startup sequence: restore, verify, adopt. It returns
// an error only for failures that leave the registry unusable; individual
// symbol lookups that fail are logged and skipped, since the feed will keep
// protecting whatever was restored.
func (r *Reconciler) Run(ctx context.Context) error {
	// Step 1: restore the last snapshot.
	if err := r.restoreSnapshot(ctx); err != nil {
		return err
	}

	// Step 2: verify every restored position still exists on the exchange.
	if err := r.verifyPositions(ctx); err != nil {
		return err
	}

	// Step 3: adopt exchange positions the registry does not know about.
	if r.cfg.AdoptOrphans {
		r.adoptOrphans(ctx)
	}

	return nil
}

func (r *Reconciler) restoreSnapshot(ctx context.Context) error {
	if r.snapshots == nil {
		r.logger.InfoContext(ctx, "snapshot store not configured, starting with empty registry")
		return nil
	}

	snap, err := r.snapshots.Load()
	switch {
	case errors.Is(err, domain.ErrNotFound):
		r.logger.InfoContext(ctx, "no snapshot found, starting with empty registry",
			slog.String("path", r.snapshots.Path()),
		)
		return nil
	case snapshot.IsStale(err):
		// A stale snapshot's stops were computed against prices that are long
		// gone. Restoring them could pin stops far from the market, so the
		// snapshot is discarded and positions must be re-adopted live.
		r.logger.WarnContext(ctx, "snapshot is stale, discarding",
			slog.String("path", r.snapshots.Path()),
			slog.String("error", err.Error()),
		)
		return nil
	case err != nil:
		r.logger.WarnContext(ctx, "snapshot unreadable, starting with empty registry",
			slog.String("path", r.snapshots.Path()),
			slog.String("error", err.Error()),
		)
		return nil
	}

	restored, skipped := r.eng.Restore(snap)
	r.logger.InfoContext(ctx, "snapshot restored",
		slog.Int("restored", restored),
		slog.Int("skipped", skipped),
		slog.Time("taken_at", snap.TakenAt),
		slog.Duration("age", time.Since(snap.TakenAt).Round(time.Second)),
	)
	return nil
}

func (r *Reconciler) verifyPositions(ctx context.Context) error {
	active := r.eng.ListActivePositions()
	if len(active) == 0 {
		return nil
	}
	if r.gateway == nil {
		r.logger.InfoContext(ctx, "no order gateway, skipping exchange verification",
			slog.Int("positions", len(active)),
		)
		return nil
	}

	for _, pos := range active {
		exch, err := r.gateway.GetPosition(ctx, pos.Symbol)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("reconcile: %w", ctx.Err())
			}
			// Leave the position protected; a lookup failure is not evidence
			// the position is gone.
			r.logger.WarnContext(ctx, "exchange lookup failed, keeping position",
				slog.String("position_id", pos.ID),
				slog.String("symbol", pos.Symbol),
				slog.String("error", err.Error()),
			)
			continue
		}

		if exch == nil || exch.Direction != pos.Direction {
			r.closeReconciled(ctx, pos, exch)
			continue
		}

		if diff := relDiff(exch.Quantity, pos.Quantity); diff > quantityTolerance {
			r.logger.WarnContext(ctx, "exchange quantity differs from registry",
				slog.String("position_id", pos.ID),
				slog.String("symbol", pos.Symbol),
				slog.Float64("registry_qty", pos.Quantity),
				slog.Float64("exchange_qty", exch.Quantity),
			)
		}
	}
	return nil
}

// closeReconciled retires a registry entry whose exchange position is gone
// (or flipped direction, which means the original position was closed). The
// resulting event flows through the normal pipeline; the executor knows a
// RECONCILE close needs no exchange order.
func (r *Reconciler) closeReconciled(ctx context.Context, pos domain.Position, exch *domain.ExchangePosition) {
	ev, err := r.eng.ClosePosition(pos.ID, domain.CloseReasonReconcile)
	if err != nil {
		r.logger.WarnContext(ctx, "reconcile close failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	attrs := []any{
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
	}
	if exch == nil {
		r.logger.InfoContext(ctx, "position no longer on exchange, closed as reconciled", attrs...)
	} else {
		r.logger.InfoContext(ctx, "exchange direction flipped, closed as reconciled",
			append(attrs, slog.String("exchange_direction", string(exch.Direction)))...)
	}

	if ev != nil && r.dispatcher != nil {
		r.dispatcher.Dispatch(ctx, *ev)
	}
}

// adoptOrphans scans the configured symbols for exchange positions with no
// registry entry and places them under default protection, so a position
// opened while the process was down is never left unguarded.
func (r *Reconciler) adoptOrphans(ctx context.Context) {
	if r.gateway == nil {
		return
	}

	protected := make(map[string]bool)
	for _, pos := range r.eng.ListActivePositions() {
		protected[pos.Symbol] = true
	}

	for _, symbol := range r.cfg.Symbols {
		if protected[symbol] {
			continue
		}

		exch, err := r.gateway.GetPosition(ctx, symbol)
		if err != nil {
			r.logger.WarnContext(ctx, "orphan scan failed for symbol",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
			continue
		}
		if exch == nil {
			continue
		}

		id, err := r.eng.RegisterPosition(engine.RegisterParams{
			Symbol:     exch.Symbol,
			Direction:  exch.Direction,
			EntryPrice: exch.EntryPrice,
			Quantity:   exch.Quantity,
			Leverage:   exch.Leverage,
			Variant:    domain.VariantPercentage,
			Params: domain.VariantParams{
				ActivationPercent: r.cfg.ActivationPercent,
				CallbackPercent:   r.cfg.CallbackPercent,
			},
		})
		if err != nil {
			r.logger.WarnContext(ctx, "orphan adoption failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
			continue
		}

		r.logger.InfoContext(ctx, "adopted unprotected exchange position",
			slog.String("position_id", id),
			slog.String("symbol", symbol),
			slog.String("direction", string(exch.Direction)),
			slog.Float64("entry_price", exch.EntryPrice),
			slog.Float64("quantity", exch.Quantity),
		)
	}
}

// relDiff returns |a-b| relative to the larger magnitude, 0 when both are 0.
func relDiff(a, b float64) float64 {
	den := math.Max(math.Abs(a), math.Abs(b))
	if den == 0 {
		return 0
	}
	return math.Abs(a-b) / den
}
