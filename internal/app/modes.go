package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"trailbot/internal/domain"
	"trailbot/internal/engine"
	"trailbot/internal/estimator"
	"trailbot/internal/executor"
	"trailbot/internal/feed"
	"trailbot/internal/replay"
	"trailbot/internal/server"
	"trailbot/internal/server/handler"
	"trailbot/internal/server/ws"
	"trailbot/internal/service"
	"trailbot/internal/snapshot"
)

// leaderLockTTL is the Redis leader-lock lifetime; the lock manager refreshes
// it in the background while the guard holds it.
const leaderLockTTL = 30 * time.Second

// GuardMode runs live protection: reconcile the registry against the
// exchange, then stream prices through the engine and act on the resulting
// protection events. The HTTP API starts only when server.enabled is set.
func (a *App) GuardMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting guard mode",
		slog.Any("symbols", a.cfg.Feed.Symbols),
		slog.Bool("use_websocket", a.cfg.Feed.UseWebsocket),
		slog.Bool("sync_stop_orders", a.cfg.Guard.SyncStopOrders),
	)

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startProtection(ctx, g, deps, a.cfg.Server.Enabled); err != nil {
		return fmt.Errorf("guard mode: %w", err)
	}
	return g.Wait()
}

// MonitorMode serves the read-only API: status, closed-position history,
// audit entries, and the WebSocket hub bridging protection events published
// by a guard instance elsewhere. No exchange connection is made and no
// orders are placed.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps, serverParts{readOnly: true})
	return g.Wait()
}

// ReplayMode pulls historical klines from the exchange and replays them
// through a fresh engine against the hypothetical position described in the
// replay config, then logs every protection event and the outcome. One-shot;
// returns once the replay completes.
func (a *App) ReplayMode(ctx context.Context, deps *Dependencies) error {
	if deps.Gateway == nil {
		return fmt.Errorf("replay mode: exchange gateway required")
	}
	rcfg := a.cfg.Replay
	a.logger.InfoContext(ctx, "starting replay",
		slog.String("symbol", rcfg.Symbol),
		slog.String("interval", rcfg.Interval),
		slog.Int("candles", rcfg.Candles),
		slog.String("direction", rcfg.Direction),
		slog.String("variant", rcfg.Variant),
	)

	candles, err := deps.Gateway.Klines(ctx, rcfg.Symbol, rcfg.Interval, rcfg.Candles)
	if err != nil {
		return fmt.Errorf("replay mode: fetch klines: %w", err)
	}

	rep := replay.New(replay.Config{
		Symbol:            rcfg.Symbol,
		Direction:         domain.Direction(strings.ToUpper(rcfg.Direction)),
		Quantity:          rcfg.Quantity,
		Variant:           domain.VariantKind(strings.ToUpper(rcfg.Variant)),
		ActivationPercent: rcfg.ActivationPercent,
		CallbackPercent:   rcfg.CallbackPercent,
		ATRPeriod:         a.cfg.Estimator.ATRPeriod,
		Engine:            a.engineConfig(),
	}, a.logger)

	report, err := rep.Run(ctx, candles)
	if err != nil {
		return fmt.Errorf("replay mode: %w", err)
	}

	for _, ev := range report.Events {
		a.logger.InfoContext(ctx, "replay event",
			slog.String("event", string(ev.Kind)),
			slog.Float64("price", ev.Price),
			slog.Float64("stop_price", ev.StopPrice),
			slog.String("reason", string(ev.Reason)),
			slog.Time("timestamp", ev.Timestamp),
		)
	}
	a.logger.InfoContext(ctx, "replay finished",
		slog.String("symbol", rcfg.Symbol),
		slog.Int("candles_replayed", report.CandlesReplayed),
		slog.Float64("entry_price", report.EntryPrice),
		slog.Float64("exit_price", report.ExitPrice),
		slog.String("exit_reason", string(report.ExitReason)),
		slog.Bool("still_open", report.StillOpen),
		slog.Int("stop_moves", report.StopMoves),
		slog.Float64("pnl", report.PnL),
		slog.Float64("pnl_percent", report.PnLPercent),
	)
	return nil
}

// FullMode is guard mode with the HTTP API and WebSocket hub always on.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode",
		slog.Any("symbols", a.cfg.Feed.Symbols),
	)

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startProtection(ctx, g, deps, true); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	return g.Wait()
}

// startProtection assembles the guard stack on the given errgroup: leader
// lock, estimator bootstrap, engine, startup reconciliation, executor,
// snapshot loop, price feed, archiver, and optionally the HTTP API.
func (a *App) startProtection(ctx context.Context, g *errgroup.Group, deps *Dependencies, withServer bool) error {
	// Only one guard instance may act when replicas run behind the lock.
	if a.cfg.Guard.LeaderLock {
		if deps.LockManager == nil {
			return fmt.Errorf("guard.leader_lock requires redis.enabled")
		}
		unlock, err := deps.LockManager.Acquire(ctx, "guard:leader", leaderLockTTL)
		if err != nil {
			return fmt.Errorf("acquire leader lock: %w", err)
		}
		a.closers = append(a.closers, unlock)
	}

	est := estimator.New(estimator.Config{
		Period:           a.cfg.Estimator.ATRPeriod,
		MaxCandles:       a.cfg.Estimator.MaxCandles,
		VolatileATRRatio: a.cfg.Estimator.VolatileATRRatio,
		QuietATRRatio:    a.cfg.Estimator.QuietATRRatio,
		TrendSlope:       a.cfg.Estimator.TrendSlope,
	})
	a.bootstrapEstimator(ctx, deps.Gateway, est)

	eng := engine.New(est, a.engineConfig(), a.logger)

	events := make(chan domain.Event, a.cfg.Executor.QueueSize)
	feeder := feed.NewEngineFeeder(eng, est, events, deps.PriceCache, deps.SignalBus, a.logger)

	var snaps *snapshot.Store
	if a.cfg.Guard.SnapshotPath != "" {
		snaps = snapshot.NewStore(a.cfg.Guard.SnapshotPath, a.cfg.Guard.SnapshotMaxAge.Duration, a.logger)
	}

	// Reconciliation runs to completion before any price flows, so restored
	// state cannot race the feed.
	rec := service.NewReconciler(eng, deps.Gateway, snaps, feeder, service.ReconcileConfig{
		Symbols:           a.cfg.Feed.Symbols,
		AdoptOrphans:      a.cfg.Guard.AdoptOrphans,
		ActivationPercent: a.cfg.Engine.DefaultActivationPercent,
		CallbackPercent:   a.cfg.Engine.DefaultCallbackPercent,
	}, a.logger)
	if err := rec.Run(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	exec := executor.NewExecutor(events, eng, deps.Gateway, executor.Config{
		SyncStopOrders: a.cfg.Guard.SyncStopOrders,
		CloseRetries:   a.cfg.Executor.CloseRetries,
		RetryBackoff:   a.cfg.Executor.RetryBackoff.Duration,
	}, a.logger)
	exec.SetStores(deps.PositionStore, deps.AuditStore)
	exec.SetNotifier(deps.Notifier)
	g.Go(func() error {
		return exec.Run(ctx)
	})

	if snaps != nil {
		g.Go(func() error {
			return snaps.Run(ctx, eng, a.cfg.Guard.SnapshotInterval.Duration)
		})
	}

	a.startFeed(ctx, g, deps, feeder)

	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx)
		})
	}

	if withServer {
		risk := service.NewRiskService(eng, service.RiskConfig{
			MaxPositions:        a.cfg.Risk.MaxPositions,
			MaxExposure:         a.cfg.Risk.MaxExposure,
			MaxPositionNotional: a.cfg.Risk.MaxPositionNotional,
			DefaultRiskPercent:  a.cfg.Risk.DefaultRiskPercent,
		}, a.logger)
		a.startServer(ctx, g, deps, serverParts{
			engine:    eng,
			estimator: est,
			risk:      risk,
			feeder:    feeder,
		})
	}

	return nil
}

// bootstrapEstimator seeds each symbol's candle window from exchange history
// so ATR readings exist before the stream produces its first closed bar.
// Failures degrade the ATR variant to its percentage fallback rather than
// blocking startup.
func (a *App) bootstrapEstimator(ctx context.Context, gateway domain.OrderGateway, est *estimator.Estimator) {
	limit := a.cfg.Estimator.BootstrapKlines
	if gateway == nil || limit <= 0 {
		return
	}
	for _, symbol := range a.cfg.Feed.Symbols {
		candles, err := gateway.Klines(ctx, symbol, a.cfg.Feed.KlineInterval, limit)
		if err != nil {
			a.logger.WarnContext(ctx, "estimator bootstrap failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
			continue
		}
		est.SetWindow(symbol, candles)
		a.logger.DebugContext(ctx, "estimator bootstrapped",
			slog.String("symbol", symbol),
			slog.Int("candles", len(candles)),
		)
	}
}

// startFeed starts the websocket stream or the REST poller per config.
func (a *App) startFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies, feeder *feed.EngineFeeder) {
	if a.cfg.Feed.UseWebsocket {
		wsFeed := feed.NewBinanceWS(
			a.cfg.Exchange.WSURL,
			a.cfg.Feed.Symbols,
			a.cfg.Feed.KlineInterval,
			feeder.PriceHandler("websocket"),
			feeder.CandleHandler(),
			a.logger,
		)
		g.Go(func() error {
			defer wsFeed.Close()
			return wsFeed.Run(ctx)
		})
		return
	}

	poller := feed.NewPoller(
		deps.Gateway,
		a.cfg.Feed.Symbols,
		a.cfg.Feed.PollInterval.Duration,
		feeder.PriceHandler("poller"),
		a.logger,
	)
	g.Go(func() error {
		return poller.Run(ctx)
	})
}

// serverParts carries the mode-specific collaborators for the HTTP API.
// Zero-value fields are legal: monitor mode runs no engine and registers
// only the read-side handlers.
type serverParts struct {
	engine    *engine.Engine
	estimator *estimator.Estimator
	risk      *service.RiskService
	feeder    *feed.EngineFeeder
	readOnly  bool
}

// noProtection is the status source for modes that run no engine.
type noProtection struct{}

func (noProtection) ActiveCount() int  { return 0 }
func (noProtection) Symbols() []string { return nil }

// startServer builds the REST handler set and the WebSocket hub and runs the
// HTTP server on the errgroup, shutting it down when the context ends.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, parts serverParts) {
	startedAt := time.Now().UTC()

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(a.logger),
	}
	if parts.engine != nil {
		handlers.Status = handler.NewStatusHandler(a.cfg.Mode, startedAt, parts.engine)
		handlers.Positions = handler.NewPositionHandler(parts.engine, parts.risk, deps.PositionStore, parts.feeder, a.logger)
	} else {
		handlers.Status = handler.NewStatusHandler(a.cfg.Mode, startedAt, noProtection{})
	}
	if parts.estimator != nil {
		handlers.Volatility = handler.NewVolatilityHandler(parts.estimator, a.logger)
	}
	if deps.PositionStore != nil {
		handlers.History = handler.NewHistoryHandler(deps.PositionStore, a.logger)
	}
	if deps.AuditStore != nil {
		handlers.Audit = handler.NewAuditHandler(deps.AuditStore, a.logger)
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		activeCount := func() int { return 0 }
		if parts.engine != nil {
			activeCount = parts.engine.ActiveCount
		}
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:        a.cfg.Mode,
			StartedAt:   startedAt,
			ActiveCount: activeCount,
		})
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimitPerMin: a.cfg.Server.RateLimitPerMin,
		ReadOnly:        parts.readOnly,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// engineConfig maps the TOML engine section onto the engine's config,
// translating regime names to domain regimes. Zero values fall back to the
// engine defaults.
func (a *App) engineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	if a.cfg.Engine.DefaultActivationPercent > 0 {
		cfg.DefaultActivationPercent = a.cfg.Engine.DefaultActivationPercent
	}
	if a.cfg.Engine.DefaultCallbackPercent > 0 {
		cfg.DefaultCallbackPercent = a.cfg.Engine.DefaultCallbackPercent
	}
	cfg.RegimeAdaptive = a.cfg.Engine.RegimeAdaptive
	if len(a.cfg.Engine.RegimeScale) > 0 {
		scale := make(map[domain.Regime]float64, len(a.cfg.Engine.RegimeScale))
		for name, factor := range a.cfg.Engine.RegimeScale {
			scale[domain.Regime(strings.ToUpper(name))] = factor
		}
		cfg.RegimeScale = scale
	}
	return cfg
}
