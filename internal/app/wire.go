package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "trailbot/internal/blob/s3"
	"trailbot/internal/cache/redis"
	"trailbot/internal/config"
	"trailbot/internal/crypto"
	"trailbot/internal/domain"
	"trailbot/internal/notify"
	"trailbot/internal/platform/binance"
	"trailbot/internal/store/postgres"
)

// Dependencies bundles every external collaborator the run modes need. It is
// constructed by Wire and torn down by the returned cleanup function. Fields
// stay nil when the corresponding backend is disabled in config; the modes
// degrade gracefully around missing optional pieces.
type Dependencies struct {
	// Gateway is the exchange REST client. Nil in monitor mode.
	Gateway domain.OrderGateway

	// Stores (nil unless postgres.enabled).
	PositionStore domain.PositionStore
	AuditStore    domain.AuditStore

	// Caches (nil unless redis.enabled).
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage (nil unless s3.enabled).
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.ArchiveImpl

	// Notifications. Always non-nil; with no senders configured it logs only.
	Notifier *notify.Notifier
}

// Wire constructs the concrete dependency implementations from config and
// returns them with a cleanup function releasing resources in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Exchange gateway (modes that talk to the exchange) ---
	if cfg.NeedsExchange() {
		creds, err := crypto.LoadCredentials(crypto.CredentialConfig{
			APIKey:        cfg.Exchange.APIKey,
			APISecret:     cfg.Exchange.APISecret,
			EncryptedPath: cfg.Exchange.EncryptedKeyPath,
			Password:      cfg.Exchange.KeyPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: exchange credentials: %w", err)
		}
		signer := &crypto.Signer{Key: creds.APIKey, Secret: creds.APISecret}
		deps.Gateway = binance.NewClient(cfg.Exchange.BaseURL, signer, cfg.Exchange.RecvWindowMS)
	}

	// --- PostgreSQL (position history + audit log) ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	}

	// --- Redis (price cache, signal bus, leader lock, rate limiter) ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)

		// Throttle signed exchange calls through the shared limiter so a
		// burst of protective closes cannot trip the exchange request caps.
		if bc, ok := deps.Gateway.(*binance.Client); ok && bc != nil {
			bc.SetRateLimiter(deps.RateLimiter)
		}
	}

	// --- S3-compatible blob storage (archival) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)

		// Archiver needs the Postgres stores as its sources.
		if deps.PositionStore != nil && deps.AuditStore != nil {
			deps.Archiver = s3blob.NewArchiver(
				deps.BlobWriter,
				deps.PositionStore,
				deps.AuditStore,
				deps.AuditStore,
				s3blob.ArchiverConfig{
					Interval:      cfg.S3.ArchiveInterval.Duration,
					RetentionDays: cfg.S3.RetentionDays,
					SnapshotPath:  cfg.Guard.SnapshotPath,
				},
				logger,
			)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
