package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRAILBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TRAILBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setFloat64(&cfg.Engine.DefaultActivationPercent, "TRAILBOT_ENGINE_DEFAULT_ACTIVATION_PERCENT")
	setFloat64(&cfg.Engine.DefaultCallbackPercent, "TRAILBOT_ENGINE_DEFAULT_CALLBACK_PERCENT")
	setBool(&cfg.Engine.RegimeAdaptive, "TRAILBOT_ENGINE_REGIME_ADAPTIVE")

	// ── Estimator ──
	setInt(&cfg.Estimator.ATRPeriod, "TRAILBOT_ESTIMATOR_ATR_PERIOD")
	setInt(&cfg.Estimator.MaxCandles, "TRAILBOT_ESTIMATOR_MAX_CANDLES")
	setFloat64(&cfg.Estimator.VolatileATRRatio, "TRAILBOT_ESTIMATOR_VOLATILE_ATR_RATIO")
	setFloat64(&cfg.Estimator.QuietATRRatio, "TRAILBOT_ESTIMATOR_QUIET_ATR_RATIO")
	setFloat64(&cfg.Estimator.TrendSlope, "TRAILBOT_ESTIMATOR_TREND_SLOPE")
	setInt(&cfg.Estimator.BootstrapKlines, "TRAILBOT_ESTIMATOR_BOOTSTRAP_KLINES")

	// ── Exchange ──
	setStr(&cfg.Exchange.BaseURL, "TRAILBOT_EXCHANGE_BASE_URL")
	setStr(&cfg.Exchange.WSURL, "TRAILBOT_EXCHANGE_WS_URL")
	setStr(&cfg.Exchange.APIKey, "TRAILBOT_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.APISecret, "TRAILBOT_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.EncryptedKeyPath, "TRAILBOT_EXCHANGE_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Exchange.KeyPassword, "TRAILBOT_EXCHANGE_KEY_PASSWORD")
	setInt(&cfg.Exchange.RecvWindowMS, "TRAILBOT_EXCHANGE_RECV_WINDOW_MS")

	// ── Feed ──
	setStringSlice(&cfg.Feed.Symbols, "TRAILBOT_FEED_SYMBOLS")
	setBool(&cfg.Feed.UseWebsocket, "TRAILBOT_FEED_USE_WEBSOCKET")
	setDuration(&cfg.Feed.PollInterval, "TRAILBOT_FEED_POLL_INTERVAL")
	setStr(&cfg.Feed.KlineInterval, "TRAILBOT_FEED_KLINE_INTERVAL")

	// ── Guard ──
	setStr(&cfg.Guard.SnapshotPath, "TRAILBOT_GUARD_SNAPSHOT_PATH")
	setDuration(&cfg.Guard.SnapshotInterval, "TRAILBOT_GUARD_SNAPSHOT_INTERVAL")
	setDuration(&cfg.Guard.SnapshotMaxAge, "TRAILBOT_GUARD_SNAPSHOT_MAX_AGE")
	setBool(&cfg.Guard.SyncStopOrders, "TRAILBOT_GUARD_SYNC_STOP_ORDERS")
	setBool(&cfg.Guard.AdoptOrphans, "TRAILBOT_GUARD_ADOPT_ORPHANS")
	setBool(&cfg.Guard.LeaderLock, "TRAILBOT_GUARD_LEADER_LOCK")

	// ── Risk ──
	setInt(&cfg.Risk.MaxPositions, "TRAILBOT_RISK_MAX_POSITIONS")
	setFloat64(&cfg.Risk.MaxExposure, "TRAILBOT_RISK_MAX_EXPOSURE")
	setFloat64(&cfg.Risk.MaxPositionNotional, "TRAILBOT_RISK_MAX_POSITION_NOTIONAL")
	setFloat64(&cfg.Risk.DefaultRiskPercent, "TRAILBOT_RISK_DEFAULT_RISK_PERCENT")

	// ── Executor ──
	setInt(&cfg.Executor.QueueSize, "TRAILBOT_EXECUTOR_QUEUE_SIZE")
	setInt(&cfg.Executor.CloseRetries, "TRAILBOT_EXECUTOR_CLOSE_RETRIES")
	setDuration(&cfg.Executor.RetryBackoff, "TRAILBOT_EXECUTOR_RETRY_BACKOFF")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "TRAILBOT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "TRAILBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "TRAILBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TRAILBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TRAILBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TRAILBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TRAILBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TRAILBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TRAILBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TRAILBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TRAILBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "TRAILBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TRAILBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRAILBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRAILBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRAILBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRAILBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRAILBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "TRAILBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TRAILBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRAILBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRAILBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRAILBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRAILBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TRAILBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TRAILBOT_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "TRAILBOT_S3_PREFIX")
	setDuration(&cfg.S3.ArchiveInterval, "TRAILBOT_S3_ARCHIVE_INTERVAL")
	setInt(&cfg.S3.RetentionDays, "TRAILBOT_S3_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TRAILBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TRAILBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "TRAILBOT_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "TRAILBOT_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimitPerMin, "TRAILBOT_SERVER_RATE_LIMIT_PER_MIN")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRAILBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRAILBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRAILBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRAILBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TRAILBOT_MODE")
	setStr(&cfg.LogLevel, "TRAILBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
