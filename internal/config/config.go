// Package config defines the top-level configuration for the trailing-stop
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRAILBOT_* environment variables.
type Config struct {
	Engine    EngineConfig    `toml:"engine"`
	Estimator EstimatorConfig `toml:"estimator"`
	Exchange  ExchangeConfig  `toml:"exchange"`
	Feed      FeedConfig      `toml:"feed"`
	Guard     GuardConfig     `toml:"guard"`
	Risk      RiskConfig      `toml:"risk"`
	Executor  ExecutorConfig  `toml:"executor"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Replay    ReplayConfig    `toml:"replay"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// EngineConfig holds engine-wide trailing parameters.
type EngineConfig struct {
	// DefaultActivationPercent / DefaultCallbackPercent back the ATR
	// variant's percentage fallback when no volatility reading exists.
	DefaultActivationPercent float64 `toml:"default_activation_percent"`
	DefaultCallbackPercent   float64 `toml:"default_callback_percent"`
	// RegimeAdaptive scales callbacks by the per-regime factors below.
	RegimeAdaptive bool               `toml:"regime_adaptive"`
	RegimeScale    map[string]float64 `toml:"regime_scale"`
}

// EstimatorConfig holds the volatility estimator parameters.
type EstimatorConfig struct {
	ATRPeriod        int     `toml:"atr_period"`
	MaxCandles       int     `toml:"max_candles"`
	VolatileATRRatio float64 `toml:"volatile_atr_ratio"`
	QuietATRRatio    float64 `toml:"quiet_atr_ratio"`
	TrendSlope       float64 `toml:"trend_slope"`
	// BootstrapKlines is how many historical candles to pull per symbol at
	// startup so ATR is available before the stream warms up.
	BootstrapKlines int `toml:"bootstrap_klines"`
}

// ExchangeConfig holds futures exchange REST/WS endpoints and credentials.
type ExchangeConfig struct {
	BaseURL          string `toml:"base_url"`
	WSURL            string `toml:"ws_url"`
	APIKey           string `toml:"api_key"`
	APISecret        string `toml:"api_secret"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	RecvWindowMS     int    `toml:"recv_window_ms"`
}

// FeedConfig holds price feed parameters.
type FeedConfig struct {
	Symbols []string `toml:"symbols"`
	// UseWebsocket selects the streaming feed; when false the REST poller
	// runs instead.
	UseWebsocket  bool     `toml:"use_websocket"`
	PollInterval  duration `toml:"poll_interval"`
	KlineInterval string   `toml:"kline_interval"`
}

// GuardConfig holds live-protection parameters: snapshot persistence,
// exchange-stop mirroring, and startup reconciliation.
type GuardConfig struct {
	SnapshotPath     string   `toml:"snapshot_path"`
	SnapshotInterval duration `toml:"snapshot_interval"`
	// SnapshotMaxAge is the staleness bound beyond which a snapshot is
	// discarded at startup and positions are reconciled from the exchange.
	SnapshotMaxAge duration `toml:"snapshot_max_age"`
	// SyncStopOrders mirrors every adopted trailing stop as a reduce-only
	// stop order on the exchange.
	SyncStopOrders bool `toml:"sync_stop_orders"`
	// AdoptOrphans registers exchange positions that have no registry entry
	// after a restart.
	AdoptOrphans bool `toml:"adopt_orphans"`
	// LeaderLock takes a Redis lock so only one guard instance acts.
	LeaderLock bool `toml:"leader_lock"`
}

// RiskConfig holds pre-registration limits.
type RiskConfig struct {
	MaxPositions        int     `toml:"max_positions"`
	MaxExposure         float64 `toml:"max_exposure"`
	MaxPositionNotional float64 `toml:"max_position_notional"`
	DefaultRiskPercent  float64 `toml:"default_risk_percent"`
}

// ExecutorConfig holds event-executor parameters.
type ExecutorConfig struct {
	QueueSize    int      `toml:"queue_size"`
	CloseRetries int      `toml:"close_retries"`
	RetryBackoff duration `toml:"retry_backoff"`
}

// PostgresConfig holds PostgreSQL connection parameters for position history
// and the audit log.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters for the price cache, signal
// bus, leader lock, and rate limiter.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for archival.
type S3Config struct {
	Enabled         bool     `toml:"enabled"`
	Endpoint        string   `toml:"endpoint"`
	Region          string   `toml:"region"`
	Bucket          string   `toml:"bucket"`
	AccessKey       string   `toml:"access_key"`
	SecretKey       string   `toml:"secret_key"`
	UseSSL          bool     `toml:"use_ssl"`
	ForcePathStyle  bool     `toml:"force_path_style"`
	Prefix          string   `toml:"prefix"`
	ArchiveInterval duration `toml:"archive_interval"`
	RetentionDays   int      `toml:"retention_days"`
}

// ServerConfig holds HTTP status API parameters.
type ServerConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
	// APIKey guards mutating endpoints when set.
	APIKey          string   `toml:"api_key"`
	CORSOrigins     []string `toml:"cors_origins"`
	RateLimitPerMin int      `toml:"rate_limit_per_min"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ReplayConfig describes the hypothetical position replayed against
// historical klines in replay mode.
type ReplayConfig struct {
	Symbol            string  `toml:"symbol"`
	Interval          string  `toml:"interval"`
	Candles           int     `toml:"candles"`
	Direction         string  `toml:"direction"`
	Quantity          float64 `toml:"quantity"`
	Variant           string  `toml:"variant"`
	ActivationPercent float64 `toml:"activation_percent"`
	CallbackPercent   float64 `toml:"callback_percent"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			DefaultActivationPercent: 1.0,
			DefaultCallbackPercent:   0.5,
			RegimeAdaptive:           false,
			RegimeScale: map[string]float64{
				"VOLATILE": 1.5,
				"TRENDING": 1.0,
				"RANGING":  0.8,
				"QUIET":    0.6,
			},
		},
		Estimator: EstimatorConfig{
			ATRPeriod:        14,
			MaxCandles:       120,
			VolatileATRRatio: 0.02,
			QuietATRRatio:    0.005,
			TrendSlope:       0.002,
			BootstrapKlines:  60,
		},
		Exchange: ExchangeConfig{
			BaseURL:      "https://fapi.binance.com",
			WSURL:        "wss://fstream.binance.com",
			RecvWindowMS: 5000,
		},
		Feed: FeedConfig{
			Symbols:       []string{},
			UseWebsocket:  true,
			PollInterval:  duration{30 * time.Second},
			KlineInterval: "1m",
		},
		Guard: GuardConfig{
			SnapshotPath:     "data/positions.json",
			SnapshotInterval: duration{30 * time.Second},
			SnapshotMaxAge:   duration{10 * time.Minute},
			SyncStopOrders:   false,
			AdoptOrphans:     false,
			LeaderLock:       false,
		},
		Risk: RiskConfig{
			MaxPositions:        10,
			MaxExposure:         100_000,
			MaxPositionNotional: 25_000,
			DefaultRiskPercent:  1.0,
		},
		Executor: ExecutorConfig{
			QueueSize:    256,
			CloseRetries: 3,
			RetryBackoff: duration{500 * time.Millisecond},
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "trailbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Enabled:         false,
			Endpoint:        "http://localhost:9000",
			Region:          "us-east-1",
			Bucket:          "trailbot-data",
			UseSSL:          false,
			ForcePathStyle:  true,
			Prefix:          "archive",
			ArchiveInterval: duration{24 * time.Hour},
			RetentionDays:   90,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8080,
			CORSOrigins:     []string{"http://localhost:3000"},
			RateLimitPerMin: 120,
		},
		Notify: NotifyConfig{
			Events: []string{"trailing_activated", "partial_take_profit", "position_closed", "error"},
		},
		Replay: ReplayConfig{
			Symbol:            "BTCUSDT",
			Interval:          "1m",
			Candles:           500,
			Direction:         "LONG",
			Quantity:          1.0,
			Variant:           "PERCENTAGE",
			ActivationPercent: 1.0,
			CallbackPercent:   0.5,
		},
		Mode:     "guard",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"guard":   true,
	"monitor": true,
	"replay":  true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// NeedsExchange reports whether the configured mode talks to the exchange.
func (c *Config) NeedsExchange() bool {
	m := strings.ToLower(c.Mode)
	return m == "guard" || m == "replay" || m == "full"
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: guard, monitor, replay, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if c.Engine.DefaultActivationPercent <= 0 {
		errs = append(errs, "engine: default_activation_percent must be > 0")
	}
	if c.Engine.DefaultCallbackPercent <= 0 || c.Engine.DefaultCallbackPercent >= 100 {
		errs = append(errs, "engine: default_callback_percent must be in (0, 100)")
	}
	for regime, scale := range c.Engine.RegimeScale {
		if scale <= 0 {
			errs = append(errs, fmt.Sprintf("engine: regime_scale[%s] must be > 0", regime))
		}
	}

	// Estimator
	if c.Estimator.ATRPeriod < 2 {
		errs = append(errs, "estimator: atr_period must be >= 2")
	}
	if c.Estimator.MaxCandles <= c.Estimator.ATRPeriod {
		errs = append(errs, "estimator: max_candles must exceed atr_period")
	}
	if c.Estimator.QuietATRRatio >= c.Estimator.VolatileATRRatio {
		errs = append(errs, "estimator: quiet_atr_ratio must be below volatile_atr_ratio")
	}

	// Exchange. Credentials are required for modes that place orders.
	guardLike := strings.ToLower(c.Mode) == "guard" || strings.ToLower(c.Mode) == "full"
	if c.NeedsExchange() {
		if c.Exchange.BaseURL == "" {
			errs = append(errs, "exchange: base_url must not be empty")
		}
	}
	if guardLike {
		if c.Exchange.APIKey == "" && c.Exchange.EncryptedKeyPath == "" {
			errs = append(errs, "exchange: either api_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Exchange.APIKey != "" && c.Exchange.APISecret == "" {
			errs = append(errs, "exchange: api_secret is required when api_key is set")
		}
		if c.Exchange.EncryptedKeyPath != "" && c.Exchange.KeyPassword == "" {
			errs = append(errs, "exchange: key_password is required when encrypted_key_path is set")
		}
		if c.Feed.UseWebsocket && c.Exchange.WSURL == "" {
			errs = append(errs, "exchange: ws_url must not be empty when feed.use_websocket is set")
		}
	}
	if c.Exchange.RecvWindowMS <= 0 {
		errs = append(errs, "exchange: recv_window_ms must be > 0")
	}

	// Feed
	if guardLike && len(c.Feed.Symbols) == 0 {
		errs = append(errs, "feed: at least one symbol is required for mode "+c.Mode)
	}
	if !c.Feed.UseWebsocket && c.Feed.PollInterval.Duration <= 0 {
		errs = append(errs, "feed: poll_interval must be > 0 when polling")
	}

	// Guard
	if guardLike {
		if c.Guard.SnapshotPath == "" {
			errs = append(errs, "guard: snapshot_path must not be empty")
		}
		if c.Guard.SnapshotInterval.Duration <= 0 {
			errs = append(errs, "guard: snapshot_interval must be > 0")
		}
		if c.Guard.SnapshotMaxAge.Duration <= 0 {
			errs = append(errs, "guard: snapshot_max_age must be > 0")
		}
		if c.Guard.LeaderLock && !c.Redis.Enabled {
			errs = append(errs, "guard: leader_lock requires redis.enabled")
		}
	}

	// Risk
	if c.Risk.MaxPositions < 1 {
		errs = append(errs, "risk: max_positions must be >= 1")
	}
	if c.Risk.MaxExposure <= 0 {
		errs = append(errs, "risk: max_exposure must be > 0")
	}
	if c.Risk.MaxPositionNotional <= 0 {
		errs = append(errs, "risk: max_position_notional must be > 0")
	}
	if c.Risk.DefaultRiskPercent <= 0 || c.Risk.DefaultRiskPercent > 100 {
		errs = append(errs, "risk: default_risk_percent must be in (0, 100]")
	}

	// Executor
	if c.Executor.QueueSize < 1 {
		errs = append(errs, "executor: queue_size must be >= 1")
	}
	if c.Executor.CloseRetries < 1 {
		errs = append(errs, "executor: close_retries must be >= 1")
	}
	if c.Executor.RetryBackoff.Duration <= 0 {
		errs = append(errs, "executor: retry_backoff must be > 0")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.RetentionDays < 1 {
			errs = append(errs, "s3: retention_days must be >= 1")
		}
		if c.S3.ArchiveInterval.Duration <= 0 {
			errs = append(errs, "s3: archive_interval must be > 0")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimitPerMin < 0 {
			errs = append(errs, "server: rate_limit_per_min must be >= 0")
		}
	}

	// Replay
	if strings.ToLower(c.Mode) == "replay" {
		if c.Replay.Symbol == "" {
			errs = append(errs, "replay: symbol must not be empty")
		}
		if c.Replay.Candles <= c.Estimator.ATRPeriod {
			errs = append(errs, "replay: candles must exceed estimator.atr_period")
		}
		if d := strings.ToUpper(c.Replay.Direction); d != "LONG" && d != "SHORT" {
			errs = append(errs, fmt.Sprintf("replay: direction must be LONG or SHORT, got %q", c.Replay.Direction))
		}
		if c.Replay.Quantity <= 0 {
			errs = append(errs, "replay: quantity must be > 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
