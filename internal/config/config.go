// Package config defines the top-level configuration for the trading engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by LEVERBOT_* environment
// variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Exchange ExchangeConfig `toml:"exchange"`
	Oracle   OracleConfig   `toml:"oracle"`
	Engine   EngineConfig   `toml:"engine"`
	Feed     FeedConfig     `toml:"feed"`
	Archive  ArchiveConfig  `toml:"archive"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`

	// Namespace prefixes every Redis key and channel.
	Namespace string `toml:"namespace"`
}

// ExchangeConfig selects and credentials the exchange client.
type ExchangeConfig struct {
	BaseURL string `toml:"base_url"`

	// Plain credentials, or a file produced by the credential encryptor.
	APIKey             string `toml:"api_key"`
	APISecret          string `toml:"api_secret"`
	EncryptedCredsPath string `toml:"encrypted_creds_path"`
	CredsPassword      string `toml:"creds_password"`

	RecvWindowMs int64 `toml:"recv_window_ms"`

	// Paper-mode account shape.
	PaperBalance  float64 `toml:"paper_balance"`
	PaperLeverage int     `toml:"paper_leverage"`
}

// ProviderConfig holds one REST price provider's endpoint and key.
type ProviderConfig struct {
	Enabled bool   `toml:"enabled"`
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
}

// OracleConfig tunes price lookup, caching, and failover.
type OracleConfig struct {
	LookupTimeout duration `toml:"lookup_timeout"`

	// Cache TTL bounds; the effective TTL adapts to observed volatility.
	TTLMin              duration `toml:"ttl_min"`
	TTLMax              duration `toml:"ttl_max"`
	TTLBase             duration `toml:"ttl_base"`
	VolatilityThreshold float64  `toml:"volatility_threshold"`

	// Circuit breaker settings shared by the exchange and all providers.
	BreakerFailureThreshold int      `toml:"breaker_failure_threshold"`
	BreakerRecoveryTimeout  duration `toml:"breaker_recovery_timeout"`
	BreakerSuccessThreshold int      `toml:"breaker_success_threshold"`

	Binance       ProviderConfig `toml:"binance"`
	CoinGecko     ProviderConfig `toml:"coingecko"`
	CryptoCompare ProviderConfig `toml:"cryptocompare"`
}

// EngineConfig tunes the evaluation sweep.
type EngineConfig struct {
	SweepInterval     duration `toml:"sweep_interval"`
	OwnerConcurrency  int      `toml:"owner_concurrency"`
	ReconcileInterval duration `toml:"reconcile_interval"`
	LockTTL           duration `toml:"lock_ttl"`
}

// FeedConfig configures the live price stream.
type FeedConfig struct {
	Enabled bool     `toml:"enabled"`
	WsURL   string   `toml:"ws_url"`
	Symbols []string `toml:"symbols"`
}

// ArchiveConfig configures cold-position archival to object storage.
type ArchiveConfig struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
	Interval       duration `toml:"interval"`
	RetentionDays  int      `toml:"retention_days"`
	Prune          bool     `toml:"prune"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration for TOML decoding of strings like "5m".
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
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "leverbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
			Namespace:  "leverbot",
		},
		Exchange: ExchangeConfig{
			RecvWindowMs:  5000,
			PaperBalance:  10_000,
			PaperLeverage: 10,
		},
		Oracle: OracleConfig{
			LookupTimeout:           duration{5 * time.Second},
			TTLMin:                  duration{2 * time.Second},
			TTLMax:                  duration{60 * time.Second},
			TTLBase:                 duration{10 * time.Second},
			VolatilityThreshold:     2.0,
			BreakerFailureThreshold: 5,
			BreakerRecoveryTimeout:  duration{30 * time.Second},
			BreakerSuccessThreshold: 2,
			Binance:                 ProviderConfig{Enabled: true},
			CoinGecko:               ProviderConfig{Enabled: true},
			CryptoCompare:           ProviderConfig{Enabled: false},
		},
		Engine: EngineConfig{
			SweepInterval:     duration{3 * time.Second},
			OwnerConcurrency:  8,
			ReconcileInterval: duration{30 * time.Second},
			LockTTL:           duration{15 * time.Second},
		},
		Feed: FeedConfig{
			Enabled: true,
			WsURL:   "wss://stream.binance.com:9443/ws",
		},
		Archive: ArchiveConfig{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "leverbot-data",
			UseSSL:         false,
			ForcePathStyle: true,
			Interval:       duration{24 * time.Hour},
			RetentionDays:  90,
			Prune:          false,
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "position_closed", "partial_close", "reconcile_issue"},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":    true,
	"paper":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, paper, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchange credentials are mandatory in live mode.
	if strings.ToLower(c.Mode) == "live" {
		hasPlain := c.Exchange.APIKey != "" && c.Exchange.APISecret != ""
		hasFile := c.Exchange.EncryptedCredsPath != ""
		if !hasPlain && !hasFile {
			errs = append(errs, "exchange: api_key/api_secret or encrypted_creds_path must be set for live mode")
		}
		if hasFile && c.Exchange.CredsPassword == "" {
			errs = append(errs, "exchange: creds_password is required when encrypted_creds_path is set")
		}
	}
	if c.Exchange.RecvWindowMs < 0 {
		errs = append(errs, "exchange: recv_window_ms must be >= 0")
	}
	if c.Exchange.PaperBalance <= 0 {
		errs = append(errs, "exchange: paper_balance must be > 0")
	}

	// Postgres
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

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Oracle
	if c.Oracle.TTLMin.Duration <= 0 {
		errs = append(errs, "oracle: ttl_min must be > 0")
	}
	if c.Oracle.TTLMax.Duration < c.Oracle.TTLMin.Duration {
		errs = append(errs, "oracle: ttl_max must be >= ttl_min")
	}
	if c.Oracle.TTLBase.Duration < c.Oracle.TTLMin.Duration || c.Oracle.TTLBase.Duration > c.Oracle.TTLMax.Duration {
		errs = append(errs, "oracle: ttl_base must lie between ttl_min and ttl_max")
	}
	if c.Oracle.VolatilityThreshold <= 0 {
		errs = append(errs, "oracle: volatility_threshold must be > 0")
	}
	if c.Oracle.BreakerFailureThreshold < 1 {
		errs = append(errs, "oracle: breaker_failure_threshold must be >= 1")
	}
	if c.Oracle.BreakerSuccessThreshold < 1 {
		errs = append(errs, "oracle: breaker_success_threshold must be >= 1")
	}
	if c.Oracle.BreakerRecoveryTimeout.Duration <= 0 {
		errs = append(errs, "oracle: breaker_recovery_timeout must be > 0")
	}

	// Engine
	if c.Engine.SweepInterval.Duration <= 0 {
		errs = append(errs, "engine: sweep_interval must be > 0")
	}
	if c.Engine.OwnerConcurrency < 1 {
		errs = append(errs, "engine: owner_concurrency must be >= 1")
	}
	if c.Engine.LockTTL.Duration <= 0 {
		errs = append(errs, "engine: lock_ttl must be > 0")
	}

	// Feed
	if c.Feed.Enabled && c.Feed.WsURL == "" {
		errs = append(errs, "feed: ws_url must not be empty when enabled")
	}

	// Archive
	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			errs = append(errs, "archive: bucket must not be empty when enabled")
		}
		if c.Archive.Region == "" {
			errs = append(errs, "archive: region must not be empty when enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
