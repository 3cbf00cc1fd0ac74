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
// built-in defaults, applies LEVERBOT_* environment variable overrides, and
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

// applyEnvOverrides reads well-known LEVERBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "LEVERBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "LEVERBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LEVERBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LEVERBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LEVERBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LEVERBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LEVERBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "LEVERBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LEVERBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LEVERBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "LEVERBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LEVERBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LEVERBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LEVERBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LEVERBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LEVERBOT_REDIS_TLS_ENABLED")

	// ── Exchange ──
	setStr(&cfg.Exchange.BaseURL, "LEVERBOT_EXCHANGE_BASE_URL")
	setStr(&cfg.Exchange.APIKey, "LEVERBOT_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.APISecret, "LEVERBOT_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.EncryptedCredsPath, "LEVERBOT_EXCHANGE_ENCRYPTED_CREDS_PATH")
	setStr(&cfg.Exchange.CredsPassword, "LEVERBOT_EXCHANGE_CREDS_PASSWORD")
	setInt64(&cfg.Exchange.RecvWindowMs, "LEVERBOT_EXCHANGE_RECV_WINDOW_MS")
	setFloat64(&cfg.Exchange.PaperBalance, "LEVERBOT_EXCHANGE_PAPER_BALANCE")
	setInt(&cfg.Exchange.PaperLeverage, "LEVERBOT_EXCHANGE_PAPER_LEVERAGE")

	// ── Oracle ──
	setDuration(&cfg.Oracle.LookupTimeout, "LEVERBOT_ORACLE_LOOKUP_TIMEOUT")
	setDuration(&cfg.Oracle.TTLMin, "LEVERBOT_ORACLE_TTL_MIN")
	setDuration(&cfg.Oracle.TTLMax, "LEVERBOT_ORACLE_TTL_MAX")
	setDuration(&cfg.Oracle.TTLBase, "LEVERBOT_ORACLE_TTL_BASE")
	setFloat64(&cfg.Oracle.VolatilityThreshold, "LEVERBOT_ORACLE_VOLATILITY_THRESHOLD")
	setInt(&cfg.Oracle.BreakerFailureThreshold, "LEVERBOT_ORACLE_BREAKER_FAILURE_THRESHOLD")
	setDuration(&cfg.Oracle.BreakerRecoveryTimeout, "LEVERBOT_ORACLE_BREAKER_RECOVERY_TIMEOUT")
	setInt(&cfg.Oracle.BreakerSuccessThreshold, "LEVERBOT_ORACLE_BREAKER_SUCCESS_THRESHOLD")
	setBool(&cfg.Oracle.Binance.Enabled, "LEVERBOT_ORACLE_BINANCE_ENABLED")
	setStr(&cfg.Oracle.Binance.BaseURL, "LEVERBOT_ORACLE_BINANCE_BASE_URL")
	setBool(&cfg.Oracle.CoinGecko.Enabled, "LEVERBOT_ORACLE_COINGECKO_ENABLED")
	setStr(&cfg.Oracle.CoinGecko.BaseURL, "LEVERBOT_ORACLE_COINGECKO_BASE_URL")
	setStr(&cfg.Oracle.CoinGecko.APIKey, "LEVERBOT_ORACLE_COINGECKO_API_KEY")
	setBool(&cfg.Oracle.CryptoCompare.Enabled, "LEVERBOT_ORACLE_CRYPTOCOMPARE_ENABLED")
	setStr(&cfg.Oracle.CryptoCompare.BaseURL, "LEVERBOT_ORACLE_CRYPTOCOMPARE_BASE_URL")
	setStr(&cfg.Oracle.CryptoCompare.APIKey, "LEVERBOT_ORACLE_CRYPTOCOMPARE_API_KEY")

	// ── Engine ──
	setDuration(&cfg.Engine.SweepInterval, "LEVERBOT_ENGINE_SWEEP_INTERVAL")
	setInt(&cfg.Engine.OwnerConcurrency, "LEVERBOT_ENGINE_OWNER_CONCURRENCY")
	setDuration(&cfg.Engine.ReconcileInterval, "LEVERBOT_ENGINE_RECONCILE_INTERVAL")
	setDuration(&cfg.Engine.LockTTL, "LEVERBOT_ENGINE_LOCK_TTL")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "LEVERBOT_FEED_ENABLED")
	setStr(&cfg.Feed.WsURL, "LEVERBOT_FEED_WS_URL")
	setStringSlice(&cfg.Feed.Symbols, "LEVERBOT_FEED_SYMBOLS")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "LEVERBOT_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Endpoint, "LEVERBOT_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Region, "LEVERBOT_ARCHIVE_REGION")
	setStr(&cfg.Archive.Bucket, "LEVERBOT_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.AccessKey, "LEVERBOT_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "LEVERBOT_ARCHIVE_SECRET_KEY")
	setBool(&cfg.Archive.UseSSL, "LEVERBOT_ARCHIVE_USE_SSL")
	setBool(&cfg.Archive.ForcePathStyle, "LEVERBOT_ARCHIVE_FORCE_PATH_STYLE")
	setDuration(&cfg.Archive.Interval, "LEVERBOT_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "LEVERBOT_ARCHIVE_RETENTION_DAYS")
	setBool(&cfg.Archive.Prune, "LEVERBOT_ARCHIVE_PRUNE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LEVERBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LEVERBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LEVERBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LEVERBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "LEVERBOT_MODE")
	setStr(&cfg.LogLevel, "LEVERBOT_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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
