package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/mkarlsen/leverbot/internal/blob/s3"
	"github.com/mkarlsen/leverbot/internal/breaker"
	cacheredis "github.com/mkarlsen/leverbot/internal/cache/redis"
	"github.com/mkarlsen/leverbot/internal/config"
	"github.com/mkarlsen/leverbot/internal/crypto"
	"github.com/mkarlsen/leverbot/internal/domain"
	"github.com/mkarlsen/leverbot/internal/engine"
	"github.com/mkarlsen/leverbot/internal/exchange"
	"github.com/mkarlsen/leverbot/internal/feed"
	"github.com/mkarlsen/leverbot/internal/notify"
	"github.com/mkarlsen/leverbot/internal/oracle"
	"github.com/mkarlsen/leverbot/internal/persist"
	"github.com/mkarlsen/leverbot/internal/provider"
	"github.com/mkarlsen/leverbot/internal/reconcile"
	"github.com/mkarlsen/leverbot/internal/store/postgres"
)

// Dependencies bundles everything the run loops need. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Store       *persist.Gateway
	PGStore     *postgres.PositionStore
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	PriceCache  domain.SharedPriceCache
	Breakers    *breaker.Registry

	Exchange domain.ExchangeClient
	// Paper is non-nil in paper and monitor modes; the feed marks its book.
	Paper *exchange.Paper

	Oracle     *oracle.Oracle
	Engine     *engine.Engine
	Reconciler *reconcile.Reconciler
	Notifier   *notify.Notifier

	// Archiver and Stream are nil when their config sections are disabled.
	Archiver *s3blob.Archiver
	Stream   *feed.Stream
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
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
		return fail(fmt.Errorf("wire: postgres: %w", err))
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail(fmt.Errorf("wire: run migrations: %w", err))
		}
	}

	deps.PGStore = postgres.NewPositionStore(pgClient.Pool())
	deps.Store = persist.NewGateway(deps.PGStore, persist.DefaultRetryPolicy(), logger)

	// --- Redis ---
	redisClient, err := cacheredis.New(ctx, cacheredis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		Namespace:  cfg.Redis.Namespace,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: redis: %w", err))
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.LockManager = cacheredis.NewLockManager(redisClient)
	deps.SignalBus = cacheredis.NewSignalBus(redisClient)
	deps.PriceCache = cacheredis.NewPriceCache(redisClient)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Exchange ---
	if strings.ToLower(cfg.Mode) == "live" {
		creds, err := crypto.LoadCredentials(crypto.CredentialConfig{
			APIKey:        cfg.Exchange.APIKey,
			APISecret:     cfg.Exchange.APISecret,
			EncryptedPath: cfg.Exchange.EncryptedCredsPath,
			Password:      cfg.Exchange.CredsPassword,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: exchange credentials: %w", err))
		}
		signer := crypto.NewSigner(creds, cfg.Exchange.RecvWindowMs)
		deps.Exchange = exchange.NewBinance(cfg.Exchange.BaseURL, signer, logger)
	} else {
		deps.Paper = exchange.NewPaper(cfg.Exchange.PaperBalance, cfg.Exchange.PaperLeverage, logger)
		deps.Exchange = deps.Paper
	}

	// --- Oracle ---
	deps.Breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Oracle.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.Oracle.BreakerRecoveryTimeout.Duration,
		SuccessThreshold: cfg.Oracle.BreakerSuccessThreshold,
	}, logger)

	var providers []domain.PriceProvider
	if cfg.Oracle.Binance.Enabled {
		providers = append(providers, provider.NewBinance(cfg.Oracle.Binance.BaseURL))
	}
	if cfg.Oracle.CoinGecko.Enabled {
		providers = append(providers, provider.NewCoinGecko(cfg.Oracle.CoinGecko.BaseURL, cfg.Oracle.CoinGecko.APIKey))
	}
	if cfg.Oracle.CryptoCompare.Enabled {
		providers = append(providers, provider.NewCryptoCompare(cfg.Oracle.CryptoCompare.BaseURL, cfg.Oracle.CryptoCompare.APIKey))
	}

	deps.Oracle = oracle.New(deps.Exchange, providers, deps.Breakers, deps.PriceCache, oracle.Config{
		FetchTimeout: cfg.Oracle.LookupTimeout.Duration,
		TTL: oracle.TTLConfig{
			Min:       cfg.Oracle.TTLMin.Duration,
			Max:       cfg.Oracle.TTLMax.Duration,
			Base:      cfg.Oracle.TTLBase.Duration,
			Threshold: cfg.Oracle.VolatilityThreshold,
		},
	}, logger)

	// --- Engine and reconciler, with the book warmed from the store ---
	book := engine.NewBook()
	owners, err := deps.PGStore.ListOwners(ctx)
	if err != nil {
		return fail(fmt.Errorf("wire: list owners: %w", err))
	}
	for _, owner := range owners {
		positions, err := deps.Store.LoadPositions(ctx, owner)
		if err != nil {
			return fail(fmt.Errorf("wire: load positions for %s: %w", owner, err))
		}
		book.Load(owner, positions)
	}

	deps.Engine = engine.New(book, deps.Store, deps.Oracle, deps.Exchange, deps.SignalBus, deps.Notifier, logger)
	deps.Reconciler = reconcile.New(book, deps.Store, deps.Exchange, deps.SignalBus, deps.Notifier, logger)

	// --- Archival ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.Archive.Endpoint,
			Region:         cfg.Archive.Region,
			Bucket:         cfg.Archive.Bucket,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			UseSSL:         cfg.Archive.UseSSL,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		if err := s3Client.Health(ctx); err != nil {
			return fail(fmt.Errorf("wire: s3 health: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.PGStore, cfg.Archive.Prune, logger)
	}

	// --- Price feed ---
	if cfg.Feed.Enabled {
		deps.Stream = feed.NewStream(cfg.Feed.WsURL, logger)
		closers = append(closers, func() { _ = deps.Stream.Close() })
	}

	return deps, cleanup, nil
}
