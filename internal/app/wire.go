package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/predictpool/internal/blob/s3"
	"github.com/alanyoungcy/predictpool/internal/cache/memory"
	"github.com/alanyoungcy/predictpool/internal/cache/redis"
	"github.com/alanyoungcy/predictpool/internal/config"
	"github.com/alanyoungcy/predictpool/internal/domain"
	"github.com/alanyoungcy/predictpool/internal/notify"
	"github.com/alanyoungcy/predictpool/internal/oracle"
	"github.com/alanyoungcy/predictpool/internal/payment"
	"github.com/alanyoungcy/predictpool/internal/server/handler"
	"github.com/alanyoungcy/predictpool/internal/service"
	"github.com/alanyoungcy/predictpool/internal/store/postgres"
	"github.com/alanyoungcy/predictpool/internal/store/sqlite"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Ledger
	MarketStore    domain.MarketStore
	BetStore       domain.BetStore
	BettorStore    domain.BettorStore
	VoteStore      domain.VoteStore
	OracleLogStore domain.OracleLogStore
	AuditStore     domain.AuditStore

	// Coordination
	LockManager domain.LockManager
	MarketCache domain.MarketCache
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter

	// Archiver is nil unless S3 is enabled.
	Archiver domain.Archiver
	// Notifier is nil when no channel is configured.
	Notifier service.Notifier
	Oracles  *oracle.Registry
	// Verifier is nil when payment references are accepted as final.
	Verifier domain.PaymentVerifier

	// Pingers are reported by the health endpoint.
	Pingers []handler.Pinger

	Markets    *service.MarketService
	Bets       *service.BetService
	Resolution *service.ResolutionService
	Settlement *service.SettlementService
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
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

	// --- Ledger store ---
	switch strings.ToLower(cfg.Database.Driver) {
	case "postgres":
		pg, err := postgres.Open(ctx, postgres.Config{
			DSN:      cfg.Database.DSN,
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			Database: cfg.Database.Database,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.PoolMaxConns,
			MinConns: cfg.Database.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pg.Close)

		if cfg.Database.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pg.Pool()
		deps.MarketStore = postgres.NewMarketStore(pool)
		deps.BetStore = postgres.NewBetStore(pool)
		deps.BettorStore = postgres.NewBettorStore(pool)
		deps.VoteStore = postgres.NewVoteStore(pool)
		deps.OracleLogStore = postgres.NewOracleLogStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Pingers = append(deps.Pingers, pg)
	case "sqlite":
		db, err := sqlite.Open(cfg.Database.SQLitePath)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		closers = append(closers, func() { _ = db.Close() })

		deps.MarketStore = sqlite.NewMarketStore(db)
		deps.BetStore = sqlite.NewBetStore(db)
		deps.BettorStore = sqlite.NewBettorStore(db)
		deps.VoteStore = sqlite.NewVoteStore(db)
		deps.OracleLogStore = sqlite.NewOracleLogStore(db)
		deps.AuditStore = sqlite.NewAuditStore(db)
		deps.Pingers = append(deps.Pingers, db)
	default:
		return fail(fmt.Errorf("wire: unsupported database driver %q", cfg.Database.Driver))
	}

	// --- Locks, cache, bus and rate limiter ---
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
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		prefix := cfg.Redis.KeyPrefix
		deps.LockManager = redis.NewLockManager(redisClient, prefix)
		deps.MarketCache = redis.NewMarketCache(redisClient, prefix, cfg.Redis.CacheTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient, prefix)
		deps.SignalBus = redis.NewSignalBus(redisClient, int64(cfg.Redis.StreamMaxLen))
		deps.Pingers = append(deps.Pingers, redisClient)
	} else {
		deps.LockManager = memory.NewLockManager()
		deps.MarketCache = memory.NewMarketCache(cfg.Redis.CacheTTL.Duration)
		deps.RateLimiter = memory.NewRateLimiter()
		deps.SignalBus = memory.NewSignalBus(cfg.Redis.StreamMaxLen)
	}

	// --- S3 settlement archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.MarketStore,
			deps.BetStore,
			deps.AuditStore,
		)
		deps.Pingers = append(deps.Pingers, s3Client)
	}

	// --- Oracles ---
	var sources []oracle.Source
	if cfg.Oracle.HTTP.Enabled {
		sources = append(sources, oracle.NewHTTPFeed(oracle.HTTPFeedConfig{
			BaseURL:    cfg.Oracle.HTTP.BaseURL,
			APIKey:     cfg.Oracle.HTTP.APIKey,
			APISecret:  cfg.Oracle.HTTP.APISecret,
			RatePerSec: cfg.Oracle.HTTP.RatePerSec,
			Burst:      cfg.Oracle.HTTP.Burst,
			Timeout:    cfg.Oracle.HTTP.Timeout.Duration,
		}, logger))
	}
	if cfg.Oracle.Chainlink.Enabled {
		feed, closeFeed, err := oracle.DialChainlink(ctx, cfg.Oracle.Chainlink.RPCURL, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		closers = append(closers, closeFeed)
		sources = append(sources, feed)
	}
	deps.Oracles = oracle.NewRegistry(sources...)

	// --- Payment verification ---
	if strings.EqualFold(cfg.Payments.Verifier, "evm") {
		verifier, closeRPC, err := payment.DialEVM(ctx, cfg.Payments.RPCURL, cfg.Payments.MinConfirmations, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		closers = append(closers, closeRPC)
		deps.Verifier = verifier
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramAPIBase,
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	}

	wireServices(cfg, deps, logger)

	return deps, cleanup, nil
}

// wireServices builds the ledger services on top of the wired adapters.
func wireServices(cfg *config.Config, deps *Dependencies, logger *slog.Logger) {
	lock := service.LockPolicy{
		TTL:  cfg.Resolution.LockTTL.Duration,
		Wait: cfg.Resolution.LockWait.Duration,
	}

	deps.Settlement = service.NewSettlementService(
		deps.MarketStore, deps.BetStore, deps.LockManager, deps.MarketCache,
		deps.SignalBus, deps.AuditStore, deps.Archiver, deps.Notifier,
		service.SettlementPolicy{
			Workers:    cfg.Settlement.Workers,
			SweepBatch: cfg.Settlement.SweepBatch,
			Retention:  cfg.Settlement.Retention.Duration,
			Lock:       lock,
		}, logger)

	deps.Resolution = service.NewResolutionService(
		deps.MarketStore, deps.VoteStore, deps.OracleLogStore, deps.LockManager,
		deps.MarketCache, deps.SignalBus, deps.AuditStore, deps.Oracles,
		deps.Settlement, deps.Notifier,
		service.ResolutionPolicy{
			Lock:          lock,
			OracleTimeout: cfg.Resolution.OracleTimeout.Duration,
			VoteWindow:    cfg.Resolution.VoteWindow.Duration,
			SweepBatch:    cfg.Resolution.SweepBatch,
		}, logger)

	deps.Markets = service.NewMarketService(
		deps.MarketStore, deps.BetStore, deps.BettorStore, deps.MarketCache,
		deps.SignalBus, deps.AuditStore, deps.Oracles,
		service.MarketPolicy{
			MinQuestionLen:      cfg.Markets.MinQuestionLen,
			MaxQuestionLen:      cfg.Markets.MaxQuestionLen,
			RequireQuestionMark: cfg.Markets.RequireQuestionMark,
			MinLead:             cfg.Markets.MinLead.Duration,
		}, logger)

	deps.Bets = service.NewBetService(
		deps.MarketStore, deps.BetStore, deps.LockManager, deps.MarketCache,
		deps.SignalBus, deps.AuditStore, deps.Verifier,
		service.BetPolicy{
			MinBet:         cfg.Betting.MinBet,
			MaxBet:         cfg.Betting.MaxBet,
			ConfirmTimeout: cfg.Payments.ConfirmTimeout.Duration,
			Lock:           lock,
		}, logger)
}
