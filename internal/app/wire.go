package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	s3blob "github.com/alanyoungcy/swipefeed/internal/blob/s3"
	"github.com/alanyoungcy/swipefeed/internal/cache/redis"
	"github.com/alanyoungcy/swipefeed/internal/config"
	"github.com/alanyoungcy/swipefeed/internal/domain"
	"github.com/alanyoungcy/swipefeed/internal/notify"
	"github.com/alanyoungcy/swipefeed/internal/platform/kalshi"
	"github.com/alanyoungcy/swipefeed/internal/store/postgres"
)

// Dependencies bundles every external dependency that the application modes
// need to operate. Optional sinks are nil when disabled in config. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Upstream
	Kalshi   *kalshi.Client
	KalshiWS *kalshi.WSClient

	// Optional sinks and shared state
	SnapshotStore domain.SnapshotStore
	MarketStore   domain.MarketStore
	Archiver      domain.SnapshotArchiver
	PriceMirror   domain.PriceMirror
	RateLimiter   domain.RateLimiter

	// Notifications
	Notifier *notify.Notifier
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

	deps := &Dependencies{}

	// --- Kalshi REST + WS ---
	deps.Kalshi = kalshi.NewClient(cfg.Kalshi.BaseURL, cfg.Kalshi.ApiKey,
		kalshi.WithTimeout(cfg.Kalshi.RequestTimeout.Duration),
		kalshi.WithRetries(cfg.Kalshi.MaxRetries, cfg.Kalshi.RetryBase.Duration),
		kalshi.WithLogger(logger),
	)
	if path := cfg.Kalshi.RsaPrivateKeyPath; path != "" {
		pemBytes, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("wire: kalshi private key: %w", err)
		}
		if err := deps.Kalshi.SetRSAPrivateKey(pemBytes); err != nil {
			return nil, nil, fmt.Errorf("wire: kalshi private key: %w", err)
		}
	}
	deps.KalshiWS = kalshi.NewWSClient(cfg.Kalshi.WsURL,
		kalshi.WithWSAuth(deps.Kalshi),
		kalshi.WithWSLogger(logger),
	)

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:            cfg.Postgres.DSN,
			Host:           cfg.Postgres.Host,
			Port:           cfg.Postgres.Port,
			Database:       cfg.Postgres.Database,
			User:           cfg.Postgres.User,
			Password:       cfg.Postgres.Password,
			SSLMode:        cfg.Postgres.SSLMode,
			MaxConns:       cfg.Postgres.PoolMaxConns,
			MinConns:       cfg.Postgres.PoolMinConns,
			ConnectTimeout: cfg.Postgres.ConnectTimeout.Duration,
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
		deps.MarketStore = postgres.NewMarketStore(pgClient.Pool())
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.SnapshotStore = redis.NewSnapshotStore(redisClient, cfg.Redis.SnapshotTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		if cfg.Stream.MirrorToRedis {
			deps.PriceMirror = redis.NewPriceMirror(redisClient, 0)
		}
	}

	// --- S3 snapshot archive ---
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
		if err := s3Client.Health(ctx); err != nil {
			logger.WarnContext(ctx, "wire: s3 bucket not reachable, archive uploads may fail",
				slog.String("error", err.Error()),
			)
		}
		writer := s3blob.NewWriter(s3Client, int64(cfg.S3.PartSizeMB)<<20)
		deps.Archiver = s3blob.NewArchiver(writer)
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
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Cooldown.Duration, logger)

	return deps, cleanup, nil
}
