package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SWIPEFEED_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SWIPEFEED_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Kalshi ──
	setStr(&cfg.Kalshi.BaseURL, "SWIPEFEED_KALSHI_BASE_URL")
	setStr(&cfg.Kalshi.WsURL, "SWIPEFEED_KALSHI_WS_URL")
	setStr(&cfg.Kalshi.ApiKey, "SWIPEFEED_KALSHI_API_KEY")
	setStr(&cfg.Kalshi.RsaPrivateKeyPath, "SWIPEFEED_KALSHI_RSA_PRIVATE_KEY_PATH")
	setInt(&cfg.Kalshi.PageLimit, "SWIPEFEED_KALSHI_PAGE_LIMIT")
	setInt(&cfg.Kalshi.MaxPages, "SWIPEFEED_KALSHI_MAX_PAGES")
	setInt(&cfg.Kalshi.MaxRecords, "SWIPEFEED_KALSHI_MAX_RECORDS")
	setInt(&cfg.Kalshi.MaxRetries, "SWIPEFEED_KALSHI_MAX_RETRIES")
	setDuration(&cfg.Kalshi.RetryBase, "SWIPEFEED_KALSHI_RETRY_BASE")
	setDuration(&cfg.Kalshi.RequestTimeout, "SWIPEFEED_KALSHI_REQUEST_TIMEOUT")
	setStringSlice(&cfg.Kalshi.PrioritySeries, "SWIPEFEED_KALSHI_PRIORITY_SERIES")
	setFloat64(&cfg.Kalshi.PriorityRate, "SWIPEFEED_KALSHI_PRIORITY_RATE_PER_SEC")

	// ── Feed ──
	setDuration(&cfg.Feed.TTL, "SWIPEFEED_FEED_TTL")
	setDuration(&cfg.Feed.SearchTTL, "SWIPEFEED_FEED_SEARCH_TTL")
	setDuration(&cfg.Feed.ColdWait, "SWIPEFEED_FEED_COLD_WAIT")
	setDuration(&cfg.Feed.ColdPoll, "SWIPEFEED_FEED_COLD_POLL")
	setInt(&cfg.Feed.ProgressiveEvery, "SWIPEFEED_FEED_PROGRESSIVE_EVERY")
	setDuration(&cfg.Feed.FailureCooldown, "SWIPEFEED_FEED_FAILURE_COOLDOWN")
	setDuration(&cfg.Feed.RefreshTimeout, "SWIPEFEED_FEED_REFRESH_TIMEOUT")
	setFloat64(&cfg.Feed.MinProbability, "SWIPEFEED_FEED_MIN_PROBABILITY")
	setFloat64(&cfg.Feed.MaxProbability, "SWIPEFEED_FEED_MAX_PROBABILITY")
	setInt(&cfg.Feed.SpacingWindow, "SWIPEFEED_FEED_SPACING_WINDOW")
	setInt(&cfg.Feed.SearchWindow, "SWIPEFEED_FEED_SEARCH_WINDOW")
	setInt(&cfg.Feed.SearchMinLen, "SWIPEFEED_FEED_SEARCH_MIN_LEN")
	setInt(&cfg.Feed.SearchLimit, "SWIPEFEED_FEED_SEARCH_LIMIT")
	setBool(&cfg.Feed.WarmStart, "SWIPEFEED_FEED_WARM_START")
	setInt(&cfg.Feed.WarmStartLimit, "SWIPEFEED_FEED_WARM_START_LIMIT")
	setDuration(&cfg.Feed.AlertInterval, "SWIPEFEED_FEED_ALERT_INTERVAL")

	// ── Stream ──
	setBool(&cfg.Stream.Enabled, "SWIPEFEED_STREAM_ENABLED")
	setBool(&cfg.Stream.EagerConnect, "SWIPEFEED_STREAM_EAGER_CONNECT")
	setDuration(&cfg.Stream.ReconnectBase, "SWIPEFEED_STREAM_RECONNECT_BASE")
	setDuration(&cfg.Stream.ReconnectCap, "SWIPEFEED_STREAM_RECONNECT_CAP")
	setDuration(&cfg.Stream.ReconnectJitter, "SWIPEFEED_STREAM_RECONNECT_JITTER")
	setInt(&cfg.Stream.MaxAttempts, "SWIPEFEED_STREAM_MAX_ATTEMPTS")
	setBool(&cfg.Stream.SubscribeAll, "SWIPEFEED_STREAM_SUBSCRIBE_ALL")
	setBool(&cfg.Stream.MirrorToRedis, "SWIPEFEED_STREAM_MIRROR_TO_REDIS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SWIPEFEED_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SWIPEFEED_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SWIPEFEED_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.ApiKey, "SWIPEFEED_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMin, "SWIPEFEED_SERVER_RATE_LIMIT_PER_MIN")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "SWIPEFEED_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "SWIPEFEED_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SWIPEFEED_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SWIPEFEED_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SWIPEFEED_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SWIPEFEED_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SWIPEFEED_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "SWIPEFEED_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.SnapshotTTL, "SWIPEFEED_REDIS_SNAPSHOT_TTL")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "SWIPEFEED_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform convention
	setStr(&cfg.Postgres.DSN, "SWIPEFEED_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "SWIPEFEED_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SWIPEFEED_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SWIPEFEED_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SWIPEFEED_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SWIPEFEED_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SWIPEFEED_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SWIPEFEED_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SWIPEFEED_POSTGRES_POOL_MIN_CONNS")
	setDuration(&cfg.Postgres.ConnectTimeout, "SWIPEFEED_POSTGRES_CONNECT_TIMEOUT")
	setBool(&cfg.Postgres.RunMigrations, "SWIPEFEED_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "SWIPEFEED_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SWIPEFEED_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SWIPEFEED_S3_REGION")
	setStr(&cfg.S3.Bucket, "SWIPEFEED_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "SWIPEFEED_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "SWIPEFEED_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SWIPEFEED_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SWIPEFEED_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SWIPEFEED_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.PartSizeMB, "SWIPEFEED_S3_PART_SIZE_MB")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SWIPEFEED_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SWIPEFEED_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SWIPEFEED_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SWIPEFEED_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Cooldown, "SWIPEFEED_NOTIFY_COOLDOWN")

	// ── Top-level ──
	setStr(&cfg.Mode, "SWIPEFEED_MODE")
	setStr(&cfg.LogLevel, "SWIPEFEED_LOG_LEVEL")
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
