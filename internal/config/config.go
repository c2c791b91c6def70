// Package config defines the top-level configuration for the feed service
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SWIPEFEED_* environment variables.
type Config struct {
	Kalshi   KalshiConfig   `toml:"kalshi"`
	Feed     FeedConfig     `toml:"feed"`
	Stream   StreamConfig   `toml:"stream"`
	Server   ServerConfig   `toml:"server"`
	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
	S3       S3Config       `toml:"s3"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// KalshiConfig holds the upstream exchange endpoints, credentials and paging
// limits.
type KalshiConfig struct {
	BaseURL           string   `toml:"base_url"`
	WsURL             string   `toml:"ws_url"`
	ApiKey            string   `toml:"api_key"`
	RsaPrivateKeyPath string   `toml:"rsa_private_key_path"`
	PageLimit         int      `toml:"page_limit"`
	MaxPages          int      `toml:"max_pages"`
	MaxRecords        int      `toml:"max_records"`
	MaxRetries        int      `toml:"max_retries"`
	RetryBase         duration `toml:"retry_base"`
	RequestTimeout    duration `toml:"request_timeout"`
	PrioritySeries    []string `toml:"priority_series"`
	PriorityRate      float64  `toml:"priority_rate_per_sec"`
}

// FeedConfig holds cache freshness, cold-start and ordering parameters.
type FeedConfig struct {
	TTL              duration `toml:"ttl"`
	SearchTTL        duration `toml:"search_ttl"`
	ColdWait         duration `toml:"cold_wait"`
	ColdPoll         duration `toml:"cold_poll"`
	ProgressiveEvery int      `toml:"progressive_every"`
	FailureCooldown  duration `toml:"failure_cooldown"`
	RefreshTimeout   duration `toml:"refresh_timeout"`
	MinProbability   float64  `toml:"min_probability"`
	MaxProbability   float64  `toml:"max_probability"`
	SpacingWindow    int      `toml:"spacing_window"`
	SearchWindow     int      `toml:"search_window"`
	SearchMinLen     int      `toml:"search_min_len"`
	SearchLimit      int      `toml:"search_limit"`
	WarmStart        bool     `toml:"warm_start"`
	WarmStartLimit   int      `toml:"warm_start_limit"`
	AlertInterval    duration `toml:"alert_interval"`
}

// StreamConfig holds the upstream price connection parameters.
type StreamConfig struct {
	Enabled         bool     `toml:"enabled"`
	EagerConnect    bool     `toml:"eager_connect"`
	ReconnectBase   duration `toml:"reconnect_base"`
	ReconnectCap    duration `toml:"reconnect_cap"`
	ReconnectJitter duration `toml:"reconnect_jitter"`
	// MaxAttempts is the number of consecutive failed attempts before the
	// stream gives up until triggered; zero retries forever.
	MaxAttempts   int  `toml:"max_attempts"`
	SubscribeAll  bool `toml:"subscribe_all"`
	MirrorToRedis bool `toml:"mirror_to_redis"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	ApiKey          string   `toml:"api_key"`
	RateLimitPerMin int      `toml:"rate_limit_per_min"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	KeyPrefix   string   `toml:"key_prefix"`
	SnapshotTTL duration `toml:"snapshot_ttl"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled        bool     `toml:"enabled"`
	DSN            string   `toml:"dsn"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	Database       string   `toml:"database"`
	User           string   `toml:"user"`
	Password       string   `toml:"password"`
	SSLMode        string   `toml:"ssl_mode"`
	PoolMaxConns   int      `toml:"pool_max_conns"`
	PoolMinConns   int      `toml:"pool_min_conns"`
	ConnectTimeout duration `toml:"connect_timeout"`
	RunMigrations  bool     `toml:"run_migrations"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	PartSizeMB     int    `toml:"part_size_mb"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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
		Kalshi: KalshiConfig{
			BaseURL:        "https://api.elections.kalshi.com/trade-api/v2",
			WsURL:          "wss://api.elections.kalshi.com/trade-api/ws/v2",
			PageLimit:      200,
			MaxPages:       25,
			MaxRecords:     5000,
			MaxRetries:     5,
			RetryBase:      duration{500 * time.Millisecond},
			RequestTimeout: duration{30 * time.Second},
			PriorityRate:   5,
		},
		Feed: FeedConfig{
			TTL:              duration{15 * time.Minute},
			SearchTTL:        duration{5 * time.Minute},
			ColdWait:         duration{10 * time.Second},
			ColdPoll:         duration{250 * time.Millisecond},
			ProgressiveEvery: 5,
			FailureCooldown:  duration{time.Minute},
			RefreshTimeout:   duration{5 * time.Minute},
			MinProbability:   0.01,
			MaxProbability:   0.99,
			SpacingWindow:    5,
			SearchWindow:     20,
			SearchMinLen:     2,
			SearchLimit:      50,
			WarmStart:        true,
			WarmStartLimit:   1000,
			AlertInterval:    duration{10 * time.Minute},
		},
		Stream: StreamConfig{
			Enabled:         true,
			EagerConnect:    true,
			ReconnectBase:   duration{time.Second},
			ReconnectCap:    duration{30 * time.Second},
			ReconnectJitter: duration{500 * time.Millisecond},
			MaxAttempts:     10,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8000,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    10,
			MaxRetries:  3,
			KeyPrefix:   "swipefeed:",
			SnapshotTTL: duration{24 * time.Hour},
		},
		Postgres: PostgresConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "swipefeed",
			User:           "postgres",
			SSLMode:        "disable",
			PoolMaxConns:   5,
			PoolMinConns:   1,
			ConnectTimeout: duration{10 * time.Second},
			RunMigrations:  true,
		},
		S3: S3Config{
			Region:         "us-east-1",
			Prefix:         "swipefeed/",
			UseSSL:         true,
			ForcePathStyle: true,
			PartSizeMB:     5,
		},
		Notify: NotifyConfig{
			Cooldown: duration{10 * time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
// maxKalshiRetries bounds per-page retries; beyond it the exponential wait
// grows past any useful delay.
const maxKalshiRetries = 16

var validModes = map[string]bool{
	"full":    true,
	"api":     true,
	"stream":  true,
	"refresh": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// StreamActive reports whether the mode runs the upstream price stream.
func (c *Config) StreamActive() bool {
	mode := strings.ToLower(c.Mode)
	return c.Stream.Enabled && (mode == "full" || mode == "stream")
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, api, stream, refresh)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Kalshi
	if c.Kalshi.BaseURL == "" {
		errs = append(errs, "kalshi: base_url must not be empty")
	}
	if c.Kalshi.PageLimit < 1 || c.Kalshi.PageLimit > 1000 {
		errs = append(errs, fmt.Sprintf("kalshi: page_limit must be 1-1000, got %d", c.Kalshi.PageLimit))
	}
	if c.Kalshi.MaxPages < 1 {
		errs = append(errs, "kalshi: max_pages must be >= 1")
	}
	if c.Kalshi.MaxRecords < 1 {
		errs = append(errs, "kalshi: max_records must be >= 1")
	}
	if c.Kalshi.MaxRetries < 0 || c.Kalshi.MaxRetries > maxKalshiRetries {
		errs = append(errs, fmt.Sprintf("kalshi: max_retries must be 0-%d, got %d", maxKalshiRetries, c.Kalshi.MaxRetries))
	}
	if c.Kalshi.RsaPrivateKeyPath != "" && c.Kalshi.ApiKey == "" {
		errs = append(errs, "kalshi: api_key is required when rsa_private_key_path is set")
	}
	if c.Kalshi.PriorityRate < 0 {
		errs = append(errs, "kalshi: priority_rate_per_sec must be >= 0")
	}

	// Feed
	if c.Feed.TTL.Duration <= 0 {
		errs = append(errs, "feed: ttl must be > 0")
	}
	if c.Feed.SearchTTL.Duration <= 0 {
		errs = append(errs, "feed: search_ttl must be > 0")
	}
	if c.Feed.ColdWait.Duration < 0 {
		errs = append(errs, "feed: cold_wait must be >= 0")
	}
	if c.Feed.MinProbability < 0 || c.Feed.MaxProbability > 1 || c.Feed.MinProbability >= c.Feed.MaxProbability {
		errs = append(errs, fmt.Sprintf("feed: need 0 <= min_probability < max_probability <= 1, got %v and %v",
			c.Feed.MinProbability, c.Feed.MaxProbability))
	}
	if c.Feed.SpacingWindow < 1 {
		errs = append(errs, "feed: spacing_window must be >= 1")
	}
	if c.Feed.SearchWindow < c.Feed.SpacingWindow {
		errs = append(errs, "feed: search_window must be >= spacing_window")
	}
	if c.Feed.SearchMinLen < 1 {
		errs = append(errs, "feed: search_min_len must be >= 1")
	}

	// Stream
	if strings.ToLower(c.Mode) == "stream" && !c.Stream.Enabled {
		errs = append(errs, "stream: mode stream requires stream.enabled")
	}
	if c.StreamActive() {
		if c.Kalshi.WsURL == "" {
			errs = append(errs, "kalshi: ws_url must not be empty when the stream is enabled")
		}
		if c.Stream.ReconnectBase.Duration <= 0 {
			errs = append(errs, "stream: reconnect_base must be > 0")
		}
		if c.Stream.ReconnectCap.Duration < c.Stream.ReconnectBase.Duration {
			errs = append(errs, "stream: reconnect_cap must be >= reconnect_base")
		}
		if c.Stream.MaxAttempts < 0 {
			errs = append(errs, "stream: max_attempts must be >= 0")
		}
		if c.Stream.MirrorToRedis && !c.Redis.Enabled {
			errs = append(errs, "stream: mirror_to_redis requires redis.enabled")
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

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
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
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
