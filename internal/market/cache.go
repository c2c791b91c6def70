package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/swipefeed/internal/domain"
	"github.com/alanyoungcy/swipefeed/internal/platform/kalshi"
)

// Fetcher is the slice of the upstream client the cache depends on.
type Fetcher interface {
	Paginate(ctx context.Context, opts kalshi.PaginateOptions) ([]kalshi.RawMarket, error)
	FetchSeries(ctx context.Context, seriesTicker string, limit int) ([]kalshi.RawMarket, error)
}

// CacheConfig bounds one refresh cycle.
type CacheConfig struct {
	PageLimit  int
	MaxPages   int
	MaxRecords int
	// ProgressiveEvery publishes a partial snapshot after the first page and
	// then every N pages, while the cache is cold.
	ProgressiveEvery int
	PrioritySeries   []string
	// PriorityRate is the request rate, per second, for priority series.
	PriorityRate    float64
	FailureCooldown time.Duration
	RefreshTimeout  time.Duration
}

// Cache holds the only mutable copy of the aggregated market state. Readers
// load an immutable snapshot through an atomic pointer and never wait on a
// refresh; at most one refresh runs at a time.
type Cache struct {
	fetcher Fetcher
	cfg     CacheConfig
	logger  *slog.Logger
	pacer   *rate.Limiter

	snap        atomic.Pointer[domain.MarketSnapshot]
	refreshing  atomic.Bool
	lastFailure atomic.Int64 // unix nanos of the last refresh that produced nothing

	// Background refreshes are detached from the request that started them
	// but end when the cache is closed.
	life   context.Context
	stop   context.CancelFunc
	lifeMu sync.Mutex
	closed bool
	wg     sync.WaitGroup

	onComplete func(ctx context.Context, snap domain.MarketSnapshot)
	hooksMu    sync.Mutex
	onPublish  []func()

	now func() time.Time
}

var emptySnapshot = &domain.MarketSnapshot{}

// NewCache creates an empty Cache.
func NewCache(fetcher Fetcher, cfg CacheConfig, logger *slog.Logger) *Cache {
	if cfg.ProgressiveEvery <= 0 {
		cfg.ProgressiveEvery = 5
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 5 * time.Minute
	}
	limit := rate.Inf
	if cfg.PriorityRate > 0 {
		limit = rate.Limit(cfg.PriorityRate)
	}
	life, stop := context.WithCancel(context.Background())
	return &Cache{
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "market_cache")),
		pacer:   rate.NewLimiter(limit, 1),
		life:    life,
		stop:    stop,
		now:     time.Now,
	}
}

// OnComplete registers a hook that runs after every refresh that paged
// through the whole catalog without error.
func (c *Cache) OnComplete(fn func(ctx context.Context, snap domain.MarketSnapshot)) {
	c.onComplete = fn
}

// OnPublish registers fn to run after every snapshot swap, partial ones
// included. fn must not block.
func (c *Cache) OnPublish(fn func()) {
	c.hooksMu.Lock()
	c.onPublish = append(c.onPublish, fn)
	c.hooksMu.Unlock()
}

// Get returns the current snapshot without blocking. It never returns nil.
func (c *Cache) Get() *domain.MarketSnapshot {
	if s := c.snap.Load(); s != nil {
		return s
	}
	return emptySnapshot
}

// Set replaces the snapshot, e.g. when seeding from a persisted copy.
func (c *Cache) Set(snap domain.MarketSnapshot) {
	c.publish(&snap)
}

func (c *Cache) publish(snap *domain.MarketSnapshot) {
	c.snap.Store(snap)
	c.hooksMu.Lock()
	hooks := c.onPublish
	c.hooksMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Refreshing reports whether a refresh is in flight.
func (c *Cache) Refreshing() bool {
	return c.refreshing.Load()
}

// Stale reports whether the snapshot is older than ttl.
func (c *Cache) Stale(ttl time.Duration) bool {
	return c.Get().Age(c.now()) > ttl
}

// RefreshIfNeeded starts a background refresh when the snapshot is older
// than ttl, no refresh is in flight, and the failure cooldown has passed. It
// returns immediately and reports whether a refresh was started.
func (c *Cache) RefreshIfNeeded(ctx context.Context, ttl time.Duration) bool {
	if !c.Stale(ttl) || c.coolingDown() {
		return false
	}
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.closed {
		return false
	}
	if !c.refreshing.CompareAndSwap(false, true) {
		return false
	}

	// The refresh outlives the request that triggered it, not the cache.
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopAfter := context.AfterFunc(c.life, cancel)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		defer stopAfter()
		_, _ = c.refresh(ctx)
	}()
	return true
}

// Refresh runs one refresh cycle synchronously. It returns
// domain.ErrRefreshInFlight when another cycle is already running.
func (c *Cache) Refresh(ctx context.Context) (domain.MarketSnapshot, error) {
	if !c.refreshing.CompareAndSwap(false, true) {
		return domain.MarketSnapshot{}, domain.ErrRefreshInFlight
	}
	return c.refresh(ctx)
}

// Wait blocks until background refreshes started so far have finished.
func (c *Cache) Wait() {
	c.wg.Wait()
}

// Close cancels any background refresh, waits for it to return, and stops
// new ones from starting. The current snapshot stays readable.
func (c *Cache) Close() {
	c.lifeMu.Lock()
	c.closed = true
	c.lifeMu.Unlock()
	c.stop()
	c.wg.Wait()
}

func (c *Cache) coolingDown() bool {
	last := c.lastFailure.Load()
	if last == 0 || c.cfg.FailureCooldown <= 0 {
		return false
	}
	return c.now().Sub(time.Unix(0, last)) < c.cfg.FailureCooldown
}

// refresh must be entered holding the refreshing flag; it always releases
// it, panics included.
func (c *Cache) refresh(ctx context.Context) (snap domain.MarketSnapshot, err error) {
	defer c.refreshing.Store(false)
	defer func() {
		if r := recover(); r != nil {
			c.lastFailure.Store(c.now().UnixNano())
			c.logger.Error("refresh panicked", slog.Any("panic", r))
			err = fmt.Errorf("market: refresh panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RefreshTimeout)
	defer cancel()

	start := c.now()
	cold := c.Get().Empty()
	c.logger.InfoContext(ctx, "refresh started", slog.Bool("cold", cold))

	priority := c.fetchPriority(ctx)
	if cold && len(priority) > 0 {
		c.publishPartial(priority, nil)
	}

	general, pageErr := c.fetcher.Paginate(ctx, kalshi.PaginateOptions{
		Request:    kalshi.PageRequest{Limit: c.cfg.PageLimit, Status: "open"},
		MaxPages:   c.cfg.MaxPages,
		MaxRecords: c.cfg.MaxRecords,
		OnPage: func(pages int, acc []kalshi.RawMarket) {
			if cold && (pages == 1 || pages%c.cfg.ProgressiveEvery == 0) {
				c.publishPartial(priority, acc)
			}
		},
	})

	markets, stats := Normalize(append(priority, general...), c.logger)
	attrs := []any{
		slog.Int("priority", len(priority)),
		slog.Int("general", len(general)),
		slog.Int("markets", stats.Output),
		slog.Int("duplicates", stats.Duplicates),
		slog.Int("fallback_prices", stats.Fallbacks),
		slog.Duration("took", c.now().Sub(start)),
	}

	if len(markets) == 0 {
		c.lastFailure.Store(c.now().UnixNano())
		if pageErr == nil {
			pageErr = errors.New("no markets returned")
		}
		c.logger.WarnContext(ctx, "refresh produced nothing, keeping previous snapshot",
			append(attrs, slog.String("error", pageErr.Error()))...)
		return domain.MarketSnapshot{}, fmt.Errorf("market: refresh: %w: %w", domain.ErrUpstreamUnavailable, pageErr)
	}

	if pageErr != nil {
		prev := c.Get()
		if !cold && len(markets) < len(prev.Markets) {
			c.lastFailure.Store(c.now().UnixNano())
			c.logger.WarnContext(ctx, "refresh incomplete, keeping larger previous snapshot",
				append(attrs, slog.Int("previous", len(prev.Markets)), slog.String("error", pageErr.Error()))...)
			return *prev, fmt.Errorf("market: refresh: %w", pageErr)
		}
	}

	snap = domain.MarketSnapshot{
		Markets:   markets,
		FetchedAt: c.now(),
		Source:    domain.SourceUpstream,
		Partial:   pageErr != nil,
	}
	c.publish(&snap)

	if pageErr != nil {
		c.logger.WarnContext(ctx, "refresh incomplete, serving partial catalog",
			append(attrs, slog.String("error", pageErr.Error()))...)
		return snap, fmt.Errorf("market: refresh: %w", pageErr)
	}

	c.lastFailure.Store(0)
	c.logger.InfoContext(ctx, "refresh complete", attrs...)
	if c.onComplete != nil {
		c.onComplete(ctx, snap)
	}
	return snap, nil
}

// fetchPriority fetches the allow-listed series one request at a time,
// paced by the limiter. Failures are logged and skipped.
func (c *Cache) fetchPriority(ctx context.Context) []kalshi.RawMarket {
	var out []kalshi.RawMarket
	for _, series := range c.cfg.PrioritySeries {
		if err := c.pacer.Wait(ctx); err != nil {
			c.logger.WarnContext(ctx, "priority fetch interrupted", slog.String("error", err.Error()))
			break
		}
		recs, err := c.fetcher.FetchSeries(ctx, series, c.cfg.PageLimit)
		if err != nil {
			c.logger.WarnContext(ctx, "priority series failed",
				slog.String("series", series),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, recs...)
	}
	return out
}

func (c *Cache) publishPartial(priority, general []kalshi.RawMarket) {
	combined := make([]kalshi.RawMarket, 0, len(priority)+len(general))
	combined = append(combined, priority...)
	combined = append(combined, general...)

	markets, _ := Normalize(combined, c.logger)
	if len(markets) == 0 {
		return
	}
	c.publish(&domain.MarketSnapshot{
		Markets:   markets,
		FetchedAt: c.now(),
		Source:    domain.SourceUpstream,
		Partial:   true,
	})
	c.logger.Info("published partial snapshot", slog.Int("markets", len(markets)))
}
