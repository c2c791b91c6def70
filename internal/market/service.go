package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/swipefeed/internal/domain"
	"github.com/alanyoungcy/swipefeed/internal/feed"
	"github.com/alanyoungcy/swipefeed/internal/search"
)

// Alerter delivers operator notifications.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Event names emitted through the Alerter.
const (
	EventPlaceholderServed = "placeholder_served"
)

// ServiceConfig holds the feed and search policies over the shared cache.
type ServiceConfig struct {
	FeedTTL   time.Duration
	SearchTTL time.Duration
	// ColdWait bounds how long a request waits for the first page of a
	// cold refresh, polling every ColdPoll.
	ColdWait     time.Duration
	ColdPoll     time.Duration
	Feed         feed.Options
	SearchMinLen int
	SearchLimit  int
	// WarmStartLimit caps how many markets are loaded from postgres.
	WarmStartLimit int
	AlertInterval  time.Duration
}

// Sinks are the optional destinations for every complete snapshot. Nil
// members are skipped.
type Sinks struct {
	Snapshots domain.SnapshotStore
	Catalog   domain.MarketStore
	Archive   domain.SnapshotArchiver
}

// Service serves the feed and search over a Cache, applying the cold-start
// policy and degrading to a placeholder so callers always get markets.
type Service struct {
	cache   *Cache
	cfg     ServiceConfig
	sinks   Sinks
	alerter Alerter
	logger  *slog.Logger

	lastAlert atomic.Int64

	wait func(ctx context.Context, d time.Duration) error
	now  func() time.Time
}

// NewService creates a Service and registers its sinks on the cache.
func NewService(cache *Cache, cfg ServiceConfig, sinks Sinks, alerter Alerter, logger *slog.Logger) *Service {
	if cfg.ColdPoll <= 0 {
		cfg.ColdPoll = 250 * time.Millisecond
	}
	if cfg.AlertInterval <= 0 {
		cfg.AlertInterval = 10 * time.Minute
	}
	s := &Service{
		cache:   cache,
		cfg:     cfg,
		sinks:   sinks,
		alerter: alerter,
		logger:  logger.With(slog.String("component", "market_service")),
		wait:    sleepContext,
		now:     time.Now,
	}
	cache.OnComplete(s.persist)
	return s
}

// Feed returns the diversified feed, filtered to category unless it is empty
// or "all". It never fails: it serves stale, partial, or placeholder data.
func (s *Service) Feed(ctx context.Context, category string) ([]domain.Market, domain.SnapshotSource) {
	snap := s.snapshot(ctx, s.cfg.FeedTTL)
	markets := feed.Diversify(snap.Markets, s.cfg.Feed)

	if category == "" || strings.EqualFold(category, "all") {
		return markets, snap.Source
	}
	filtered := make([]domain.Market, 0, len(markets))
	for _, m := range markets {
		if strings.EqualFold(m.Category, category) {
			filtered = append(filtered, m)
		}
	}
	return filtered, snap.Source
}

// Search returns catalog markets matching q, without diversification.
func (s *Service) Search(ctx context.Context, q string) []domain.Market {
	if len([]rune(strings.TrimSpace(q))) < s.minLen() {
		return nil
	}
	snap := s.snapshot(ctx, s.cfg.SearchTTL)
	return search.Search(snap.Markets, q, s.minLen(), s.cfg.SearchLimit)
}

// Categories lists the distinct categories in the current snapshot.
func (s *Service) Categories() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range s.cache.Get().Markets {
		if _, ok := seen[m.Category]; ok {
			continue
		}
		seen[m.Category] = struct{}{}
		out = append(out, m.Category)
	}
	return out
}

// Status describes the cache for the status endpoint.
type Status struct {
	Markets    int                   `json:"markets"`
	FetchedAt  time.Time             `json:"fetchedAt"`
	AgeSeconds float64               `json:"ageSeconds"`
	Source     domain.SnapshotSource `json:"source"`
	Partial    bool                  `json:"partial"`
	Refreshing bool                  `json:"refreshing"`
}

// Status reports the current cache state.
func (s *Service) Status() Status {
	snap := s.cache.Get()
	st := Status{
		Markets:    len(snap.Markets),
		FetchedAt:  snap.FetchedAt,
		Source:     snap.Source,
		Partial:    snap.Partial,
		Refreshing: s.cache.Refreshing(),
	}
	if !snap.FetchedAt.IsZero() {
		st.AgeSeconds = s.now().Sub(snap.FetchedAt).Seconds()
	}
	return st
}

// WarmStart seeds an empty cache from the snapshot store, falling back to the
// catalog store. The loaded snapshot keeps its original fetch time so the TTL
// still schedules a refresh.
func (s *Service) WarmStart(ctx context.Context) error {
	if !s.cache.Get().Empty() {
		return nil
	}

	if s.sinks.Snapshots != nil {
		snap, err := s.sinks.Snapshots.LoadSnapshot(ctx)
		switch {
		case err == nil && !snap.Empty():
			snap.Source = domain.SourceRedis
			s.cache.Set(snap)
			s.logger.InfoContext(ctx, "market_service: warm start from snapshot store",
				slog.Int("markets", len(snap.Markets)),
				slog.Time("fetched_at", snap.FetchedAt),
			)
			return nil
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			s.logger.WarnContext(ctx, "market_service: snapshot store load failed",
				slog.String("error", err.Error()),
			)
		}
	}

	if s.sinks.Catalog != nil {
		markets, err := s.sinks.Catalog.ListTop(ctx, s.cfg.WarmStartLimit)
		if err != nil {
			return fmt.Errorf("market_service: warm start from catalog: %w", err)
		}
		if len(markets) > 0 {
			// Age unknown: leave FetchedAt zero so the first request refreshes.
			s.cache.Set(domain.MarketSnapshot{Markets: markets, Source: domain.SourcePostgres})
			s.logger.InfoContext(ctx, "market_service: warm start from catalog",
				slog.Int("markets", len(markets)),
			)
			return nil
		}
	}

	return domain.ErrNotFound
}

// RefreshNow runs one refresh synchronously; persistence runs through the
// cache completion hook before it returns.
func (s *Service) RefreshNow(ctx context.Context) (domain.MarketSnapshot, error) {
	snap, err := s.cache.Refresh(ctx)
	if err != nil {
		return snap, fmt.Errorf("market_service: refresh: %w", err)
	}
	return snap, nil
}

// snapshot applies the cold-start policy: trigger a refresh when stale, wait
// boundedly while a cold refresh produces its first page, then fall back to
// the placeholder.
func (s *Service) snapshot(ctx context.Context, ttl time.Duration) *domain.MarketSnapshot {
	s.cache.RefreshIfNeeded(ctx, ttl)

	snap := s.cache.Get()
	if !snap.Empty() {
		return snap
	}

	if s.cache.Refreshing() && s.cfg.ColdWait > 0 {
		deadline := s.now().Add(s.cfg.ColdWait)
		for s.now().Before(deadline) {
			if err := s.wait(ctx, s.cfg.ColdPoll); err != nil {
				break
			}
			if snap = s.cache.Get(); !snap.Empty() {
				return snap
			}
			if !s.cache.Refreshing() {
				break
			}
		}
	}

	s.alertPlaceholder(ctx)
	p := Placeholder()
	return &p
}

func (s *Service) alertPlaceholder(ctx context.Context) {
	s.logger.WarnContext(ctx, "market_service: cache cold, serving placeholder")
	if s.alerter == nil {
		return
	}
	now := s.now()
	last := s.lastAlert.Load()
	if last != 0 && now.Sub(time.Unix(0, last)) < s.cfg.AlertInterval {
		return
	}
	if !s.lastAlert.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		_ = s.alerter.Notify(ctx, EventPlaceholderServed, "Feed degraded",
			"Upstream has produced no markets; serving placeholder feed.")
	}()
}

// persist writes a complete snapshot to every configured sink concurrently.
// Failures are logged and never surfaced.
func (s *Service) persist(ctx context.Context, snap domain.MarketSnapshot) {
	var g errgroup.Group
	sink := func(name string, fn func() error) {
		g.Go(func() error {
			if err := fn(); err != nil {
				s.logger.WarnContext(ctx, "market_service: snapshot sink failed",
					slog.String("sink", name),
					slog.String("error", err.Error()),
				)
				return err
			}
			return nil
		})
	}

	if s.sinks.Snapshots != nil {
		sink("snapshot_store", func() error {
			return s.sinks.Snapshots.SaveSnapshot(ctx, snap)
		})
	}
	if s.sinks.Catalog != nil {
		sink("catalog", func() error {
			return s.sinks.Catalog.UpsertBatch(ctx, snap.Markets)
		})
	}
	if s.sinks.Archive != nil {
		sink("archive", func() error {
			key, err := s.sinks.Archive.ArchiveSnapshot(ctx, snap)
			if err == nil {
				s.logger.DebugContext(ctx, "market_service: snapshot archived", slog.String("key", key))
			}
			return err
		})
	}

	_ = g.Wait()
}

func (s *Service) minLen() int {
	if s.cfg.SearchMinLen > 0 {
		return s.cfg.SearchMinLen
	}
	return search.MinQueryLen
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
