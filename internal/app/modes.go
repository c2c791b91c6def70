package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/swipefeed/internal/domain"
	"github.com/alanyoungcy/swipefeed/internal/feed"
	"github.com/alanyoungcy/swipefeed/internal/market"
	"github.com/alanyoungcy/swipefeed/internal/server"
	"github.com/alanyoungcy/swipefeed/internal/server/handler"
	"github.com/alanyoungcy/swipefeed/internal/server/ws"
	"github.com/alanyoungcy/swipefeed/internal/service"
)

const shutdownTimeout = 5 * time.Second

// components are the long-lived objects a mode runs.
type components struct {
	cache  *market.Cache
	market *market.Service
	prices *service.PriceHub
	hub    *ws.Hub
}

// newMarketService builds the market cache and service with every configured
// sink attached.
func (a *App) newMarketService(deps *Dependencies) (*market.Cache, *market.Service) {
	f := a.cfg.Feed
	k := a.cfg.Kalshi

	cache := market.NewCache(deps.Kalshi, market.CacheConfig{
		PageLimit:        k.PageLimit,
		MaxPages:         k.MaxPages,
		MaxRecords:       k.MaxRecords,
		ProgressiveEvery: f.ProgressiveEvery,
		PrioritySeries:   k.PrioritySeries,
		PriorityRate:     k.PriorityRate,
		FailureCooldown:  f.FailureCooldown.Duration,
		RefreshTimeout:   f.RefreshTimeout.Duration,
	}, a.logger)

	svc := market.NewService(cache, market.ServiceConfig{
		FeedTTL:   f.TTL.Duration,
		SearchTTL: f.SearchTTL.Duration,
		ColdWait:  f.ColdWait.Duration,
		ColdPoll:  f.ColdPoll.Duration,
		Feed: feed.Options{
			MinProbability: f.MinProbability,
			MaxProbability: f.MaxProbability,
			SpacingWindow:  f.SpacingWindow,
			SearchWindow:   f.SearchWindow,
		},
		SearchMinLen:   f.SearchMinLen,
		SearchLimit:    f.SearchLimit,
		WarmStartLimit: f.WarmStartLimit,
		AlertInterval:  f.AlertInterval.Duration,
	}, market.Sinks{
		Snapshots: deps.SnapshotStore,
		Catalog:   deps.MarketStore,
		Archive:   deps.Archiver,
	}, deps.Notifier, a.logger)

	return cache, svc
}

// newPriceHub builds the upstream price hub subscribed to the cached catalog
// and extended whenever the cache publishes a new snapshot.
func (a *App) newPriceHub(deps *Dependencies, cache *market.Cache) *service.PriceHub {
	s := a.cfg.Stream
	hub := service.NewPriceHub(kalshiUpstream{ws: deps.KalshiWS}, service.PriceHubConfig{
		Backoff: service.Backoff{
			Base:        s.ReconnectBase.Duration,
			Cap:         s.ReconnectCap.Duration,
			Jitter:      s.ReconnectJitter.Duration,
			MaxAttempts: s.MaxAttempts,
		},
		EagerConnect: s.EagerConnect,
		SubscribeAll: s.SubscribeAll,
	}, catalogTickers(cache), a.logger)

	hub.SetAlerter(deps.Notifier)
	cache.OnPublish(hub.CatalogChanged)
	if deps.PriceMirror != nil {
		hub.SetMirror(deps.PriceMirror)
	}
	return hub
}

// warmStart seeds the cache from the redis snapshot or the postgres catalog.
// A miss is normal on first boot and leaves cold-start policy in charge.
func (a *App) warmStart(ctx context.Context, svc *market.Service) {
	if !a.cfg.Feed.WarmStart {
		return
	}
	err := svc.WarmStart(ctx)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		a.logger.InfoContext(ctx, "warm start: no stored snapshot, starting cold")
	default:
		a.logger.WarnContext(ctx, "warm start failed, starting cold",
			slog.String("error", err.Error()),
		)
	}
}

// FullMode serves the REST feed, the downstream price socket and the
// upstream price stream from one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "full mode: starting")
	g, ctx := errgroup.WithContext(ctx)

	c := components{}
	c.cache, c.market = a.newMarketService(deps)
	a.warmStart(ctx, c.market)
	a.startRefreshLoop(ctx, g, c.cache)

	if a.cfg.StreamActive() {
		a.startStream(ctx, g, deps, &c)
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c, true)
	}

	err := g.Wait()
	c.cache.Close()
	return err
}

// APIMode serves only the REST feed and search.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "api mode: starting")
	g, ctx := errgroup.WithContext(ctx)

	c := components{}
	c.cache, c.market = a.newMarketService(deps)
	a.warmStart(ctx, c.market)
	a.startHTTPServer(ctx, g, deps, c, true)

	err := g.Wait()
	c.cache.Close()
	return err
}

// StreamMode runs the upstream price stream and the downstream price socket.
// The market cache is still maintained because it supplies the subscription
// set, but the REST feed routes are not exposed.
func (a *App) StreamMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "stream mode: starting")
	g, ctx := errgroup.WithContext(ctx)

	c := components{}
	c.cache, c.market = a.newMarketService(deps)
	a.warmStart(ctx, c.market)
	a.startRefreshLoop(ctx, g, c.cache)
	a.startStream(ctx, g, deps, &c)
	a.startHTTPServer(ctx, g, deps, c, false)

	err := g.Wait()
	c.cache.Close()
	return err
}

// RefreshMode runs one complete refresh, lets the sinks persist it, and
// exits. It is meant for cron-style catalog snapshots.
func (a *App) RefreshMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "refresh mode: starting")
	_, svc := a.newMarketService(deps)

	start := time.Now()
	snap, err := svc.RefreshNow(ctx)
	if err != nil {
		return fmt.Errorf("refresh mode: %w", err)
	}
	a.logger.InfoContext(ctx, "refresh mode: done",
		slog.Int("markets", len(snap.Markets)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// startStream adds the price hub and the downstream websocket hub to g.
func (a *App) startStream(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *components) {
	c.prices = a.newPriceHub(deps, c.cache)
	c.hub = ws.NewHub(c.prices, a.logger)
	c.prices.AddBroadcaster(c.hub)

	g.Go(func() error {
		return c.hub.Run(ctx)
	})
	g.Go(func() error {
		return c.prices.Run(ctx)
	})
}

// startRefreshLoop keeps the catalog warm between requests. Each published
// snapshot reaches the price hub through the cache's publish hook, so the
// stream subscription picks up new markets. Refreshes still go through the
// cache's single-flight guard.
func (a *App) startRefreshLoop(ctx context.Context, g *errgroup.Group, cache *market.Cache) {
	ttl := a.cfg.Feed.TTL.Duration
	g.Go(func() error {
		cache.RefreshIfNeeded(ctx, ttl)
		ticker := time.NewTicker(ttl)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				cache.RefreshIfNeeded(ctx, ttl)
			}
		}
	})
}

// startHTTPServer adds an HTTP server goroutine to the given errgroup. The
// feed routes are registered when withMarkets is set; the price socket when
// the stream is running. The server is shut down gracefully when the context
// is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c components, withMarkets bool) {
	handlers := server.Handlers{
		Health: handler.NewHealthHandler(a.logger),
	}
	if withMarkets {
		handlers.Markets = handler.NewMarketHandler(c.market, a.logger)
	}

	// Typed nils must not leak into the status handler's interfaces.
	var (
		stream      handler.StreamControl
		subscribers handler.SubscriberCounter
	)
	if c.prices != nil {
		stream = c.prices
	}
	if c.hub != nil {
		subscribers = c.hub
	}
	handlers.Status = handler.NewStatusHandler(a.cfg.Mode, c.market, stream, subscribers, a.logger)

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.ApiKey,
		RateLimitPerMin: a.cfg.Server.RateLimitPerMin,
	}, handlers, c.hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
