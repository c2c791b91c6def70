package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/swipefeed/internal/domain"
)

// EventUpstreamGaveUp is emitted when reconnect attempts are exhausted.
const EventUpstreamGaveUp = "upstream_gave_up"

// Upstream dials the real-time price source.
type Upstream interface {
	Connect(ctx context.Context) (UpstreamConn, error)
}

// UpstreamConn is one live upstream connection.
type UpstreamConn interface {
	// Subscribe requests updates for tickers; an empty list means all. It
	// may be called again on an open connection to add tickers.
	Subscribe(ctx context.Context, tickers []string) error
	Next(ctx context.Context) (domain.PriceUpdate, error)
	Close() error
}

// Broadcaster fans a price update out to downstream subscribers. It must
// not block.
type Broadcaster interface {
	BroadcastPrice(u domain.PriceUpdate)
}

// Alerter delivers operator notifications.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// PriceHubConfig configures a PriceHub.
type PriceHubConfig struct {
	Backoff Backoff
	// EagerConnect dials at startup instead of waiting for the first
	// subscriber.
	EagerConnect bool
	// SubscribeAll subscribes to every market instead of the catalog.
	SubscribeAll bool
	// MirrorBuffer sizes the queue feeding the price mirror.
	MirrorBuffer int
}

// PriceHubStats is a point-in-time view of the hub.
type PriceHubStats struct {
	State         string    `json:"state"`
	Attempts      int       `json:"attempts"`
	GaveUp        bool      `json:"gaveUp"`
	CachedPrices  int       `json:"cachedPrices"`
	Received      int64     `json:"received"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	MirrorDropped int64     `json:"mirrorDropped"`
}

// PriceHub owns the single upstream price connection. One goroutine, Run,
// drives the connection state machine; every inbound update is cached and
// broadcast to all registered broadcasters.
type PriceHub struct {
	upstream Upstream
	cfg      PriceHubConfig
	cache    *PriceCache
	tickers  func() []string
	mirror   domain.PriceMirror
	alerter  Alerter
	logger   *slog.Logger

	mu           sync.RWMutex
	broadcasters []Broadcaster

	state    atomic.Int32
	attempts atomic.Int32
	gaveUp   atomic.Bool
	wake     chan struct{}
	catalog  chan struct{}

	received      atomic.Int64
	lastMessage   atomic.Int64
	mirrorCh      chan domain.PriceUpdate
	mirrorDropped atomic.Int64

	wait func(ctx context.Context, d time.Duration) error
}

// NewPriceHub creates a PriceHub. tickers supplies the instrument set to
// subscribe to; it is read on every open and again after CatalogChanged.
// A nil tickers subscribes to every market.
func NewPriceHub(upstream Upstream, cfg PriceHubConfig, tickers func() []string, logger *slog.Logger) *PriceHub {
	if cfg.MirrorBuffer <= 0 {
		cfg.MirrorBuffer = 1024
	}
	h := &PriceHub{
		upstream: upstream,
		cfg:      cfg,
		cache:    NewPriceCache(),
		tickers:  tickers,
		logger:   logger.With(slog.String("component", "price_hub")),
		wake:     make(chan struct{}, 1),
		catalog:  make(chan struct{}, 1),
		wait:     sleepContext,
	}
	h.state.Store(int32(domain.StateClosed))
	return h
}

// SetMirror copies every update to m asynchronously. Must be called before Run.
func (h *PriceHub) SetMirror(m domain.PriceMirror) {
	h.mirror = m
	h.mirrorCh = make(chan domain.PriceUpdate, h.cfg.MirrorBuffer)
}

// SetAlerter sets where give-up alerts go. Must be called before Run.
func (h *PriceHub) SetAlerter(a Alerter) {
	h.alerter = a
}

// AddBroadcaster registers a downstream fan-out target.
func (h *PriceHub) AddBroadcaster(b Broadcaster) {
	h.mu.Lock()
	h.broadcasters = append(h.broadcasters, b)
	h.mu.Unlock()
}

// State returns the upstream connection state.
func (h *PriceHub) State() domain.ConnectionState {
	return domain.ConnectionState(h.state.Load())
}

// Connected reports whether the upstream connection is open.
func (h *PriceHub) Connected() bool {
	return h.State() == domain.StateOpen
}

// CachedCount returns how many tickers have a cached price.
func (h *PriceHub) CachedCount() int {
	return h.cache.Len()
}

// Prices returns cached quotes for exactly the requested tickers.
func (h *PriceHub) Prices(tickers []string) map[string]domain.Quote {
	return h.cache.Quotes(tickers)
}

// Ensure asks for a connection when none is open or being established. It
// also clears a previous give-up so reconnection starts over.
func (h *PriceHub) Ensure() {
	if h.State() != domain.StateClosed {
		return
	}
	h.attempts.Store(0)
	h.signal()
}

// Restart resets the attempt counter so a failing connection gets a full
// new round of retries, and wakes the loop if it has given up.
func (h *PriceHub) Restart() {
	h.attempts.Store(0)
	if h.State() == domain.StateClosed {
		h.signal()
	}
}

// CatalogChanged tells the hub the instrument set may have grown. An open
// connection subscribes to the new tickers; a hub waiting for its first
// tickers connects. It never blocks.
func (h *PriceHub) CatalogChanged() {
	select {
	case h.catalog <- struct{}{}:
	default:
	}
}

// Stats returns counters for the status endpoint.
func (h *PriceHub) Stats() PriceHubStats {
	st := PriceHubStats{
		State:         h.State().String(),
		Attempts:      int(h.attempts.Load()),
		GaveUp:        h.gaveUp.Load(),
		CachedPrices:  h.cache.Len(),
		Received:      h.received.Load(),
		MirrorDropped: h.mirrorDropped.Load(),
	}
	if ns := h.lastMessage.Load(); ns > 0 {
		st.LastMessageAt = time.Unix(0, ns).UTC()
	}
	return st
}

// Run drives the connection until ctx is cancelled.
func (h *PriceHub) Run(ctx context.Context) error {
	if h.mirror != nil {
		go h.mirrorLoop(ctx)
	}

	if h.cfg.EagerConnect {
		// Ensure calls made before Run are satisfied by this connect.
		h.setState(domain.StateConnecting)
		h.drainWake()
	} else {
		h.logger.InfoContext(ctx, "waiting for first subscriber before connecting")
		if !h.idle(ctx) {
			return nil
		}
	}

	for {
		err := h.session(ctx)
		if ctx.Err() != nil {
			h.setState(domain.StateClosed)
			return nil
		}

		h.setState(domain.StateError)
		attempt := int(h.attempts.Load())
		h.logger.WarnContext(ctx, "upstream connection lost",
			slog.Int("attempt", attempt),
			slog.String("error", errString(err)),
		)

		if limit := h.cfg.Backoff.MaxAttempts; limit > 0 && attempt >= limit {
			h.giveUp(ctx, attempt)
			if !h.idle(ctx) {
				return nil
			}
			continue
		}

		h.setState(domain.StateReconnecting)
		delay := h.cfg.Backoff.Delay(attempt)
		h.attempts.Add(1)
		h.logger.InfoContext(ctx, "reconnecting",
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
		)
		if err := h.wait(ctx, delay); err != nil {
			h.setState(domain.StateClosed)
			return nil
		}
	}
}

// session connects, subscribes, and reads until the connection fails.
func (h *PriceHub) session(ctx context.Context) error {
	h.setState(domain.StateConnecting)
	tickers, err := h.awaitTickers(ctx)
	if err != nil {
		return err
	}

	conn, err := h.upstream.Connect(ctx)
	if err != nil {
		return fmt.Errorf("price_hub: connect: %w", err)
	}
	defer conn.Close()

	h.setState(domain.StateOpen)
	h.attempts.Store(0)
	h.gaveUp.Store(false)
	h.drainWake()

	if err := conn.Subscribe(ctx, tickers); err != nil {
		return fmt.Errorf("price_hub: subscribe: %w", err)
	}
	h.logger.InfoContext(ctx, "upstream connected", slog.Int("tickers", len(tickers)))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if h.tracksCatalog() {
		go h.followCatalog(ctx, conn, tickers)
	}

	for {
		u, err := conn.Next(ctx)
		if err != nil {
			return fmt.Errorf("price_hub: read: %w", err)
		}
		h.handle(u)
	}
}

// tracksCatalog reports whether the subscription follows the catalog rather
// than covering every market.
func (h *PriceHub) tracksCatalog() bool {
	return !h.cfg.SubscribeAll && h.tickers != nil
}

// awaitTickers returns the set to subscribe to. When following the catalog
// it waits for at least one ticker, since an empty upstream subscription
// means every market.
func (h *PriceHub) awaitTickers(ctx context.Context) ([]string, error) {
	if !h.tracksCatalog() {
		return nil, nil
	}
	logged := false
	for {
		if tickers := h.tickers(); len(tickers) > 0 {
			return tickers, nil
		}
		if !logged {
			h.logger.InfoContext(ctx, "catalog empty, waiting before subscribing")
			logged = true
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-h.catalog:
		}
	}
}

// followCatalog subscribes conn to tickers that join the catalog after the
// connection opened. A failed subscribe closes conn so the read loop
// reconnects with a fresh subscription.
func (h *PriceHub) followCatalog(ctx context.Context, conn UpstreamConn, initial []string) {
	subscribed := make(map[string]struct{}, len(initial))
	for _, t := range initial {
		subscribed[t] = struct{}{}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.catalog:
		}

		var added []string
		for _, t := range h.tickers() {
			if _, ok := subscribed[t]; !ok {
				added = append(added, t)
			}
		}
		if len(added) == 0 {
			continue
		}
		if err := conn.Subscribe(ctx, added); err != nil {
			if ctx.Err() == nil {
				h.logger.WarnContext(ctx, "subscription update failed, reconnecting",
					slog.String("error", err.Error()),
				)
				_ = conn.Close()
			}
			return
		}
		for _, t := range added {
			subscribed[t] = struct{}{}
		}
		h.logger.InfoContext(ctx, "subscription extended",
			slog.Int("added", len(added)),
			slog.Int("tickers", len(subscribed)),
		)
	}
}

func (h *PriceHub) handle(u domain.PriceUpdate) {
	h.cache.Set(u)
	h.received.Add(1)
	h.lastMessage.Store(time.Now().UnixNano())

	h.mu.RLock()
	for _, b := range h.broadcasters {
		b.BroadcastPrice(u)
	}
	h.mu.RUnlock()

	if h.mirrorCh != nil {
		select {
		case h.mirrorCh <- u:
		default:
			h.mirrorDropped.Add(1)
		}
	}
}

func (h *PriceHub) giveUp(ctx context.Context, attempts int) {
	h.setState(domain.StateClosed)
	h.gaveUp.Store(true)
	h.logger.ErrorContext(ctx, "reconnect attempts exhausted, serving cached prices only",
		slog.Int("attempts", attempts),
		slog.Int("cached_prices", h.cache.Len()),
	)
	if h.alerter == nil {
		return
	}
	msg := fmt.Sprintf("Gave up after %d reconnect attempts; %d cached prices are going stale.", attempts, h.cache.Len())
	go func() {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		_ = h.alerter.Notify(actx, EventUpstreamGaveUp, "Price stream down", msg)
	}()
}

// idle parks the loop in the closed state until Ensure or Restart. It
// returns false when ctx ends first.
func (h *PriceHub) idle(ctx context.Context) bool {
	h.setState(domain.StateClosed)
	select {
	case <-ctx.Done():
		return false
	case <-h.wake:
		return true
	}
}

func (h *PriceHub) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// drainWake discards a wake-up that a connection attempt already answered.
func (h *PriceHub) drainWake() {
	select {
	case <-h.wake:
	default:
	}
}

func (h *PriceHub) setState(s domain.ConnectionState) {
	h.state.Store(int32(s))
}

func (h *PriceHub) mirrorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-h.mirrorCh:
			mctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := h.mirror.SetQuote(mctx, u)
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				h.logger.Debug("price mirror write failed",
					slog.String("ticker", u.Ticker),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
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
