package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/swipefeed/internal/domain"
)

const (
	// kalshiWriteWait is the time allowed to write a message to the peer.
	kalshiWriteWait = 10 * time.Second

	// kalshiPongWait is the time allowed to read the next pong message.
	kalshiPongWait = 30 * time.Second

	// kalshiPingPeriod sends pings at this interval. Must be less than pongWait.
	kalshiPingPeriod = (kalshiPongWait * 9) / 10

	// tickerChannel is the Kalshi channel carrying top-of-book updates.
	tickerChannel = "ticker"
)

// WSClient dials the Kalshi WebSocket API. Each successful Connect yields an
// independent WSConn; reconnection policy belongs to the caller.
type WSClient struct {
	wsURL  string
	auth   *Client
	logger *slog.Logger
	dialer websocket.Dialer
}

// WSOption configures a WSClient.
type WSOption func(*WSClient)

// WithWSAuth signs the handshake with the REST client's credentials.
func WithWSAuth(c *Client) WSOption {
	return func(w *WSClient) {
		w.auth = c
	}
}

// WithWSLogger sets the logger.
func WithWSLogger(logger *slog.Logger) WSOption {
	return func(w *WSClient) {
		w.logger = logger.With(slog.String("component", "kalshi_ws"))
	}
}

// NewWSClient creates a new Kalshi WebSocket client.
//
// wsURL is the WebSocket endpoint, e.g. "wss://api.elections.kalshi.com/trade-api/ws/v2".
func NewWSClient(wsURL string, opts ...WSOption) *WSClient {
	w := &WSClient{
		wsURL:  wsURL,
		logger: slog.Default(),
		dialer: websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Connect establishes a WebSocket connection and starts its read and ping
// loops.
func (w *WSClient) Connect(ctx context.Context) (*WSConn, error) {
	var header http.Header
	if w.auth != nil {
		u, err := url.Parse(w.wsURL)
		if err != nil {
			return nil, fmt.Errorf("kalshi/ws: parse url: %w", err)
		}
		header, err = w.auth.AuthHeaders(http.MethodGet, u.Path)
		if err != nil {
			return nil, fmt.Errorf("kalshi/ws: sign handshake: %w", err)
		}
	}

	conn, _, err := w.dialer.DialContext(ctx, w.wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("kalshi/ws: connect: %w", err)
	}

	c := &WSConn{
		conn:    conn,
		logger:  w.logger,
		updates: make(chan domain.PriceUpdate, 256),
		errc:    make(chan error, 1),
		done:    make(chan struct{}),
		now:     time.Now,
	}

	conn.SetReadDeadline(time.Now().Add(kalshiPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(kalshiPongWait))
		return nil
	})

	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// WSConn is one live connection to the Kalshi ticker feed.
type WSConn struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	cmdID   atomic.Int64

	updates chan domain.PriceUpdate
	errc    chan error

	done      chan struct{}
	closeOnce sync.Once

	now func() time.Time
}

// Subscribe subscribes to the ticker channel. An empty list subscribes to
// every market.
func (c *WSConn) Subscribe(ctx context.Context, tickers []string) error {
	cmd := wsCommand{
		ID:  c.cmdID.Add(1),
		Cmd: "subscribe",
		Params: wsSubscribeArgs{
			Channels: []string{tickerChannel},
			Tickers:  tickers,
		},
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("kalshi/ws: marshal subscribe: %w", err)
	}

	deadline := time.Now().Add(kalshiWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("kalshi/ws: subscribe: %w", err)
	}
	return nil
}

// Next blocks until the next price update arrives. After the connection
// drops it returns an error wrapping domain.ErrWSDisconnect.
func (c *WSConn) Next(ctx context.Context) (domain.PriceUpdate, error) {
	select {
	case u := <-c.updates:
		return u, nil
	case err := <-c.errc:
		// Leave the error in place for any later call.
		c.fail(err)
		return domain.PriceUpdate{}, err
	case <-c.done:
		return domain.PriceUpdate{}, fmt.Errorf("kalshi/ws: %w: closed", domain.ErrWSDisconnect)
	case <-ctx.Done():
		return domain.PriceUpdate{}, ctx.Err()
	}
}

// Close shuts down the connection. It is safe to call more than once.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

func (c *WSConn) fail(err error) {
	select {
	case c.errc <- err:
	default:
	}
}

func (c *WSConn) readLoop() {
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.fail(fmt.Errorf("kalshi/ws: %w: %v", domain.ErrWSDisconnect, err))
			}
			return
		}

		update, ok, err := c.decode(message)
		if err != nil {
			c.logger.Debug("dropping malformed message", slog.String("error", err.Error()))
			continue
		}
		if !ok {
			continue
		}

		select {
		case c.updates <- update:
		case <-c.done:
			return
		default:
			c.logger.Warn("update buffer full, dropping tick", slog.String("ticker", update.Ticker))
		}
	}
}

func (c *WSConn) pingLoop() {
	ticker := time.NewTicker(kalshiPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(kalshiWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// decode turns one frame into a price update. ok is false for frames that
// carry no price, such as subscription acknowledgements.
func (c *WSConn) decode(raw []byte) (domain.PriceUpdate, bool, error) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.PriceUpdate{}, false, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}

	switch env.Type {
	case tickerChannel:
		var t wsTicker
		if err := json.Unmarshal(env.Msg, &t); err != nil {
			return domain.PriceUpdate{}, false, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
		}
		if t.MarketTicker == "" {
			return domain.PriceUpdate{}, false, fmt.Errorf("%w: ticker without market", domain.ErrMalformedPayload)
		}
		return tickerUpdate(t, c.now()), true, nil
	case "error":
		c.logger.Warn("upstream error frame", slog.String("msg", string(env.Msg)))
		return domain.PriceUpdate{}, false, nil
	default:
		return domain.PriceUpdate{}, false, nil
	}
}

// tickerUpdate derives both sides from the yes quotes: no bid is the
// complement of yes ask and no ask the complement of yes bid.
func tickerUpdate(t wsTicker, now time.Time) domain.PriceUpdate {
	u := domain.PriceUpdate{Ticker: t.MarketTicker, ObservedAt: now}
	if t.TS > 0 {
		u.ObservedAt = time.Unix(t.TS, 0).UTC()
	}
	if bid, ok := Dollars(t.YesBidDollars, t.YesBid); ok {
		u.YesBid = &bid
		noAsk := complement(bid)
		u.NoAsk = &noAsk
	}
	if ask, ok := Dollars(t.YesAskDollars, t.YesAsk); ok {
		u.YesAsk = &ask
		noBid := complement(ask)
		u.NoBid = &noBid
	}
	return u
}
