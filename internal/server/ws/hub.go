// Package ws hosts the downstream price channel: every connected client
// receives every upstream price update, and may ask for a point-in-time
// snapshot of cached prices.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/swipefeed/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 64 * 1024

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256

	// maxSnapshotTickers caps one get_prices request.
	maxSnapshotTickers = 1000
)

// upgrader configures the WebSocket upgrade parameters.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Mobile and web clients connect from arbitrary origins.
		return true
	},
}

// PriceSource is the view of the price hub the downstream channel needs.
type PriceSource interface {
	Prices(tickers []string) map[string]domain.Quote
	CachedCount() int
	Connected() bool
	// Ensure requests an upstream connection if none is open.
	Ensure()
}

// client represents a single WebSocket connection.
type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub manages the set of connected clients and fans price updates out to
// all of them. A client whose buffer is full misses the update; it never
// stalls delivery to others.
type Hub struct {
	prices     PriceSource
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger

	dropped atomic.Int64
}

// NewHub creates a new downstream hub backed by prices.
func NewHub(prices PriceSource, logger *slog.Logger) *Hub {
	return &Hub{
		prices:     prices,
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 1024),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Run starts the hub's main event loop. It handles client registration,
// unregistration, and broadcasting, and exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("ws: client connected",
				slog.String("client_id", c.id),
				slog.Int("total_clients", h.ClientCount()),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected",
				slog.String("client_id", c.id),
				slog.Int("total_clients", h.ClientCount()),
			)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.dropped.Add(1)
					h.logger.Debug("ws: dropping message for slow client", slog.String("client_id", c.id))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// BroadcastPrice queues u for every connected client without blocking.
func (h *Hub) BroadcastPrice(u domain.PriceUpdate) {
	data, err := json.Marshal(NewPriceMessage(u))
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
		h.logger.Warn("ws: broadcast queue full, dropping update", slog.String("ticker", u.Ticker))
	}
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many messages were skipped because a buffer was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// HandleWS upgrades an HTTP request to a WebSocket connection, queues the
// connect summary, and registers the client.
// GET /ws/prices
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	// The summary goes into the empty buffer before the client can receive
	// broadcasts, so it is always the first frame.
	h.prices.Ensure()
	c.sendJSON(ConnectedMessage{
		Type:              TypeConnected,
		CachedPrices:      h.prices.CachedCount(),
		UpstreamConnected: h.prices.Connected(),
	})
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump reads client requests until the connection fails.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error",
					slog.String("client_id", c.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		c.handle(message)
	}
}

func (c *client) handle(message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.sendJSON(ErrorMessage{Type: TypeError, Message: "invalid JSON"})
		return
	}

	switch msg.Type {
	case TypeGetPrices:
		tickers := msg.Tickers
		if len(tickers) > maxSnapshotTickers {
			tickers = tickers[:maxSnapshotTickers]
		}
		c.sendJSON(PricesMessage{Type: TypePrices, Prices: c.hub.prices.Prices(tickers)})
	default:
		c.sendJSON(ErrorMessage{Type: TypeError, Message: "unknown message type: " + msg.Type})
	}
}

// sendJSON queues a direct reply without blocking.
func (c *client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	defer func() {
		// The hub may have closed send during shutdown.
		_ = recover()
	}()
	select {
	case c.send <- data:
	default:
		c.hub.dropped.Add(1)
	}
}

// writePump pumps messages from the hub to the WebSocket connection and
// sends periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
