package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/swipefeed/internal/domain"
)

type fakePrices struct {
	quotes    map[string]domain.Quote
	connected bool
	ensured   atomic.Int32
}

func (f *fakePrices) Prices(tickers []string) map[string]domain.Quote {
	out := map[string]domain.Quote{}
	for _, t := range tickers {
		if q, ok := f.quotes[t]; ok {
			out[t] = q
		}
	}
	return out
}

func (f *fakePrices) CachedCount() int { return len(f.quotes) }
func (f *fakePrices) Connected() bool { return f.connected }
func (f *fakePrices) Ensure() { f.ensured.Add(1) }

func ptr(f float64) *float64 { return &f }

func startHub(t *testing.T, src PriceSource) (*Hub, string) {
	t.Helper()
	h := NewHub(src, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = h.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(v); err != nil {
		t.Fatalf("read: %v", err)
	}
}

func TestHub_ConnectedSummary(t *testing.T) {
	src := &fakePrices{
		quotes:    map[string]domain.Quote{"A": {YesBid: ptr(0.4)}, "B": {YesBid: ptr(0.2)}},
		connected: true,
	}
	_, url := startHub(t, src)
	conn := dial(t, url)

	var msg ConnectedMessage
	readJSON(t, conn, &msg)
	if msg.Type != TypeConnected || msg.CachedPrices != 2 || !msg.UpstreamConnected {
		t.Errorf("connected message = %+v", msg)
	}
	if src.ensured.Load() != 1 {
		t.Errorf("Ensure() calls = %d, want 1", src.ensured.Load())
	}
}

func TestHub_GetPricesSnapshot(t *testing.T) {
	src := &fakePrices{quotes: map[string]domain.Quote{
		"A": {YesBid: ptr(0.4), YesAsk: ptr(0.45), NoBid: ptr(0.55), NoAsk: ptr(0.6)},
		"B": {YesBid: ptr(0.2)},
	}}
	_, url := startHub(t, src)
	conn := dial(t, url)

	var hello ConnectedMessage
	readJSON(t, conn, &hello)

	if err := conn.WriteJSON(ClientMessage{Type: TypeGetPrices, Tickers: []string{"A", "ZZZ"}}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var raw map[string]json.RawMessage
	readJSON(t, conn, &raw)
	var typ string
	_ = json.Unmarshal(raw["type"], &typ)
	if typ != TypePrices {
		t.Fatalf("type = %q, want prices", typ)
	}
	var prices map[string]map[string]*float64
	if err := json.Unmarshal(raw["prices"], &prices); err != nil {
		t.Fatalf("decode prices: %v", err)
	}
	if len(prices) != 1 {
		t.Fatalf("prices = %v, want only A", prices)
	}
	a := prices["A"]
	if a["yesBid"] == nil || *a["yesBid"] != 0.4 || a["noAsk"] == nil || *a["noAsk"] != 0.6 {
		t.Errorf("A = %v", a)
	}
}

func TestHub_UnknownMessage(t *testing.T) {
	_, url := startHub(t, &fakePrices{})
	conn := dial(t, url)

	var hello ConnectedMessage
	readJSON(t, conn, &hello)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	var msg ErrorMessage
	readJSON(t, conn, &msg)
	if msg.Type != TypeError {
		t.Errorf("reply = %+v, want error", msg)
	}
}

func TestHub_BroadcastReachesAllClients(t *testing.T) {
	h, url := startHub(t, &fakePrices{})
	c1 := dial(t, url)
	c2 := dial(t, url)
	for _, c := range []*websocket.Conn{c1, c2} {
		var hello ConnectedMessage
		readJSON(t, c, &hello)
	}
	waitClients(t, h, 2)

	ts := time.UnixMilli(1700000000123)
	h.BroadcastPrice(domain.PriceUpdate{Ticker: "KXBTC", YesBid: ptr(0.4), NoAsk: ptr(0.6), ObservedAt: ts})

	for i, c := range []*websocket.Conn{c1, c2} {
		var msg PriceMessage
		readJSON(t, c, &msg)
		if msg.Type != TypePrice || msg.Ticker != "KXBTC" || msg.Timestamp != ts.UnixMilli() {
			t.Errorf("client %d got %+v", i, msg)
		}
		if msg.YesAsk != nil {
			t.Errorf("client %d: absent yesAsk should be null", i)
		}
	}
}

func TestHub_SlowClientDoesNotBlockOthers(t *testing.T) {
	h, url := startHub(t, &fakePrices{})
	fast := dial(t, url)
	var hello ConnectedMessage
	readJSON(t, fast, &hello)

	// A client nobody drains, with no buffer at all.
	stuck := &client{id: "stuck", hub: h, send: make(chan []byte)}
	h.register <- stuck
	waitClients(t, h, 2)

	for i := 0; i < 3; i++ {
		h.BroadcastPrice(domain.PriceUpdate{Ticker: "T", ObservedAt: time.Now()})
	}
	for i := 0; i < 3; i++ {
		var msg PriceMessage
		readJSON(t, fast, &msg)
	}
	if h.Dropped() < 3 {
		t.Errorf("Dropped() = %d, want >= 3", h.Dropped())
	}
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.ClientCount(), n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestHub_ConnectedIsFirstFrameUnderLoad(t *testing.T) {
	h, url := startHub(t, &fakePrices{})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				h.BroadcastPrice(domain.PriceUpdate{Ticker: "T", ObservedAt: time.Now()})
			}
		}
	}()

	for i := 0; i < 50; i++ {
		conn := dial(t, url)
		var first map[string]json.RawMessage
		readJSON(t, conn, &first)
		var typ string
		_ = json.Unmarshal(first["type"], &typ)
		if typ != TypeConnected {
			t.Fatalf("connection %d: first frame type = %q, want %q", i, typ, TypeConnected)
		}
		conn.Close()
	}
}
