package kalshi

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/swipefeed/internal/domain"
)

// tickerServer accepts one connection, records the subscribe command and
// replies with the given frames.
func tickerServer(t *testing.T, frames []string, gotCmd chan<- wsCommand) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		gotCmd <- cmd
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Hold the connection until the client hangs up.
		_, _, _ = conn.ReadMessage()
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func approx(p *float64, want float64) bool {
	return p != nil && math.Abs(*p-want) < 1e-9
}

func TestWSConn_TickerUpdates(t *testing.T) {
	frames := []string{
		`{"type":"subscribed","id":1,"msg":{"channel":"ticker","sid":1}}`,
		`not json`,
		`{"type":"ticker","sid":1,"msg":{"market_ticker":"KXBTC-1","yes_bid":40,"yes_ask":45,"ts":1700000000}}`,
		`{"type":"ticker","sid":1,"msg":{"market_ticker":"KXBTC-2","yes_bid_dollars":"0.6100"}}`,
	}
	cmds := make(chan wsCommand, 1)
	srv := tickerServer(t, frames, cmds)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := NewWSClient(wsURL(srv), WithWSLogger(discardLogger())).Connect(ctx)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()

	if err := conn.Subscribe(ctx, nil); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	cmd := <-cmds
	if cmd.Cmd != "subscribe" || len(cmd.Params.Channels) != 1 || cmd.Params.Channels[0] != "ticker" {
		t.Errorf("subscribe command = %+v", cmd)
	}
	if len(cmd.Params.Tickers) != 0 {
		t.Errorf("tickers = %v, want empty for subscribe-all", cmd.Params.Tickers)
	}

	first, err := conn.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if first.Ticker != "KXBTC-1" {
		t.Fatalf("Ticker = %q, want KXBTC-1", first.Ticker)
	}
	if !approx(first.YesBid, 0.40) || !approx(first.YesAsk, 0.45) {
		t.Errorf("yes = (%v, %v), want (0.40, 0.45)", first.YesBid, first.YesAsk)
	}
	if !approx(first.NoBid, 0.55) || !approx(first.NoAsk, 0.60) {
		t.Errorf("no = (%v, %v), want (0.55, 0.60)", first.NoBid, first.NoAsk)
	}
	if !first.ObservedAt.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("ObservedAt = %v", first.ObservedAt)
	}

	second, err := conn.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if second.YesAsk != nil || second.NoBid != nil {
		t.Error("absent ask side should stay nil")
	}
	if !approx(second.YesBid, 0.61) || !approx(second.NoAsk, 0.39) {
		t.Errorf("got yesBid=%v noAsk=%v", second.YesBid, second.NoAsk)
	}
}

func TestWSConn_DisconnectSurfaces(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := NewWSClient(wsURL(srv), WithWSLogger(discardLogger())).Connect(ctx)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()

	_, err = conn.Next(ctx)
	if !errors.Is(err, domain.ErrWSDisconnect) {
		t.Fatalf("Next() error = %v, want ErrWSDisconnect", err)
	}
	// The failure is sticky.
	if _, err := conn.Next(ctx); !errors.Is(err, domain.ErrWSDisconnect) {
		t.Errorf("second Next() error = %v, want ErrWSDisconnect", err)
	}
}
