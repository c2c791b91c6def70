package app

import (
	"io"
	"log/slog"
	"testing"

	"github.com/alanyoungcy/swipefeed/internal/config"
	"github.com/alanyoungcy/swipefeed/internal/domain"
	"github.com/alanyoungcy/swipefeed/internal/notify"
	"github.com/alanyoungcy/swipefeed/internal/platform/kalshi"
)

func testApp(t *testing.T) (*App, *Dependencies) {
	t.Helper()
	cfg := config.Defaults()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deps := &Dependencies{
		Kalshi:   kalshi.NewClient("http://127.0.0.1:0", ""),
		KalshiWS: kalshi.NewWSClient("ws://127.0.0.1:0"),
		Notifier: notify.NewNotifier(nil, nil, 0, logger),
	}
	return New(&cfg, logger), deps
}

func TestCatalogTickers(t *testing.T) {
	a, deps := testApp(t)
	cache, _ := a.newMarketService(deps)

	tickers := catalogTickers(cache)
	if got := tickers(); len(got) != 0 {
		t.Fatalf("tickers on empty cache = %v", got)
	}

	cache.Set(domain.MarketSnapshot{Markets: []domain.Market{{ID: "A"}, {ID: "B"}}})
	got := tickers()
	if len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Errorf("tickers = %v, want [A B]", got)
	}
}

func TestNewPriceHubUsesStreamConfig(t *testing.T) {
	a, deps := testApp(t)
	a.cfg.Stream.EagerConnect = false
	cache, _ := a.newMarketService(deps)

	hub := a.newPriceHub(deps, cache)
	if hub.Connected() {
		t.Error("hub should not be connected before Run")
	}
	if st := hub.Stats(); st.State != domain.StateClosed.String() {
		t.Errorf("state = %q, want closed", st.State)
	}
}
