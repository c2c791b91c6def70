package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alanyoungcy/swipefeed/internal/domain"
	"github.com/alanyoungcy/swipefeed/internal/market"
	"github.com/alanyoungcy/swipefeed/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMarkets struct {
	feed      []domain.Market
	source    domain.SnapshotSource
	gotCat    string
	gotQuery  string
	searchRes []domain.Market
}

func (f *fakeMarkets) Feed(_ context.Context, category string) ([]domain.Market, domain.SnapshotSource) {
	f.gotCat = category
	return f.feed, f.source
}

func (f *fakeMarkets) Search(_ context.Context, q string) []domain.Market {
	f.gotQuery = q
	return f.searchRes
}

func (f *fakeMarkets) Categories() []string { return []string{"Crypto", "Sports"} }

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestMarketHandler_Feed(t *testing.T) {
	svc := &fakeMarkets{
		feed:   []domain.Market{{ID: "A"}, {ID: "B"}, {ID: "C"}},
		source: domain.SourceUpstream,
	}
	h := NewMarketHandler(svc, discardLogger())

	tests := []struct {
		name     string
		url      string
		wantCat  string
		wantSize int
	}{
		{"no filter", "/markets", "", 3},
		{"category", "/markets?category=Sports", "Sports", 3},
		{"limit", "/markets?category=all&limit=2", "all", 2},
		{"bad limit ignored", "/markets?limit=-4", "", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Feed(rec, httptest.NewRequest(http.MethodGet, tt.url, nil))

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			if svc.gotCat != tt.wantCat {
				t.Errorf("category = %q, want %q", svc.gotCat, tt.wantCat)
			}
			var resp marketsResponse
			decode(t, rec, &resp)
			if resp.Count != tt.wantSize || len(resp.Markets) != tt.wantSize {
				t.Errorf("count = %d (%d markets), want %d", resp.Count, len(resp.Markets), tt.wantSize)
			}
			if resp.Source != domain.SourceUpstream {
				t.Errorf("source = %q", resp.Source)
			}
		})
	}
}

func TestMarketHandler_SearchEmptyIsArray(t *testing.T) {
	svc := &fakeMarkets{}
	h := NewMarketHandler(svc, discardLogger())

	rec := httptest.NewRecorder()
	h.Search(rec, httptest.NewRequest(http.MethodGet, "/markets/search?q=b", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if svc.gotQuery != "b" {
		t.Errorf("query = %q", svc.gotQuery)
	}
	var raw map[string]json.RawMessage
	decode(t, rec, &raw)
	if string(raw["markets"]) != "[]" {
		t.Errorf("markets = %s, want []", raw["markets"])
	}
}

type fakeStream struct {
	restarts int
}

func (f *fakeStream) Stats() service.PriceHubStats {
	return service.PriceHubStats{State: "closed", GaveUp: f.restarts == 0}
}

func (f *fakeStream) Restart() { f.restarts++ }

type fakeCache struct{}

func (fakeCache) Status() market.Status {
	return market.Status{Markets: 42, Source: domain.SourceRedis}
}

func TestStatusHandler(t *testing.T) {
	stream := &fakeStream{}
	h := NewStatusHandler("full", fakeCache{}, stream, nil, discardLogger())

	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	var resp statusResponse
	decode(t, rec, &resp)
	if resp.Mode != "full" || resp.Cache == nil || resp.Cache.Markets != 42 {
		t.Errorf("status = %+v", resp)
	}
	if resp.Stream == nil || !resp.Stream.GaveUp {
		t.Errorf("stream = %+v", resp.Stream)
	}
	if resp.Subscribers != nil {
		t.Error("subscribers should be omitted when nil")
	}

	rec = httptest.NewRecorder()
	h.RestartStream(rec, httptest.NewRequest(http.MethodPost, "/api/stream/restart", nil))
	if rec.Code != http.StatusAccepted || stream.restarts != 1 {
		t.Errorf("restart: status %d, restarts %d", rec.Code, stream.restarts)
	}
}

func TestStatusHandler_RestartWithoutStream(t *testing.T) {
	h := NewStatusHandler("api", fakeCache{}, nil, nil, discardLogger())
	rec := httptest.NewRecorder()
	h.RestartStream(rec, httptest.NewRequest(http.MethodPost, "/api/stream/restart", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestHealthCheck(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler(discardLogger()).HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	var body map[string]any
	decode(t, rec, &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}
