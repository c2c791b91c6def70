package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alanyoungcy/swipefeed/internal/domain"
	"github.com/alanyoungcy/swipefeed/internal/server/handler"
)

type stubMarkets struct{}

func (stubMarkets) Feed(context.Context, string) ([]domain.Market, domain.SnapshotSource) {
	return []domain.Market{{ID: "A", Title: "A?"}}, domain.SourceUpstream
}

func (stubMarkets) Search(context.Context, string) []domain.Market { return nil }

func (stubMarkets) Categories() []string { return nil }

func TestRoutes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(Config{APIKey: "k", RateLimitPerMin: 100}, Handlers{
		Health:  handler.NewHealthHandler(logger),
		Markets: handler.NewMarketHandler(stubMarkets{}, logger),
	}, nil, nil, logger)

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		want   int
	}{
		{"health is public", http.MethodGet, "/api/health", "", http.StatusOK},
		{"feed needs key", http.MethodGet, "/markets", "", http.StatusUnauthorized},
		{"feed", http.MethodGet, "/markets", "k", http.StatusOK},
		{"search", http.MethodGet, "/markets/search?q=ab", "k", http.StatusOK},
		{"wrong method", http.MethodPost, "/markets", "k", http.StatusMethodNotAllowed},
		{"unknown", http.MethodGet, "/nope", "k", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
