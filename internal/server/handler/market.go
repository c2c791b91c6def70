package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/swipefeed/internal/domain"
)

// maxFeedLimit caps the optional limit parameter.
const maxFeedLimit = 1000

// MarketService defines the methods that the market handler requires from the
// service layer. It is declared locally so the handler package does not depend
// on the concrete service implementation.
type MarketService interface {
	Feed(ctx context.Context, category string) ([]domain.Market, domain.SnapshotSource)
	Search(ctx context.Context, q string) []domain.Market
	Categories() []string
}

// MarketHandler serves the feed and search endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logHandler(logger, "markets"),
	}
}

// marketsResponse wraps a market list with metadata. Source tells clients
// whether they got live, restored, or placeholder data.
type marketsResponse struct {
	Markets []domain.Market       `json:"markets"`
	Count   int                   `json:"count"`
	Source  domain.SnapshotSource `json:"source,omitempty"`
}

// Feed returns the diversified feed, optionally filtered to one category.
// It always answers 200; degraded upstreams yield stale or placeholder data.
// GET /markets?category=<name|all>&limit=N
func (h *MarketHandler) Feed(w http.ResponseWriter, r *http.Request) {
	category := strings.TrimSpace(r.URL.Query().Get("category"))
	markets, source := h.markets.Feed(r.Context(), category)

	if limit := parseLimit(r, maxFeedLimit); limit > 0 && len(markets) > limit {
		markets = markets[:limit]
	}
	if markets == nil {
		markets = []domain.Market{}
	}
	if source == domain.SourcePlaceholder {
		h.logger.WarnContext(r.Context(), "handler: serving placeholder feed",
			slog.String("category", category),
		)
	}

	writeJSON(w, http.StatusOK, marketsResponse{
		Markets: markets,
		Count:   len(markets),
		Source:  source,
	})
}

// Search returns catalog markets matching q, ranked title-first.
// GET /markets/search?q=<string>
func (h *MarketHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	markets := h.markets.Search(r.Context(), q)
	if markets == nil {
		markets = []domain.Market{}
	}
	writeJSON(w, http.StatusOK, marketsResponse{
		Markets: markets,
		Count:   len(markets),
	})
}

// Categories lists the categories present in the catalog.
// GET /markets/categories
func (h *MarketHandler) Categories(w http.ResponseWriter, r *http.Request) {
	cats := h.markets.Categories()
	if cats == nil {
		cats = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": cats})
}
