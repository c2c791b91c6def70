// Package market owns the aggregated market catalog: it normalizes upstream
// records, keeps the single in-process snapshot fresh, and serves the feed
// and search policies over it.
package market

import (
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/swipefeed/internal/domain"
	"github.com/alanyoungcy/swipefeed/internal/platform/kalshi"
)

// FallbackPrice is the yes price assigned to a market with no bid, ask, or
// last trade.
const FallbackPrice = 0.5

// DefaultCategory is used when neither the record nor its series names one.
const DefaultCategory = "Other"

// seriesCategories maps well-known series prefixes to a display category for
// records that arrive without one.
var seriesCategories = map[string]string{
	"KXBTC":    "Crypto",
	"KXBTCD":   "Crypto",
	"KXETH":    "Crypto",
	"KXETHD":   "Crypto",
	"KXSOL":    "Crypto",
	"INX":      "Financials",
	"INXD":     "Financials",
	"NASDAQ":   "Financials",
	"KXFED":    "Economics",
	"FED":      "Economics",
	"KXCPI":    "Economics",
	"CPI":      "Economics",
	"KXGDP":    "Economics",
	"KXNFL":    "Sports",
	"KXNBA":    "Sports",
	"KXMLB":    "Sports",
	"KXNHL":    "Sports",
	"KXPRES":   "Politics",
	"PRES":     "Politics",
	"KXSENATE": "Politics",
	"KXHIGHNY": "Climate",
	"KXRAIN":   "Climate",
}

// TransformStats summarizes one normalization pass.
type TransformStats struct {
	Input      int
	Output     int
	Duplicates int
	Fallbacks  int
}

// Normalize converts raw upstream records into canonical markets. Records are
// deduplicated by id, keeping the first occurrence, so callers control
// precedence by ordering.
func Normalize(raws []kalshi.RawMarket, logger *slog.Logger) ([]domain.Market, TransformStats) {
	stats := TransformStats{Input: len(raws)}
	out := make([]domain.Market, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))

	for _, r := range raws {
		if r.Ticker == "" {
			continue
		}
		if _, dup := seen[r.Ticker]; dup {
			stats.Duplicates++
			continue
		}
		seen[r.Ticker] = struct{}{}

		m, fallback := ToMarket(r)
		if fallback {
			stats.Fallbacks++
			logger.Debug("no quote for market, using fallback price",
				slog.String("ticker", r.Ticker),
				slog.Float64("price", FallbackPrice),
			)
		}
		out = append(out, m)
	}

	stats.Output = len(out)
	return out, stats
}

// ToMarket converts one raw record. fallback reports whether the yes price
// is FallbackPrice because the record carried no quote at all.
func ToMarket(r kalshi.RawMarket) (m domain.Market, fallback bool) {
	m = domain.Market{
		ID:        r.Ticker,
		Title:     strings.TrimSpace(r.Title),
		Subtitle:  strings.TrimSpace(r.Subtitle),
		Category:  category(r),
		Volume:    r.Volume,
		Volume24h: r.Volume24H,
		Status:    status(r.Status),
		ImageURL:  r.ImageURL,
		EventID:   r.EventTicker,
		YesLabel:  r.YesSubTitle,
		NoLabel:   r.NoSubTitle,
	}
	if t, err := time.Parse(time.RFC3339, r.CloseTime); err == nil {
		t = t.UTC()
		m.EndDate = &t
	}

	price, ok := yesPrice(r)
	if !ok {
		return m.WithYesPrice(FallbackPrice), true
	}
	return m.WithYesPrice(price), false
}

// yesPrice picks the bid/ask midpoint, then the last trade, then whichever
// side of the book exists.
func yesPrice(r kalshi.RawMarket) (float64, bool) {
	bid, hasBid := kalshi.Dollars(r.YesBidDollars, r.YesBid)
	ask, hasAsk := kalshi.Dollars(r.YesAskDollars, r.YesAsk)

	if hasBid && hasAsk {
		return (bid + ask) / 2, true
	}
	if last, ok := kalshi.Dollars(r.LastPriceDollars, r.LastPrice); ok {
		return last, true
	}
	switch {
	case hasAsk:
		return ask, true
	case hasBid:
		return bid, true
	default:
		return 0, false
	}
}

func category(r kalshi.RawMarket) string {
	if c := strings.TrimSpace(r.Category); c != "" {
		return c
	}
	if c, ok := seriesCategories[r.SeriesTicker()]; ok {
		return c
	}
	return DefaultCategory
}

func status(s string) domain.MarketStatus {
	switch strings.ToLower(s) {
	case "closed":
		return domain.MarketStatusClosed
	case "settled", "determined", "finalized":
		return domain.MarketStatusSettled
	default:
		return domain.MarketStatusOpen
	}
}
