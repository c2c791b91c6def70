package market

import (
	"time"

	"github.com/alanyoungcy/swipefeed/internal/domain"
)

// placeholderMarkets is served when the upstream has never produced data and
// the cold-start wait expires, so the feed is never empty.
var placeholderMarkets = []domain.Market{
	{ID: "PLACEHOLDER-BTC-100K", Title: "Will Bitcoin close above $100,000 this year?", Category: "Crypto", YesPrice: 0.55, Volume24h: 9000},
	{ID: "PLACEHOLDER-FED-CUT", Title: "Will the Fed cut rates at the next meeting?", Category: "Economics", YesPrice: 0.40, Volume24h: 8500},
	{ID: "PLACEHOLDER-SPX-HIGH", Title: "Will the S&P 500 hit a new all-time high this month?", Category: "Financials", YesPrice: 0.35, Volume24h: 8000},
	{ID: "PLACEHOLDER-NBA-FINALS", Title: "Will the defending champions reach the NBA Finals?", Category: "Sports", YesPrice: 0.30, Volume24h: 7500},
	{ID: "PLACEHOLDER-SENATE", Title: "Will the Senate pass the budget bill before the deadline?", Category: "Politics", YesPrice: 0.60, Volume24h: 7000},
	{ID: "PLACEHOLDER-NYC-RAIN", Title: "Will it rain in New York City tomorrow?", Category: "Climate", YesPrice: 0.25, Volume24h: 6500},
	{ID: "PLACEHOLDER-ETH-5K", Title: "Will Ethereum trade above $5,000 by year end?", Category: "Crypto", YesPrice: 0.20, Volume24h: 6000},
	{ID: "PLACEHOLDER-CPI", Title: "Will CPI come in above expectations?", Category: "Economics", YesPrice: 0.45, Volume24h: 5500},
	{ID: "PLACEHOLDER-NFL-OT", Title: "Will the season opener go to overtime?", Category: "Sports", YesPrice: 0.10, Volume24h: 5000},
	{ID: "PLACEHOLDER-OSCARS", Title: "Will a streaming film win Best Picture?", Category: "Culture", YesPrice: 0.35, Volume24h: 4500},
}

// Placeholder returns the static fallback snapshot. The returned markets are
// a fresh copy with derived no prices.
func Placeholder() domain.MarketSnapshot {
	markets := make([]domain.Market, len(placeholderMarkets))
	for i, m := range placeholderMarkets {
		m.Status = domain.MarketStatusOpen
		markets[i] = m.WithYesPrice(m.YesPrice)
	}
	return domain.MarketSnapshot{
		Markets: markets,
		// Zero FetchedAt keeps the placeholder permanently stale.
		FetchedAt: time.Time{},
		Source:    domain.SourcePlaceholder,
	}
}
