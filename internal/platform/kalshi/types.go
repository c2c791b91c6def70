package kalshi

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// --------------------------------------------------------------------------
// Kalshi REST DTOs
// --------------------------------------------------------------------------

// RawMarket is one market exactly as returned by GET /markets. Cent-valued
// price fields may be zero when the side is empty; the *_dollars strings are
// preferred when present.
type RawMarket struct {
	Ticker           string  `json:"ticker"`
	EventTicker      string  `json:"event_ticker"`
	MarketType       string  `json:"market_type"` // "binary", "scalar"
	Title            string  `json:"title"`
	Subtitle         string  `json:"subtitle"`
	YesSubTitle      string  `json:"yes_sub_title"`
	NoSubTitle       string  `json:"no_sub_title"`
	Category         string  `json:"category"`
	Status           string  `json:"status"` // "open", "active", "closed", "settled"
	YesBid           float64 `json:"yes_bid"`
	YesAsk           float64 `json:"yes_ask"`
	NoBid            float64 `json:"no_bid"`
	NoAsk            float64 `json:"no_ask"`
	LastPrice        float64 `json:"last_price"`
	YesBidDollars    string  `json:"yes_bid_dollars"`
	YesAskDollars    string  `json:"yes_ask_dollars"`
	LastPriceDollars string  `json:"last_price_dollars"`
	Volume           float64 `json:"volume"`
	Volume24H        float64 `json:"volume_24h"`
	CloseTime        string  `json:"close_time"`
	ImageURL         string  `json:"image_url"`
}

// SeriesTicker derives the series prefix from the event ticker
// ("KXBTCD-25DEC31" -> "KXBTCD").
func (m RawMarket) SeriesTicker() string {
	ev := m.EventTicker
	if ev == "" {
		ev = m.Ticker
	}
	if i := strings.IndexByte(ev, '-'); i > 0 {
		return ev[:i]
	}
	return ev
}

// marketsResponse is the GET /markets envelope. Records are kept raw so a
// single malformed record can be skipped without losing the page.
type marketsResponse struct {
	Markets []json.RawMessage `json:"markets"`
	Cursor  string            `json:"cursor"`
}

// ErrorResponse represents a Kalshi API error body.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PageRequest selects one page of GET /markets.
type PageRequest struct {
	Cursor       string
	Limit        int
	SeriesTicker string
	EventTicker  string
	Status       string
}

// Page is one decoded page of markets.
type Page struct {
	Markets []RawMarket
	Cursor  string
	// Skipped counts records that could not be decoded.
	Skipped int
}

// --------------------------------------------------------------------------
// Kalshi WebSocket DTOs
// --------------------------------------------------------------------------

// wsEnvelope is the envelope for Kalshi WebSocket messages.
type wsEnvelope struct {
	ID   int64           `json:"id,omitempty"`
	Type string          `json:"type"` // "ticker", "subscribed", "error", ...
	SID  int64           `json:"sid"`
	Msg  json.RawMessage `json:"msg"`
}

// wsTicker is the payload of a "ticker" channel message.
type wsTicker struct {
	MarketTicker  string  `json:"market_ticker"`
	Price         float64 `json:"price"`
	YesBid        float64 `json:"yes_bid"`
	YesAsk        float64 `json:"yes_ask"`
	YesBidDollars string  `json:"yes_bid_dollars"`
	YesAskDollars string  `json:"yes_ask_dollars"`
	Volume        float64 `json:"volume"`
	TS            int64   `json:"ts"`
}

// wsCommand is sent to manage Kalshi WebSocket subscriptions.
type wsCommand struct {
	ID     int64           `json:"id"`
	Cmd    string          `json:"cmd"` // "subscribe" or "unsubscribe"
	Params wsSubscribeArgs `json:"params"`
}

// wsSubscribeArgs defines the subscription parameters. An empty ticker list
// subscribes to every market on the channel.
type wsSubscribeArgs struct {
	Channels []string `json:"channels"`
	Tickers  []string `json:"market_tickers,omitempty"`
}

// --------------------------------------------------------------------------
// Price helpers
// --------------------------------------------------------------------------

var hundred = decimal.NewFromInt(100)

// Dollars converts a Kalshi price to a probability in [0, 1]. The dollar
// string wins when it parses; otherwise the cent value is used. A zero or
// unparseable price reports ok=false, since Kalshi uses 0 for an empty side.
func Dollars(dollars string, cents float64) (float64, bool) {
	if dollars != "" {
		if d, err := decimal.NewFromString(dollars); err == nil && d.IsPositive() {
			return d.InexactFloat64(), true
		}
	}
	if cents > 0 {
		return decimal.NewFromFloat(cents).Div(hundred).InexactFloat64(), true
	}
	return 0, false
}

// complement returns 1-p with decimal precision.
func complement(p float64) float64 {
	return decimal.NewFromInt(1).Sub(decimal.NewFromFloat(p)).InexactFloat64()
}
