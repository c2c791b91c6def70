package ws

import (
	"github.com/alanyoungcy/swipefeed/internal/domain"
)

// Message types on /ws/prices.
const (
	TypeConnected = "connected"
	TypePrice     = "price"
	TypeGetPrices = "get_prices"
	TypePrices    = "prices"
	TypeError     = "error"
)

// ConnectedMessage is sent once per connection. It carries counts only so
// the client can tell a cold server from a warm one.
type ConnectedMessage struct {
	Type              string `json:"type"`
	CachedPrices      int    `json:"cachedPrices"`
	UpstreamConnected bool   `json:"upstreamConnected"`
}

// PriceMessage is broadcast to every client for each upstream update.
// Timestamp is Unix milliseconds.
type PriceMessage struct {
	Type      string   `json:"type"`
	Ticker    string   `json:"ticker"`
	YesBid    *float64 `json:"yesBid"`
	YesAsk    *float64 `json:"yesAsk"`
	NoBid     *float64 `json:"noBid"`
	NoAsk     *float64 `json:"noAsk"`
	Timestamp int64    `json:"timestamp"`
}

// NewPriceMessage builds the broadcast form of u.
func NewPriceMessage(u domain.PriceUpdate) PriceMessage {
	return PriceMessage{
		Type:      TypePrice,
		Ticker:    u.Ticker,
		YesBid:    u.YesBid,
		YesAsk:    u.YesAsk,
		NoBid:     u.NoBid,
		NoAsk:     u.NoAsk,
		Timestamp: u.ObservedAt.UnixMilli(),
	}
}

// ClientMessage is anything a client sends; only get_prices is understood.
type ClientMessage struct {
	Type    string   `json:"type"`
	Tickers []string `json:"tickers"`
}

// PricesMessage answers get_prices with whatever is cached for exactly the
// requested tickers.
type PricesMessage struct {
	Type   string                  `json:"type"`
	Prices map[string]domain.Quote `json:"prices"`
}

// ErrorMessage reports a request the server could not understand.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
