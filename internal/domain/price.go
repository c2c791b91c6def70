package domain

import "time"

// PriceUpdate is the latest top-of-book for one ticker, in dollars (0..1).
// Absent sides are nil. Only the most recent update per ticker is kept.
type PriceUpdate struct {
	Ticker     string    `json:"ticker"`
	YesBid     *float64  `json:"yesBid"`
	YesAsk     *float64  `json:"yesAsk"`
	NoBid      *float64  `json:"noBid"`
	NoAsk      *float64  `json:"noAsk"`
	ObservedAt time.Time `json:"observedAt"`
}

// Quote is the price portion of a PriceUpdate, as served in snapshot replies.
type Quote struct {
	YesBid *float64 `json:"yesBid"`
	YesAsk *float64 `json:"yesAsk"`
	NoBid  *float64 `json:"noBid"`
	NoAsk  *float64 `json:"noAsk"`
}

// Quote strips the identity and timestamp from u.
func (u PriceUpdate) Quote() Quote {
	return Quote{YesBid: u.YesBid, YesAsk: u.YesAsk, NoBid: u.NoBid, NoAsk: u.NoAsk}
}

// ConnectionState is the lifecycle state of the single upstream price link.
type ConnectionState int

const (
	StateClosed ConnectionState = iota
	StateConnecting
	StateOpen
	StateError
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateError:
		return "error"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
