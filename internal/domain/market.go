package domain

import "time"

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusOpen    MarketStatus = "open"
	MarketStatusClosed  MarketStatus = "closed"
	MarketStatusSettled MarketStatus = "settled"
)

// Market is the canonical, cached shape of one binary prediction market.
// NoPrice is always derived from YesPrice and never set independently.
type Market struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	Subtitle  string       `json:"subtitle"`
	Category  string       `json:"category"`
	YesPrice  float64      `json:"yesPrice"`
	NoPrice   float64      `json:"noPrice"`
	Volume    float64      `json:"volume"`
	Volume24h float64      `json:"volume24h"`
	EndDate   *time.Time   `json:"endDate,omitempty"`
	Status    MarketStatus `json:"status"`
	ImageURL  string       `json:"imageUrl,omitempty"`
	EventID   string       `json:"eventId,omitempty"`
	YesLabel  string       `json:"yesLabel,omitempty"`
	NoLabel   string       `json:"noLabel,omitempty"`
}

// WithYesPrice returns a copy of m whose yes/no prices are derived from p,
// clamped to [0, 1].
func (m Market) WithYesPrice(p float64) Market {
	switch {
	case p < 0:
		p = 0
	case p > 1:
		p = 1
	}
	m.YesPrice = p
	m.NoPrice = 1 - p
	return m
}

// GroupKey is the key markets are deduplicated on: the parent event when
// known, the market itself otherwise.
func (m Market) GroupKey() string {
	if m.EventID != "" {
		return m.EventID
	}
	return m.ID
}

// SnapshotSource records where the contents of a MarketSnapshot came from.
type SnapshotSource string

const (
	SourceUpstream    SnapshotSource = "upstream"
	SourceRedis       SnapshotSource = "redis"
	SourcePostgres    SnapshotSource = "postgres"
	SourcePlaceholder SnapshotSource = "placeholder"
)

// MarketSnapshot is an immutable view of the aggregated market state. A new
// snapshot replaces the previous one wholesale; readers never see a partial
// mutation. Markets are unique by ID.
type MarketSnapshot struct {
	Markets   []Market       `json:"markets"`
	FetchedAt time.Time      `json:"fetchedAt"`
	Source    SnapshotSource `json:"source"`
	// Partial is set on progressive writes made while a cold refresh is
	// still paging through the catalog.
	Partial bool `json:"partial"`
}

// Empty reports whether the snapshot holds no markets.
func (s *MarketSnapshot) Empty() bool {
	return s == nil || len(s.Markets) == 0
}

// Age returns how long ago the snapshot was fetched. A snapshot that was
// never fetched is infinitely old.
func (s *MarketSnapshot) Age(now time.Time) time.Duration {
	if s == nil || s.FetchedAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(s.FetchedAt)
}
