package domain

import (
	"context"
	"time"
)

// SnapshotStore keeps the last complete MarketSnapshot outside the process so
// a restart can serve last-known-good data before the first refresh lands.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap MarketSnapshot) error
	LoadSnapshot(ctx context.Context) (MarketSnapshot, error)
}

// PriceMirror receives a copy of every price update for consumers outside
// this process.
type PriceMirror interface {
	SetQuote(ctx context.Context, update PriceUpdate) error
	GetQuotes(ctx context.Context, tickers []string) (map[string]Quote, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
