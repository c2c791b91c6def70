package domain

import "context"

// MarketStore persists the aggregated market catalog.
type MarketStore interface {
	UpsertBatch(ctx context.Context, markets []Market) error
	// ListTop returns up to limit open markets ordered by 24h volume.
	ListTop(ctx context.Context, limit int) ([]Market, error)
	Count(ctx context.Context) (int64, error)
}
