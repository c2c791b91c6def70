package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/swipefeed/internal/domain"
)

// defaultSnapshotTTL bounds how long a restored snapshot may be served after
// the writer stopped refreshing it.
const defaultSnapshotTTL = 24 * time.Hour

// SnapshotStore implements domain.SnapshotStore as a single Redis hash.
//
// Key schema:
//
//	{prefix}snapshot - hash with fields "data" (JSON markets), "fetched_at"
//	                   (Unix milliseconds) and "count"
type SnapshotStore struct {
	client *Client
	ttl    time.Duration
}

// NewSnapshotStore creates a SnapshotStore. A non-positive ttl uses 24h.
func NewSnapshotStore(c *Client, ttl time.Duration) *SnapshotStore {
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	return &SnapshotStore{client: c, ttl: ttl}
}

// SaveSnapshot replaces the stored snapshot atomically.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snap domain.MarketSnapshot) error {
	data, err := json.Marshal(snap.Markets)
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot: %w", err)
	}

	key := s.client.key("snapshot")
	pipe := s.client.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key,
		"data", data,
		"fetched_at", strconv.FormatInt(snap.FetchedAt.UnixMilli(), 10),
		"count", strconv.Itoa(len(snap.Markets)),
	)
	pipe.Expire(ctx, key, s.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot tagged with SourceRedis.
// It returns domain.ErrNotFound when nothing has been saved.
func (s *SnapshotStore) LoadSnapshot(ctx context.Context) (domain.MarketSnapshot, error) {
	vals, err := s.client.rdb.HMGet(ctx, s.client.key("snapshot"), "data", "fetched_at").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.MarketSnapshot{}, domain.ErrNotFound
		}
		return domain.MarketSnapshot{}, fmt.Errorf("redis: load snapshot: %w", err)
	}
	return decodeSnapshot(vals)
}

// decodeSnapshot turns an HMGET reply for data and fetched_at into a
// snapshot.
func decodeSnapshot(vals []any) (domain.MarketSnapshot, error) {
	if len(vals) != 2 || vals[0] == nil {
		return domain.MarketSnapshot{}, domain.ErrNotFound
	}
	data, ok := vals[0].(string)
	if !ok || data == "" {
		return domain.MarketSnapshot{}, domain.ErrNotFound
	}

	var markets []domain.Market
	if err := json.Unmarshal([]byte(data), &markets); err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("redis: unmarshal snapshot: %w", err)
	}
	if len(markets) == 0 {
		return domain.MarketSnapshot{}, domain.ErrNotFound
	}

	snap := domain.MarketSnapshot{Markets: markets, Source: domain.SourceRedis}
	if raw, ok := vals[1].(string); ok {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return domain.MarketSnapshot{}, fmt.Errorf("redis: parse fetched_at: %w", err)
		}
		if ms > 0 {
			snap.FetchedAt = time.UnixMilli(ms).UTC()
		}
	}
	return snap, nil
}

// Compile-time interface check.
var _ domain.SnapshotStore = (*SnapshotStore)(nil)
