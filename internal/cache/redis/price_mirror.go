package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/swipefeed/internal/domain"
)

const defaultQuoteTTL = time.Hour

// PriceMirror implements domain.PriceMirror using Redis hashes.
// Each ticker's quote is stored at "{prefix}price:{ticker}" with one field per
// present side ("yes_bid", "yes_ask", "no_bid", "no_ask") and "ts" (Unix
// milliseconds). Absent sides have no field.
type PriceMirror struct {
	client *Client
	ttl    time.Duration
}

// NewPriceMirror creates a PriceMirror backed by the given Client. Quotes
// expire after ttl without updates; a non-positive ttl uses one hour.
func NewPriceMirror(c *Client, ttl time.Duration) *PriceMirror {
	if ttl <= 0 {
		ttl = defaultQuoteTTL
	}
	return &PriceMirror{client: c, ttl: ttl}
}

func (pm *PriceMirror) priceKey(ticker string) string {
	return pm.client.key("price:" + ticker)
}

// SetQuote replaces the stored quote for the update's ticker.
func (pm *PriceMirror) SetQuote(ctx context.Context, u domain.PriceUpdate) error {
	key := pm.priceKey(u.Ticker)

	pipe := pm.client.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, quoteFields(u))
	pipe.Expire(ctx, key, pm.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", u.Ticker, err)
	}
	return nil
}

// GetQuotes retrieves the stored quotes for tickers using a pipeline.
// Tickers without a stored quote are omitted from the result map.
func (pm *PriceMirror) GetQuotes(ctx context.Context, tickers []string) (map[string]domain.Quote, error) {
	if len(tickers) == 0 {
		return map[string]domain.Quote{}, nil
	}

	pipe := pm.client.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(tickers))
	for _, t := range tickers {
		cmds[t] = pipe.HGetAll(ctx, pm.priceKey(t))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get quotes pipeline: %w", err)
	}

	result := make(map[string]domain.Quote, len(tickers))
	for t, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		result[t] = parseQuote(vals)
	}
	return result, nil
}

func quoteFields(u domain.PriceUpdate) map[string]any {
	fields := map[string]any{
		"ts": strconv.FormatInt(u.ObservedAt.UnixMilli(), 10),
	}
	put := func(name string, v *float64) {
		if v != nil {
			fields[name] = strconv.FormatFloat(*v, 'f', -1, 64)
		}
	}
	put("yes_bid", u.YesBid)
	put("yes_ask", u.YesAsk)
	put("no_bid", u.NoBid)
	put("no_ask", u.NoAsk)
	return fields
}

func parseQuote(vals map[string]string) domain.Quote {
	get := func(name string) *float64 {
		raw, ok := vals[name]
		if !ok {
			return nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil
		}
		return &v
	}
	return domain.Quote{
		YesBid: get("yes_bid"),
		YesAsk: get("yes_ask"),
		NoBid:  get("no_bid"),
		NoAsk:  get("no_ask"),
	}
}

// Compile-time interface check.
var _ domain.PriceMirror = (*PriceMirror)(nil)
