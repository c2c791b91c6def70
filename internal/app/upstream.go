package app

import (
	"context"

	"github.com/alanyoungcy/swipefeed/internal/market"
	"github.com/alanyoungcy/swipefeed/internal/platform/kalshi"
	"github.com/alanyoungcy/swipefeed/internal/service"
)

// kalshiUpstream adapts the Kalshi websocket client to the price hub.
type kalshiUpstream struct {
	ws *kalshi.WSClient
}

func (u kalshiUpstream) Connect(ctx context.Context) (service.UpstreamConn, error) {
	conn, err := u.ws.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// catalogTickers returns the ids of the cached markets, the subscription set
// for the price stream. Placeholder markets never enter the cache.
func catalogTickers(cache *market.Cache) func() []string {
	return func() []string {
		snap := cache.Get()
		tickers := make([]string, 0, len(snap.Markets))
		for _, m := range snap.Markets {
			tickers = append(tickers, m.ID)
		}
		return tickers
	}
}
