package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/swipefeed/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const upsertMarket = `
	INSERT INTO markets (
		id, title, subtitle, category, event_id,
		yes_price, volume, volume_24h, end_date, status,
		image_url, yes_label, no_label, updated_at
	) VALUES (
		$1, $2, $3, $4, $5,
		$6, $7, $8, $9, $10,
		$11, $12, $13, NOW()
	)
	ON CONFLICT (id) DO UPDATE SET
		title      = EXCLUDED.title,
		subtitle   = EXCLUDED.subtitle,
		category   = EXCLUDED.category,
		event_id   = EXCLUDED.event_id,
		yes_price  = EXCLUDED.yes_price,
		volume     = EXCLUDED.volume,
		volume_24h = EXCLUDED.volume_24h,
		end_date   = EXCLUDED.end_date,
		status     = EXCLUDED.status,
		image_url  = EXCLUDED.image_url,
		yes_label  = EXCLUDED.yes_label,
		no_label   = EXCLUDED.no_label,
		updated_at = NOW()`

// UpsertBatch inserts or updates multiple markets in a single batch operation.
func (s *MarketStore) UpsertBatch(ctx context.Context, markets []domain.Market) error {
	if len(markets) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range markets {
		batch.Queue(upsertMarket, marketArgs(m)...)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range markets {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert market batch item %d (%s): %w", i, markets[i].ID, err)
		}
	}
	return nil
}

func marketArgs(m domain.Market) []any {
	return []any{
		m.ID, m.Title, m.Subtitle, m.Category, m.EventID,
		m.YesPrice, m.Volume, m.Volume24h, m.EndDate, string(m.Status),
		m.ImageURL, m.YesLabel, m.NoLabel,
	}
}

const marketCols = `id, title, subtitle, category, event_id,
	yes_price, volume, volume_24h, end_date, status,
	image_url, yes_label, no_label`

// scanMarket scans a single market row into a domain.Market. NoPrice is
// derived from the stored yes price.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m       domain.Market
		yes     float64
		status  string
		endDate *time.Time
	)
	err := row.Scan(
		&m.ID, &m.Title, &m.Subtitle, &m.Category, &m.EventID,
		&yes, &m.Volume, &m.Volume24h, &endDate, &status,
		&m.ImageURL, &m.YesLabel, &m.NoLabel,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	if endDate != nil {
		t := endDate.UTC()
		m.EndDate = &t
	}
	return m.WithYesPrice(yes), nil
}

// ListTop returns up to limit open markets ordered by 24h volume.
func (s *MarketStore) ListTop(ctx context.Context, limit int) ([]domain.Market, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+marketCols+` FROM markets
		 WHERE status = $1 AND (end_date IS NULL OR end_date > NOW())
		 ORDER BY volume_24h DESC, id
		 LIMIT $2`,
		string(domain.MarketStatusOpen), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list top markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list top markets rows: %w", err)
	}
	return markets, nil
}

// Count returns the total number of markets in the database.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM markets").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return count, nil
}

// Compile-time interface check.
var _ domain.MarketStore = (*MarketStore)(nil)
