package postgres

import (
	"testing"
	"time"

	"github.com/alanyoungcy/swipefeed/internal/domain"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{"explicit", ClientConfig{DSN: "postgres://x"}, "postgres://x"},
		{"defaults", ClientConfig{Host: "db", User: "u", Password: "p", Database: "feed"},
			"postgres://u:p@db:5432/feed?sslmode=disable"},
		{"custom", ClientConfig{Host: "db", Port: 6432, User: "u", Password: "p", Database: "feed", SSLMode: "require"},
			"postgres://u:p@db:6432/feed?sslmode=require"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.cfg); got != tt.want {
				t.Errorf("DSN = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMarketArgsMatchColumns(t *testing.T) {
	end := time.Date(2026, 11, 3, 0, 0, 0, 0, time.UTC)
	m := domain.Market{ID: "A", Title: "A?", EndDate: &end, Status: domain.MarketStatusOpen}.WithYesPrice(0.3)
	args := marketArgs(m)
	if len(args) != 13 {
		t.Fatalf("args = %d, want 13", len(args))
	}
	if args[9] != "open" {
		t.Errorf("status arg = %v", args[9])
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/001_markets.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("empty migration")
	}
}
