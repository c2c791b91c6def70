// Package search implements case-insensitive substring search over the
// market catalog.
package search

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/alanyoungcy/swipefeed/internal/domain"
)

// MinQueryLen is the shortest query that is searched at all.
const MinQueryLen = 2

// Search returns markets whose title, subtitle, id, or outcome labels contain
// query, ignoring case. Title matches rank ahead of matches on other fields;
// within each group results are ordered by 24h volume, highest first. Queries
// shorter than minLen return nothing. limit <= 0 means no limit.
func Search(markets []domain.Market, query string, minLen, limit int) []domain.Market {
	q := strings.ToLower(strings.TrimSpace(query))
	if minLen <= 0 {
		minLen = MinQueryLen
	}
	if utf8.RuneCountInString(q) < minLen {
		return nil
	}

	type hit struct {
		m     domain.Market
		title bool
	}
	var hits []hit
	for _, m := range markets {
		if strings.Contains(strings.ToLower(m.Title), q) {
			hits = append(hits, hit{m: m, title: true})
			continue
		}
		if matchesSecondary(m, q) {
			hits = append(hits, hit{m: m})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].title != hits[j].title {
			return hits[i].title
		}
		return hits[i].m.Volume24h > hits[j].m.Volume24h
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]domain.Market, len(hits))
	for i, h := range hits {
		out[i] = h.m
	}
	return out
}

func matchesSecondary(m domain.Market, q string) bool {
	for _, field := range []string{m.Subtitle, m.ID, m.YesLabel, m.NoLabel} {
		if field != "" && strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}
