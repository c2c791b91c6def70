// Package feed turns the cached market catalog into the swipe feed: it
// filters out near-certain and non-binary questions, keeps one market per
// event, and orders the result so categories are spread out.
package feed

import (
	"regexp"
	"sort"

	"github.com/alanyoungcy/swipefeed/internal/domain"
)

// Options tunes Diversify.
type Options struct {
	// Markets with a yes price at or below MinProbability, or at or above
	// MaxProbability, are dropped.
	MinProbability float64
	MaxProbability float64
	// SpacingWindow is K: a category may not repeat within K consecutive
	// positions while alternatives remain.
	SpacingWindow int
	// SearchWindow bounds how many ranked candidates are scanned per slot.
	SearchWindow int
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		MinProbability: 0.01,
		MaxProbability: 0.99,
		SpacingWindow:  5,
		SearchWindow:   20,
	}
}

// nonBinaryTitles matches questions with more than two outcomes.
var nonBinaryTitles = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bwhich\b.*\bwill win\b`),
	regexp.MustCompile(`(?i)^\s*which\b`),
	regexp.MustCompile(`(?i)^\s*how (many|much)\b`),
	regexp.MustCompile(`(?i)^\s*when will\b`),
	regexp.MustCompile(`(?i)^\s*who will\b`),
	regexp.MustCompile(`(?i)^\s*what will\b`),
}

// IsBinary reports whether title reads as a yes/no question.
func IsBinary(title string) bool {
	for _, re := range nonBinaryTitles {
		if re.MatchString(title) {
			return false
		}
	}
	return true
}

// Diversify filters, deduplicates, ranks, and spaces markets. It does not
// modify its input.
func Diversify(markets []domain.Market, opts Options) []domain.Market {
	pool := make([]domain.Market, 0, len(markets))
	for _, m := range markets {
		if m.YesPrice <= opts.MinProbability || m.YesPrice >= opts.MaxProbability {
			continue
		}
		if !IsBinary(m.Title) {
			continue
		}
		pool = append(pool, m)
	}

	pool = dedupByGroup(pool)
	rank(pool)
	return Space(pool, opts.SpacingWindow, opts.SearchWindow)
}

// dedupByGroup keeps the highest 24h-volume market per event.
func dedupByGroup(markets []domain.Market) []domain.Market {
	best := make(map[string]int, len(markets))
	out := make([]domain.Market, 0, len(markets))
	for _, m := range markets {
		key := m.GroupKey()
		i, ok := best[key]
		if !ok {
			best[key] = len(out)
			out = append(out, m)
			continue
		}
		if m.Volume24h > out[i].Volume24h {
			out[i] = m
		}
	}
	return out
}

// rank sorts by 24h volume descending; ties break on id for determinism.
func rank(markets []domain.Market) {
	sort.SliceStable(markets, func(i, j int) bool {
		if markets[i].Volume24h != markets[j].Volume24h {
			return markets[i].Volume24h > markets[j].Volume24h
		}
		return markets[i].ID < markets[j].ID
	})
}

// Space reorders ranked markets so that no category repeats within window
// consecutive positions, scanning at most searchWindow candidates per slot.
// A slot with no qualifying candidate defers the top candidate; deferred
// markets return to the pool once it drains, and if a whole pass places
// nothing the best deferred market is placed regardless. Every input market
// appears exactly once in the output.
func Space(ranked []domain.Market, window, searchWindow int) []domain.Market {
	if window < 2 || len(ranked) < 2 {
		return append([]domain.Market(nil), ranked...)
	}
	if searchWindow <= 0 {
		searchWindow = len(ranked)
	}

	out := make([]domain.Market, 0, len(ranked))
	primary := append([]domain.Market(nil), ranked...)
	var deferred []domain.Market
	placedSinceRelease := true

	for len(primary) > 0 || len(deferred) > 0 {
		if len(primary) == 0 {
			if !placedSinceRelease {
				out = append(out, deferred[0])
				deferred = deferred[1:]
				placedSinceRelease = true
				continue
			}
			primary = deferred
			deferred = nil
			rank(primary)
			placedSinceRelease = false
		}

		if i := pick(primary, out, window, searchWindow); i >= 0 {
			out = append(out, primary[i])
			primary = append(primary[:i], primary[i+1:]...)
			placedSinceRelease = true
			continue
		}
		deferred = append(deferred, primary[0])
		primary = primary[1:]
	}
	return out
}

// pick returns the index of the best-ranked candidate whose category is not
// among the last window-1 placed markets, or -1.
func pick(candidates, placed []domain.Market, window, searchWindow int) int {
	recent := make(map[string]struct{}, window-1)
	for i := len(placed) - 1; i >= 0 && i >= len(placed)-(window-1); i-- {
		recent[placed[i].Category] = struct{}{}
	}

	n := min(searchWindow, len(candidates))
	for i := 0; i < n; i++ {
		if _, clash := recent[candidates[i].Category]; !clash {
			return i
		}
	}
	return -1
}
