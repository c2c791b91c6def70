package kalshi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/swipefeed/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestClient points a client at srv and records every backoff delay
// instead of sleeping.
func newTestClient(srv *httptest.Server, delays *[]time.Duration, opts ...ClientOption) *Client {
	opts = append([]ClientOption{WithLogger(discardLogger())}, opts...)
	c := NewClient(srv.URL, "", opts...)
	c.sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return c
}

func marketJSON(ticker string) map[string]any {
	return map[string]any{
		"ticker":       ticker,
		"event_ticker": "EV-" + ticker,
		"title":        "Market " + ticker,
		"status":       "open",
		"yes_bid":      40,
		"yes_ask":      44,
	}
}

func writePage(w http.ResponseWriter, cursor string, tickers ...string) {
	markets := make([]map[string]any, 0, len(tickers))
	for _, t := range tickers {
		markets = append(markets, marketJSON(t))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"markets": markets, "cursor": cursor})
}

func TestNewClient(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		c := NewClient("https://api.example.com", "key")
		if c.httpClient.Timeout != 30*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 30*time.Second)
		}
		if c.maxRetries != 5 {
			t.Errorf("maxRetries = %d, want 5", c.maxRetries)
		}
		if c.retryBase != 500*time.Millisecond {
			t.Errorf("retryBase = %v, want 500ms", c.retryBase)
		}
	})

	t.Run("with options", func(t *testing.T) {
		hc := &http.Client{}
		c := NewClient("https://api.example.com", "",
			WithHTTPClient(hc),
			WithTimeout(5*time.Second),
			WithRetries(2, time.Second),
		)
		if c.httpClient != hc {
			t.Error("custom HTTP client not set")
		}
		if hc.Timeout != 5*time.Second {
			t.Errorf("Timeout = %v, want 5s", hc.Timeout)
		}
		if c.maxRetries != 2 || c.retryBase != time.Second {
			t.Errorf("retries = (%d, %v), want (2, 1s)", c.maxRetries, c.retryBase)
		}
	})
}

func TestAPIError(t *testing.T) {
	tests := []struct {
		code     int
		limited  bool
		sentinel error
	}{
		{http.StatusTooManyRequests, true, domain.ErrRateLimited},
		{http.StatusNotFound, false, domain.ErrNotFound},
		{http.StatusUnauthorized, false, domain.ErrUnauthorized},
		{http.StatusInternalServerError, false, nil},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.code), func(t *testing.T) {
			err := &APIError{StatusCode: tt.code, Message: "x"}
			if got := err.IsRateLimited(); got != tt.limited {
				t.Errorf("IsRateLimited() = %v, want %v", got, tt.limited)
			}
			if tt.sentinel != nil && !errors.Is(err, tt.sentinel) {
				t.Errorf("errors.Is(%d, %v) = false", tt.code, tt.sentinel)
			}
		})
	}
}

func TestFetchPage_RetriesRateLimit(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"code":"too_many_requests","message":"slow down"}`))
			return
		}
		writePage(w, "", "A", "B")
	}))
	defer srv.Close()

	var delays []time.Duration
	c := newTestClient(srv, &delays, WithRetries(5, 100*time.Millisecond))

	page, err := c.FetchPage(context.Background(), PageRequest{Limit: 200})
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if got := requests.Load(); got != 4 {
		t.Errorf("requests = %d, want 4", got)
	}
	if len(page.Markets) != 2 {
		t.Errorf("markets = %d, want 2", len(page.Markets))
	}
	if len(delays) != 3 {
		t.Fatalf("delays = %v, want 3 entries", delays)
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Errorf("delay[%d] = %v not greater than delay[%d] = %v", i, delays[i], i-1, delays[i-1])
		}
	}
}

func TestFetchPage_JitterKeepsDelaysIncreasing(t *testing.T) {
	// Worst case: maximal jitter on one attempt, none on the next.
	c := NewClient("http://unused", "", WithRetries(5, 100*time.Millisecond))
	calls := 0
	c.jitter = func(limit time.Duration) time.Duration {
		calls++
		if calls%2 == 1 {
			return limit - 1
		}
		return 0
	}
	prev := time.Duration(0)
	for attempt := 0; attempt < 5; attempt++ {
		d := c.backoff(attempt)
		if d <= prev {
			t.Fatalf("backoff(%d) = %v, not greater than %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestBackoff_ClampsLargeAttempts(t *testing.T) {
	c := NewClient("http://unused", "", WithRetries(100, time.Second))
	c.jitter = func(time.Duration) time.Duration { return 0 }

	top := c.backoff(maxRetryShift)
	for _, attempt := range []int{maxRetryShift + 1, 63, 64, 1000} {
		if got := c.backoff(attempt); got != top {
			t.Errorf("backoff(%d) = %v, want clamp at %v", attempt, got, top)
		}
	}
	if got := c.backoff(-3); got != time.Second {
		t.Errorf("backoff(-3) = %v, want base", got)
	}
}

func TestFetchPage_GivesUp(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	var delays []time.Duration
	c := newTestClient(srv, &delays, WithRetries(2, 10*time.Millisecond))

	_, err := c.FetchPage(context.Background(), PageRequest{})
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if got := requests.Load(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
}

func TestFetchPage_NonRateLimitNotRetried(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var delays []time.Duration
	c := newTestClient(srv, &delays)

	_, err := c.FetchPage(context.Background(), PageRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("err = %v, want APIError 500", err)
	}
	if requests.Load() != 1 || len(delays) != 0 {
		t.Errorf("requests = %d delays = %d, want 1 and 0", requests.Load(), len(delays))
	}
}

func TestFetchPage_SkipsMalformedRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"markets":[{"ticker":"OK"},{"ticker":42},{"title":"no ticker"}],"cursor":""}`))
	}))
	defer srv.Close()

	var delays []time.Duration
	c := newTestClient(srv, &delays)
	page, err := c.FetchPage(context.Background(), PageRequest{})
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if len(page.Markets) != 1 || page.Markets[0].Ticker != "OK" {
		t.Errorf("markets = %+v, want only OK", page.Markets)
	}
	if page.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2", page.Skipped)
	}
}

func TestFetchPage_QueryParameters(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.RawQuery
		writePage(w, "")
	}))
	defer srv.Close()

	var delays []time.Duration
	c := newTestClient(srv, &delays)
	_, err := c.FetchPage(context.Background(), PageRequest{
		Cursor: "abc", Limit: 50, SeriesTicker: "KXBTC", Status: "open",
	})
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	want := "cursor=abc&limit=50&series_ticker=KXBTC&status=open"
	if got != want {
		t.Errorf("query = %q, want %q", got, want)
	}
}

// pagedServer serves n pages of size per page, failing page failAt (1-based)
// with status when failAt > 0.
func pagedServer(n, size, failAt, status int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := 1
		if c := r.URL.Query().Get("cursor"); c != "" {
			page, _ = strconv.Atoi(c)
		}
		if page == failAt {
			w.WriteHeader(status)
			return
		}
		tickers := make([]string, size)
		for i := range tickers {
			tickers[i] = fmt.Sprintf("P%d-%d", page, i)
		}
		next := ""
		if page < n {
			next = strconv.Itoa(page + 1)
		}
		writePage(w, next, tickers...)
	}))
}

func TestPaginate(t *testing.T) {
	tests := []struct {
		name       string
		pages      int
		maxPages   int
		maxRecords int
		want       int
		wantCalls  int
	}{
		{"follows cursor to the end", 3, 0, 0, 30, 3},
		{"stops at page cap", 5, 2, 0, 20, 2},
		{"stops at record cap", 5, 0, 25, 25, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := pagedServer(tt.pages, 10, 0, 0)
			defer srv.Close()

			var delays []time.Duration
			c := newTestClient(srv, &delays)
			calls := 0
			got, err := c.Paginate(context.Background(), PaginateOptions{
				MaxPages:   tt.maxPages,
				MaxRecords: tt.maxRecords,
				OnPage:     func(int, []RawMarket) { calls++ },
			})
			if err != nil {
				t.Fatalf("Paginate() error = %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
			if calls != tt.wantCalls {
				t.Errorf("OnPage calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestPaginate_PartialResults(t *testing.T) {
	t.Run("non rate limit failure", func(t *testing.T) {
		srv := pagedServer(5, 10, 3, http.StatusBadGateway)
		defer srv.Close()

		var delays []time.Duration
		c := newTestClient(srv, &delays)
		got, err := c.Paginate(context.Background(), PaginateOptions{})
		if err == nil {
			t.Fatal("expected error")
		}
		if len(got) != 20 {
			t.Errorf("partial = %d, want 20", len(got))
		}
		if errors.Is(err, domain.ErrRateLimited) {
			t.Error("502 must not be reported as rate limited")
		}
	})

	t.Run("rate limit exhausted", func(t *testing.T) {
		srv := pagedServer(5, 10, 2, http.StatusTooManyRequests)
		defer srv.Close()

		var delays []time.Duration
		c := newTestClient(srv, &delays, WithRetries(1, time.Millisecond))
		got, err := c.Paginate(context.Background(), PaginateOptions{})
		if !errors.Is(err, domain.ErrRateLimited) {
			t.Fatalf("err = %v, want ErrRateLimited", err)
		}
		if len(got) != 10 {
			t.Errorf("partial = %d, want 10", len(got))
		}
	})
}

func TestDollars(t *testing.T) {
	tests := []struct {
		name    string
		dollars string
		cents   float64
		want    float64
		ok      bool
	}{
		{"dollar string wins", "0.4200", 10, 0.42, true},
		{"cents fallback", "", 37, 0.37, true},
		{"zero means empty", "", 0, 0, false},
		{"zero dollars falls back to cents", "0.0000", 5, 0.05, true},
		{"garbage falls back", "n/a", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Dollars(tt.dollars, tt.cents)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Dollars(%q, %v) = (%v, %v), want (%v, %v)", tt.dollars, tt.cents, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestSeriesTicker(t *testing.T) {
	tests := []struct {
		m    RawMarket
		want string
	}{
		{RawMarket{EventTicker: "KXBTCD-25DEC31"}, "KXBTCD"},
		{RawMarket{Ticker: "INXD-24-T5000"}, "INXD"},
		{RawMarket{Ticker: "PLAIN"}, "PLAIN"},
	}
	for _, tt := range tests {
		if got := tt.m.SeriesTicker(); got != tt.want {
			t.Errorf("SeriesTicker(%+v) = %q, want %q", tt.m, got, tt.want)
		}
	}
}
