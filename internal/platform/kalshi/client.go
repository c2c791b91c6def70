// Package kalshi is the client for the Kalshi exchange: paginated market
// fetching over REST with rate-limit backoff, and the real-time ticker feed
// over WebSocket.
package kalshi

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	mrand "math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/swipefeed/internal/domain"
)

// Client is the REST client for the Kalshi exchange API.
type Client struct {
	baseURL    string
	apiKeyID   string
	privateKey *rsa.PrivateKey
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries int
	retryBase  time.Duration

	// sleep and jitter are replaced in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(limit time.Duration) time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new Kalshi REST client.
//
// baseURL is the API root, e.g. "https://api.elections.kalshi.com/trade-api/v2".
// apiKeyID may be empty; market data endpoints are public.
func NewClient(baseURL, apiKeyID string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:  baseURL,
		apiKeyID: apiKeyID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:     slog.Default(),
		maxRetries: 5,
		retryBase:  500 * time.Millisecond,
		sleep:      sleepContext,
		jitter:     randomJitter,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithRetries sets how many times a rate-limited page is retried and the
// base delay of the exponential backoff.
func WithRetries(max int, base time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBase = base
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(slog.String("component", "kalshi"))
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// SetRSAPrivateKey loads an RSA private key from PEM-encoded bytes and
// configures the client for RSA-signed authentication.
func (c *Client) SetRSAPrivateKey(pemBytes []byte) error {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return fmt.Errorf("kalshi: no PEM block found in private key")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		pkcs1Key, pkcs1Err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if pkcs1Err != nil {
			return fmt.Errorf("kalshi: parse private key: %w (pkcs1: %v)", err, pkcs1Err)
		}
		c.privateKey = pkcs1Key
		return nil
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("kalshi: expected RSA private key, got %T", key)
	}
	c.privateKey = rsaKey
	return nil
}

// APIError is a non-2xx response from the Kalshi API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kalshi: HTTP %d: %s (%s)", e.StatusCode, e.Message, e.Code)
}

// IsRateLimited reports whether the upstream asked us to slow down.
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Unwrap maps status codes onto domain sentinels so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrUnauthorized
	default:
		return nil
	}
}

// FetchPage fetches one page of markets. A 429 is retried up to maxRetries
// times, waiting retryBase*2^attempt plus jitter between requests. Any other
// failure is returned immediately.
func (c *Client) FetchPage(ctx context.Context, req PageRequest) (Page, error) {
	query := url.Values{}
	if req.Limit > 0 {
		query.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Cursor != "" {
		query.Set("cursor", req.Cursor)
	}
	if req.SeriesTicker != "" {
		query.Set("series_ticker", req.SeriesTicker)
	}
	if req.EventTicker != "" {
		query.Set("event_ticker", req.EventTicker)
	}
	if req.Status != "" {
		query.Set("status", req.Status)
	}

	for attempt := 0; ; attempt++ {
		body, err := c.doRequest(ctx, http.MethodGet, "/markets", query)
		if err == nil {
			return c.decodePage(body)
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.IsRateLimited() {
			return Page{}, fmt.Errorf("kalshi: fetch page: %w", err)
		}
		if attempt >= c.maxRetries {
			return Page{}, fmt.Errorf("kalshi: fetch page: gave up after %d retries: %w", c.maxRetries, err)
		}

		delay := c.backoff(attempt)
		c.logger.WarnContext(ctx, "rate limited, backing off",
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("cursor", req.Cursor),
			slog.String("series", req.SeriesTicker),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return Page{}, fmt.Errorf("kalshi: fetch page: %w", err)
		}
	}
}

// FetchSeries returns the first page of open markets in one series.
func (c *Client) FetchSeries(ctx context.Context, seriesTicker string, limit int) ([]RawMarket, error) {
	page, err := c.FetchPage(ctx, PageRequest{
		SeriesTicker: seriesTicker,
		Status:       "open",
		Limit:        limit,
	})
	if err != nil {
		return nil, fmt.Errorf("kalshi: fetch series %s: %w", seriesTicker, err)
	}
	return page.Markets, nil
}

// PaginateOptions bounds a Paginate call. Zero caps mean unbounded.
type PaginateOptions struct {
	Request    PageRequest
	MaxPages   int
	MaxRecords int
	// OnPage, when set, is called after each page with the 1-based page
	// count and everything accumulated so far.
	OnPage func(pages int, acc []RawMarket)
}

// Paginate follows cursors until the upstream returns none or a cap is hit.
// It never discards what it has: on failure the records accumulated so far
// are returned together with the error. Exhausted rate-limit retries wrap
// domain.ErrRateLimited.
func (c *Client) Paginate(ctx context.Context, opts PaginateOptions) ([]RawMarket, error) {
	var acc []RawMarket
	req := opts.Request
	pages := 0

	for {
		page, err := c.FetchPage(ctx, req)
		if err != nil {
			if errors.Is(err, domain.ErrRateLimited) {
				c.logger.WarnContext(ctx, "pagination stopped by rate limit, keeping partial results",
					slog.Int("pages", pages),
					slog.Int("records", len(acc)),
				)
			}
			return acc, fmt.Errorf("kalshi: paginate: page %d: %w", pages+1, err)
		}
		pages++

		acc = append(acc, page.Markets...)
		if opts.MaxRecords > 0 && len(acc) >= opts.MaxRecords {
			acc = acc[:opts.MaxRecords]
		}
		if opts.OnPage != nil {
			opts.OnPage(pages, acc)
		}

		switch {
		case page.Cursor == "":
			return acc, nil
		case opts.MaxPages > 0 && pages >= opts.MaxPages:
			return acc, nil
		case opts.MaxRecords > 0 && len(acc) >= opts.MaxRecords:
			return acc, nil
		}
		req.Cursor = page.Cursor
	}
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// maxRetryShift bounds the backoff exponent so a large retry count cannot
// overflow the delay.
const maxRetryShift = 16

// backoff returns retryBase*2^attempt plus up to half a base of jitter, so
// successive delays stay strictly increasing.
func (c *Client) backoff(attempt int) time.Duration {
	attempt = min(max(attempt, 0), maxRetryShift)
	d := c.retryBase << uint(attempt)
	return d + c.jitter(c.retryBase/2)
}

func (c *Client) decodePage(body []byte) (Page, error) {
	var resp marketsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Page{}, fmt.Errorf("kalshi: decode markets: %w: %v", domain.ErrMalformedPayload, err)
	}

	page := Page{
		Markets: make([]RawMarket, 0, len(resp.Markets)),
		Cursor:  resp.Cursor,
	}
	for _, raw := range resp.Markets {
		var m RawMarket
		if err := json.Unmarshal(raw, &m); err != nil || m.Ticker == "" {
			page.Skipped++
			continue
		}
		page.Markets = append(page.Markets, m)
	}
	if page.Skipped > 0 {
		c.logger.Warn("skipped malformed market records", slog.Int("skipped", page.Skipped))
	}
	return page, nil
}

// doRequest builds, optionally signs, sends, and reads an HTTP request
// against the Kalshi API.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	if c.privateKey != nil {
		headers, err := c.AuthHeaders(method, req.URL.Path)
		if err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
		for k, v := range headers {
			req.Header[k] = v
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr ErrorResponse
		_ = json.Unmarshal(respBody, &apiErr)
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Code:       apiErr.Code,
			Message:    msg,
			Body:       respBody,
		}
	}

	return respBody, nil
}

// AuthHeaders returns the Kalshi RSA-PSS authentication headers for a
// request. The signed message is timestamp + method + URL path. It returns
// nil headers when no private key is configured.
func (c *Client) AuthHeaders(method, path string) (http.Header, error) {
	if c.privateKey == nil {
		return nil, nil
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	hash := sha256.Sum256([]byte(ts + method + path))
	signature, err := rsa.SignPSS(rand.Reader, c.privateKey, crypto.SHA256, hash[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return nil, fmt.Errorf("RSA sign: %w", err)
	}

	h := http.Header{}
	h.Set("KALSHI-ACCESS-KEY", c.apiKeyID)
	h.Set("KALSHI-ACCESS-SIGNATURE", base64.StdEncoding.EncodeToString(signature))
	h.Set("KALSHI-ACCESS-TIMESTAMP", ts)
	return h, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(mrand.Int64N(int64(limit)))
}
