// Package upstream pulls pages of raw records from the ledger's public HTTP
// API. All delivery is treated as at-least-once: pages may repeat records and
// arrive out of order across polls, so correctness lives entirely in the
// reconciler's idempotent merge, not here.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"DexIndexer/internal/model"
	"DexIndexer/internal/observability"
)

// Stream paths on the upstream API.
var streamPaths = map[string]string{
	model.StreamOffers: "/offers",
	model.StreamTrades: "/trades",
	model.StreamPools:  "/liquidity_pools",
}

// Page is one fetched page of raw records.
type Page struct {
	Records [][]byte
	// NextToken resumes after the last record of this page. Unchanged from
	// the request token when the page is empty.
	NextToken string
	// UpToDate is the explicit "no more data yet" signal: the stream is
	// caught up with the upstream head. Not an error.
	UpToDate bool
}

// Config tunes the client's retry behaviour.
type Config struct {
	BaseURL     string
	MaxRetries  int
	RetryBase   time.Duration
	RetryCap    time.Duration
	HTTPTimeout time.Duration
}

// DefaultConfig returns production retry settings.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:     baseURL,
		MaxRetries:  4,
		RetryBase:   250 * time.Millisecond,
		RetryCap:    5 * time.Second,
		HTTPTimeout: 10 * time.Second,
	}
}

// Client fetches record pages over HTTP with bounded retry.
type Client struct {
	cfg     Config
	http    *http.Client
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewClient(cfg Config, metrics *observability.Metrics, logger zerolog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		metrics: metrics,
		logger:  logger,
	}
}

// pageJSON is the upstream page envelope: records under _embedded, an opaque
// next link that is ignored in favour of per-record paging tokens.
type pageJSON struct {
	Embedded struct {
		Records []json.RawMessage `json:"records"`
	} `json:"_embedded"`
}

type recordTokenJSON struct {
	PagingToken string `json:"paging_token"`
}

// problemJSON is the upstream error body shape.
type problemJSON struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// FetchPage requests the next page of records for a stream after the given
// paging token. An empty token starts from the earliest available point.
// Transient failures are retried with exponential backoff and jitter up to
// MaxRetries; exhaustion escalates to *model.TransientFetchError so the
// ingestion loop can back off at the cycle level instead of spinning here.
func (c *Client) FetchPage(ctx context.Context, stream, pagingToken string, limit int) (*Page, error) {
	path, ok := streamPaths[stream]
	if !ok {
		return nil, fmt.Errorf("unknown stream %q", stream)
	}

	reqURL, err := c.buildURL(path, pagingToken, limit)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	backoff := c.cfg.RetryBase
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.metrics.FetchRetries.WithLabelValues(stream).Inc()
			// Full jitter keeps concurrent streams from retrying in lockstep.
			wait := time.Duration(rand.Int63n(int64(backoff)))
			c.logger.Warn().
				Str("stream", stream).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Err(lastErr).
				Msg("retrying upstream fetch")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			backoff *= 2
			if backoff > c.cfg.RetryCap {
				backoff = c.cfg.RetryCap
			}
		}

		page, err := c.fetchOnce(ctx, stream, reqURL, pagingToken)
		if err == nil {
			c.metrics.FetchPages.WithLabelValues(stream).Inc()
			c.metrics.FetchPageDur.WithLabelValues(stream).Observe(time.Since(start).Seconds())
			return page, nil
		}
		if !retryable(err) {
			c.metrics.FetchErrors.WithLabelValues(stream, model.ErrorKind(err)).Inc()
			return nil, err
		}
		lastErr = err
	}

	err = &model.TransientFetchError{Attempts: c.cfg.MaxRetries + 1, Err: lastErr}
	c.metrics.FetchErrors.WithLabelValues(stream, model.ErrorKind(err)).Inc()
	return nil, err
}

func (c *Client) fetchOnce(ctx context.Context, stream, reqURL, pagingToken string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &transientError{err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &transientError{err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// Fall through to parse.
	case staleTokenStatus(resp.StatusCode, body):
		return nil, &model.StaleCursorError{Stream: stream, Token: pagingToken}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &transientError{err: fmt.Errorf("upstream status %d", resp.StatusCode)}
	default:
		return nil, fmt.Errorf("upstream status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var pj pageJSON
	if err := json.Unmarshal(body, &pj); err != nil {
		return nil, fmt.Errorf("unparseable page body: %w", err)
	}

	page := &Page{NextToken: pagingToken}
	if len(pj.Embedded.Records) == 0 {
		page.UpToDate = true
		return page, nil
	}

	for _, rec := range pj.Embedded.Records {
		page.Records = append(page.Records, []byte(rec))
	}

	// The next token is the last record's own paging token; the upstream's
	// _links.next href encodes the same position.
	var tok recordTokenJSON
	if err := json.Unmarshal(pj.Embedded.Records[len(pj.Embedded.Records)-1], &tok); err == nil && tok.PagingToken != "" {
		page.NextToken = tok.PagingToken
	}

	return page, nil
}

func (c *Client) buildURL(path, pagingToken string, limit int) (string, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/") + path)
	if err != nil {
		return "", fmt.Errorf("bad upstream base url: %w", err)
	}
	q := u.Query()
	q.Set("order", "asc")
	q.Set("limit", strconv.Itoa(limit))
	if pagingToken != "" {
		q.Set("cursor", pagingToken)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// staleTokenStatus recognizes an expired/pruned paging token. The upstream
// answers 410 once history is pruned past the token, or 400 with a
// before-history problem body. The exact contract is unconfirmed upstream, so
// both map to the safe StaleCursor path.
func staleTokenStatus(status int, body []byte) bool {
	if status == http.StatusGone {
		return true
	}
	if status != http.StatusBadRequest {
		return false
	}
	var pj problemJSON
	if err := json.Unmarshal(body, &pj); err != nil {
		return false
	}
	return strings.Contains(pj.Type, "before_history") ||
		strings.Contains(strings.ToLower(pj.Detail), "outside the recorded history")
}

// transientError marks an error as retryable inside the fetcher.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func retryable(err error) bool {
	_, ok := err.(*transientError)
	return ok
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
