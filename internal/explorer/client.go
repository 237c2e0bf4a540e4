package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrRateLimited is returned on HTTP 429 from the explorer.
var ErrRateLimited = errors.New("explorer rate limited")

// UpstreamError wraps any other non-2xx explorer response.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("explorer upstream error: status %d", e.Status)
}

const pageSize = 100

// HistoryItem is one confirmed transaction reference for an address.
type HistoryItem struct {
	TxHash string `json:"tx_hash"`
	Height int64  `json:"height"`
	Time   int64  `json:"time"`
}

// Client is the explorer capability the backfill consumes.
type Client interface {
	ConfirmedHistory(ctx context.Context, addr string, maxTx int) ([]HistoryItem, error)
}

// Config holds the explorer connection parameters.
type Config struct {
	BaseURL   string
	APIKey    string        // optional bearer key
	RateLimit time.Duration // minimum spacing between requests
}

// WOCClient pages the WhatsOnChain-style confirmed history endpoint.
// Requests are strictly serialized: one in flight at a time, at most one per
// RateLimit interval.
type WOCClient struct {
	cfg        Config
	httpClient *http.Client
	log        *logrus.Logger

	mu       sync.Mutex
	lastCall time.Time
}

var _ Client = (*WOCClient)(nil)

// New builds an explorer client. RateLimit defaults to 1s when unset.
func New(cfg Config, log *logrus.Logger) *WOCClient {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = time.Second
	}
	return &WOCClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

type historyPage struct {
	Result        []HistoryItem `json:"result"`
	NextPageToken string        `json:"nextPageToken"`
}

// ConfirmedHistory pages until the explorer signals the end of history or
// maxTx entries have been collected, trimming the final page to exactly
// maxTx.
func (c *WOCClient) ConfirmedHistory(ctx context.Context, addr string, maxTx int) ([]HistoryItem, error) {
	var (
		items []HistoryItem
		token string
	)
	for {
		page, err := c.fetchPage(ctx, addr, token)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Result...)

		if len(items) >= maxTx {
			return items[:maxTx], nil
		}
		if len(page.Result) == 0 || len(page.Result) < pageSize || page.NextPageToken == "" {
			return items, nil
		}
		token = page.NextPageToken
	}
}

// fetchPage performs one serialized, rate-paced request.
func (c *WOCClient) fetchPage(ctx context.Context, addr, token string) (*historyPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if wait := c.cfg.RateLimit - time.Since(c.lastCall); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.lastCall = time.Now()

	endpoint := fmt.Sprintf("%s/address/%s/confirmed/history", c.cfg.BaseURL, url.PathEscape(addr))
	if token != "" {
		endpoint += "?token=" + url.QueryEscape(token)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("explorer: create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("explorer: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Unknown address: treated as empty history, not an error.
		return &historyPage{}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &UpstreamError{Status: resp.StatusCode, Body: string(body)}
	}

	var page historyPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("explorer: decode page: %w", err)
	}
	return &page, nil
}
