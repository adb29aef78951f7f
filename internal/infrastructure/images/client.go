// Package images is the HTTP client for the image-sourcing collaborator.
// Best effort by contract: empty results and timeouts degrade to "no images
// for this item", never to a stage failure.
package images

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/merchantforge/poflow/internal/core/domain"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter

	perItemTimeout time.Duration
	maxResults     int
}

type Config struct {
	BaseURL string
	// RatePerSecond bounds outbound scrape traffic across all workflows.
	RatePerSecond float64
	Burst         int
	// PerItemTimeout is the hard wait bound for one item's search.
	PerItemTimeout time.Duration
	MaxResults     int
}

func New(cfg Config) *Client {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.PerItemTimeout <= 0 {
		cfg.PerItemTimeout = 15 * time.Second
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:     &http.Client{},
		limiter:        rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		perItemTimeout: cfg.PerItemTimeout,
		maxResults:     cfg.MaxResults,
	}
}

type searchResponse struct {
	Results []domain.ImageCandidate `json:"results"`
}

// SearchImages looks up candidate images for one line item. The call waits
// for a rate-limiter slot, then runs under the per-item timeout.
func (c *Client) SearchImages(ctx context.Context, item domain.LineItem) ([]domain.ImageCandidate, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("image search rate wait: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.perItemTimeout)
	defer cancel()

	query := url.Values{}
	query.Set("q", searchTerm(item))
	query.Set("limit", fmt.Sprintf("%d", c.maxResults))

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+"/v1/search?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create image search request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("image search status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode image search response: %w", err)
	}
	return decoded.Results, nil
}

func searchTerm(item domain.LineItem) string {
	if item.SKU != "" {
		return item.SKU + " " + item.Description
	}
	return item.Description
}
