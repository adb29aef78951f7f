// Package pricing is the HTTP client for the pricing-refinement
// collaborator.
package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/merchantforge/poflow/internal/core/domain"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

type testRulesRequest struct {
	MerchantID string  `json:"merchant_id"`
	Title      string  `json:"title"`
	SKU        string  `json:"sku,omitempty"`
	BasePrice  float64 `json:"base_price"`
}

func (c *Client) TestPricingRules(ctx context.Context, merchantID string, draft *domain.ProductDraft) (*domain.PricingOutcome, error) {
	body, err := json.Marshal(testRulesRequest{
		MerchantID: merchantID,
		Title:      draft.Title,
		SKU:        draft.SKU,
		BasePrice:  draft.Price,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal pricing request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/pricing/test", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create pricing request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pricing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("pricing status %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var outcome domain.PricingOutcome
	if err := json.NewDecoder(resp.Body).Decode(&outcome); err != nil {
		return nil, fmt.Errorf("decode pricing response: %w", err)
	}
	return &outcome, nil
}
