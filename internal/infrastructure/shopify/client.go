// Package shopify pushes processed purchase orders to the sales channel.
package shopify

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
	token      string
	httpClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type syncRequest struct {
	PurchaseOrderID string                `json:"purchase_order_id"`
	MerchantID      string                `json:"merchant_id"`
	SupplierName    string                `json:"supplier_name,omitempty"`
	Drafts          []domain.ProductDraft `json:"drafts"`
}

type syncResponse struct {
	SyncRef string `json:"sync_ref"`
}

// SyncPurchaseOrder submits the order and returns a reference id used by
// downstream reporting.
func (c *Client) SyncPurchaseOrder(ctx context.Context, po *domain.PurchaseOrder, drafts []domain.ProductDraft) (string, error) {
	body, err := json.Marshal(syncRequest{
		PurchaseOrderID: po.ID,
		MerchantID:      po.MerchantID,
		SupplierName:    po.SupplierName,
		Drafts:          drafts,
	})
	if err != nil {
		return "", fmt.Errorf("marshal sync request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sync", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sync request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", domain.WrapError(domain.ErrUnauthorized, "shopify sync",
			fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(raw))))
	case resp.StatusCode >= 300:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", domain.WrapError(domain.ErrTemporary, "shopify sync",
			fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(raw))))
	}

	var decoded syncResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode sync response: %w", err)
	}
	if decoded.SyncRef == "" {
		return "", fmt.Errorf("sync response missing reference id")
	}
	return decoded.SyncRef, nil
}
