package domain

import "time"

type PurchaseOrderStatus string

const (
	POProcessing   PurchaseOrderStatus = "processing"
	POCompleted    PurchaseOrderStatus = "completed"
	POFailed       PurchaseOrderStatus = "failed"
	POReviewNeeded PurchaseOrderStatus = "review_needed"
)

type PurchaseOrder struct {
	ID              string              `json:"id"`
	MerchantID      string              `json:"merchant_id"`
	Status          PurchaseOrderStatus `json:"status"`
	JobStatus       string              `json:"job_status,omitempty"`
	ProcessingNotes string              `json:"processing_notes,omitempty"`
	SupplierName    string              `json:"supplier_name,omitempty"`
	Confidence      float64             `json:"confidence,omitempty"`
	TotalAmount     float64             `json:"total_amount,omitempty"`
	Currency        string              `json:"currency,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

type LineItem struct {
	ID              string  `json:"id"`
	PurchaseOrderID string  `json:"purchase_order_id"`
	SKU             string  `json:"sku,omitempty"`
	Description     string  `json:"description"`
	Quantity        int     `json:"quantity"`
	UnitCost        float64 `json:"unit_cost"`
}

type ProductDraft struct {
	ID         string    `json:"id"`
	MerchantID string    `json:"merchant_id"`
	LineItemID string    `json:"line_item_id"`
	Title      string    `json:"title"`
	SKU        string    `json:"sku,omitempty"`
	Price      float64   `json:"price"`
	Rules      []string  `json:"applied_rules,omitempty"`
	ImageURLs  []string  `json:"image_urls,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// MerchantSession is the credential context product-draft creation runs
// under. Temporary sessions are created when no active one exists.
type MerchantSession struct {
	ID         string    `json:"id"`
	MerchantID string    `json:"merchant_id"`
	Temporary  bool      `json:"temporary"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ExtractedOrder is the canonical shape of a successful AI parse. The
// parser adapter validates raw model output against a JSON Schema before
// decoding into this type; anything off-schema is a parsing bug, not a
// shape to be tolerated downstream.
type ExtractedOrder struct {
	SupplierName string          `json:"supplier_name"`
	OrderNumber  string          `json:"order_number,omitempty"`
	Currency     string          `json:"currency,omitempty"`
	TotalAmount  float64         `json:"total_amount,omitempty"`
	LineItems    []ExtractedItem `json:"line_items"`
}

type ExtractedItem struct {
	SKU         string  `json:"sku,omitempty"`
	Description string  `json:"description"`
	Quantity    int     `json:"quantity"`
	UnitCost    float64 `json:"unit_cost"`
}

// ParseResult is what the AI-parsing collaborator returns.
type ParseResult struct {
	Success       bool            `json:"success"`
	ExtractedData *ExtractedOrder `json:"extracted_data"`
	Confidence    float64         `json:"confidence"`
	Model         string          `json:"model,omitempty"`
}

type ImageCandidate struct {
	URL        string  `json:"url"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source,omitempty"`
}

type PricingOutcome struct {
	AdjustedPrice float64  `json:"adjusted_price"`
	AppliedRules  []string `json:"applied_rules,omitempty"`
}
