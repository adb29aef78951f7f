package domain

import "time"

// WorkflowStatusView is the polling shape exposed to API callers.
type WorkflowStatusView struct {
	WorkflowID   string         `json:"workflow_id"`
	Status       WorkflowStatus `json:"status"`
	CurrentStage Stage          `json:"current_stage"`
	Progress     int            `json:"progress"`
	Error        *WorkflowError `json:"error,omitempty"`
}

type WorkflowProgressView struct {
	WorkflowID string `json:"workflow_id"`
	Percentage int    `json:"percentage"`
	Completed  bool   `json:"completed"`
}

// ProgressEvent is published to the progress subscriber channel.
type ProgressEvent struct {
	WorkflowID string         `json:"workflow_id"`
	Stage      Stage          `json:"stage"`
	Percent    int            `json:"percent"`
	Message    string         `json:"message,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	At         time.Time      `json:"at"`
}

// ParseRequest carries resolved document bytes to the AI-parsing
// collaborator, plus the preflight outputs: a timeout hint scaled from page
// and row counts, and rows pre-extracted from spreadsheet inputs.
type ParseRequest struct {
	WorkflowID  string
	Filename    string
	MimeType    string
	Data        []byte
	TimeoutHint time.Duration
	LineItems   []ExtractedItem
}

// DocumentInfo is the preflight summary of an input document.
type DocumentInfo struct {
	Kind      DocumentKind
	Pages     int
	Rows      int
	SizeBytes int
	// LineItems holds rows pre-extracted from spreadsheet inputs, handed to
	// the parser as hints.
	LineItems []ExtractedItem
}

type DocumentKind string

const (
	DocPDF         DocumentKind = "pdf"
	DocCSV         DocumentKind = "csv"
	DocSpreadsheet DocumentKind = "spreadsheet"
	DocImage       DocumentKind = "image"
	DocUnknown     DocumentKind = "unknown"
)

// PurchaseOrderFinal is the terminal-stage field merge written to the
// purchase order.
type PurchaseOrderFinal struct {
	Status       PurchaseOrderStatus
	JobStatus    string
	SupplierName string
	Confidence   float64
	TotalAmount  float64
	Notes        string
}

// LockMeta records who holds a purchase-order lock.
type LockMeta struct {
	WorkflowID string
	Stage      Stage
}

// ImageJob is the fire-and-forget payload for asynchronous image search.
type ImageJob struct {
	WorkflowID      string    `json:"workflow_id"`
	MerchantID      string    `json:"merchant_id"`
	PurchaseOrderID string    `json:"purchase_order_id"`
	DraftID         string    `json:"draft_id"`
	Item            LineItem  `json:"item"`
	EnqueuedAt      time.Time `json:"enqueued_at"`
}
