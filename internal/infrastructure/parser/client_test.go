package parser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/merchantforge/poflow/internal/core/domain"
)

const validExtracted = `{
	"supplier_name": "Acme Supply",
	"currency": "USD",
	"total_amount": 120.5,
	"line_items": [
		{"sku": "W-1", "description": "Widget", "quantity": 2, "unit_cost": 10.25},
		{"description": "Gadget", "quantity": 1, "unit_cost": 100}
	]
}`

func TestParseDocumentSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body["workflow_id"] != "wf-1" {
			t.Errorf("workflow_id = %v", body["workflow_id"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":        true,
			"extracted_data": json.RawMessage(validExtracted),
			"confidence":     0.92,
			"model":          "po-extract-v2",
		})
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL})
	result, err := client.ParseDocument(context.Background(), domain.ParseRequest{
		WorkflowID: "wf-1",
		Filename:   "order.pdf",
		Data:       []byte("%PDF-1.7 fake"),
	})
	if err != nil {
		t.Fatalf("ParseDocument() error = %v", err)
	}
	if result.Confidence != 0.92 {
		t.Fatalf("confidence = %v", result.Confidence)
	}
	if len(result.ExtractedData.LineItems) != 2 {
		t.Fatalf("line items = %d", len(result.ExtractedData.LineItems))
	}
	if result.ExtractedData.SupplierName != "Acme Supply" {
		t.Fatalf("supplier = %s", result.ExtractedData.SupplierName)
	}
}

func TestParseDocumentMissingConfidenceIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":        true,
			"extracted_data": json.RawMessage(validExtracted),
		})
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL})
	_, err := client.ParseDocument(context.Background(), domain.ParseRequest{
		WorkflowID: "wf-1",
		Data:       []byte("doc"),
	})
	if !domain.IsKind(err, domain.ErrFatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestParseDocumentOffSchemaOutputIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":        true,
			"extracted_data": map[string]any{"supplier": "wrong-shape"},
			"confidence":     0.8,
		})
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL})
	_, err := client.ParseDocument(context.Background(), domain.ParseRequest{
		WorkflowID: "wf-1",
		Data:       []byte("doc"),
	})
	if !domain.IsKind(err, domain.ErrFatal) {
		t.Fatalf("expected fatal error for off-schema output, got %v", err)
	}
}

func TestParseDocumentEmptyContentIsInvalidInput(t *testing.T) {
	client := New(Config{BaseURL: "http://unused"})
	_, err := client.ParseDocument(context.Background(), domain.ParseRequest{WorkflowID: "wf-1"})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid-input error, got %v", err)
	}
}

func TestTimeoutScalesWithInputSize(t *testing.T) {
	client := New(Config{
		BaseURL:     "http://unused",
		BaseTimeout: 10 * time.Second,
		PerKB:       100 * time.Millisecond,
		MaxTimeout:  time.Minute,
	})

	small := client.timeoutFor(1024)
	large := client.timeoutFor(1024 * 1024)
	if small >= large {
		t.Fatalf("expected larger budget for larger input: %v vs %v", small, large)
	}
	if large != time.Minute {
		t.Fatalf("expected cap at max timeout, got %v", large)
	}
}

func TestClassifyParserErrorRetryableStatuses(t *testing.T) {
	retryable := ClassifyParserError(&HTTPStatusError{StatusCode: http.StatusServiceUnavailable})
	if !retryable.Retryable {
		t.Fatal("503 should be retryable")
	}
	fatal := ClassifyParserError(&HTTPStatusError{StatusCode: http.StatusUnauthorized})
	if fatal.Retryable {
		t.Fatal("401 must not be retryable")
	}
}

func TestPreflightHintWidensBudget(t *testing.T) {
	client := New(Config{
		BaseURL:     "http://unused",
		BaseTimeout: 10 * time.Second,
		PerKB:       100 * time.Millisecond,
		MaxTimeout:  time.Minute,
	})

	small := domain.ParseRequest{Data: make([]byte, 1024)}
	hinted := domain.ParseRequest{Data: make([]byte, 1024), TimeoutHint: 40 * time.Second}
	if got := client.budgetFor(hinted); got != 40*time.Second {
		t.Fatalf("hint should widen the budget, got %v", got)
	}
	if client.budgetFor(small) >= client.budgetFor(hinted) {
		t.Fatal("hinted request must get a larger budget than size alone")
	}

	capped := domain.ParseRequest{Data: make([]byte, 1024), TimeoutHint: time.Hour}
	if got := client.budgetFor(capped); got != time.Minute {
		t.Fatalf("hint must be capped at max timeout, got %v", got)
	}

	shortHint := domain.ParseRequest{Data: make([]byte, 1024), TimeoutHint: time.Second}
	if got := client.budgetFor(shortHint); got < 10*time.Second {
		t.Fatalf("hint must never shrink the size-scaled budget, got %v", got)
	}
}
