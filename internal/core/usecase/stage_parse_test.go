package usecase

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/merchantforge/poflow/internal/core/domain"
	"github.com/merchantforge/poflow/internal/infrastructure/resilience"
)

type capturingParser struct {
	result *domain.ParseResult
	last   domain.ParseRequest
}

func (p *capturingParser) ParseDocument(_ context.Context, req domain.ParseRequest) (*domain.ParseResult, error) {
	p.last = req
	return p.result, nil
}

type tableInspector struct {
	info domain.DocumentInfo
}

func (i tableInspector) Inspect(string, []byte) (domain.DocumentInfo, error) {
	return i.info, nil
}

func newParsingStage(t *testing.T, docParser *capturingParser, inspector tableInspector) *AIParsingStage {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    1,
		RetryInitialBackoff: time.Millisecond,
		BreakerEnabled:      false,
	})
	return NewAIParsingStage(docParser, fakeStorage{}, inspector, newFakePORepo(),
		NewProgressProjector(&fakePublisher{}, logger), exec, logger)
}

func parsingInput() StageInput {
	run := domain.NewWorkflowRun("wf-parse", domain.StartPayload{MerchantID: "m-1"}, time.Now().UTC())
	return StageInput{
		Run: run,
		Data: domain.AccumulatedData{
			"merchant_id": "m-1",
			"filename":    "order.pdf",
			"content":     "raw pdf bytes",
		},
	}
}

// A parser adapter honoring the port can still hand back an incomplete
// result with a nil error; the stage must fail the run, not dereference it.
func TestParsingRejectsIncompleteResult(t *testing.T) {
	inspector := tableInspector{info: domain.DocumentInfo{Kind: domain.DocPDF, Pages: 1}}

	cases := []struct {
		name   string
		result *domain.ParseResult
	}{
		{"unsuccessful", &domain.ParseResult{Success: false}},
		{"nil result", nil},
		{"missing extracted data", &domain.ParseResult{Success: true, Confidence: 0.9}},
		{"missing confidence", &domain.ParseResult{Success: true, ExtractedData: testExtractedOrder()}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stage := newParsingStage(t, &capturingParser{result: tc.result}, inspector)
			_, err := stage.Process(context.Background(), parsingInput())
			if err == nil {
				t.Fatal("expected error for incomplete parser result")
			}
			if !domain.IsKind(err, domain.ErrFatal) {
				t.Fatalf("expected fatal error, got %v", err)
			}
		})
	}
}

func TestParseRequestCarriesPreflightHints(t *testing.T) {
	hints := []domain.ExtractedItem{
		{SKU: "A-1", Description: "Widget", Quantity: 10, UnitCost: 4.5},
		{SKU: "A-2", Description: "Gadget", Quantity: 5, UnitCost: 9.1},
	}
	inspector := tableInspector{info: domain.DocumentInfo{
		Kind:      domain.DocSpreadsheet,
		Rows:      120,
		LineItems: hints,
	}}
	docParser := &capturingParser{result: &domain.ParseResult{
		Success:       true,
		ExtractedData: testExtractedOrder(),
		Confidence:    0.9,
	}}

	stage := newParsingStage(t, docParser, inspector)
	if _, err := stage.Process(context.Background(), parsingInput()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if docParser.last.TimeoutHint <= 0 {
		t.Fatalf("timeout hint not set from preflight: %v", docParser.last.TimeoutHint)
	}
	if len(docParser.last.LineItems) != len(hints) {
		t.Fatalf("pre-extracted rows not forwarded: got %d, want %d",
			len(docParser.last.LineItems), len(hints))
	}
	if docParser.last.WorkflowID != "wf-parse" {
		t.Fatalf("workflow id missing from parse request: %q", docParser.last.WorkflowID)
	}
}

func TestParseTimeoutHintScalesWithStructure(t *testing.T) {
	onePage := parseTimeoutHint(domain.DocumentInfo{Pages: 1})
	tenPages := parseTimeoutHint(domain.DocumentInfo{Pages: 10})
	if onePage <= 0 || tenPages <= onePage {
		t.Fatalf("hint must grow with page count: %v vs %v", onePage, tenPages)
	}
	if parseTimeoutHint(domain.DocumentInfo{}) != 0 {
		t.Fatal("no structure info must yield no hint")
	}
}
