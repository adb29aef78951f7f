package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/merchantforge/poflow/internal/core/domain"
	"github.com/merchantforge/poflow/internal/core/ports"
	"github.com/merchantforge/poflow/internal/infrastructure/resilience"
)

// StageInput is what every processor consumes: the raw job payload plus the
// accumulated data the orchestrator merged in before dispatch. Processors
// must not assume any in-memory state survives from a previous stage; the
// accumulated data is the only carry-over.
type StageInput struct {
	Run  *domain.WorkflowRun
	Job  domain.StageJob
	Data domain.AccumulatedData
}

// StageOutcome is a processor's result. Result is durably recorded in the
// stage store; Next is handed to the following stage merged with its own
// accumulated data.
type StageOutcome struct {
	Result  map[string]any
	Next    map[string]any
	Skipped bool
}

// StageProcessor implements one stage's business logic.
type StageProcessor interface {
	Stage() domain.Stage
	Process(ctx context.Context, in StageInput) (*StageOutcome, error)
}

// purchaseOrderFailure ties a stage error to the purchase order it concerns
// when the id is not yet in the run payload or the stage store, e.g. an
// order minted and persisted inside the failing stage.
type purchaseOrderFailure struct {
	purchaseOrderID string
	err             error
}

func (e *purchaseOrderFailure) Error() string { return e.err.Error() }
func (e *purchaseOrderFailure) Unwrap() error { return e.err }

// noteWriter updates the human-readable progress string a polling UI reads.
// Best effort: row contention degrades to a skipped update.
type noteWriter struct {
	pos    ports.PurchaseOrderRepository
	logger *slog.Logger
}

func (w noteWriter) write(ctx context.Context, purchaseOrderID, note string) {
	if purchaseOrderID == "" {
		return
	}
	if err := w.pos.UpdateProcessingNotes(ctx, purchaseOrderID, note); err != nil {
		if resilience.IsLockContention(err) {
			w.logger.Debug("processing_note_skipped", "purchase_order_id", purchaseOrderID, "error", err)
			return
		}
		w.logger.Warn("processing_note_failed", "purchase_order_id", purchaseOrderID, "error", err)
	}
}

// decodeExtracted rebuilds the canonical extracted order from accumulated
// data, which holds either the typed struct (in-process runner) or a JSON
// map (after a queue round trip).
func decodeExtracted(v any) (*domain.ExtractedOrder, error) {
	switch typed := v.(type) {
	case nil:
		return nil, domain.WrapError(domain.ErrFatal, "decode extracted order",
			fmt.Errorf("no extracted data accumulated"))
	case *domain.ExtractedOrder:
		return typed, nil
	case domain.ExtractedOrder:
		return &typed, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, domain.WrapError(domain.ErrFatal, "decode extracted order", err)
	}
	var order domain.ExtractedOrder
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, domain.WrapError(domain.ErrFatal, "decode extracted order", err)
	}
	return &order, nil
}

// identifierFields copies the always-preserved identifiers out of
// accumulated data so every stage result records them.
func identifierFields(data domain.AccumulatedData) map[string]any {
	out := make(map[string]any, len(domain.IdentifierKeys))
	for _, key := range domain.IdentifierKeys {
		if v := data.StringField(key); v != "" {
			out[key] = v
		}
	}
	return out
}

func withIdentifiers(data domain.AccumulatedData, fields map[string]any) map[string]any {
	out := identifierFields(data)
	for k, v := range fields {
		out[k] = v
	}
	return out
}
