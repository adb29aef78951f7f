package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/merchantforge/poflow/internal/core/domain"
	"github.com/merchantforge/poflow/internal/core/ports"
)

// defaultReviewThreshold is the parse confidence below which an order lands
// in review_needed instead of completed.
const defaultReviewThreshold = 0.6

// StatusUpdateStage finalizes the purchase order: its terminal status,
// supplier name, confidence and total are written in one update.
type StatusUpdateStage struct {
	pos             ports.PurchaseOrderRepository
	progress        *ProgressProjector
	reviewThreshold float64
	logger          *slog.Logger
}

func NewStatusUpdateStage(pos ports.PurchaseOrderRepository, progress *ProgressProjector, reviewThreshold float64, logger *slog.Logger) *StatusUpdateStage {
	if reviewThreshold <= 0 || reviewThreshold >= 1 {
		reviewThreshold = defaultReviewThreshold
	}
	return &StatusUpdateStage{
		pos:             pos,
		progress:        progress,
		reviewThreshold: reviewThreshold,
		logger:          logger,
	}
}

func (s *StatusUpdateStage) Stage() domain.Stage { return domain.StageStatusUpdate }

func (s *StatusUpdateStage) Process(ctx context.Context, in StageInput) (*StageOutcome, error) {
	merchantID := in.Data.StringField("merchant_id")
	poID := in.Data.StringField("purchase_order_id")
	if poID == "" {
		return nil, domain.WrapError(domain.ErrFatal, "status update", fmt.Errorf("missing purchase order id"))
	}

	confidence := in.Data.FloatField("confidence")
	supplier := SupplierName(in.Data)
	total := totalAmount(in.Data)

	status := domain.POCompleted
	notes := "Processing complete"
	if confidence < s.reviewThreshold {
		status = domain.POReviewNeeded
		notes = fmt.Sprintf("Processing complete; confidence %.2f below review threshold", confidence)
	}

	final := domain.PurchaseOrderFinal{
		Status:       status,
		JobStatus:    "completed",
		SupplierName: supplier,
		Confidence:   confidence,
		TotalAmount:  total,
		Notes:        notes,
	}
	if err := s.pos.FinalizePurchaseOrder(ctx, poID, final); err != nil {
		// Degrade to the minimal status write so the order does not stay
		// stuck in processing.
		s.logger.Warn("finalize_full_update_failed", "purchase_order_id", poID, "error", err)
		if statusErr := s.pos.UpdateStatus(ctx, poID, status, "completed"); statusErr != nil {
			return nil, fmt.Errorf("finalize purchase order: %w", statusErr)
		}
	}

	s.progress.Publish(ctx, in.Run.ID, merchantID, domain.StageStatusUpdate, 100, "Workflow complete", map[string]any{
		"final_status": string(status),
	})

	fields := map[string]any{
		"final_status":  string(status),
		"supplier_name": supplier,
	}
	out := withIdentifiers(in.Data, fields)
	return &StageOutcome{Result: out, Next: out}, nil
}

// totalAmount prefers the extracted order's declared total and falls back to
// summing its line items.
func totalAmount(data domain.AccumulatedData) float64 {
	order, err := decodeExtracted(data["extracted_data"])
	if err != nil {
		return 0
	}
	if order.TotalAmount > 0 {
		return order.TotalAmount
	}
	var sum float64
	for _, item := range order.LineItems {
		sum += float64(item.Quantity) * item.UnitCost
	}
	return sum
}
