package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/merchantforge/poflow/internal/core/domain"
	"github.com/merchantforge/poflow/internal/core/ports"
	"github.com/merchantforge/poflow/internal/infrastructure/resilience"
)

// DatabaseSaveStage persists the parsed order. A "successful" save that
// leaves the purchase order with zero line items is treated as a failure:
// the persistence collaborator returning empty success is not trusted.
type DatabaseSaveStage struct {
	pos      ports.PurchaseOrderRepository
	notes    noteWriter
	progress *ProgressProjector
	exec     *resilience.Executor
	logger   *slog.Logger
}

func NewDatabaseSaveStage(
	pos ports.PurchaseOrderRepository,
	progress *ProgressProjector,
	exec *resilience.Executor,
	logger *slog.Logger,
) *DatabaseSaveStage {
	return &DatabaseSaveStage{
		pos:      pos,
		notes:    noteWriter{pos: pos, logger: logger},
		progress: progress,
		exec:     exec,
		logger:   logger,
	}
}

func (s *DatabaseSaveStage) Stage() domain.Stage { return domain.StageDatabaseSave }

func (s *DatabaseSaveStage) Process(ctx context.Context, in StageInput) (*StageOutcome, error) {
	merchantID := in.Data.StringField("merchant_id")
	if merchantID == "" {
		return nil, domain.WrapError(domain.ErrFatal, "database save", fmt.Errorf("missing merchant id"))
	}

	order, err := decodeExtracted(in.Data["extracted_data"])
	if err != nil {
		return nil, err
	}

	// An upload without a pre-created purchase order gets its id here; the
	// identifier merge keeps it visible to every later stage.
	poID := in.Data.StringField("purchase_order_id")
	if poID == "" {
		poID = uuid.NewString()
		s.logger.Info("purchase_order_created", "workflow_id", in.Run.ID, "purchase_order_id", poID)
	}

	s.progress.Publish(ctx, in.Run.ID, merchantID, domain.StageDatabaseSave, 10, "Saving order", nil)

	err = s.exec.Execute(ctx, "db.save_extracted_order", func(callCtx context.Context) error {
		return s.pos.SaveExtractedOrder(callCtx, poID, merchantID, order)
	}, resilience.ClassifyExternal)
	if err != nil {
		return nil, fmt.Errorf("save extracted order: %w", err)
	}

	items, err := s.pos.ListLineItems(ctx, poID)
	if err != nil {
		return nil, fmt.Errorf("verify saved line items: %w", err)
	}
	if len(items) == 0 {
		return nil, &purchaseOrderFailure{
			purchaseOrderID: poID,
			err:             fmt.Errorf("purchase order %s has zero line items after save", poID),
		}
	}

	s.progress.Publish(ctx, in.Run.ID, merchantID, domain.StageDatabaseSave, 90, "Order saved", map[string]any{
		"line_items": len(items),
	})
	s.notes.write(ctx, poID, fmt.Sprintf("Saved %d line items", len(items)))

	fields := map[string]any{
		"purchase_order_id": poID,
		"line_item_count":   len(items),
	}
	out := withIdentifiers(in.Data, fields)
	return &StageOutcome{Result: out, Next: out}, nil
}
