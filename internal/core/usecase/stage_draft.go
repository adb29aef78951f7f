package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/merchantforge/poflow/internal/core/domain"
	"github.com/merchantforge/poflow/internal/core/ports"
	"github.com/merchantforge/poflow/internal/infrastructure/resilience"
)

// ProductDraftCreationStage creates one reviewable draft per line item.
// Draft creation is idempotent per line item, and one bad item never blocks
// the rest of the batch.
type ProductDraftCreationStage struct {
	pos      ports.PurchaseOrderRepository
	pricing  ports.PricingService
	notes    noteWriter
	progress *ProgressProjector
	exec     *resilience.Executor
	logger   *slog.Logger
	now      func() time.Time
}

func NewProductDraftCreationStage(
	pos ports.PurchaseOrderRepository,
	pricing ports.PricingService,
	progress *ProgressProjector,
	exec *resilience.Executor,
	logger *slog.Logger,
) *ProductDraftCreationStage {
	return &ProductDraftCreationStage{
		pos:      pos,
		pricing:  pricing,
		notes:    noteWriter{pos: pos, logger: logger},
		progress: progress,
		exec:     exec,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *ProductDraftCreationStage) Stage() domain.Stage { return domain.StageProductDraftCreation }

func (s *ProductDraftCreationStage) Process(ctx context.Context, in StageInput) (*StageOutcome, error) {
	merchantID := in.Data.StringField("merchant_id")
	if merchantID == "" {
		return nil, domain.WrapError(domain.ErrFatal, "product draft creation", fmt.Errorf("missing merchant id"))
	}
	poID := in.Data.StringField("purchase_order_id")
	if poID == "" {
		return nil, domain.WrapError(domain.ErrFatal, "product draft creation", fmt.Errorf("missing purchase order id"))
	}

	if err := s.ensureSession(ctx, merchantID); err != nil {
		return nil, err
	}

	items, err := s.pos.ListLineItems(ctx, poID)
	if err != nil {
		return nil, fmt.Errorf("list line items: %w", err)
	}

	s.notes.write(ctx, poID, fmt.Sprintf("Creating product drafts (0/%d)", len(items)))

	var (
		draftIDs []string
		created  int
		skipped  int
		failed   int
	)
	for i, item := range items {
		draftID, outcome := s.processItem(ctx, merchantID, item)
		switch outcome {
		case itemCreated:
			created++
			draftIDs = append(draftIDs, draftID)
		case itemExists:
			skipped++
			draftIDs = append(draftIDs, draftID)
		case itemFailed:
			failed++
		}

		s.progress.Publish(ctx, in.Run.ID, merchantID, domain.StageProductDraftCreation,
			Linear(i+1, len(items)), "Creating product drafts", map[string]any{
				"created": created,
				"failed":  failed,
			})
	}

	s.notes.write(ctx, poID, fmt.Sprintf("Created %d product drafts (%d existing, %d failed)", created, skipped, failed))

	fields := map[string]any{
		"product_drafts": draftIDs,
		"draft_count":    len(draftIDs),
		"failed_items":   failed,
	}
	out := withIdentifiers(in.Data, fields)
	return &StageOutcome{Result: out, Next: out}, nil
}

type itemOutcome int

const (
	itemCreated itemOutcome = iota
	itemExists
	itemFailed
)

// processItem never propagates an error: per-item failures are logged and
// counted so the batch proceeds.
func (s *ProductDraftCreationStage) processItem(ctx context.Context, merchantID string, item domain.LineItem) (string, itemOutcome) {
	existing, err := s.pos.FindDraftByLineItem(ctx, item.ID)
	if err != nil {
		s.logger.Warn("draft_lookup_failed", "line_item_id", item.ID, "error", err)
		return "", itemFailed
	}
	if existing != nil {
		return existing.ID, itemExists
	}

	draft := &domain.ProductDraft{
		ID:         uuid.NewString(),
		MerchantID: merchantID,
		LineItemID: item.ID,
		Title:      item.Description,
		SKU:        item.SKU,
		Price:      item.UnitCost,
		CreatedAt:  s.now().UTC(),
	}

	var outcome *domain.PricingOutcome
	err = s.exec.Execute(ctx, "pricing.test_rules", func(callCtx context.Context) error {
		result, priceErr := s.pricing.TestPricingRules(callCtx, merchantID, draft)
		if priceErr != nil {
			return priceErr
		}
		outcome = result
		return nil
	}, resilience.ClassifyExternal)
	if err != nil {
		// Pricing refinement is an enhancement; the draft keeps its base
		// price when rules cannot be applied.
		s.logger.Warn("pricing_rules_failed", "line_item_id", item.ID, "error", err)
	} else if outcome != nil && outcome.AdjustedPrice > 0 {
		draft.Price = outcome.AdjustedPrice
		draft.Rules = outcome.AppliedRules
	}

	if err := s.pos.CreateDraft(ctx, draft); err != nil {
		s.logger.Warn("draft_create_failed", "line_item_id", item.ID, "error", err)
		return "", itemFailed
	}
	return draft.ID, itemCreated
}

// ensureSession requires an active credential context for the merchant and
// creates a temporary one if absent rather than failing the stage.
func (s *ProductDraftCreationStage) ensureSession(ctx context.Context, merchantID string) error {
	session, err := s.pos.GetActiveSession(ctx, merchantID)
	if err != nil {
		return fmt.Errorf("look up merchant session: %w", err)
	}
	if session != nil {
		return nil
	}

	if _, err := s.pos.CreateTemporarySession(ctx, merchantID); err != nil {
		return fmt.Errorf("create temporary merchant session: %w", err)
	}
	s.logger.Info("temporary_session_created", "merchant_id", merchantID)
	return nil
}
