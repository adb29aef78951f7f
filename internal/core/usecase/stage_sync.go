package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/merchantforge/poflow/internal/core/domain"
	"github.com/merchantforge/poflow/internal/core/ports"
	"github.com/merchantforge/poflow/internal/infrastructure/resilience"
)

// ShopifySyncStage pushes the order to the sales channel. Transient sync
// errors fail the stage and surface to the queue's own redelivery policy.
type ShopifySyncStage struct {
	pos      ports.PurchaseOrderRepository
	shopify  ports.ShopifySyncer
	notes    noteWriter
	progress *ProgressProjector
	exec     *resilience.Executor
	logger   *slog.Logger
}

func NewShopifySyncStage(
	pos ports.PurchaseOrderRepository,
	shopify ports.ShopifySyncer,
	progress *ProgressProjector,
	exec *resilience.Executor,
	logger *slog.Logger,
) *ShopifySyncStage {
	return &ShopifySyncStage{
		pos:      pos,
		shopify:  shopify,
		notes:    noteWriter{pos: pos, logger: logger},
		progress: progress,
		exec:     exec,
		logger:   logger,
	}
}

func (s *ShopifySyncStage) Stage() domain.Stage { return domain.StageShopifySync }

func (s *ShopifySyncStage) Process(ctx context.Context, in StageInput) (*StageOutcome, error) {
	merchantID := in.Data.StringField("merchant_id")
	poID := in.Data.StringField("purchase_order_id")
	if poID == "" {
		return nil, domain.WrapError(domain.ErrFatal, "shopify sync", fmt.Errorf("missing purchase order id"))
	}

	po, err := s.pos.GetPurchaseOrder(ctx, poID)
	if err != nil {
		return nil, fmt.Errorf("load purchase order: %w", err)
	}
	drafts, err := s.pos.ListDraftsByPurchaseOrder(ctx, poID)
	if err != nil {
		return nil, fmt.Errorf("list product drafts: %w", err)
	}

	s.progress.Publish(ctx, in.Run.ID, merchantID, domain.StageShopifySync, 10, "Syncing to Shopify", nil)
	s.notes.write(ctx, poID, "Syncing to Shopify")

	var syncRef string
	err = s.exec.Execute(ctx, "shopify.sync", func(callCtx context.Context) error {
		ref, syncErr := s.shopify.SyncPurchaseOrder(callCtx, po, drafts)
		if syncErr != nil {
			return syncErr
		}
		syncRef = ref
		return nil
	}, resilience.ClassifyExternal)
	if err != nil {
		return nil, fmt.Errorf("sync purchase order: %w", err)
	}

	s.progress.Publish(ctx, in.Run.ID, merchantID, domain.StageShopifySync, 100, "Synced", map[string]any{
		"sync_ref": syncRef,
	})

	fields := map[string]any{"shopify_sync_ref": syncRef}
	out := withIdentifiers(in.Data, fields)
	return &StageOutcome{Result: out, Next: out}, nil
}
