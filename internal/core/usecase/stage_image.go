package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/merchantforge/poflow/internal/core/domain"
	"github.com/merchantforge/poflow/internal/core/ports"
)

// ImageAttachmentStage sources candidate images for product drafts. The
// current default dispatches searches as fire-and-forget background jobs
// and marks the stage complete immediately; the synchronous mode blocks the
// stage and tolerates per-item failures. With no drafts the stage skips
// itself and the pipeline proceeds.
type ImageAttachmentStage struct {
	pos       ports.PurchaseOrderRepository
	images    ports.ImageSearcher
	imageJobs ports.ImageJobQueue
	notes     noteWriter
	progress  *ProgressProjector
	logger    *slog.Logger

	maxImagesPerDraft int
	now               func() time.Time
}

func NewImageAttachmentStage(
	pos ports.PurchaseOrderRepository,
	images ports.ImageSearcher,
	imageJobs ports.ImageJobQueue,
	progress *ProgressProjector,
	logger *slog.Logger,
) *ImageAttachmentStage {
	return &ImageAttachmentStage{
		pos:               pos,
		images:            images,
		imageJobs:         imageJobs,
		notes:             noteWriter{pos: pos, logger: logger},
		progress:          progress,
		logger:            logger,
		maxImagesPerDraft: 3,
		now:               time.Now,
	}
}

func (s *ImageAttachmentStage) Stage() domain.Stage { return domain.StageImageAttachment }

func (s *ImageAttachmentStage) Process(ctx context.Context, in StageInput) (*StageOutcome, error) {
	merchantID := in.Data.StringField("merchant_id")
	poID := in.Data.StringField("purchase_order_id")

	var drafts []domain.ProductDraft
	if poID != "" {
		found, err := s.pos.ListDraftsByPurchaseOrder(ctx, poID)
		if err != nil {
			return nil, fmt.Errorf("list product drafts: %w", err)
		}
		drafts = found
	}

	if len(drafts) == 0 {
		// Deliberate tolerance, not an error: a run whose prior stage
		// produced no drafts still finishes the rest of the pipeline.
		s.logger.Info("image_attachment_skipped", "workflow_id", in.Run.ID, "purchase_order_id", poID)
		fields := map[string]any{"skipped": true, "skip_reason": "no product drafts"}
		out := withIdentifiers(in.Data, fields)
		return &StageOutcome{Result: out, Next: out, Skipped: true}, nil
	}

	itemsByID, err := s.lineItemsByID(ctx, poID)
	if err != nil {
		return nil, err
	}

	syncMode := false
	if v, ok := in.Data["sync_images"].(bool); ok {
		syncMode = v
	}

	var fields map[string]any
	if syncMode {
		fields = s.searchInline(ctx, in, drafts, itemsByID)
	} else {
		fields = s.dispatchAsync(ctx, in, merchantID, poID, drafts, itemsByID)
	}

	s.progress.Publish(ctx, in.Run.ID, merchantID, domain.StageImageAttachment, 100, "Image sourcing dispatched", nil)
	out := withIdentifiers(in.Data, fields)
	return &StageOutcome{Result: out, Next: out}, nil
}

// dispatchAsync enqueues one background job per draft; results land
// out-of-band via ProcessImageJob.
func (s *ImageAttachmentStage) dispatchAsync(ctx context.Context, in StageInput, merchantID, poID string, drafts []domain.ProductDraft, itemsByID map[string]domain.LineItem) map[string]any {
	dispatched := 0
	for _, draft := range drafts {
		item, ok := itemsByID[draft.LineItemID]
		if !ok {
			continue
		}
		job := domain.ImageJob{
			WorkflowID:      in.Run.ID,
			MerchantID:      merchantID,
			PurchaseOrderID: poID,
			DraftID:         draft.ID,
			Item:            item,
			EnqueuedAt:      s.now().UTC(),
		}
		if err := s.imageJobs.PublishImageJob(ctx, job); err != nil {
			s.logger.Warn("image_job_dispatch_failed", "draft_id", draft.ID, "error", err)
			continue
		}
		dispatched++
	}
	s.notes.write(ctx, poID, fmt.Sprintf("Image search dispatched for %d drafts", dispatched))
	return map[string]any{"image_mode": "async", "image_jobs_dispatched": dispatched}
}

// searchInline blocks the stage on each item's search. The searcher
// enforces the per-item hard timeout; a slow or failed lookup degrades to
// no images for that draft.
func (s *ImageAttachmentStage) searchInline(ctx context.Context, in StageInput, drafts []domain.ProductDraft, itemsByID map[string]domain.LineItem) map[string]any {
	attached := 0
	failures := 0
	for i, draft := range drafts {
		item, ok := itemsByID[draft.LineItemID]
		if !ok {
			continue
		}
		if err := s.searchAndAttach(ctx, draft.ID, item); err != nil {
			s.logger.Warn("image_search_failed", "draft_id", draft.ID, "error", err)
			failures++
		} else {
			attached++
		}
		s.progress.Publish(ctx, in.Run.ID, in.Data.StringField("merchant_id"),
			domain.StageImageAttachment, Linear(i+1, len(drafts)), "Attaching images", nil)
	}
	return map[string]any{"image_mode": "sync", "images_attached": attached, "image_failures": failures}
}

// ProcessImageJob handles one background image-search job. Errors are
// returned so the queue's redelivery applies, but the workflow itself has
// already moved on.
func (s *ImageAttachmentStage) ProcessImageJob(ctx context.Context, job domain.ImageJob) error {
	return s.searchAndAttach(ctx, job.DraftID, job.Item)
}

func (s *ImageAttachmentStage) searchAndAttach(ctx context.Context, draftID string, item domain.LineItem) error {
	candidates, err := s.images.SearchImages(ctx, item)
	if err != nil {
		return fmt.Errorf("search images: %w", err)
	}
	if len(candidates) == 0 {
		return nil
	}

	urls := make([]string, 0, s.maxImagesPerDraft)
	for _, candidate := range candidates {
		if len(urls) == s.maxImagesPerDraft {
			break
		}
		urls = append(urls, candidate.URL)
	}
	if err := s.pos.AttachDraftImages(ctx, draftID, urls); err != nil {
		return fmt.Errorf("attach images: %w", err)
	}
	return nil
}

func (s *ImageAttachmentStage) lineItemsByID(ctx context.Context, poID string) (map[string]domain.LineItem, error) {
	items, err := s.pos.ListLineItems(ctx, poID)
	if err != nil {
		return nil, fmt.Errorf("list line items: %w", err)
	}
	byID := make(map[string]domain.LineItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}
	return byID, nil
}
