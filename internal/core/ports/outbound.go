package ports

import (
	"context"
	"io"
	"time"

	"github.com/merchantforge/poflow/internal/core/domain"
)

// WorkflowRepository persists workflow-run state.
type WorkflowRepository interface {
	Create(ctx context.Context, run *domain.WorkflowRun) error
	GetByID(ctx context.Context, id string) (*domain.WorkflowRun, error)
	Update(ctx context.Context, run *domain.WorkflowRun) error
	// DeleteCompleted removes a run's record after successful cleanup.
	DeleteCompleted(ctx context.Context, id string) error
}

// PurchaseOrderRepository is the persistence collaborator for purchase
// orders and their derived entities. Progress-note updates run with bounded
// lock timeouts: a contended row degrades to a skipped update.
type PurchaseOrderRepository interface {
	GetPurchaseOrder(ctx context.Context, id string) (*domain.PurchaseOrder, error)
	UpdateStatus(ctx context.Context, id string, status domain.PurchaseOrderStatus, jobStatus string) error
	UpdateProcessingNotes(ctx context.Context, id string, notes string) error
	FinalizePurchaseOrder(ctx context.Context, id string, update domain.PurchaseOrderFinal) error
	SaveExtractedOrder(ctx context.Context, poID, merchantID string, order *domain.ExtractedOrder) error
	ListLineItems(ctx context.Context, poID string) ([]domain.LineItem, error)
	FindDraftByLineItem(ctx context.Context, lineItemID string) (*domain.ProductDraft, error)
	CreateDraft(ctx context.Context, draft *domain.ProductDraft) error
	ListDraftsByPurchaseOrder(ctx context.Context, poID string) ([]domain.ProductDraft, error)
	AttachDraftImages(ctx context.Context, draftID string, urls []string) error
	GetActiveSession(ctx context.Context, merchantID string) (*domain.MerchantSession, error)
	CreateTemporarySession(ctx context.Context, merchantID string) (*domain.MerchantSession, error)
}

// StageResultStore durably records per-stage outputs for a workflow run and
// merges them into one accumulated object for later stages.
type StageResultStore interface {
	SaveStageResult(ctx context.Context, workflowID string, stage domain.Stage, result map[string]any) error
	AccumulatedData(ctx context.Context, workflowID string) (domain.AccumulatedData, error)
	ClearWorkflowResults(ctx context.Context, workflowID string) error
}

// StageQueue delivers stage jobs at-least-once to workers.
type StageQueue interface {
	PublishStageJob(ctx context.Context, job domain.StageJob) error
	SubscribeStageJobs(ctx context.Context, handler func(context.Context, domain.StageJob) error) error
}

// ImageJobQueue carries fire-and-forget image-search jobs dispatched by the
// asynchronous image-attachment mode.
type ImageJobQueue interface {
	PublishImageJob(ctx context.Context, job domain.ImageJob) error
	SubscribeImageJobs(ctx context.Context, handler func(context.Context, domain.ImageJob) error) error
}

// DocumentParser is the AI-parsing collaborator.
type DocumentParser interface {
	ParseDocument(ctx context.Context, req domain.ParseRequest) (*domain.ParseResult, error)
}

// ImageSearcher sources candidate images for one line item. Best effort:
// empty results are not an error.
type ImageSearcher interface {
	SearchImages(ctx context.Context, item domain.LineItem) ([]domain.ImageCandidate, error)
}

// PricingService applies merchant pricing-refinement rules to a draft.
type PricingService interface {
	TestPricingRules(ctx context.Context, merchantID string, draft *domain.ProductDraft) (*domain.PricingOutcome, error)
}

// ShopifySyncer pushes the processed order to the sales channel and returns
// a sync reference id.
type ShopifySyncer interface {
	SyncPurchaseOrder(ctx context.Context, po *domain.PurchaseOrder, drafts []domain.ProductDraft) (string, error)
}

// ProgressPublisher notifies a progress subscriber channel. Fire-and-forget:
// failures are logged, never propagated.
type ProgressPublisher interface {
	PublishProgress(ctx context.Context, merchantID string, event domain.ProgressEvent) error
}

// ObjectStorage stores source documents addressed by key.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// DocumentInspector preflights raw document bytes: type sniffing, page and
// row counts used to scale the parse timeout budget.
type DocumentInspector interface {
	Inspect(filename string, data []byte) (domain.DocumentInfo, error)
}

// PurchaseOrderLocker serializes stage executions targeting the same
// purchase order. Acquire blocks until the lock is free or the prior
// holder's token exceeds its maximum age.
type PurchaseOrderLocker interface {
	Acquire(ctx context.Context, purchaseOrderID string, meta domain.LockMeta) (release func(), err error)
}

// Clock exists so tests can pin time.
type Clock func() time.Time
