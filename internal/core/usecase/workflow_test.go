package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/merchantforge/poflow/internal/core/domain"
	"github.com/merchantforge/poflow/internal/infrastructure/resilience"
	"github.com/merchantforge/poflow/internal/infrastructure/stagestore"
)

// --- fakes ---

type fakeRunRepo struct {
	mu          sync.Mutex
	runs        map[string]*domain.WorkflowRun
	failUpdates int
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{runs: make(map[string]*domain.WorkflowRun)}
}

func (r *fakeRunRepo) Create(_ context.Context, run *domain.WorkflowRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *run
	r.runs[run.ID] = &copied
	return nil
}

func (r *fakeRunRepo) GetByID(_ context.Context, id string) (*domain.WorkflowRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrWorkflowNotFound, "get workflow", errors.New(id))
	}
	copied := *run
	return &copied, nil
}

func (r *fakeRunRepo) Update(_ context.Context, run *domain.WorkflowRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUpdates > 0 {
		r.failUpdates--
		return errors.New("transient update failure")
	}
	if _, ok := r.runs[run.ID]; !ok {
		return domain.WrapError(domain.ErrWorkflowNotFound, "update workflow", errors.New(run.ID))
	}
	copied := *run
	r.runs[run.ID] = &copied
	return nil
}

func (r *fakeRunRepo) DeleteCompleted(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, id)
	return nil
}

type fakePORepo struct {
	mu        sync.Mutex
	orders    map[string]*domain.PurchaseOrder
	items     map[string][]domain.LineItem
	drafts    map[string]*domain.ProductDraft // by line item id
	sessions  map[string]*domain.MerchantSession
	notes     map[string][]string
	finalized map[string]domain.PurchaseOrderFinal
	images    map[string][]string // by draft id
}

func newFakePORepo() *fakePORepo {
	return &fakePORepo{
		orders:    make(map[string]*domain.PurchaseOrder),
		items:     make(map[string][]domain.LineItem),
		drafts:    make(map[string]*domain.ProductDraft),
		sessions:  make(map[string]*domain.MerchantSession),
		notes:     make(map[string][]string),
		finalized: make(map[string]domain.PurchaseOrderFinal),
		images:    make(map[string][]string),
	}
}

func (r *fakePORepo) GetPurchaseOrder(_ context.Context, id string) (*domain.PurchaseOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	po, ok := r.orders[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrPurchaseOrderNotFound, "get purchase order", errors.New(id))
	}
	copied := *po
	return &copied, nil
}

func (r *fakePORepo) UpdateStatus(_ context.Context, id string, status domain.PurchaseOrderStatus, jobStatus string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	po, ok := r.orders[id]
	if !ok {
		po = &domain.PurchaseOrder{ID: id}
		r.orders[id] = po
	}
	po.Status = status
	po.JobStatus = jobStatus
	return nil
}

func (r *fakePORepo) UpdateProcessingNotes(_ context.Context, id string, notes string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes[id] = append(r.notes[id], notes)
	return nil
}

func (r *fakePORepo) FinalizePurchaseOrder(_ context.Context, id string, update domain.PurchaseOrderFinal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	po, ok := r.orders[id]
	if !ok {
		return domain.WrapError(domain.ErrPurchaseOrderNotFound, "finalize", errors.New(id))
	}
	po.Status = update.Status
	po.JobStatus = update.JobStatus
	po.SupplierName = update.SupplierName
	po.Confidence = update.Confidence
	po.TotalAmount = update.TotalAmount
	r.finalized[id] = update
	return nil
}

func (r *fakePORepo) SaveExtractedOrder(_ context.Context, poID, merchantID string, order *domain.ExtractedOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[poID] = &domain.PurchaseOrder{
		ID:           poID,
		MerchantID:   merchantID,
		Status:       domain.POProcessing,
		SupplierName: order.SupplierName,
	}
	items := make([]domain.LineItem, 0, len(order.LineItems))
	for i, item := range order.LineItems {
		items = append(items, domain.LineItem{
			ID:              fmt.Sprintf("%s-item-%d", poID, i),
			PurchaseOrderID: poID,
			SKU:             item.SKU,
			Description:     item.Description,
			Quantity:        item.Quantity,
			UnitCost:        item.UnitCost,
		})
	}
	r.items[poID] = items
	return nil
}

func (r *fakePORepo) ListLineItems(_ context.Context, poID string) ([]domain.LineItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.LineItem(nil), r.items[poID]...), nil
}

func (r *fakePORepo) FindDraftByLineItem(_ context.Context, lineItemID string) (*domain.ProductDraft, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	draft, ok := r.drafts[lineItemID]
	if !ok {
		return nil, nil
	}
	copied := *draft
	return &copied, nil
}

func (r *fakePORepo) CreateDraft(_ context.Context, draft *domain.ProductDraft) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.drafts[draft.LineItemID]; exists {
		return errors.New("duplicate draft for line item")
	}
	copied := *draft
	r.drafts[draft.LineItemID] = &copied
	return nil
}

func (r *fakePORepo) ListDraftsByPurchaseOrder(_ context.Context, poID string) ([]domain.ProductDraft, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ProductDraft
	for _, items := range r.items {
		for _, item := range items {
			if item.PurchaseOrderID != poID {
				continue
			}
			if draft, ok := r.drafts[item.ID]; ok {
				out = append(out, *draft)
			}
		}
	}
	return out, nil
}

func (r *fakePORepo) AttachDraftImages(_ context.Context, draftID string, urls []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[draftID] = append(r.images[draftID], urls...)
	return nil
}

func (r *fakePORepo) GetActiveSession(_ context.Context, merchantID string) (*domain.MerchantSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[merchantID], nil
}

func (r *fakePORepo) CreateTemporarySession(_ context.Context, merchantID string) (*domain.MerchantSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session := &domain.MerchantSession{ID: "tmp-" + merchantID, MerchantID: merchantID, Temporary: true}
	r.sessions[merchantID] = session
	return session, nil
}

func (r *fakePORepo) draftCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.drafts)
}

// fakeQueue records published jobs for the test loop to pump.
type fakeQueue struct {
	mu       sync.Mutex
	jobs     []domain.StageJob
	failNext int
}

func (q *fakeQueue) PublishStageJob(_ context.Context, job domain.StageJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failNext > 0 {
		q.failNext--
		return errors.New("broker unavailable")
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) SubscribeStageJobs(context.Context, func(context.Context, domain.StageJob) error) error {
	return nil
}

func (q *fakeQueue) pop() (domain.StageJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return domain.StageJob{}, false
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, true
}

type fakeImageQueue struct {
	mu   sync.Mutex
	jobs []domain.ImageJob
}

func (q *fakeImageQueue) PublishImageJob(_ context.Context, job domain.ImageJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeImageQueue) SubscribeImageJobs(context.Context, func(context.Context, domain.ImageJob) error) error {
	return nil
}

type fakeParser struct {
	result *domain.ParseResult
	err    error
}

func (p *fakeParser) ParseDocument(context.Context, domain.ParseRequest) (*domain.ParseResult, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

type fakeInspector struct{}

func (fakeInspector) Inspect(string, []byte) (domain.DocumentInfo, error) {
	return domain.DocumentInfo{Kind: domain.DocPDF, Pages: 1}, nil
}

type fakeStorage struct{}

func (fakeStorage) Save(context.Context, string, io.Reader) error { return nil }
func (fakeStorage) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("not stored")
}

type fakeImages struct {
	urls []string
}

func (f *fakeImages) SearchImages(context.Context, domain.LineItem) ([]domain.ImageCandidate, error) {
	out := make([]domain.ImageCandidate, 0, len(f.urls))
	for _, u := range f.urls {
		out = append(out, domain.ImageCandidate{URL: u})
	}
	return out, nil
}

type fakePricing struct{}

func (fakePricing) TestPricingRules(_ context.Context, _ string, draft *domain.ProductDraft) (*domain.PricingOutcome, error) {
	return &domain.PricingOutcome{AdjustedPrice: draft.Price * 2, AppliedRules: []string{"markup_2x"}}, nil
}

type fakeShopify struct {
	mu    sync.Mutex
	calls int
}

func (s *fakeShopify) SyncPurchaseOrder(context.Context, *domain.PurchaseOrder, []domain.ProductDraft) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return "sync-ref-1", nil
}

type fakeLocks struct{}

func (fakeLocks) Acquire(context.Context, string, domain.LockMeta) (func(), error) {
	return func() {}, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (p *fakePublisher) PublishProgress(_ context.Context, _ string, event domain.ProgressEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// --- fixture ---

type fixture struct {
	orch    *Orchestrator
	runs    *fakeRunRepo
	pos     *fakePORepo
	store   *stagestore.Memory
	queue   *fakeQueue
	imgJobs *fakeImageQueue
	parser  *fakeParser
	shopify *fakeShopify
	events  *fakePublisher
}

func testExtractedOrder() *domain.ExtractedOrder {
	return &domain.ExtractedOrder{
		SupplierName: "Acme Supplies",
		TotalAmount:  120.50,
		LineItems: []domain.ExtractedItem{
			{SKU: "A-1", Description: "Widget", Quantity: 10, UnitCost: 4.5},
			{SKU: "A-2", Description: "Gadget", Quantity: 5, UnitCost: 9.1},
			{SKU: "A-3", Description: "Sprocket", Quantity: 2, UnitCost: 15.0},
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    2,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		BreakerEnabled:      false,
	})

	runs := newFakeRunRepo()
	pos := newFakePORepo()
	store := stagestore.NewMemory(time.Hour)
	queue := &fakeQueue{}
	imgJobs := &fakeImageQueue{}
	events := &fakePublisher{}
	progress := NewProgressProjector(events, logger)

	docParser := &fakeParser{result: &domain.ParseResult{
		Success:       true,
		ExtractedData: testExtractedOrder(),
		Confidence:    0.92,
		Model:         "test-model",
	}}
	shopify := &fakeShopify{}

	orch := NewOrchestrator(
		runs, pos, store, queue, fakeLocks{}, progress, logger,
		NewAIParsingStage(docParser, fakeStorage{}, fakeInspector{}, pos, progress, exec, logger),
		NewDatabaseSaveStage(pos, progress, exec, logger),
		NewProductDraftCreationStage(pos, fakePricing{}, progress, exec, logger),
		NewImageAttachmentStage(pos, &fakeImages{urls: []string{"https://img/1.png"}}, imgJobs, progress, logger),
		NewShopifySyncStage(pos, shopify, progress, exec, logger),
		NewStatusUpdateStage(pos, progress, 0.6, logger),
	)
	return &fixture{
		orch:    orch,
		runs:    runs,
		pos:     pos,
		store:   store,
		queue:   queue,
		imgJobs: imgJobs,
		parser:  docParser,
		shopify: shopify,
		events:  events,
	}
}

// pump delivers queued jobs until the queue drains, simulating the worker.
func (f *fixture) pump(ctx context.Context, t *testing.T) error {
	t.Helper()
	for i := 0; i < 50; i++ {
		job, ok := f.queue.pop()
		if !ok {
			return nil
		}
		if err := f.orch.HandleStageJob(ctx, job); err != nil {
			return err
		}
	}
	t.Fatal("queue did not drain")
	return nil
}

// --- tests ---

func TestWorkflowHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.orch.StartWorkflow(ctx, domain.StartPayload{
		MerchantID: "m-1",
		UploadID:   "u-1",
		Filename:   "order.pdf",
		Content:    "raw pdf bytes",
	})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if err := f.pump(ctx, t); err != nil {
		t.Fatalf("pump: %v", err)
	}

	run, err := f.runs.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if run.Status != domain.WorkflowCompleted {
		t.Fatalf("run status = %s, want completed (error: %+v)", run.Status, run.Error)
	}
	if run.ProgressPercent != 100 {
		t.Errorf("progress = %d, want 100", run.ProgressPercent)
	}
	for _, stage := range domain.StageOrder {
		state := run.Stages[stage]
		if state.Status != domain.StageCompleted && state.Status != domain.StageSkipped {
			t.Errorf("stage %s status = %s", stage, state.Status)
		}
	}

	if got := f.pos.draftCount(); got != 3 {
		t.Errorf("draft count = %d, want 3", got)
	}
	if f.shopify.calls != 1 {
		t.Errorf("shopify calls = %d, want 1", f.shopify.calls)
	}

	var finalized domain.PurchaseOrderFinal
	for _, fin := range f.pos.finalized {
		finalized = fin
	}
	if finalized.Status != domain.POCompleted {
		t.Errorf("final status = %s, want completed", finalized.Status)
	}
	if finalized.SupplierName != "Acme Supplies" {
		t.Errorf("supplier = %q", finalized.SupplierName)
	}
	if finalized.TotalAmount != 120.50 {
		t.Errorf("total = %v", finalized.TotalAmount)
	}

	// Results are cleared after completion.
	acc, err := f.store.AccumulatedData(ctx, id)
	if err != nil {
		t.Fatalf("AccumulatedData: %v", err)
	}
	if len(acc) != 0 {
		t.Errorf("stage results not cleared: %v", acc)
	}
}

func TestWorkflowFailureMarksPurchaseOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.parser.err = domain.WrapError(domain.ErrFatal, "parse", errors.New("model rejected document"))

	poID := "po-9"
	if err := f.pos.UpdateStatus(ctx, poID, domain.POProcessing, "processing"); err != nil {
		t.Fatal(err)
	}

	id, err := f.orch.StartWorkflow(ctx, domain.StartPayload{
		MerchantID:      "m-1",
		PurchaseOrderID: poID,
		Content:         "doc",
	})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	if err := f.pump(ctx, t); err == nil {
		t.Fatal("expected stage error for queue redelivery")
	}

	run, err := f.runs.GetByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.WorkflowFailed {
		t.Fatalf("run status = %s, want failed", run.Status)
	}
	if run.Error == nil || run.Error.Stage != domain.StageAIParsing {
		t.Fatalf("run error = %+v", run.Error)
	}

	po, err := f.pos.GetPurchaseOrder(ctx, poID)
	if err != nil {
		t.Fatal(err)
	}
	if po.Status != domain.POFailed {
		t.Errorf("po status = %s, want failed", po.Status)
	}

	notes := f.pos.notes[poID]
	if len(notes) == 0 || !strings.Contains(notes[len(notes)-1], "ai_parsing") {
		t.Errorf("failure note missing stage name: %v", notes)
	}
}

func TestRedeliveredJobForFinishedRunIsDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.orch.StartWorkflow(ctx, domain.StartPayload{MerchantID: "m-1", Content: "doc"})
	if err != nil {
		t.Fatal(err)
	}
	firstJob, ok := f.queue.pop()
	if !ok {
		t.Fatal("no job enqueued")
	}
	if err := f.orch.HandleStageJob(ctx, firstJob); err != nil {
		t.Fatal(err)
	}
	if err := f.pump(ctx, t); err != nil {
		t.Fatal(err)
	}

	syncsBefore := f.shopify.calls
	// The broker redelivers the already-handled first job.
	if err := f.orch.HandleStageJob(ctx, firstJob); err != nil {
		t.Fatalf("redelivered job should be acknowledged, got %v", err)
	}
	if f.shopify.calls != syncsBefore {
		t.Error("redelivered job re-ran the pipeline")
	}

	run, err := f.runs.GetByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.WorkflowCompleted {
		t.Errorf("run status = %s after redelivery", run.Status)
	}
}

func TestDraftCreationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.orch.StartWorkflow(ctx, domain.StartPayload{MerchantID: "m-1", Content: "doc"})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.pump(ctx, t); err != nil {
		t.Fatal(err)
	}
	if got := f.pos.draftCount(); got != 3 {
		t.Fatalf("draft count after first run = %d", got)
	}

	// Re-run the draft stage directly, as a redelivery inside an active run
	// would.
	run, _ := f.runs.GetByID(ctx, id)
	acc := domain.AccumulatedData{}
	var poID string
	for _, items := range f.pos.items {
		for _, item := range items {
			poID = item.PurchaseOrderID
		}
	}
	acc["merchant_id"] = "m-1"
	acc["purchase_order_id"] = poID

	stage := f.orch.processors[domain.StageProductDraftCreation]
	outcome, err := stage.Process(ctx, StageInput{Run: run, Data: acc})
	if err != nil {
		t.Fatalf("second draft pass: %v", err)
	}
	if got := f.pos.draftCount(); got != 3 {
		t.Errorf("draft count after second pass = %d, want 3", got)
	}
	if outcome.Result["draft_count"] != 3 {
		t.Errorf("draft_count field = %v", outcome.Result["draft_count"])
	}
}

func TestImageStageSkipsWithoutDrafts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	run := domain.NewWorkflowRun("wf-1", domain.StartPayload{MerchantID: "m-1"}, time.Now())
	stage := f.orch.processors[domain.StageImageAttachment]
	outcome, err := stage.Process(ctx, StageInput{Run: run, Data: domain.AccumulatedData{
		"merchant_id":       "m-1",
		"purchase_order_id": "po-empty",
	}})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !outcome.Skipped {
		t.Fatal("stage did not skip with zero drafts")
	}
	if outcome.Result["skip_reason"] != "no product drafts" {
		t.Errorf("skip_reason = %v", outcome.Result["skip_reason"])
	}
	if outcome.Next["merchant_id"] != "m-1" {
		t.Errorf("identifiers dropped from handoff: %v", outcome.Next)
	}
}

func TestAsyncImageJobsDispatched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.orch.StartWorkflow(ctx, domain.StartPayload{MerchantID: "m-1", Content: "doc"}); err != nil {
		t.Fatal(err)
	}
	if err := f.pump(ctx, t); err != nil {
		t.Fatal(err)
	}

	if got := len(f.imgJobs.jobs); got != 3 {
		t.Fatalf("image jobs dispatched = %d, want 3", got)
	}
	for _, job := range f.imgJobs.jobs {
		if job.DraftID == "" || job.Item.Description == "" {
			t.Errorf("incomplete image job: %+v", job)
		}
	}
}

func TestSyncImageModeAttachesInline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.orch.StartWorkflow(ctx, domain.StartPayload{
		MerchantID: "m-1",
		Content:    "doc",
		SyncImages: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.pump(ctx, t); err != nil {
		t.Fatal(err)
	}

	if len(f.imgJobs.jobs) != 0 {
		t.Errorf("sync mode dispatched %d background jobs", len(f.imgJobs.jobs))
	}
	attached := 0
	for _, urls := range f.pos.images {
		attached += len(urls)
	}
	if attached != 3 {
		t.Errorf("attached %d images inline, want 3", attached)
	}
}

func TestLowConfidenceLandsInReview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.parser.result.Confidence = 0.35

	if _, err := f.orch.StartWorkflow(ctx, domain.StartPayload{MerchantID: "m-1", Content: "doc"}); err != nil {
		t.Fatal(err)
	}
	if err := f.pump(ctx, t); err != nil {
		t.Fatal(err)
	}

	for _, fin := range f.pos.finalized {
		if fin.Status != domain.POReviewNeeded {
			t.Errorf("final status = %s, want review_needed", fin.Status)
		}
		if fin.Confidence != 0.35 {
			t.Errorf("confidence = %v", fin.Confidence)
		}
	}
	if len(f.pos.finalized) != 1 {
		t.Fatalf("finalized %d orders", len(f.pos.finalized))
	}
}

func TestScheduleRetriesEnqueueOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.queue.failNext = 1

	id, err := f.orch.StartWorkflow(ctx, domain.StartPayload{MerchantID: "m-1", Content: "doc"})
	if err != nil {
		t.Fatalf("transient enqueue failure should be retried: %v", err)
	}
	if _, ok := f.queue.pop(); !ok {
		t.Fatal("job not enqueued after retry")
	}

	run, err := f.runs.GetByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.WorkflowActive {
		t.Errorf("run status = %s, want active", run.Status)
	}
}

func TestStartWorkflowValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.orch.StartWorkflow(ctx, domain.StartPayload{Content: "doc"}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Errorf("missing merchant id: err = %v", err)
	}
	if _, err := f.orch.StartWorkflow(ctx, domain.StartPayload{MerchantID: "m-1"}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Errorf("missing content: err = %v", err)
	}
}

func TestIdentifiersSurviveStageHandoffs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.orch.StartWorkflow(ctx, domain.StartPayload{
		MerchantID: "m-1",
		UploadID:   "u-7",
		Content:    "doc",
	}); err != nil {
		t.Fatal(err)
	}

	seen := make(map[domain.Stage]domain.StageJob)
	for i := 0; i < 50; i++ {
		job, ok := f.queue.pop()
		if !ok {
			break
		}
		seen[job.Stage] = job
		if err := f.orch.HandleStageJob(ctx, job); err != nil {
			t.Fatal(err)
		}
	}

	for _, stage := range domain.StageOrder {
		job, ok := seen[stage]
		if !ok {
			t.Fatalf("stage %s never enqueued", stage)
		}
		payload := domain.AccumulatedData(job.Payload)
		if payload.StringField("merchant_id") != "m-1" {
			t.Errorf("stage %s lost merchant_id", stage)
		}
		if payload.StringField("upload_id") != "u-7" {
			t.Errorf("stage %s lost upload_id", stage)
		}
		if stage != domain.StageAIParsing && stage != domain.StageDatabaseSave {
			if payload.StringField("purchase_order_id") == "" {
				t.Errorf("stage %s lost purchase_order_id", stage)
			}
		}
	}
}

func TestScheduleRetriesMetadataUpdateOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.runs.failUpdates = 1

	id, err := f.orch.StartWorkflow(ctx, domain.StartPayload{MerchantID: "m-1", Content: "doc"})
	if err != nil {
		t.Fatalf("transient metadata failure should be retried: %v", err)
	}
	if _, ok := f.queue.pop(); !ok {
		t.Fatal("job not enqueued after metadata retry")
	}

	run, err := f.runs.GetByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.WorkflowActive {
		t.Errorf("run status = %s, want active", run.Status)
	}
	if run.Stages[domain.StageAIParsing].Status != domain.StageProcessing {
		t.Errorf("first stage status = %s, want processing", run.Stages[domain.StageAIParsing].Status)
	}
}

// An order minted during the save stage has its id in neither the start
// payload nor the stage store when the zero-line-items check fires; the
// failure must still land on that purchase order.
func TestSaveFailureMarksInStageCreatedOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.parser.result = &domain.ParseResult{
		Success:       true,
		ExtractedData: &domain.ExtractedOrder{SupplierName: "Acme Supplies"},
		Confidence:    0.92,
		Model:         "test-model",
	}

	id, err := f.orch.StartWorkflow(ctx, domain.StartPayload{MerchantID: "m-1", Content: "doc"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if err := f.pump(ctx, t); err == nil {
		t.Fatal("expected save stage failure for empty order")
	}

	run, err := f.runs.GetByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.WorkflowFailed {
		t.Fatalf("run status = %s, want failed", run.Status)
	}
	if run.Error == nil || run.Error.Stage != domain.StageDatabaseSave {
		t.Fatalf("run error = %+v, want database_save failure", run.Error)
	}

	f.pos.mu.Lock()
	defer f.pos.mu.Unlock()
	var failed *domain.PurchaseOrder
	for _, po := range f.pos.orders {
		if po.Status == domain.POFailed {
			failed = po
		}
	}
	if failed == nil {
		t.Fatal("no purchase order marked failed")
	}
	notes := strings.Join(f.pos.notes[failed.ID], "\n")
	if !strings.Contains(notes, string(domain.StageDatabaseSave)) {
		t.Errorf("failure note missing stage name: %q", notes)
	}
}
