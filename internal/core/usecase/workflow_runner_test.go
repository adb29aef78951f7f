package usecase

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/merchantforge/poflow/internal/core/domain"
	"github.com/merchantforge/poflow/internal/infrastructure/resilience"
	"github.com/merchantforge/poflow/internal/infrastructure/stagestore"
	"github.com/merchantforge/poflow/internal/runner"
)

// TestSynchronousModeRunsFullPipeline drives the pipeline through the
// in-process runner instead of a broker: one Drain call after StartWorkflow
// must carry the run from upload to completion.
func TestSynchronousModeRunsFullPipeline(t *testing.T) {
	ctx := context.Background()
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
	seq := runner.NewSequential(logger)
	imgJobs := &fakeImageQueue{}
	progress := NewProgressProjector(&fakePublisher{}, logger)

	docParser := &fakeParser{result: &domain.ParseResult{
		Success:       true,
		ExtractedData: testExtractedOrder(),
		Confidence:    0.92,
		Model:         "test-model",
	}}

	orch := NewOrchestrator(
		runs, pos, store, seq, fakeLocks{}, progress, logger,
		NewAIParsingStage(docParser, fakeStorage{}, fakeInspector{}, pos, progress, exec, logger),
		NewDatabaseSaveStage(pos, progress, exec, logger),
		NewProductDraftCreationStage(pos, fakePricing{}, progress, exec, logger),
		NewImageAttachmentStage(pos, &fakeImages{urls: []string{"https://img/1.png"}}, imgJobs, progress, logger),
		NewShopifySyncStage(pos, &fakeShopify{}, progress, exec, logger),
		NewStatusUpdateStage(pos, progress, 0.6, logger),
	)
	seq.Bind(orch)

	id, err := orch.StartWorkflow(ctx, domain.StartPayload{
		MerchantID: "m-1",
		UploadID:   "u-1",
		Filename:   "order.pdf",
		Content:    "raw pdf bytes",
	})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if err := seq.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if seq.Pending() != 0 {
		t.Fatalf("pending jobs after drain: %d", seq.Pending())
	}

	run, err := runs.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if run.Status != domain.WorkflowCompleted {
		t.Fatalf("run status = %s, want completed (error: %+v)", run.Status, run.Error)
	}
	if got := pos.draftCount(); got != 3 {
		t.Errorf("draft count = %d, want 3", got)
	}
}
