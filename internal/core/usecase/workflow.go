package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/merchantforge/poflow/internal/core/domain"
	"github.com/merchantforge/poflow/internal/core/ports"
)

// Orchestrator drives a workflow run through the fixed stage sequence. Every
// stage executes against the durable run record plus the accumulated stage
// store, so a restarted worker resumes exactly where the last one stopped.
type Orchestrator struct {
	runs     ports.WorkflowRepository
	pos      ports.PurchaseOrderRepository
	store    ports.StageResultStore
	queue    ports.StageQueue
	locks    ports.PurchaseOrderLocker
	progress *ProgressProjector
	logger   *slog.Logger
	now      func() time.Time

	processors map[domain.Stage]StageProcessor
}

func NewOrchestrator(
	runs ports.WorkflowRepository,
	pos ports.PurchaseOrderRepository,
	store ports.StageResultStore,
	queue ports.StageQueue,
	locks ports.PurchaseOrderLocker,
	progress *ProgressProjector,
	logger *slog.Logger,
	processors ...StageProcessor,
) *Orchestrator {
	byStage := make(map[domain.Stage]StageProcessor, len(processors))
	for _, p := range processors {
		byStage[p.Stage()] = p
	}
	return &Orchestrator{
		runs:       runs,
		pos:        pos,
		store:      store,
		queue:      queue,
		locks:      locks,
		progress:   progress,
		logger:     logger,
		now:        time.Now,
		processors: byStage,
	}
}

// StartWorkflow creates the run record and enqueues the first stage. The
// returned id is what polling callers track.
func (o *Orchestrator) StartWorkflow(ctx context.Context, payload domain.StartPayload) (string, error) {
	if payload.MerchantID == "" {
		return "", domain.WrapError(domain.ErrInvalidInput, "start workflow", fmt.Errorf("merchant_id is required"))
	}
	if payload.Content == "" && payload.ContentB64 == nil && payload.StorageKey == "" {
		return "", domain.WrapError(domain.ErrInvalidInput, "start workflow", fmt.Errorf("no document content or storage key"))
	}

	run := domain.NewWorkflowRun(uuid.NewString(), payload, o.now().UTC())
	if err := o.runs.Create(ctx, run); err != nil {
		return "", fmt.Errorf("create workflow run: %w", err)
	}

	o.logger.Info("workflow_started",
		"workflow_id", run.ID,
		"merchant_id", payload.MerchantID,
		"upload_id", payload.UploadID,
	)

	first := map[string]any{
		"merchant_id":       payload.MerchantID,
		"upload_id":         payload.UploadID,
		"purchase_order_id": payload.PurchaseOrderID,
		"workflow_id":       run.ID,
		"filename":          payload.Filename,
		"mime_type":         payload.MimeType,
		"storage_key":       payload.StorageKey,
		"sync_images":       payload.SyncImages,
	}
	if payload.Content != "" {
		first["content"] = payload.Content
	}
	if payload.ContentB64 != nil {
		first["content_b64"] = payload.ContentB64
	}

	if err := o.ScheduleNextStage(ctx, run, domain.StageAIParsing, first); err != nil {
		return run.ID, err
	}
	return run.ID, nil
}

// ScheduleNextStage merges the handed-off fields with the accumulated store
// (store values win, identifiers re-asserted last), marks the stage as the
// run's current one, and enqueues the job. The metadata update and the
// enqueue each get one best-effort retry before the error surfaces.
func (o *Orchestrator) ScheduleNextStage(ctx context.Context, run *domain.WorkflowRun, stage domain.Stage, fields map[string]any) error {
	if !domain.ValidStage(stage) {
		return domain.WrapError(domain.ErrFatal, "schedule stage", fmt.Errorf("unknown stage %q", stage))
	}

	payload := domain.AccumulatedData(fields)
	if acc, err := o.store.AccumulatedData(ctx, run.ID); err != nil {
		o.logger.Warn("accumulated_data_unavailable", "workflow_id", run.ID, "stage", stage, "error", err)
	} else if len(acc) > 0 {
		payload = payload.Merge(acc)
	}
	// The caller's identifiers are authoritative over anything stale in the
	// store.
	payload = payload.Merge(identifierFields(domain.AccumulatedData(fields)))
	payload["workflow_id"] = run.ID

	run.CurrentStage = stage
	o.markStage(run, stage, domain.StageProcessing)
	if err := o.runs.Update(ctx, run); err != nil {
		o.logger.Warn("stage_metadata_retry", "workflow_id", run.ID, "stage", stage, "error", err)
		if err = o.runs.Update(ctx, run); err != nil {
			return fmt.Errorf("update workflow run: %w", err)
		}
	}

	job := domain.StageJob{
		ID:         uuid.NewString(),
		WorkflowID: run.ID,
		Stage:      stage,
		Payload:    payload,
		EnqueuedAt: o.now().UTC(),
	}
	if err := o.queue.PublishStageJob(ctx, job); err != nil {
		o.logger.Warn("stage_enqueue_retry", "workflow_id", run.ID, "stage", stage, "error", err)
		if err = o.queue.PublishStageJob(ctx, job); err != nil {
			o.failWorkflow(ctx, run, stage, fmt.Errorf("enqueue stage job: %w", err))
			return fmt.Errorf("enqueue stage job: %w", err)
		}
	}

	o.logger.Info("stage_scheduled", "workflow_id", run.ID, "stage", stage, "job_id", job.ID)
	return nil
}

// HandleStageJob is the worker entry point for one delivered job. Errors are
// returned to the queue for redelivery after the workflow is marked failed;
// a redelivered job for a non-active run is acknowledged and dropped.
func (o *Orchestrator) HandleStageJob(ctx context.Context, job domain.StageJob) error {
	if !domain.ValidStage(job.Stage) {
		o.logger.Error("stage_job_invalid", "workflow_id", job.WorkflowID, "stage", job.Stage)
		return nil
	}
	processor, ok := o.processors[job.Stage]
	if !ok {
		o.logger.Error("stage_processor_missing", "workflow_id", job.WorkflowID, "stage", job.Stage)
		return nil
	}

	run, err := o.runs.GetByID(ctx, job.WorkflowID)
	if err != nil {
		if domain.IsKind(err, domain.ErrWorkflowNotFound) {
			o.logger.Warn("stage_job_orphaned", "workflow_id", job.WorkflowID, "stage", job.Stage)
			return nil
		}
		return fmt.Errorf("load workflow run: %w", err)
	}
	if run.Status != domain.WorkflowActive {
		o.logger.Info("stage_job_dropped",
			"workflow_id", run.ID, "stage", job.Stage, "run_status", run.Status)
		return nil
	}

	data := o.stageData(ctx, run, job)

	release, err := o.locks.Acquire(ctx, data.StringField("purchase_order_id"), domain.LockMeta{
		WorkflowID: run.ID,
		Stage:      job.Stage,
	})
	if err != nil {
		return fmt.Errorf("acquire purchase order lock: %w", err)
	}
	defer release()

	started := o.now()
	outcome, err := processor.Process(ctx, StageInput{Run: run, Job: job, Data: data})
	if err != nil {
		o.failWorkflow(ctx, run, job.Stage, err)
		return fmt.Errorf("stage %s: %w", job.Stage, err)
	}

	o.logger.Info("stage_completed",
		"workflow_id", run.ID,
		"stage", job.Stage,
		"skipped", outcome.Skipped,
		"duration", o.now().Sub(started),
	)

	if len(outcome.Result) > 0 {
		if err := o.store.SaveStageResult(ctx, run.ID, job.Stage, outcome.Result); err != nil {
			// The next stage still receives the handed-off fields; only
			// resume-after-crash fidelity is degraded.
			o.logger.Warn("stage_result_not_recorded", "workflow_id", run.ID, "stage", job.Stage, "error", err)
		}
	}

	status := domain.StageCompleted
	if outcome.Skipped {
		status = domain.StageSkipped
	}
	o.markStage(run, job.Stage, status)
	run.ProgressPercent = run.CompletedStageCount() * 100 / len(domain.StageOrder)

	next := domain.NextStage(job.Stage)
	if next == "" {
		return o.completeWorkflow(ctx, run)
	}

	if err := o.runs.Update(ctx, run); err != nil {
		return fmt.Errorf("update workflow run: %w", err)
	}
	return o.ScheduleNextStage(ctx, run, next, outcome.Next)
}

// stageData merges the job payload with everything the store accumulated so
// far. A store outage degrades to the payload alone.
func (o *Orchestrator) stageData(ctx context.Context, run *domain.WorkflowRun, job domain.StageJob) domain.AccumulatedData {
	base := domain.AccumulatedData(job.Payload)
	acc, err := o.store.AccumulatedData(ctx, run.ID)
	if err != nil {
		o.logger.Warn("accumulated_data_unavailable", "workflow_id", run.ID, "stage", job.Stage, "error", err)
		return base
	}
	return base.Merge(acc).Merge(identifierFields(base))
}

func (o *Orchestrator) completeWorkflow(ctx context.Context, run *domain.WorkflowRun) error {
	now := o.now().UTC()
	run.Status = domain.WorkflowCompleted
	run.ProgressPercent = 100
	run.CompletedAt = &now
	if err := o.runs.Update(ctx, run); err != nil {
		return fmt.Errorf("update workflow run: %w", err)
	}

	if err := o.store.ClearWorkflowResults(ctx, run.ID); err != nil {
		o.logger.Warn("stage_results_cleanup_failed", "workflow_id", run.ID, "error", err)
	}
	o.progress.Forget(run.ID)

	o.logger.Info("workflow_completed", "workflow_id", run.ID, "duration", now.Sub(run.StartedAt))
	return nil
}

// failWorkflow records the failure on both the run and the purchase order.
// Persistence errors here are logged, not propagated: the caller's error is
// the one the queue needs to see.
func (o *Orchestrator) failWorkflow(ctx context.Context, run *domain.WorkflowRun, stage domain.Stage, cause error) {
	now := o.now().UTC()
	run.Status = domain.WorkflowFailed
	run.FailedAt = &now
	run.Error = &domain.WorkflowError{Stage: stage, Message: cause.Error()}
	if err := o.runs.Update(ctx, run); err != nil {
		o.logger.Error("workflow_failure_not_recorded", "workflow_id", run.ID, "error", err)
	}

	poID := run.Payload.PurchaseOrderID
	if poID == "" {
		var pof *purchaseOrderFailure
		if errors.As(cause, &pof) {
			poID = pof.purchaseOrderID
		}
	}
	if poID == "" {
		if acc, err := o.store.AccumulatedData(ctx, run.ID); err == nil {
			poID = acc.StringField("purchase_order_id")
		}
	}
	if poID != "" {
		if err := o.pos.UpdateStatus(ctx, poID, domain.POFailed, "failed"); err != nil {
			o.logger.Error("purchase_order_failure_not_recorded", "purchase_order_id", poID, "error", err)
		}
		note := fmt.Sprintf("Failed during %s: %s", stage, cause.Error())
		if err := o.pos.UpdateProcessingNotes(ctx, poID, note); err != nil {
			o.logger.Warn("processing_note_failed", "purchase_order_id", poID, "error", err)
		}
	}

	o.progress.Forget(run.ID)
	o.logger.Error("workflow_failed", "workflow_id", run.ID, "stage", stage, "error", cause)
}

// GetWorkflowStatus returns the polling view of a run.
func (o *Orchestrator) GetWorkflowStatus(ctx context.Context, workflowID string) (*domain.WorkflowStatusView, error) {
	run, err := o.runs.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return &domain.WorkflowStatusView{
		WorkflowID:   run.ID,
		Status:       run.Status,
		CurrentStage: run.CurrentStage,
		Progress:     run.ProgressPercent,
		Error:        run.Error,
	}, nil
}

func (o *Orchestrator) GetWorkflowProgress(ctx context.Context, workflowID string) (*domain.WorkflowProgressView, error) {
	run, err := o.runs.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return &domain.WorkflowProgressView{
		WorkflowID: run.ID,
		Percentage: run.ProgressPercent,
		Completed:  run.Status == domain.WorkflowCompleted,
	}, nil
}

func (o *Orchestrator) markStage(run *domain.WorkflowRun, stage domain.Stage, status domain.StageStatus) {
	run.Stages[stage] = domain.StageState{Status: status, UpdatedAt: o.now().UTC()}
	run.UpdatedAt = o.now().UTC()
}
