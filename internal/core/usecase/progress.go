package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/merchantforge/poflow/internal/core/domain"
	"github.com/merchantforge/poflow/internal/core/ports"
)

// stageWindow maps one stage's local 0-100 progress onto its slice of the
// global progress bar.
type stageWindow struct {
	Start int
	Span  int
}

var stageWindows = map[domain.Stage]stageWindow{
	domain.StageAIParsing:            {Start: 0, Span: 40},
	domain.StageDatabaseSave:         {Start: 40, Span: 20},
	domain.StageProductDraftCreation: {Start: 60, Span: 15},
	domain.StageImageAttachment:      {Start: 75, Span: 10},
	domain.StageShopifySync:          {Start: 85, Span: 10},
	domain.StageStatusUpdate:         {Start: 95, Span: 5},
}

// ProgressProjector maps per-stage local progress to global workflow
// progress and publishes it to the subscriber channel. Publishes are
// deduplicated on the rounded global percent and clamped monotonic per
// workflow.
type ProgressProjector struct {
	publisher ports.ProgressPublisher
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	last map[string]int
}

func NewProgressProjector(publisher ports.ProgressPublisher, logger *slog.Logger) *ProgressProjector {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressProjector{
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		last:      make(map[string]int),
	}
}

// Publish maps localPercent within stage to the global bar and notifies the
// subscriber unless the rounded global percent is unchanged. Failures are
// logged, never propagated.
func (p *ProgressProjector) Publish(ctx context.Context, workflowID, merchantID string, stage domain.Stage, localPercent int, message string, details map[string]any) {
	global := p.record(workflowID, GlobalPercent(stage, localPercent))
	if global < 0 {
		return
	}

	if p.publisher == nil {
		return
	}
	event := domain.ProgressEvent{
		WorkflowID: workflowID,
		Stage:      stage,
		Percent:    global,
		Message:    message,
		Details:    details,
		At:         p.now().UTC(),
	}
	if err := p.publisher.PublishProgress(ctx, merchantID, event); err != nil {
		p.logger.Warn("progress_publish_failed", "workflow_id", workflowID, "error", err)
	}
}

// record returns the percent to publish, or -1 for a duplicate. Never
// returns a value lower than the previous emission for the workflow.
func (p *ProgressProjector) record(workflowID string, global int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	last, seen := p.last[workflowID]
	if global < last {
		global = last
	}
	if seen && global == last {
		return -1
	}
	p.last[workflowID] = global
	return global
}

// Forget drops a workflow's dedupe state after it reaches a terminal
// status.
func (p *ProgressProjector) Forget(workflowID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.last, workflowID)
}

// GlobalPercent maps a stage-local percent onto the global bar.
func GlobalPercent(stage domain.Stage, localPercent int) int {
	window, ok := stageWindows[stage]
	if !ok {
		return clampPercent(localPercent)
	}
	local := clampPercent(localPercent)
	return window.Start + local*window.Span/100
}

// Linear converts item counts to a local percent.
func Linear(current, total int) int {
	if total <= 0 {
		return 100
	}
	return clampPercent(current * 100 / total)
}

// SubStage maps a nested phase's local percent into its slice of the
// current stage (e.g. document preflight is sub-stage 0-20 of parsing).
func SubStage(start, span, local int) int {
	return clampPercent(start + clampPercent(local)*span/100)
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
