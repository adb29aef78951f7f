package ports

import (
	"context"

	"github.com/merchantforge/poflow/internal/core/domain"
)

// WorkflowStarter is the inbound contract for launching a pipeline run.
type WorkflowStarter interface {
	StartWorkflow(ctx context.Context, payload domain.StartPayload) (string, error)
}

// WorkflowReader exposes run state to polling callers.
type WorkflowReader interface {
	GetWorkflowStatus(ctx context.Context, workflowID string) (*domain.WorkflowStatusView, error)
	GetWorkflowProgress(ctx context.Context, workflowID string) (*domain.WorkflowProgressView, error)
}

// StageJobHandler is the worker-side entry point: one call per delivered
// stage job.
type StageJobHandler interface {
	HandleStageJob(ctx context.Context, job domain.StageJob) error
}
