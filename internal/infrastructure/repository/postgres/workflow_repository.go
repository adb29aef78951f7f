package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/merchantforge/poflow/internal/core/domain"
)

// WorkflowRepository persists workflow-run state. Rows expire after a few
// multiples of the worst-case pipeline duration; expired rows are purged on
// the next create.
type WorkflowRepository struct {
	db  *sql.DB
	ttl time.Duration
}

func NewWorkflowRepository(db *sql.DB, ttl time.Duration) *WorkflowRepository {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &WorkflowRepository{db: db, ttl: ttl}
}

func (r *WorkflowRepository) Create(ctx context.Context, run *domain.WorkflowRun) error {
	stagesJSON, payloadJSON, errorJSON, err := marshalRunColumns(run)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if _, err := r.db.ExecContext(ctx, `DELETE FROM workflow_executions WHERE expires_at < $1`, now); err != nil {
		return fmt.Errorf("purge expired workflow executions: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO workflow_executions (
	id, status, current_stage, stages, progress, payload, error, started_at, updated_at, completed_at, failed_at, expires_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`,
		run.ID, string(run.Status), string(run.CurrentStage), stagesJSON, run.ProgressPercent,
		payloadJSON, errorJSON, run.StartedAt, run.UpdatedAt, run.CompletedAt, run.FailedAt,
		now.Add(r.ttl),
	)
	if err != nil {
		return fmt.Errorf("insert workflow execution: %w", err)
	}
	return nil
}

func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*domain.WorkflowRun, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, status, current_stage, stages, progress, payload, error, started_at, updated_at, completed_at, failed_at
FROM workflow_executions
WHERE id = $1
`, id)

	var (
		run         domain.WorkflowRun
		status      string
		stage       string
		stagesRaw   []byte
		payloadRaw  []byte
		errorRaw    []byte
		completedAt sql.NullTime
		failedAt    sql.NullTime
	)
	err := row.Scan(
		&run.ID, &status, &stage, &stagesRaw, &run.ProgressPercent,
		&payloadRaw, &errorRaw, &run.StartedAt, &run.UpdatedAt, &completedAt, &failedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrWorkflowNotFound, "get workflow", fmt.Errorf("id %s", id))
		}
		return nil, fmt.Errorf("scan workflow execution: %w", err)
	}

	run.Status = domain.WorkflowStatus(status)
	run.CurrentStage = domain.Stage(stage)
	if err := json.Unmarshal(stagesRaw, &run.Stages); err != nil {
		return nil, fmt.Errorf("unmarshal stages: %w", err)
	}
	if err := json.Unmarshal(payloadRaw, &run.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(errorRaw) > 0 {
		var we domain.WorkflowError
		if err := json.Unmarshal(errorRaw, &we); err != nil {
			return nil, fmt.Errorf("unmarshal workflow error: %w", err)
		}
		run.Error = &we
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if failedAt.Valid {
		t := failedAt.Time
		run.FailedAt = &t
	}
	return &run, nil
}

func (r *WorkflowRepository) Update(ctx context.Context, run *domain.WorkflowRun) error {
	stagesJSON, payloadJSON, errorJSON, err := marshalRunColumns(run)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
UPDATE workflow_executions
SET status = $2, current_stage = $3, stages = $4, progress = $5, payload = $6, error = $7,
    updated_at = $8, completed_at = $9, failed_at = $10, expires_at = $11
WHERE id = $1
`,
		run.ID, string(run.Status), string(run.CurrentStage), stagesJSON, run.ProgressPercent,
		payloadJSON, errorJSON, run.UpdatedAt, run.CompletedAt, run.FailedAt,
		time.Now().UTC().Add(r.ttl),
	)
	if err != nil {
		return fmt.Errorf("update workflow execution: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update workflow execution rows: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrWorkflowNotFound, "update workflow", fmt.Errorf("id %s", run.ID))
	}
	return nil
}

func (r *WorkflowRepository) DeleteCompleted(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `
DELETE FROM workflow_executions WHERE id = $1 AND status = $2
`, id, string(domain.WorkflowCompleted)); err != nil {
		return fmt.Errorf("delete completed workflow: %w", err)
	}
	return nil
}

func marshalRunColumns(run *domain.WorkflowRun) (stages, payload, errJSON []byte, err error) {
	stages, err = json.Marshal(run.Stages)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal stages: %w", err)
	}
	payload, err = json.Marshal(run.Payload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	if run.Error != nil {
		errJSON, err = json.Marshal(run.Error)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal workflow error: %w", err)
		}
	}
	return stages, payload, errJSON, nil
}
