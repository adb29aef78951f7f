package stagestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/merchantforge/poflow/internal/core/domain"
)

// Postgres is the durable stage-result store backing distributed workers.
type Postgres struct {
	db  *sql.DB
	ttl time.Duration
}

func NewPostgres(db *sql.DB, ttl time.Duration) *Postgres {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Postgres{db: db, ttl: ttl}
}

func (s *Postgres) EnsureSchema(ctx context.Context) error {
	const query = `
CREATE TABLE IF NOT EXISTS stage_results (
	workflow_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	result JSONB NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (workflow_id, stage)
);

CREATE INDEX IF NOT EXISTS idx_stage_results_expires_at ON stage_results(expires_at);
`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure stage_results schema: %w", err)
	}
	return nil
}

// SaveStageResult overwrites any prior result for the same (workflow, stage)
// and refreshes the TTL of every entry in the run.
func (s *Postgres) SaveStageResult(ctx context.Context, workflowID string, stage domain.Stage, result map[string]any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal stage result: %w", err)
	}

	now := time.Now().UTC()
	expires := now.Add(s.ttl)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin stage result tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
INSERT INTO stage_results (workflow_id, stage, result, completed_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (workflow_id, stage)
DO UPDATE SET result = EXCLUDED.result, completed_at = EXCLUDED.completed_at, expires_at = EXCLUDED.expires_at
`, workflowID, string(stage), payload, now, expires)
	if err != nil {
		return fmt.Errorf("upsert stage result: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE stage_results SET expires_at = $2 WHERE workflow_id = $1
`, workflowID, expires); err != nil {
		return fmt.Errorf("refresh stage result ttl: %w", err)
	}

	// Opportunistic cleanup of other runs' expired rows.
	if _, err := tx.ExecContext(ctx, `
DELETE FROM stage_results WHERE expires_at < $1
`, now); err != nil {
		return fmt.Errorf("purge expired stage results: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit stage result tx: %w", err)
	}
	return nil
}

func (s *Postgres) AccumulatedData(ctx context.Context, workflowID string) (domain.AccumulatedData, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT stage, result, completed_at
FROM stage_results
WHERE workflow_id = $1 AND expires_at >= $2
ORDER BY completed_at ASC
`, workflowID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("query stage results: %w", err)
	}
	defer rows.Close()

	var ordered []StageSnapshot
	for rows.Next() {
		var (
			stage       string
			raw         []byte
			completedAt time.Time
		)
		if err := rows.Scan(&stage, &raw, &completedAt); err != nil {
			return nil, fmt.Errorf("scan stage result: %w", err)
		}
		var result map[string]any
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("unmarshal stage result %s: %w", stage, err)
		}
		ordered = append(ordered, StageSnapshot{
			Stage:       domain.Stage(stage),
			Result:      result,
			CompletedAt: completedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage results: %w", err)
	}

	return MergeResults(ordered), nil
}

func (s *Postgres) ClearWorkflowResults(ctx context.Context, workflowID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM stage_results WHERE workflow_id = $1`, workflowID); err != nil {
		return fmt.Errorf("clear stage results: %w", err)
	}
	return nil
}
