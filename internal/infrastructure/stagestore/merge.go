package stagestore

import (
	"time"

	"github.com/merchantforge/poflow/internal/core/domain"
)

// StageSnapshot is one stage's recorded output in completion order.
type StageSnapshot struct {
	Stage       domain.Stage
	Result      map[string]any
	CompletedAt time.Time
}

// MergeResults folds snapshots left to right, most-recent-key-wins, with
// identifier keys preserved across shallow merges that omit them. The
// returned object also carries a previousStages map for observability.
// Safe with zero snapshots: returns an empty accumulated object.
func MergeResults(ordered []StageSnapshot) domain.AccumulatedData {
	merged := domain.AccumulatedData{}
	previous := make(map[string]any, len(ordered))

	for _, snap := range ordered {
		merged = merged.Merge(snap.Result)
		previous[string(snap.Stage)] = map[string]any{
			"completed_at": snap.CompletedAt.UTC().Format(time.RFC3339),
			"keys":         len(snap.Result),
		}
	}
	if len(previous) > 0 {
		merged["previous_stages"] = previous
	}
	return merged
}
