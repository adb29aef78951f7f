// Package stagestore records per-stage outputs for a workflow run and folds
// them into one accumulated object for later stages. Entries carry a TTL so
// abandoned runs do not grow orchestration state without bound.
package stagestore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/merchantforge/poflow/internal/core/domain"
)

type memoryEntry struct {
	result      map[string]any
	completedAt time.Time
	expiresAt   time.Time
}

// Memory is the in-process store used by tests and the sequential runner.
// Semantics match the Postgres store exactly.
type Memory struct {
	mu      sync.Mutex
	entries map[string]map[domain.Stage]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Memory{
		entries: make(map[string]map[domain.Stage]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *Memory) SaveStageResult(_ context.Context, workflowID string, stage domain.Stage, result map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	byStage, ok := m.entries[workflowID]
	if !ok {
		byStage = make(map[domain.Stage]memoryEntry)
		m.entries[workflowID] = byStage
	}
	copied := make(map[string]any, len(result))
	for k, v := range result {
		copied[k] = v
	}
	byStage[stage] = memoryEntry{result: copied, completedAt: now, expiresAt: now.Add(m.ttl)}

	// Saving refreshes the TTL of every entry in the run: a slow later
	// stage must not watch its predecessors expire.
	for s, e := range byStage {
		e.expiresAt = now.Add(m.ttl)
		byStage[s] = e
	}
	return nil
}

func (m *Memory) AccumulatedData(_ context.Context, workflowID string) (domain.AccumulatedData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	byStage := m.entries[workflowID]

	ordered := make([]StageSnapshot, 0, len(byStage))
	for stage, e := range byStage {
		if now.After(e.expiresAt) {
			delete(byStage, stage)
			continue
		}
		ordered = append(ordered, StageSnapshot{Stage: stage, Result: e.result, CompletedAt: e.completedAt})
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].CompletedAt.Before(ordered[j].CompletedAt)
	})

	return MergeResults(ordered), nil
}

func (m *Memory) ClearWorkflowResults(_ context.Context, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, workflowID)
	return nil
}
