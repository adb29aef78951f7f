// Package runner provides an in-process stage queue for synchronous
// processing. The state machine is identical to the broker-backed path: the
// orchestrator publishes stage jobs, the runner delivers them one at a time
// in FIFO order until the pipeline stops scheduling.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/merchantforge/poflow/internal/core/domain"
	"github.com/merchantforge/poflow/internal/core/ports"
)

// maxDrainSteps bounds one Drain call. The pipeline has a fixed stage count,
// so hitting the bound means a scheduling loop.
const maxDrainSteps = 64

type Sequential struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending []domain.StageJob
	handler ports.StageJobHandler
}

func NewSequential(logger *slog.Logger) *Sequential {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequential{logger: logger}
}

// Bind sets the handler Drain delivers to. Called once during wiring; the
// orchestrator cannot be constructed with the runner and vice versa.
func (s *Sequential) Bind(handler ports.StageJobHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// PublishStageJob buffers the job for the next Drain step.
func (s *Sequential) PublishStageJob(_ context.Context, job domain.StageJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, job)
	return nil
}

// SubscribeStageJobs is a no-op: delivery happens through Drain.
func (s *Sequential) SubscribeStageJobs(context.Context, func(context.Context, domain.StageJob) error) error {
	return nil
}

// Drain delivers buffered jobs until none remain. The first handler error
// stops delivery; jobs scheduled by handled stages are picked up in the same
// call.
func (s *Sequential) Drain(ctx context.Context) error {
	for i := 0; i < maxDrainSteps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, handler, ok := s.next()
		if !ok {
			return nil
		}
		if handler == nil {
			return fmt.Errorf("runner: no handler bound")
		}
		s.logger.Debug("runner_dispatch", "workflow_id", job.WorkflowID, "stage", job.Stage)
		if err := handler.HandleStageJob(ctx, job); err != nil {
			return err
		}
	}
	return fmt.Errorf("runner: drain exceeded %d steps", maxDrainSteps)
}

// Pending reports the buffered job count.
func (s *Sequential) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Sequential) next() (domain.StageJob, ports.StageJobHandler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return domain.StageJob{}, nil, false
	}
	job := s.pending[0]
	s.pending = s.pending[1:]
	return job, s.handler, true
}
