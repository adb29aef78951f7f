// Package polock provides in-process mutual exclusion keyed by purchase
// order id. Tokens are not persisted: a process restart drops them, and the
// max-age reclaim keeps that from turning into a permanent deadlock.
package polock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/merchantforge/poflow/internal/core/domain"
)

type token struct {
	workflowID string
	stage      domain.Stage
	acquiredAt time.Time
}

type Registry struct {
	mu     sync.Mutex
	held   map[string]token
	maxAge time.Duration
	poll   time.Duration
	now    func() time.Time
}

type Options struct {
	// MaxAge is the age past which a held token is forcibly reclaimed.
	MaxAge time.Duration
	// Poll is the wait between acquisition attempts.
	Poll time.Duration
	Now  func() time.Time
}

func New(opts Options) *Registry {
	if opts.MaxAge <= 0 {
		opts.MaxAge = 10 * time.Minute
	}
	if opts.Poll <= 0 {
		opts.Poll = 250 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		held:   make(map[string]token),
		maxAge: opts.MaxAge,
		poll:   opts.Poll,
		now:    opts.Now,
	}
}

// Acquire blocks until no other token is held for purchaseOrderID, or until
// the prior holder's token exceeds its maximum age and is reclaimed. An
// empty id returns a no-op release: locking is best effort for entities
// without an id yet.
func (r *Registry) Acquire(ctx context.Context, purchaseOrderID string, meta domain.LockMeta) (func(), error) {
	if purchaseOrderID == "" {
		return func() {}, nil
	}

	for {
		if tok, ok := r.tryAcquire(purchaseOrderID, meta); ok {
			return r.releaseFunc(purchaseOrderID, tok), nil
		}

		timer := time.NewTimer(r.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Registry) tryAcquire(purchaseOrderID string, meta domain.LockMeta) (token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if held, ok := r.held[purchaseOrderID]; ok {
		age := now.Sub(held.acquiredAt)
		if age < r.maxAge {
			return token{}, false
		}
		slog.Warn("purchase_order_lock_reclaimed",
			"purchase_order_id", purchaseOrderID,
			"stale_workflow_id", held.workflowID,
			"stale_stage", held.stage,
			"age", age,
		)
	}

	tok := token{workflowID: meta.WorkflowID, stage: meta.Stage, acquiredAt: now}
	r.held[purchaseOrderID] = tok
	return tok, true
}

// releaseFunc is idempotent and only clears the lock while it still owns the
// token, so a late release cannot clobber a newer holder.
func (r *Registry) releaseFunc(purchaseOrderID string, tok token) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if held, ok := r.held[purchaseOrderID]; ok && held == tok {
				delete(r.held, purchaseOrderID)
			}
		})
	}
}

// Held reports whether a token is currently held for the id.
func (r *Registry) Held(purchaseOrderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.held[purchaseOrderID]
	return ok
}
