// Package pipeline orchestrates generation runs: prompt enhancement with
// recalled session context, the remote image and model stages, and
// persistence of every state transition.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/dreamforge/types"
)

// Run is the in-flight handle of one generation. It owns the mutable
// Generation record while the run executes; everything handed out is a
// clone so callers never observe a half-applied transition.
type Run struct {
	ID        string
	SessionID string
	StartTime time.Time

	cancel context.CancelFunc

	// mu protects gen and endTime.
	mu      sync.RWMutex
	gen     *types.Generation
	endTime time.Time

	doneCh chan struct{}
}

// newRun wraps a freshly created generation record.
func newRun(gen *types.Generation, cancel context.CancelFunc) *Run {
	return &Run{
		ID:        gen.ID,
		SessionID: gen.SessionID,
		StartTime: gen.CreatedAt,
		cancel:    cancel,
		gen:       gen,
		doneCh:    make(chan struct{}),
	}
}

// Snapshot returns a deep copy of the current generation state.
func (r *Run) Snapshot() *types.Generation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gen.Clone()
}

// update applies a mutation to the generation under the run lock and
// returns a clone of the result for persistence.
func (r *Run) update(fn func(*types.Generation)) *types.Generation {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.gen)
	r.gen.UpdatedAt = time.Now()
	return r.gen.Clone()
}

// Status returns the current lifecycle state.
func (r *Run) Status() types.GenerationStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gen.Status
}

// EndTime returns when the run reached a terminal state, zero while it
// is still executing.
func (r *Run) EndTime() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endTime
}

// Cancel requests cooperative cancellation. The run observes it at the
// next stage boundary or poll iteration.
func (r *Run) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
}

// finish marks the run terminal and releases waiters.
func (r *Run) finish() {
	r.mu.Lock()
	r.endTime = time.Now()
	r.mu.Unlock()
	close(r.doneCh)
}

// Wait blocks until the run reaches a terminal state or the context
// expires, and returns the final snapshot.
func (r *Run) Wait(ctx context.Context) (*types.Generation, error) {
	select {
	case <-r.doneCh:
		return r.Snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done exposes the completion channel for select loops.
func (r *Run) Done() <-chan struct{} {
	return r.doneCh
}
