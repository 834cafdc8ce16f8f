package pipeline

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/dreamforge/types"
)

// Registry tracks live and recently finished runs. It is the sole
// admission gate: at most one run exists per generation id, and a client
// request id admits at most one run, which makes it the duplicate-start
// protector for the whole pipeline.
type Registry struct {
	mu        sync.RWMutex
	runs      map[string]*Run
	byRequest map[string]string // request id -> generation id
	logger    *zap.Logger
}

// NewRegistry creates an empty run registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		runs:      make(map[string]*Run),
		byRequest: make(map[string]string),
		logger:    logger.With(zap.String("component", "registry")),
	}
}

// Admit registers a run. requestID is the optional client idempotency
// key; reuse of either key is rejected with DUPLICATE_REQUEST.
func (r *Registry) Admit(run *Run, requestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[run.ID]; exists {
		return types.NewError(types.ErrDuplicateRequest, "generation already running: "+run.ID)
	}
	if requestID != "" {
		if genID, exists := r.byRequest[requestID]; exists {
			return types.NewError(types.ErrDuplicateRequest,
				"request already started generation "+genID)
		}
		r.byRequest[requestID] = run.ID
	}

	r.runs[run.ID] = run
	return nil
}

// Get returns the run for a generation id, if tracked.
func (r *Registry) Get(id string) (*Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	return run, ok
}

// Lookup resolves a client request id to its generation id.
func (r *Registry) Lookup(requestID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	genID, ok := r.byRequest[requestID]
	return genID, ok
}

// Remove drops a run and its request-id mapping.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) {
	delete(r.runs, id)
	for reqID, genID := range r.byRequest {
		if genID == id {
			delete(r.byRequest, reqID)
			break
		}
	}
}

// Len returns the number of tracked runs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

// CleanupTerminal drops terminal runs older than the retention window.
// Their records stay queryable through the store.
func (r *Registry) CleanupTerminal(olderThan time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	cleaned := 0

	for id, run := range r.runs {
		if !run.Status().IsTerminal() {
			continue
		}
		if end := run.EndTime(); !end.IsZero() && end.Before(cutoff) {
			r.removeLocked(id)
			cleaned++
		}
	}

	if cleaned > 0 {
		r.logger.Debug("cleaned up terminal runs", zap.Int("count", cleaned))
	}
	return cleaned
}
