package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/dreamforge/types"
)

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu          sync.RWMutex
	generations map[string]*types.Generation
	sessions    map[string]*types.Session
	closed      bool
}

// NewMemoryStore creates a new in-memory context store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		generations: make(map[string]*types.Generation),
		sessions:    make(map[string]*types.Session),
	}
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// PutGeneration upserts a generation record.
func (s *MemoryStore) PutGeneration(ctx context.Context, gen *types.Generation) error {
	if gen == nil || gen.ID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	// Stored copies are isolated from the caller's record.
	s.generations[gen.ID] = gen.Clone()
	return nil
}

// GetGeneration retrieves a generation by id.
func (s *MemoryStore) GetGeneration(ctx context.Context, id string) (*types.Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	gen, ok := s.generations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return gen.Clone(), nil
}

// ListBySession returns generations for a session, newest first.
func (s *MemoryStore) ListBySession(ctx context.Context, sessionID string, limit int, before time.Time) ([]*types.Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]*types.Generation, 0)
	for _, gen := range s.generations {
		if gen.SessionID != sessionID {
			continue
		}
		if !before.IsZero() && !gen.CreatedAt.Before(before) {
			continue
		}
		result = append(result, gen.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	limit = normalizeLimit(limit)
	if limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// SearchGenerations matches prompts by substring, newest first.
func (s *MemoryStore) SearchGenerations(ctx context.Context, query string, limit int) ([]*types.Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	q := strings.ToLower(query)
	result := make([]*types.Generation, 0)
	for _, gen := range s.generations {
		if strings.Contains(strings.ToLower(gen.Prompt), q) ||
			strings.Contains(strings.ToLower(gen.EnhancedPrompt), q) {
			result = append(result, gen.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	limit = normalizeLimit(limit)
	if limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// PutSession upserts a session record.
func (s *MemoryStore) PutSession(ctx context.Context, sess *types.Session) error {
	if sess == nil || sess.ID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

// GetSession retrieves a session by id.
func (s *MemoryStore) GetSession(ctx context.Context, id string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

// TouchSession bumps a session's LastActiveAt.
func (s *MemoryStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.LastActiveAt = at
	return nil
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
