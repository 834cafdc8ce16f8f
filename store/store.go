// Package store provides the durable context store: keyed storage of
// generations and sessions with recency-ordered session history.
//
// Supported backends:
// - Memory: for development and testing (data lost on restart)
// - SQLite/Postgres: durable single-node and shared deployments (GORM)
// - Redis: distributed deployments
//
// Writers serialize per generation id upstream (the orchestrator registry
// admits at most one active run per id), so backends only need atomic
// single-record upsert plus concurrent reads.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/dreamforge/types"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// Store is the context store contract consumed by the recall engine and
// the pipeline orchestrator.
type Store interface {
	// PutGeneration upserts a generation record.
	PutGeneration(ctx context.Context, gen *types.Generation) error

	// GetGeneration retrieves a generation by id.
	GetGeneration(ctx context.Context, id string) (*types.Generation, error)

	// ListBySession returns up to limit generations for a session,
	// newest first. A non-zero before excludes records created at or
	// after that instant, which makes it the pagination cursor: pass the
	// CreatedAt of the last record of the previous page.
	ListBySession(ctx context.Context, sessionID string, limit int, before time.Time) ([]*types.Generation, error)

	// SearchGenerations returns generations whose prompt or enhanced
	// prompt contains the query substring, newest first.
	SearchGenerations(ctx context.Context, query string, limit int) ([]*types.Generation, error)

	// PutSession upserts a session record.
	PutSession(ctx context.Context, sess *types.Session) error

	// GetSession retrieves a session by id.
	GetSession(ctx context.Context, id string) (*types.Session, error)

	// TouchSession bumps a session's LastActiveAt.
	TouchSession(ctx context.Context, id string, at time.Time) error

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close closes the store and releases resources.
	Close() error
}

// normalizeLimit clamps a caller-supplied page size.
func normalizeLimit(limit int) int {
	const defaultLimit, maxLimit = 20, 200
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
