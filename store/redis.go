package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/dreamforge/config"
	"github.com/BaSui01/dreamforge/types"
)

// RedisStore is a Redis-based implementation of Store.
// Generations are JSON values; per-session recency ordering comes from a
// sorted set scored by CreatedAt.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a Redis-backed context store and verifies
// connectivity.
func NewRedisStore(cfg config.StoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "dreamforge:"
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests.
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "dreamforge:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

// Close closes the store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) generationKey(id string) string {
	return s.keyPrefix + "gen:" + id
}

func (s *RedisStore) sessionKey(id string) string {
	return s.keyPrefix + "session:" + id
}

// sessionIndexKey is the sorted set of generation ids per session,
// scored by CreatedAt in nanoseconds.
func (s *RedisStore) sessionIndexKey(sessionID string) string {
	return s.keyPrefix + "session-gens:" + sessionID
}

// allIndexKey is the sorted set of every generation id, used by search.
func (s *RedisStore) allIndexKey() string {
	return s.keyPrefix + "gens"
}

// PutGeneration upserts a generation and its session index entry.
func (s *RedisStore) PutGeneration(ctx context.Context, gen *types.Generation) error {
	if gen == nil || gen.ID == "" {
		return ErrInvalidInput
	}

	data, err := json.Marshal(gen)
	if err != nil {
		return fmt.Errorf("failed to marshal generation: %w", err)
	}

	score := float64(gen.CreatedAt.UnixNano())

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.generationKey(gen.ID), data, 0)
	pipe.ZAdd(ctx, s.sessionIndexKey(gen.SessionID), redis.Z{Score: score, Member: gen.ID})
	pipe.ZAdd(ctx, s.allIndexKey(), redis.Z{Score: score, Member: gen.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// GetGeneration retrieves a generation by id.
func (s *RedisStore) GetGeneration(ctx context.Context, id string) (*types.Generation, error) {
	data, err := s.client.Get(ctx, s.generationKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var gen types.Generation
	if err := json.Unmarshal(data, &gen); err != nil {
		return nil, fmt.Errorf("failed to unmarshal generation: %w", err)
	}
	return &gen, nil
}

// ListBySession returns generations for a session, newest first.
func (s *RedisStore) ListBySession(ctx context.Context, sessionID string, limit int, before time.Time) ([]*types.Generation, error) {
	limit = normalizeLimit(limit)

	// ZRevRangeByScore with an exclusive max implements the before
	// cursor directly on the index.
	max := "+inf"
	if !before.IsZero() {
		max = fmt.Sprintf("(%d", before.UnixNano())
	}

	ids, err := s.client.ZRevRangeByScore(ctx, s.sessionIndexKey(sessionID), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   max,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	return s.fetchGenerations(ctx, ids)
}

// SearchGenerations matches prompts by substring, newest first.
// Scans the global index; acceptable at this scale, where the store holds
// one record per pipeline run.
func (s *RedisStore) SearchGenerations(ctx context.Context, query string, limit int) ([]*types.Generation, error) {
	limit = normalizeLimit(limit)

	ids, err := s.client.ZRevRange(ctx, s.allIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(query)
	result := make([]*types.Generation, 0, limit)
	for _, id := range ids {
		gen, err := s.GetGeneration(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if strings.Contains(strings.ToLower(gen.Prompt), q) ||
			strings.Contains(strings.ToLower(gen.EnhancedPrompt), q) {
			result = append(result, gen)
			if len(result) == limit {
				break
			}
		}
	}
	return result, nil
}

// fetchGenerations resolves a list of ids into records, skipping any that
// vanished between the index read and the value read.
func (s *RedisStore) fetchGenerations(ctx context.Context, ids []string) ([]*types.Generation, error) {
	result := make([]*types.Generation, 0, len(ids))
	for _, id := range ids {
		gen, err := s.GetGeneration(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, gen)
	}
	return result, nil
}

// PutSession upserts a session record.
func (s *RedisStore) PutSession(ctx context.Context, sess *types.Session) error {
	if sess == nil || sess.ID == "" {
		return ErrInvalidInput
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return s.client.Set(ctx, s.sessionKey(sess.ID), data, 0).Err()
}

// GetSession retrieves a session by id.
func (s *RedisStore) GetSession(ctx context.Context, id string) (*types.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var sess types.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}

// TouchSession bumps a session's LastActiveAt.
func (s *RedisStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	sess.LastActiveAt = at
	return s.PutSession(ctx, sess)
}

// Ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)
