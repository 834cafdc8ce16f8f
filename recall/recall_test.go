package recall

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/dreamforge/config"
	"github.com/BaSui01/dreamforge/store"
	"github.com/BaSui01/dreamforge/types"
)

func seedHistory(t *testing.T, s store.Store, sessionID string, prompts ...string) {
	t.Helper()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, prompt := range prompts {
		gen := &types.Generation{
			ID:             sessionID + "-" + prompt[:min(8, len(prompt))] + "-" + string(rune('a'+i)),
			SessionID:      sessionID,
			Prompt:         prompt,
			EnhancedPrompt: prompt + ", cinematic lighting",
			Status:         types.StatusCompleted,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
			UpdatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.PutGeneration(context.Background(), gen))
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func newTestEngine(s store.Store, cfg config.RecallConfig) *Engine {
	return NewEngine(s, cfg, zap.NewNop())
}

func TestBuildBundleEmptySession(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()

	e := newTestEngine(s, config.DefaultConfig().Recall)
	bundle := e.BuildBundle(context.Background(), "fresh-session", "a glowing dragon")
	assert.True(t, bundle.Empty())

	// No session id at all behaves the same.
	bundle = e.BuildBundle(context.Background(), "", "a glowing dragon")
	assert.True(t, bundle.Empty())
}

func TestBuildBundleContainsPriorPair(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()
	seedHistory(t, s, "sess-1", "a glowing dragon on a cliff at sunset")

	e := newTestEngine(s, config.DefaultConfig().Recall)
	bundle := e.BuildBundle(context.Background(), "sess-1", "now make it blue")

	require.Len(t, bundle.Pairs, 1)
	assert.Equal(t, "a glowing dragon on a cliff at sunset", bundle.Pairs[0].Prompt)
	assert.Contains(t, bundle.Pairs[0].EnhancedPrompt, "cinematic lighting")
}

func TestBuildBundleSkipsNonCompleted(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()

	gen := &types.Generation{
		ID:        "failed-1",
		SessionID: "sess-f",
		Prompt:    "a broken teapot",
		Status:    types.StatusFailed,
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.PutGeneration(context.Background(), gen))

	e := newTestEngine(s, config.DefaultConfig().Recall)
	bundle := e.BuildBundle(context.Background(), "sess-f", "a teapot")
	assert.True(t, bundle.Empty())
}

func TestBuildBundleRespectsBundleSize(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()
	seedHistory(t, s, "sess-k",
		"a red fox", "a blue whale", "a green turtle", "a yellow canary", "a purple octopus")

	cfg := config.DefaultConfig().Recall
	cfg.BundleSize = 2
	e := newTestEngine(s, cfg)

	bundle := e.BuildBundle(context.Background(), "sess-k", "an orange cat")
	assert.Len(t, bundle.Pairs, 2)
	// Recency ranking: newest first.
	assert.Equal(t, "a purple octopus", bundle.Pairs[0].Prompt)
}

func TestBuildBundleTokenBudget(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()
	seedHistory(t, s, "sess-b", "a short one", "another short one")

	cfg := config.DefaultConfig().Recall
	cfg.TokenBudget = 1
	e := newTestEngine(s, cfg)

	bundle := e.BuildBundle(context.Background(), "sess-b", "anything")
	assert.True(t, bundle.Empty(), "budget of one token admits no pair")
}

func TestLexicalRankerPrefersOverlap(t *testing.T) {
	base := time.Now()
	candidates := []*types.Generation{
		{Prompt: "a purple octopus underwater", CreatedAt: base.Add(2 * time.Minute)},
		{Prompt: "a glowing dragon on a cliff", CreatedAt: base.Add(time.Minute)},
		{Prompt: "a bowl of fruit", CreatedAt: base},
	}

	ranked := LexicalRanker{}.Rank(candidates, "make the dragon breathe fire on the cliff")
	assert.Equal(t, "a glowing dragon on a cliff", ranked[0].Prompt)
}

func TestLexicalRankerTieBreaksByRecency(t *testing.T) {
	candidates := []*types.Generation{
		{Prompt: "a bowl of fruit"},
		{Prompt: "a wooden chair"},
	}

	// Zero overlap everywhere: input (newest-first) order must hold.
	ranked := LexicalRanker{}.Rank(candidates, "completely unrelated words")
	assert.Equal(t, "a bowl of fruit", ranked[0].Prompt)
	assert.Equal(t, "a wooden chair", ranked[1].Prompt)
}

func TestNewRankerSelection(t *testing.T) {
	assert.Equal(t, "lexical", NewRanker("lexical").Name())
	assert.Equal(t, "recency", NewRanker("recency").Name())
	assert.Equal(t, "recency", NewRanker("embedding").Name(), "unknown ranker falls back to recency")
}

// failingStore wraps a Store and fails ListBySession.
type failingStore struct {
	store.Store
}

func (f *failingStore) ListBySession(ctx context.Context, sessionID string, limit int, before time.Time) ([]*types.Generation, error) {
	return nil, errors.New("disk on fire")
}

func TestBuildBundleStoreFailure(t *testing.T) {
	s := &failingStore{Store: store.NewMemoryStore()}
	e := newTestEngine(s, config.DefaultConfig().Recall)

	bundle := e.BuildBundle(context.Background(), "sess-x", "a prompt")
	assert.True(t, bundle.Empty(), "recall is best-effort and never errors")
}
