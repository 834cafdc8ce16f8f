package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/dreamforge/types"
)

func testRun(id string) *Run {
	return newRun(&types.Generation{
		ID:        id,
		SessionID: "sess-1",
		Prompt:    "a chair",
		Status:    types.StatusPending,
		CreatedAt: time.Now(),
	}, func() {})
}

func TestRegistryAdmitAndGet(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	run := testRun("gen-1")
	require.NoError(t, r.Admit(run, ""))

	got, ok := r.Get("gen-1")
	require.True(t, ok)
	assert.Equal(t, run, got)
	assert.Equal(t, 1, r.Len())

	_, ok = r.Get("gen-2")
	assert.False(t, ok)
}

func TestRegistryRejectsDuplicateID(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	require.NoError(t, r.Admit(testRun("gen-1"), ""))
	err := r.Admit(testRun("gen-1"), "")
	require.Error(t, err)
	assert.Equal(t, types.ErrDuplicateRequest, types.GetErrorCode(err))
}

func TestRegistryRejectsDuplicateRequestID(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	require.NoError(t, r.Admit(testRun("gen-1"), "req-1"))
	err := r.Admit(testRun("gen-2"), "req-1")
	require.Error(t, err)
	assert.Equal(t, types.ErrDuplicateRequest, types.GetErrorCode(err))

	// The rejected run must not leak into the registry.
	_, ok := r.Get("gen-2")
	assert.False(t, ok)

	genID, ok := r.Lookup("req-1")
	require.True(t, ok)
	assert.Equal(t, "gen-1", genID)
}

func TestRegistryRemoveClearsRequestMapping(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	require.NoError(t, r.Admit(testRun("gen-1"), "req-1"))
	r.Remove("gen-1")

	assert.Equal(t, 0, r.Len())
	_, ok := r.Lookup("req-1")
	assert.False(t, ok)

	// The request id is reusable after removal.
	require.NoError(t, r.Admit(testRun("gen-3"), "req-1"))
}

func TestRegistryCleanupTerminal(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	finished := testRun("gen-done")
	finished.update(func(g *types.Generation) { g.Status = types.StatusCompleted })
	finished.finish()

	live := testRun("gen-live")

	require.NoError(t, r.Admit(finished, "req-done"))
	require.NoError(t, r.Admit(live, ""))

	// Nothing is old enough yet.
	assert.Equal(t, 0, r.CleanupTerminal(time.Hour))

	cleaned := r.CleanupTerminal(-time.Second)
	assert.Equal(t, 1, cleaned)

	_, ok := r.Get("gen-done")
	assert.False(t, ok)
	_, ok = r.Get("gen-live")
	assert.True(t, ok, "live runs are never cleaned")
	_, ok = r.Lookup("req-done")
	assert.False(t, ok)
}

func TestRunSnapshotIsolation(t *testing.T) {
	run := testRun("gen-1")

	snap := run.Snapshot()
	snap.Status = types.StatusFailed
	snap.SetMeta("style", "mutated")

	assert.Equal(t, types.StatusPending, run.Status())
	assert.Empty(t, run.Snapshot().Metadata["style"])
}

func TestRunWait(t *testing.T) {
	run := testRun("gen-1")

	go func() {
		run.update(func(g *types.Generation) { g.Status = types.StatusFailed })
		run.finish()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	gen, err := run.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, gen.Status)
	assert.False(t, run.EndTime().IsZero())
}
