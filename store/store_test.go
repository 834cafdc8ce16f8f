package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/dreamforge/config"
	"github.com/BaSui01/dreamforge/types"
)

// newTestGeneration builds a completed generation with a fixed creation
// time so ordering assertions are deterministic.
func newTestGeneration(id, sessionID, prompt string, createdAt time.Time) *types.Generation {
	return &types.Generation{
		ID:             id,
		SessionID:      sessionID,
		Prompt:         prompt,
		EnhancedPrompt: prompt + ", highly detailed",
		ImageRef:       "images/" + id + ".png",
		ModelRef:       "models/" + id + ".glb",
		Status:         types.StatusCompleted,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

// runStoreTests exercises the Store contract against any backend.
func runStoreTests(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Ping", func(t *testing.T) {
		if err := s.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("PutAndGetGeneration", func(t *testing.T) {
		gen := newTestGeneration("gen-1", "sess-1", "a glowing dragon on a cliff", base)
		gen.SetMeta(types.MetaStyle, "realistic")
		gen.Error = nil

		if err := s.PutGeneration(ctx, gen); err != nil {
			t.Fatalf("PutGeneration failed: %v", err)
		}

		got, err := s.GetGeneration(ctx, "gen-1")
		if err != nil {
			t.Fatalf("GetGeneration failed: %v", err)
		}
		if got.Prompt != gen.Prompt || got.ImageRef != gen.ImageRef || got.Status != types.StatusCompleted {
			t.Errorf("roundtrip mismatch: %+v", got)
		}
		if got.Metadata[types.MetaStyle] != "realistic" {
			t.Errorf("metadata lost: %v", got.Metadata)
		}
	})

	t.Run("GetGenerationNotFound", func(t *testing.T) {
		if _, err := s.GetGeneration(ctx, "no-such-id"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("UpsertOverwrites", func(t *testing.T) {
		gen := newTestGeneration("gen-up", "sess-1", "first", base.Add(time.Second))
		gen.Status = types.StatusImaging
		gen.ImageRef = ""
		gen.ModelRef = ""
		if err := s.PutGeneration(ctx, gen); err != nil {
			t.Fatal(err)
		}

		gen.Status = types.StatusFailed
		gen.Error = &types.ErrorInfo{Stage: types.StageImage, Code: types.ErrGenRemoteFailed, Message: "nsfw filter"}
		if err := s.PutGeneration(ctx, gen); err != nil {
			t.Fatal(err)
		}

		got, err := s.GetGeneration(ctx, "gen-up")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != types.StatusFailed {
			t.Errorf("status = %s, want failed", got.Status)
		}
		if got.Error == nil || got.Error.Code != types.ErrGenRemoteFailed {
			t.Errorf("error info not persisted: %+v", got.Error)
		}
	})

	t.Run("ListBySessionOrderingAndPagination", func(t *testing.T) {
		session := "sess-page"
		ids := []string{"p-1", "p-2", "p-3", "p-4", "p-5"}
		for i, id := range ids {
			gen := newTestGeneration(id, session, "prompt "+id, base.Add(time.Duration(i)*time.Minute))
			if err := s.PutGeneration(ctx, gen); err != nil {
				t.Fatal(err)
			}
		}

		all, err := s.ListBySession(ctx, session, 10, time.Time{})
		if err != nil {
			t.Fatalf("ListBySession failed: %v", err)
		}
		if len(all) != 5 {
			t.Fatalf("expected 5 generations, got %d", len(all))
		}
		for i := 1; i < len(all); i++ {
			if all[i].CreatedAt.After(all[i-1].CreatedAt) {
				t.Fatal("not ordered newest first")
			}
		}
		if all[0].ID != "p-5" || all[4].ID != "p-1" {
			t.Errorf("unexpected order: %s ... %s", all[0].ID, all[4].ID)
		}

		// Walk pages of 2 using the before cursor; no dups, no gaps.
		seen := make(map[string]bool)
		before := time.Time{}
		for {
			page, err := s.ListBySession(ctx, session, 2, before)
			if err != nil {
				t.Fatal(err)
			}
			if len(page) == 0 {
				break
			}
			for _, gen := range page {
				if seen[gen.ID] {
					t.Fatalf("duplicate %s across pages", gen.ID)
				}
				seen[gen.ID] = true
			}
			before = page[len(page)-1].CreatedAt
		}
		if len(seen) != 5 {
			t.Errorf("pagination skipped records: saw %d of 5", len(seen))
		}
	})

	t.Run("ListBySessionEmpty", func(t *testing.T) {
		got, err := s.ListBySession(ctx, "no-such-session", 10, time.Time{})
		if err != nil {
			t.Fatalf("ListBySession failed: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("expected empty result, got %d", len(got))
		}
	})

	t.Run("SearchGenerations", func(t *testing.T) {
		gen := newTestGeneration("gen-search", "sess-2", "a crystal castle at midnight", base.Add(time.Hour))
		if err := s.PutGeneration(ctx, gen); err != nil {
			t.Fatal(err)
		}

		got, err := s.SearchGenerations(ctx, "crystal castle", 10)
		if err != nil {
			t.Fatalf("SearchGenerations failed: %v", err)
		}
		if len(got) != 1 || got[0].ID != "gen-search" {
			t.Errorf("unexpected search result: %+v", got)
		}

		got, err = s.SearchGenerations(ctx, "zebra submarine", 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 0 {
			t.Errorf("expected no matches, got %d", len(got))
		}
	})

	t.Run("Sessions", func(t *testing.T) {
		sess := &types.Session{ID: "sess-a", CreatedAt: base, LastActiveAt: base}
		if err := s.PutSession(ctx, sess); err != nil {
			t.Fatalf("PutSession failed: %v", err)
		}

		got, err := s.GetSession(ctx, "sess-a")
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if !got.CreatedAt.Equal(base) {
			t.Errorf("created_at mismatch: %v", got.CreatedAt)
		}

		later := base.Add(30 * time.Minute)
		if err := s.TouchSession(ctx, "sess-a", later); err != nil {
			t.Fatalf("TouchSession failed: %v", err)
		}
		got, err = s.GetSession(ctx, "sess-a")
		if err != nil {
			t.Fatal(err)
		}
		if !got.LastActiveAt.Equal(later) {
			t.Errorf("last_active_at not bumped: %v", got.LastActiveAt)
		}

		if _, err := s.GetSession(ctx, "no-such-session"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if err := s.TouchSession(ctx, "no-such-session", later); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("InvalidInput", func(t *testing.T) {
		if err := s.PutGeneration(ctx, nil); err != ErrInvalidInput {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if err := s.PutGeneration(ctx, &types.Generation{}); err != ErrInvalidInput {
			t.Errorf("expected ErrInvalidInput for empty id, got %v", err)
		}
		if err := s.PutSession(ctx, nil); err != ErrInvalidInput {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	runStoreTests(t, s)

	t.Run("ClosedStore", func(t *testing.T) {
		closed := NewMemoryStore()
		closed.Close()
		if err := closed.Ping(context.Background()); err != ErrStoreClosed {
			t.Errorf("expected ErrStoreClosed, got %v", err)
		}
		if err := closed.PutGeneration(context.Background(), newTestGeneration("x", "s", "p", time.Now())); err != ErrStoreClosed {
			t.Errorf("expected ErrStoreClosed, got %v", err)
		}
	})

	t.Run("SnapshotIsolation", func(t *testing.T) {
		iso := NewMemoryStore()
		defer iso.Close()
		ctx := context.Background()

		gen := newTestGeneration("iso-1", "sess-iso", "original", time.Now())
		if err := iso.PutGeneration(ctx, gen); err != nil {
			t.Fatal(err)
		}

		// Mutating the caller's record must not affect the stored copy.
		gen.Prompt = "mutated"
		got, err := iso.GetGeneration(ctx, "iso-1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Prompt != "original" {
			t.Error("stored record aliases caller memory")
		}

		// And mutating a returned snapshot must not affect the store.
		got.Prompt = "mutated again"
		got2, err := iso.GetGeneration(ctx, "iso-1")
		if err != nil {
			t.Fatal(err)
		}
		if got2.Prompt != "original" {
			t.Error("returned snapshot aliases stored record")
		}
	})
}

func TestGormStoreSQLite(t *testing.T) {
	cfg := config.StoreConfig{Driver: "sqlite", Path: t.TempDir() + "/test.db"}
	s, err := NewGormStore(cfg)
	if err != nil {
		t.Fatalf("NewGormStore failed: %v", err)
	}
	defer s.Close()
	runStoreTests(t, s)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreFromClient(client, "test:")
	defer s.Close()
	runStoreTests(t, s)
}

func TestFactory(t *testing.T) {
	s, err := New(config.StoreConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("factory failed for memory: %v", err)
	}
	s.Close()

	if _, err := New(config.StoreConfig{Driver: "bogus"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
