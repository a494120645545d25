package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

// runArtifactStoreSuite exercises the invariants of spec §4.1/§8 against any
// ArtifactStore implementation, so MemoryStore and SQLiteStore are held to
// the exact same contract.
func runArtifactStoreSuite(t *testing.T, newStore func(t *testing.T) ArtifactStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("store and fetch round trip", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		created, err := s.Store(ctx, StoreOptions{
			Kind:      "note",
			Workspace: "team-a",
			Name:      "plan",
			Data:      map[string]interface{}{"hello": "world"},
		})
		if err != nil {
			t.Fatalf("Store: %v", err)
		}
		if created.Version != 1 {
			t.Fatalf("expected version 1, got %d", created.Version)
		}

		fetched, err := s.Fetch(ctx, FetchOptions{ID: created.ID})
		if err != nil {
			t.Fatalf("Fetch by id: %v", err)
		}
		if fetched == nil {
			t.Fatal("expected artifact, got nil")
		}
		if fetched.Name != "plan" || fetched.Workspace != "team-a" {
			t.Fatalf("unexpected fetched artifact: %+v", fetched)
		}

		byName, err := s.Fetch(ctx, FetchOptions{Workspace: "team-a", Name: "plan"})
		if err != nil {
			t.Fatalf("Fetch by name: %v", err)
		}
		if byName == nil || byName.ID != created.ID {
			t.Fatalf("expected to resolve by name to %s, got %+v", created.ID, byName)
		}
	})

	t.Run("name normalization resolves across case and whitespace", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		_, err := s.Store(ctx, StoreOptions{Kind: "note", Workspace: "  Team A  ", Name: "  Plan   One "})
		if err != nil {
			t.Fatalf("Store: %v", err)
		}

		got, err := s.Fetch(ctx, FetchOptions{Workspace: "team a", Name: "plan one"})
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if got == nil {
			t.Fatal("expected normalized name lookup to resolve")
		}
	})

	t.Run("active name collision rejected by default", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		if _, err := s.Store(ctx, StoreOptions{Kind: "note", Workspace: "w", Name: "dup"}); err != nil {
			t.Fatalf("first Store: %v", err)
		}
		_, err := s.Store(ctx, StoreOptions{Kind: "note", Workspace: "w", Name: "dup"})
		if !errors.Is(err, ErrNameExists) {
			t.Fatalf("expected ErrNameExists, got %v", err)
		}
	})

	t.Run("mode replace overwrites and bumps version", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		first, err := s.Store(ctx, StoreOptions{Kind: "note", Workspace: "w", Name: "dup", Data: "v1"})
		if err != nil {
			t.Fatalf("first Store: %v", err)
		}
		second, err := s.Store(ctx, StoreOptions{Kind: "note", Workspace: "w", Name: "dup", Data: "v2", Mode: ModeReplace})
		if err != nil {
			t.Fatalf("replace Store: %v", err)
		}
		if second.ID != first.ID {
			t.Fatalf("replace should keep the same id, got %s vs %s", second.ID, first.ID)
		}
		if second.Version != 2 {
			t.Fatalf("expected version 2 after replace, got %d", second.Version)
		}
	})

	t.Run("expected version enforces optimistic concurrency", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		created, err := s.Store(ctx, StoreOptions{Kind: "note", Workspace: "w", Name: "cas"})
		if err != nil {
			t.Fatalf("Store: %v", err)
		}

		v1 := created.Version
		updated, err := s.Store(ctx, StoreOptions{Kind: "note", Workspace: "w", Name: "cas", Data: "x", ExpectedVersion: &v1})
		if err != nil {
			t.Fatalf("update with correct version: %v", err)
		}
		if updated.Version != v1+1 {
			t.Fatalf("expected version %d, got %d", v1+1, updated.Version)
		}

		_, err = s.Store(ctx, StoreOptions{Kind: "note", Workspace: "w", Name: "cas", Data: "y", ExpectedVersion: &v1})
		if !errors.Is(err, ErrVersionMismatch) {
			t.Fatalf("expected ErrVersionMismatch on stale version, got %v", err)
		}
	})

	t.Run("delete then fetch is not found but fetch with include-deleted sees it", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		created, err := s.Store(ctx, StoreOptions{Kind: "note", Workspace: "w", Name: "gone"})
		if err != nil {
			t.Fatalf("Store: %v", err)
		}
		if err := s.Delete(ctx, DeleteOptions{ID: created.ID}); err != nil {
			t.Fatalf("Delete: %v", err)
		}

		got, err := s.Fetch(ctx, FetchOptions{ID: created.ID})
		if err != nil {
			t.Fatalf("Fetch after delete: %v", err)
		}
		if got != nil {
			t.Fatalf("expected nil after delete, got %+v", got)
		}

		gotDeleted, err := s.Fetch(ctx, FetchOptions{ID: created.ID, IncludeDeleted: true})
		if err != nil {
			t.Fatalf("Fetch include-deleted: %v", err)
		}
		if gotDeleted == nil || !gotDeleted.IsDeleted() {
			t.Fatalf("expected deleted artifact visible with IncludeDeleted, got %+v", gotDeleted)
		}
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		created, err := s.Store(ctx, StoreOptions{Kind: "note", Workspace: "w", Name: "idem"})
		if err != nil {
			t.Fatalf("Store: %v", err)
		}
		if err := s.Delete(ctx, DeleteOptions{ID: created.ID}); err != nil {
			t.Fatalf("first Delete: %v", err)
		}
		if err := s.Delete(ctx, DeleteOptions{ID: created.ID}); err != nil {
			t.Fatalf("second Delete should be a no-op, got: %v", err)
		}
		if err := s.Delete(ctx, DeleteOptions{ID: "does-not-exist"}); err != nil {
			t.Fatalf("Delete of missing id should be a no-op, got: %v", err)
		}
	})

	t.Run("ambiguous addressing rejected", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		_, err := s.Fetch(ctx, FetchOptions{ID: "x", Workspace: "w", Name: "y"})
		if !errors.Is(err, ErrAmbiguousAddressing) {
			t.Fatalf("expected ErrAmbiguousAddressing, got %v", err)
		}
	})

	t.Run("compose markdown concatenates text with headers", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		text1 := "first section"
		text2 := "second section"
		a1, err := s.Store(ctx, StoreOptions{Kind: "doc", Workspace: "w", Name: "a", Text: &text1})
		if err != nil {
			t.Fatalf("Store a1: %v", err)
		}
		a2, err := s.Store(ctx, StoreOptions{Kind: "doc", Workspace: "w", Name: "b", Text: &text2})
		if err != nil {
			t.Fatalf("Store a2: %v", err)
		}

		result, err := s.Compose(ctx, ComposeOptions{Refs: []ComposeRef{{ID: a1.ID}, {ID: a2.ID}}})
		if err != nil {
			t.Fatalf("Compose: %v", err)
		}
		if result.Markdown == "" {
			t.Fatal("expected non-empty markdown")
		}
	})

	t.Run("compose fails when a referenced artifact has no text", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		a, err := s.Store(ctx, StoreOptions{Kind: "doc", Workspace: "w", Name: "notext"})
		if err != nil {
			t.Fatalf("Store: %v", err)
		}
		_, err = s.Compose(ctx, ComposeOptions{Refs: []ComposeRef{{ID: a.ID}}})
		if !errors.Is(err, ErrComposeMissingText) {
			t.Fatalf("expected ErrComposeMissingText, got %v", err)
		}
	})

	t.Run("list paginates with has_more", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		for i := 0; i < 5; i++ {
			if _, err := s.Store(ctx, StoreOptions{Kind: "note", Workspace: "page", Data: i}); err != nil {
				t.Fatalf("Store %d: %v", i, err)
			}
		}

		result, err := s.List(ctx, ListOptions{Workspace: "page", Limit: 3})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(result.Items) != 3 {
			t.Fatalf("expected 3 items, got %d", len(result.Items))
		}
		if !result.HasMore {
			t.Fatal("expected HasMore true")
		}

		rest, err := s.List(ctx, ListOptions{Workspace: "page", Limit: 3, Offset: 3})
		if err != nil {
			t.Fatalf("List page 2: %v", err)
		}
		if len(rest.Items) != 2 {
			t.Fatalf("expected 2 items on page 2, got %d", len(rest.Items))
		}
		if rest.HasMore {
			t.Fatal("expected HasMore false on last page")
		}
	})

	t.Run("required ttl kinds reject missing ttl", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		_, err := s.Store(ctx, StoreOptions{Kind: KindRunRecord, Workspace: WorkspaceRuns, Name: "run-1", TTLExplicitNull: true})
		if !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("expected ErrInvalidRequest for missing run-record ttl, got %v", err)
		}
	})

	t.Run("data size limit enforced", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		huge := make([]byte, DefaultDataSizeLimit+1)
		for i := range huge {
			huge[i] = 'a'
		}
		_, err := s.Store(ctx, StoreOptions{Kind: "blob", Workspace: "w", Data: string(huge)})
		if !errors.Is(err, ErrDataTooLarge) {
			t.Fatalf("expected ErrDataTooLarge, got %v", err)
		}
	})
}

func TestMemoryStore_Suite(t *testing.T) {
	runArtifactStoreSuite(t, func(t *testing.T) ArtifactStore {
		return NewMemoryStore()
	})
}

func TestMemoryStore_ExpiredNameReclaim(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()
	frozen := base
	s := NewMemoryStore().WithClock(func() time.Time { return frozen })
	defer s.Close()

	ttl := int64(10)
	first, err := s.Store(ctx, StoreOptions{Kind: "note", Workspace: "w", Name: "reclaim", TTLSeconds: &ttl})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	frozen = base.Add(1 * time.Hour)

	second, err := s.Store(ctx, StoreOptions{Kind: "note", Workspace: "w", Name: "reclaim", Data: "fresh"})
	if err != nil {
		t.Fatalf("Store after expiry should succeed, got: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("expected a new artifact id after reclaiming an expired name")
	}
	if second.Version != 1 {
		t.Fatalf("expected fresh version 1, got %d", second.Version)
	}
}
