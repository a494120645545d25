package store

import (
	"context"
	"testing"
	"time"
)

func TestSQLiteStore_Suite(t *testing.T) {
	runArtifactStoreSuite(t, func(t *testing.T) ArtifactStore {
		s, err := NewSQLiteStore(":memory:")
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		return s
	})
}

func TestSQLiteStore_ExpiredNameReclaim(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()
	frozen := base

	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	s.WithClock(func() time.Time { return frozen })
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
}

func TestSQLiteStore_SweepExpired(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()
	frozen := base

	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	s.WithClock(func() time.Time { return frozen })
	defer s.Close()

	ttl := int64(5)
	if _, err := s.Store(ctx, StoreOptions{Kind: "note", Workspace: "w", Name: "sweep-me", TTLSeconds: &ttl}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	frozen = base.Add(1 * time.Hour)

	n, err := s.SweepExpired(ctx, 10)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept row, got %d", n)
	}

	got, err := s.Fetch(ctx, FetchOptions{Workspace: "w", Name: "sweep-me", IncludeDeleted: true})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got == nil || !got.IsDeleted() {
		t.Fatalf("expected swept row to be soft-deleted, got %+v", got)
	}
}
