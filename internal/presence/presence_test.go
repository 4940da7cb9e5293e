package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := NewStore("redis://"+s.Addr(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, s
}

func TestPublishAndList(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	entries := []Entry{
		{ActorID: "act_b", DisplayName: "Blair", Color: "#2d7ff9"},
		{ActorID: "act_a", DisplayName: "Avery", Color: "#e8590c"},
	}
	for _, e := range entries {
		if err := store.Publish(ctx, "doc-1", e); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	got, err := store.List(ctx, "doc-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List returned %d entries", len(got))
	}
	// Sorted by actor id.
	if got[0].ActorID != "act_a" || got[1].ActorID != "act_b" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got[0].DisplayName != "Avery" || got[0].Color != "#e8590c" {
		t.Fatalf("entry mangled: %+v", got[0])
	}
}

func TestListScopedToDocument(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	store.Publish(ctx, "doc-1", Entry{ActorID: "act_a"})
	store.Publish(ctx, "doc-2", Entry{ActorID: "act_b"})

	got, err := store.List(ctx, "doc-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].ActorID != "act_a" {
		t.Fatalf("presence leaked across documents: %+v", got)
	}
}

func TestPublishRejectsMissingActor(t *testing.T) {
	store, _ := setupTestStore(t)
	if err := store.Publish(context.Background(), "doc-1", Entry{}); err == nil {
		t.Fatal("expected error for empty actor id")
	}
}

func TestEntryExpires(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	if err := store.Publish(ctx, "doc-1", Entry{ActorID: "act_a"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// TTL is three heartbeats; a silent peer ages out.
	mr.FastForward(200 * time.Millisecond)

	got, err := store.List(ctx, "doc-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expired entry still listed: %+v", got)
	}
}

func TestRemove(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	store.Publish(ctx, "doc-1", Entry{ActorID: "act_a"})
	if err := store.Remove(ctx, "doc-1", "act_a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	got, err := store.List(ctx, "doc-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("removed entry still listed: %+v", got)
	}
}

func TestWatchFiresOnChange(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan []Entry, 8)
	go store.Watch(ctx, "doc-1", func(entries []Entry) {
		changes <- entries
	})

	if err := store.Publish(ctx, "doc-1", Entry{ActorID: "act_a", DisplayName: "Avery"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case entries := <-changes:
		if len(entries) != 1 || entries[0].ActorID != "act_a" {
			t.Fatalf("unexpected entries: %+v", entries)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch never fired")
	}
}
