package entitycache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/marcus/fitsync/internal/blobstore"
)

type meal struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func TestPutGetRemove(t *testing.T) {
	ctx := context.Background()
	c := New(blobstore.NewMemory())

	key := Key("meal_logs", "m1")
	if key != "meal_logs_m1" {
		t.Fatalf("key: got %q", key)
	}
	if err := c.Put(ctx, key, meal{ID: "m1", Name: "Lunch"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	e, ok := c.Get(key)
	if !ok {
		t.Fatal("expected entity")
	}
	var got meal
	if err := e.Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Name != "Lunch" {
		t.Fatalf("name: got %q, want Lunch", got.Name)
	}

	c.Remove(ctx, key)
	if _, ok := c.Get(key); ok {
		t.Fatal("entity still present after remove")
	}
}

func TestPersistAndReload(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemory()
	c := New(store)
	_ = c.Put(ctx, Key("meal_logs", "a"), meal{ID: "a"})
	_ = c.Put(ctx, Key("meal_logs", "b"), meal{ID: "b"})
	_ = c.Put(ctx, Key("workout_sessions", "w"), map[string]any{"id": "w"})

	reloaded := New(store)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := reloaded.Len(); got != 3 {
		t.Fatalf("len: got %d, want 3", got)
	}
	list := reloaded.ListByPrefix("meal_logs")
	if len(list) != 2 || list[0].Key != "meal_logs_a" || list[1].Key != "meal_logs_b" {
		t.Fatalf("list: %+v", list)
	}
}

func TestConcurrentPutPersistsEveryEntity(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemory()
	c := New(store)

	const n = 64
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("m%d", i)
			if err := c.Put(ctx, Key("meal_logs", id), meal{ID: id, Name: "Snack"}); err != nil {
				t.Errorf("put %s: %v", id, err)
			}
		}()
	}
	wg.Wait()

	reloaded := New(store)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if reloaded.Len() != n {
		t.Fatalf("reloaded len: got %d, want %d", reloaded.Len(), n)
	}
	if got := len(reloaded.ListByPrefix("meal_logs_")); got != n {
		t.Fatalf("by prefix: got %d, want %d", got, n)
	}
}

func TestIsStale(t *testing.T) {
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	c := New(blobstore.NewMemory())
	c.SetClock(func() time.Time { return now })
	_ = c.Put(context.Background(), "k", 1)
	e, _ := c.Get("k")

	if c.IsStale(e, 5*time.Minute) {
		t.Fatal("fresh entity reported stale")
	}
	now = now.Add(6 * time.Minute)
	if !c.IsStale(e, 5*time.Minute) {
		t.Fatal("old entity not reported stale")
	}
}

func TestStorageFailureKeepsMemoryState(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemory()
	store.FailWrites(errors.New("disk full"))
	c := New(store)

	if err := c.Put(ctx, "k", 1); err != nil {
		t.Fatalf("put returned storage error: %v", err)
	}
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entity missing after failed persist")
	}
	if got := c.StorageFailures(); got != 1 {
		t.Fatalf("storage failures: got %d, want 1", got)
	}
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemory()
	c := New(store)
	_ = c.Put(ctx, "k", 1)
	c.Purge(ctx)

	if c.Len() != 0 {
		t.Fatalf("len after purge: got %d", c.Len())
	}
	if _, ok, _ := store.ReadBlob(ctx, StorageKey); ok {
		t.Fatal("blob still present after purge")
	}
}
