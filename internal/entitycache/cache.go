// Package entitycache holds optimistic snapshots of entities keyed by
// "{collection}_{id}". The whole map is rewritten to the blob store on every
// mutation.
package entitycache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/marcus/fitsync/internal/blobstore"
)

// StorageKey is the blob key the cache is persisted under.
const StorageKey = "offline_cache"

// Entity is one cached snapshot.
type Entity struct {
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
	CachedAt int64           `json:"cached_at"` // unix millis
}

// Decode unmarshals the snapshot into v.
func (e Entity) Decode(v any) error {
	if err := json.Unmarshal(e.Value, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Key, err)
	}
	return nil
}

// Key builds the composite cache key for an entity.
func Key(collection, id string) string {
	return collection + "_" + id
}

// Cache is safe for concurrent use.
type Cache struct {
	store blobstore.Store
	now   func() time.Time

	mu       sync.Mutex
	entities map[string]Entity

	storageFailures atomic.Int64
}

// New returns an empty cache persisting to store.
func New(store blobstore.Store) *Cache {
	return &Cache{store: store, now: time.Now, entities: make(map[string]Entity)}
}

// SetClock overrides the time source used for CachedAt and staleness.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Load replaces the in-memory map with the persisted one.
func (c *Cache) Load(ctx context.Context) error {
	raw, ok, err := c.store.ReadBlob(ctx, StorageKey)
	if err != nil {
		return fmt.Errorf("read cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities = make(map[string]Entity)
	if !ok || raw == "" {
		return nil
	}
	var m map[string]Entity
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return fmt.Errorf("decode cache: %w", err)
	}
	for k, e := range m {
		c.entities[k] = e
	}
	return nil
}

// Put stores value under key, overwriting any previous snapshot.
func (c *Cache) Put(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities[key] = Entity{Key: key, Value: data, CachedAt: c.now().UnixMilli()}
	c.persistLocked(ctx)
	return nil
}

// Get returns the snapshot stored under key.
func (c *Cache) Get(key string) (Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entities[key]
	return e, ok
}

// Remove deletes key. Removing an absent key is a no-op.
func (c *Cache) Remove(ctx context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entities[key]; !ok {
		return
	}
	delete(c.entities, key)
	c.persistLocked(ctx)
}

// ListByPrefix returns every entity whose key starts with prefix, ordered by
// key. Pass a collection name to list that collection.
func (c *Cache) ListByPrefix(prefix string) []Entity {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Entity
	for k, e := range c.entities {
		if strings.HasPrefix(k, prefix) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of cached entities.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entities)
}

// IsStale reports whether e is older than maxAge.
func (c *Cache) IsStale(e Entity, maxAge time.Duration) bool {
	c.mu.Lock()
	now := c.now()
	c.mu.Unlock()
	return now.Sub(time.UnixMilli(e.CachedAt)) > maxAge
}

// Purge drops every entity and removes the persisted blob.
func (c *Cache) Purge(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities = make(map[string]Entity)
	if err := c.store.RemoveBlob(ctx, StorageKey); err != nil {
		c.storageFailures.Add(1)
		slog.Error("cache: purge", "err", err)
	}
}

// StorageFailures returns how many persist attempts have failed.
func (c *Cache) StorageFailures() int64 {
	return c.storageFailures.Load()
}

func (c *Cache) persistLocked(ctx context.Context) {
	data, err := json.Marshal(c.entities)
	if err != nil {
		c.storageFailures.Add(1)
		slog.Error("cache: marshal", "err", err)
		return
	}
	if err := c.store.WriteBlob(ctx, StorageKey, string(data)); err != nil {
		c.storageFailures.Add(1)
		slog.Error("cache: persist", "err", err, "len", len(c.entities))
	}
}
