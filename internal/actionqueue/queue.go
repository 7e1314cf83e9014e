// Package actionqueue is the durable FIFO of pending remote writes. Every
// mutation rewrites the whole queue to the blob store before returning, so
// the persisted blob always reflects committed state.
package actionqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/marcus/fitsync/internal/blobstore"
	"github.com/marcus/fitsync/internal/events"
)

const (
	// StorageKey is the blob key the queue is persisted under.
	StorageKey = "offline_queue"

	// GuestOwner marks actions produced without an authenticated user.
	GuestOwner = "guest"

	// DefaultMaxAttempts is the number of drain cycles an action survives.
	DefaultMaxAttempts = 3

	// PayloadSchemaVersion is stamped on every payload envelope.
	PayloadSchemaVersion = 1
)

// ErrInvalidInput is returned by Enqueue for inputs that can never be synced.
var ErrInvalidInput = errors.New("invalid action input")

// Payload is the schema-versioned envelope around a record body.
type Payload struct {
	SchemaVersion int             `json:"schema_version"`
	Data          json.RawMessage `json:"data"`
}

// Decode unmarshals the record body into a generic map.
func (p Payload) Decode() (map[string]any, error) {
	if len(p.Data) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(p.Data, &m); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// Action is a queued remote write.
type Action struct {
	ID           string           `json:"id"`
	Operation    events.Operation `json:"operation_type"`
	Collection   string           `json:"target_collection"`
	Payload      Payload          `json:"payload"`
	OwnerID      string           `json:"owner_id"`
	EnqueuedAt   int64            `json:"enqueued_at"`
	AttemptCount int              `json:"attempt_count"`
	MaxAttempts  int              `json:"max_attempts"`
}

// Input describes an action to enqueue.
type Input struct {
	Operation   events.Operation
	Collection  string
	Data        map[string]any
	OwnerID     string
	MaxAttempts int // 0 means the queue's default
}

// Queue is the durable action queue. It is safe for concurrent use.
type Queue struct {
	store blobstore.Store
	now   func() time.Time

	mu          sync.Mutex
	maxAttempts int
	actions     []Action

	storageFailures atomic.Int64
}

// New returns an empty queue persisting to store. Call Load to restore a
// previously persisted queue.
func New(store blobstore.Store) *Queue {
	return &Queue{store: store, now: time.Now, maxAttempts: DefaultMaxAttempts}
}

// SetDefaultMaxAttempts sets the outer attempt budget for actions enqueued
// without one. Non-positive values restore DefaultMaxAttempts.
func (q *Queue) SetDefaultMaxAttempts(n int) {
	if n <= 0 {
		n = DefaultMaxAttempts
	}
	q.mu.Lock()
	q.maxAttempts = n
	q.mu.Unlock()
}

// SetClock overrides the time source used for EnqueuedAt.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// Load replaces the in-memory queue with the persisted one. A missing blob
// yields an empty queue. A corrupt blob is reported and leaves the queue empty.
func (q *Queue) Load(ctx context.Context) error {
	raw, ok, err := q.store.ReadBlob(ctx, StorageKey)
	if err != nil {
		return fmt.Errorf("read queue: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.actions = nil
	if !ok || raw == "" {
		return nil
	}

	var actions []Action
	if err := json.Unmarshal([]byte(raw), &actions); err != nil {
		return fmt.Errorf("decode queue: %w", err)
	}
	q.actions = actions
	return nil
}

// Enqueue appends a new action and persists the queue. Storage failures are
// logged and counted but never returned; the action stays in memory. The
// returned error is non-nil only for malformed input.
func (q *Queue) Enqueue(ctx context.Context, in Input) (Action, error) {
	if in.Collection == "" {
		return Action{}, fmt.Errorf("%w: empty collection", ErrInvalidInput)
	}
	switch in.Operation {
	case events.OpCreate, events.OpUpdate, events.OpDelete:
	default:
		return Action{}, fmt.Errorf("%w: unknown operation %q", ErrInvalidInput, in.Operation)
	}

	data := in.Data
	if data == nil {
		data = map[string]any{}
	}
	body, err := json.Marshal(data)
	if err != nil {
		return Action{}, fmt.Errorf("%w: marshal payload: %v", ErrInvalidInput, err)
	}

	owner := in.OwnerID
	if owner == "" {
		owner = GuestOwner
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}

	a := Action{
		ID:          uuid.NewString(),
		Operation:   in.Operation,
		Collection:  in.Collection,
		Payload:     Payload{SchemaVersion: PayloadSchemaVersion, Data: body},
		OwnerID:     owner,
		EnqueuedAt:  q.now().UnixMilli(),
		MaxAttempts: maxAttempts,
	}
	q.actions = append(q.actions, a)
	q.persistLocked(ctx)

	slog.Debug("queue: enqueued", "id", a.ID, "op", a.Operation, "collection", a.Collection)
	return a, nil
}

// Drainable returns a snapshot copy of the queue in FIFO order.
func (q *Queue) Drainable() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Action, len(q.actions))
	copy(out, q.actions)
	return out
}

// Len returns the number of pending actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// Remove deletes the given ids and persists the queue.
func (q *Queue) Remove(ctx context.Context, ids []string) {
	q.Commit(ctx, nil, ids)
}

// Commit applies a drain outcome as one mutation: attempt counts of updated
// actions are written back, removed ids are dropped, and the queue is
// persisted once. Ids no longer present are ignored.
func (q *Queue) Commit(ctx context.Context, updated []Action, removed []string) {
	if len(updated) == 0 && len(removed) == 0 {
		return
	}

	drop := make(map[string]bool, len(removed))
	for _, id := range removed {
		drop[id] = true
	}
	patch := make(map[string]Action, len(updated))
	for _, a := range updated {
		patch[a.ID] = a
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.actions[:0:0]
	for _, a := range q.actions {
		if drop[a.ID] {
			continue
		}
		if u, ok := patch[a.ID]; ok {
			a.AttemptCount = min(u.AttemptCount, a.MaxAttempts)
		}
		kept = append(kept, a)
	}
	q.actions = kept
	q.persistLocked(ctx)
}

// RemoveByCollection purges every action targeting collection and returns
// how many were dropped.
func (q *Queue) RemoveByCollection(ctx context.Context, collection string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.actions[:0:0]
	for _, a := range q.actions {
		if a.Collection != collection {
			kept = append(kept, a)
		}
	}
	n := len(q.actions) - len(kept)
	if n == 0 {
		return 0
	}
	q.actions = kept
	q.persistLocked(ctx)

	slog.Info("queue: purged collection", "collection", collection, "count", n)
	return n
}

// StorageFailures returns how many persist attempts have failed since start.
func (q *Queue) StorageFailures() int64 {
	return q.storageFailures.Load()
}

// persistLocked writes the full queue. Callers hold q.mu.
func (q *Queue) persistLocked(ctx context.Context) {
	data, err := json.Marshal(q.actions)
	if err != nil {
		q.storageFailures.Add(1)
		slog.Error("queue: marshal", "err", err)
		return
	}
	if err := q.store.WriteBlob(ctx, StorageKey, string(data)); err != nil {
		q.storageFailures.Add(1)
		slog.Error("queue: persist", "err", err, "len", len(q.actions))
	}
}
