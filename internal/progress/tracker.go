package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus/fitsync/internal/actionqueue"
	"github.com/marcus/fitsync/internal/entitycache"
	"github.com/marcus/fitsync/internal/events"
	"github.com/marcus/fitsync/internal/remote"
)

// ErrEmptySubject is returned for operations without a subject id.
var ErrEmptySubject = errors.New("empty subject id")

// Deps are the collaborators a Tracker writes through.
type Deps struct {
	Remote      remote.Store
	Queue       *actionqueue.Queue
	Cache       *entitycache.Cache
	Completions *events.Bus[events.Completion]
	Now         func() time.Time
}

// Tracker holds the progress records of one kind for the current user.
type Tracker struct {
	kind       events.Kind
	collection events.Collection
	scale      float64
	deps       Deps

	mu      sync.Mutex
	records map[string]Record
	memo    memo
}

// NewTracker returns a tracker persisting remote rows to collection.
func NewTracker(kind events.Kind, collection events.Collection, deps Deps) *Tracker {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	t := &Tracker{
		kind:       kind,
		collection: collection,
		scale:      Scale(kind),
		deps:       deps,
		records:    make(map[string]Record),
	}
	t.memo.invalidate()
	return t
}

// Kind returns the kind of records tracked.
func (t *Tracker) Kind() events.Kind { return t.kind }

// Collection returns the remote collection rows are written to.
func (t *Tracker) Collection() events.Collection { return t.collection }

// Get returns the record for subject.
func (t *Tracker) Get(subject string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[subject]
	return r, ok
}

// Records returns a copy of every record.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r)
	}
	return out
}

// Restore loads owner's records from the entity cache.
func (t *Tracker) Restore(owner string) {
	prefix := entitycache.Key(string(t.collection), rowID(owner, ""))
	restored := make(map[string]Record)
	for _, e := range t.deps.Cache.ListByPrefix(prefix) {
		var r Record
		if err := e.Decode(&r); err != nil {
			slog.Warn("progress: skipping cached record", "key", e.Key, "err", err)
			continue
		}
		if r.SubjectID == "" || r.OwnerID != owner {
			continue
		}
		restored[r.SubjectID] = r
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = restored
	t.memo.invalidate()
}

// Load pulls owner's remote rows and merges them into the local set. On
// remote failure the local set is left unchanged and the error returned.
func (t *Tracker) Load(ctx context.Context, owner string) error {
	rows, err := t.deps.Remote.SelectWhere(ctx, string(t.collection), remote.Filter{"owner_id": owner}, 0)
	if err != nil {
		return fmt.Errorf("load %s progress: %w", t.kind, err)
	}
	var remoteRecs []Record
	for _, row := range rows {
		if r, ok := fromRow(t.kind, row); ok {
			remoteRecs = append(remoteRecs, r)
		}
	}
	t.apply(ctx, remoteRecs)
	return nil
}

// apply merges recs into the local set and persists what changed.
func (t *Tracker) apply(ctx context.Context, recs []Record) {
	t.mu.Lock()
	merged := MergeOnLoad(t.records, recs)
	var changed []Record
	for k, r := range merged {
		if old, ok := t.records[k]; !ok || !sameRecord(old, r) {
			changed = append(changed, r)
		}
	}
	t.records = merged
	t.memo.invalidate()
	t.mu.Unlock()

	for _, r := range changed {
		t.persist(ctx, r)
	}
	slog.Debug("progress: merged remote", "kind", t.kind, "remote", len(recs), "changed", len(changed))
}

// Complete records completion of subject. The remote row is written first;
// local state changes only after it succeeds. If the remote write fails the
// write is queued and local state is updated anyway. Completing an already
// completed subject is a no-op.
func (t *Tracker) Complete(ctx context.Context, owner, subject string) (Record, error) {
	if subject == "" {
		return Record{}, ErrEmptySubject
	}

	t.mu.Lock()
	cur, ok := t.records[subject]
	t.mu.Unlock()
	if ok && cur.Completed {
		return cur, nil
	}
	if !ok {
		cur = Record{SubjectID: subject, OwnerID: owner, Kind: t.kind}
	}
	cur.OwnerID = owner

	now := t.deps.Now()
	version, err := t.writeCompletion(ctx, cur, now)
	confirmed := err == nil
	if err != nil {
		slog.Warn("progress: remote completion failed, queueing", "kind", t.kind, "subject", subject, "err", err)
	}

	rec := t.markCompleted(ctx, owner, subject, now, func(r *Record) {
		r.RemoteRef = rowID(owner, subject)
		if confirmed {
			r.Version = version
		}
	})
	if !confirmed {
		t.enqueueRow(ctx, rec)
	}

	t.deps.Completions.Publish(events.Completion{
		Kind:      t.kind,
		SubjectID: subject,
		OwnerID:   owner,
		At:        now,
		Confirmed: confirmed,
	})
	return rec, nil
}

// SetProgress records partial progress locally and queues the row for sync.
// Progress is clamped to the tracker's scale and never moves backwards on a
// completed record. Reaching full scale completes the subject.
func (t *Tracker) SetProgress(ctx context.Context, owner, subject string, value float64) (Record, error) {
	if subject == "" {
		return Record{}, ErrEmptySubject
	}
	if value >= t.scale {
		return t.Complete(ctx, owner, subject)
	}
	value = max(value, 0)

	t.mu.Lock()
	r, existed := t.records[subject]
	if !existed {
		r = Record{SubjectID: subject, OwnerID: owner, Kind: t.kind}
	}
	if r.Completed || (existed && value == r.Progress) {
		t.mu.Unlock()
		return r, nil
	}
	r.Progress = value
	r.RemoteRef = rowID(owner, subject)
	t.records[subject] = r
	t.memo.invalidate()
	t.mu.Unlock()

	t.persist(ctx, r)
	t.enqueueRow(ctx, r)
	return r, nil
}

// markCompleted applies completion to the local record and persists it.
func (t *Tracker) markCompleted(ctx context.Context, owner, subject string, at time.Time, edit func(*Record)) Record {
	t.mu.Lock()
	r, ok := t.records[subject]
	if !ok {
		r = Record{SubjectID: subject, OwnerID: owner, Kind: t.kind}
	}
	r.OwnerID = owner
	r.Progress = t.scale
	r.Completed = true
	if r.CompletedAt == nil {
		ts := at.UTC()
		r.CompletedAt = &ts
	}
	if edit != nil {
		edit(&r)
	}
	t.records[subject] = r
	t.memo.invalidate()
	t.mu.Unlock()

	t.persist(ctx, r)
	return r
}

// writeCompletion marks the remote row completed, creating it if needed, and
// returns the resulting remote version.
func (t *Tracker) writeCompletion(ctx context.Context, cur Record, at time.Time) (int, error) {
	coll := string(t.collection)
	id := rowID(cur.OwnerID, cur.SubjectID)

	done := toRow(cur)
	done["progress"] = t.scale
	done["completed"] = true
	if cur.CompletedAt == nil {
		done["completed_at"] = at.UTC().Format(time.RFC3339Nano)
	}

	rows, err := t.deps.Remote.SelectWhere(ctx, coll, remote.Filter{"id": id}, 1)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		stored, err := t.deps.Remote.Insert(ctx, coll, ReconcileRow(nil, done))
		if err != nil {
			return 0, err
		}
		rows = []remote.Record{stored}
	}

	existing := rows[0]
	patch := ReconcileRow(existing, done)
	if len(patch) == 0 {
		return int(number(existing["version"])), nil
	}
	if err := t.deps.Remote.Update(ctx, coll, id, patch); err != nil {
		return 0, err
	}
	return int(number(patch["version"])), nil
}

// enqueueRow queues r for the sync executor as an update of its row. The
// executor reconciles it against the stored row, inserting when missing.
func (t *Tracker) enqueueRow(ctx context.Context, r Record) {
	_, err := t.deps.Queue.Enqueue(ctx, actionqueue.Input{
		Operation:  events.OpUpdate,
		Collection: string(t.collection),
		Data:       toRow(r),
		OwnerID:    r.OwnerID,
	})
	if err != nil {
		slog.Error("progress: enqueue", "kind", t.kind, "subject", r.SubjectID, "err", err)
	}
}

func (t *Tracker) persist(ctx context.Context, r Record) {
	key := entitycache.Key(string(t.collection), rowID(r.OwnerID, r.SubjectID))
	if err := t.deps.Cache.Put(ctx, key, r); err != nil {
		slog.Error("progress: cache put", "key", key, "err", err)
	}
}

func sameRecord(a, b Record) bool {
	if a.Progress != b.Progress || a.Completed != b.Completed || a.Version != b.Version ||
		a.RemoteRef != b.RemoteRef || a.Amount != b.Amount || a.OwnerID != b.OwnerID {
		return false
	}
	switch {
	case a.CompletedAt == nil && b.CompletedAt == nil:
		return true
	case a.CompletedAt == nil || b.CompletedAt == nil:
		return false
	default:
		return a.CompletedAt.Equal(*b.CompletedAt)
	}
}
