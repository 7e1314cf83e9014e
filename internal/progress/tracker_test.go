package progress

import (
	"context"
	"testing"
	"time"

	"github.com/marcus/fitsync/internal/actionqueue"
	"github.com/marcus/fitsync/internal/blobstore"
	"github.com/marcus/fitsync/internal/catalog"
	"github.com/marcus/fitsync/internal/entitycache"
	"github.com/marcus/fitsync/internal/events"
	"github.com/marcus/fitsync/internal/remote"
	fssync "github.com/marcus/fitsync/internal/sync"
)

var testNow = time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC) // a Monday

type fixture struct {
	remote      *remote.Memory
	queue       *actionqueue.Queue
	cache       *entitycache.Cache
	completions *events.Bus[events.Completion]
	deps        Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	blobs := blobstore.NewMemory()
	f := &fixture{
		remote:      remote.NewMemory(),
		queue:       actionqueue.New(blobs),
		cache:       entitycache.New(blobs),
		completions: events.NewBus[events.Completion]("test"),
	}
	f.deps = Deps{
		Remote:      f.remote,
		Queue:       f.queue,
		Cache:       f.cache,
		Completions: f.completions,
		Now:         func() time.Time { return testNow },
	}
	return f
}

// hookStore runs before on every Insert and Update.
type hookStore struct {
	remote.Store
	before func()
}

func (h *hookStore) Insert(ctx context.Context, c string, r remote.Record) (remote.Record, error) {
	h.before()
	return h.Store.Insert(ctx, c, r)
}

func (h *hookStore) Update(ctx context.Context, c, id string, p remote.Record) error {
	h.before()
	return h.Store.Update(ctx, c, id, p)
}

func TestCompleteWritesRemoteBeforeLocal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var tr *Tracker
	f.deps.Remote = &hookStore{Store: f.remote, before: func() {
		if r, ok := tr.Get("w1"); ok && r.Completed {
			t.Error("local record completed before remote write")
		}
	}}
	tr = NewTracker(events.KindWorkout, events.CollectionWorkoutProgress, f.deps)

	var got []events.Completion
	f.completions.Subscribe(func(c events.Completion) { got = append(got, c) })

	rec, err := tr.Complete(ctx, "u1", "w1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !rec.Completed || rec.Progress != 100 || rec.Version != 1 {
		t.Fatalf("record: got %+v", rec)
	}
	if rec.CompletedAt == nil || !rec.CompletedAt.Equal(testNow) {
		t.Fatalf("completedAt: got %v", rec.CompletedAt)
	}
	row, ok := f.remote.Get("workout_progress", "u1_w1")
	if !ok || row["completed"] != true || row["notes"] != CompletedMarker {
		t.Fatalf("remote row: got %v", row)
	}
	if f.queue.Len() != 0 {
		t.Fatalf("queue len: got %d, want 0", f.queue.Len())
	}
	if len(got) != 1 || !got[0].Confirmed || got[0].SubjectID != "w1" {
		t.Fatalf("events: got %+v", got)
	}
	if _, ok := f.cache.Get(entitycache.Key("workout_progress", "u1_w1")); !ok {
		t.Fatal("record not cached")
	}

	// Completing again is a no-op.
	if _, err := tr.Complete(ctx, "u1", "w1"); err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("events after repeat: got %d, want 1", len(got))
	}
}

func TestCompleteFallsBackToQueue(t *testing.T) {
	f := newFixture(t)
	f.remote.FailAlways("meal_progress", true)
	tr := NewTracker(events.KindMeal, events.CollectionMealProgress, f.deps)

	var got []events.Completion
	f.completions.Subscribe(func(c events.Completion) { got = append(got, c) })

	rec, err := tr.Complete(context.Background(), "u1", "m-oats")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !rec.Completed {
		t.Fatal("local record not completed in fallback")
	}
	actions := f.queue.Drainable()
	if len(actions) != 1 {
		t.Fatalf("queue len: got %d, want 1", len(actions))
	}
	a := actions[0]
	if a.Operation != events.OpUpdate || a.Collection != "meal_progress" {
		t.Fatalf("action: got %s %s", a.Operation, a.Collection)
	}
	data, err := a.Payload.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data["id"] != "u1_m-oats" || data["completed"] != true {
		t.Fatalf("payload: got %v", data)
	}
	if len(got) != 1 || got[0].Confirmed {
		t.Fatalf("events: got %+v", got)
	}
}

func TestCompleteAppendsMarkerToExistingRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, _ = f.remote.Insert(ctx, "workout_progress", remote.Record{
		"id": "u1_w1", "owner_id": "u1", "subject_id": "w1", "progress": 40.0, "version": 2.0, "notes": "felt strong",
	})
	tr := NewTracker(events.KindWorkout, events.CollectionWorkoutProgress, f.deps)
	if err := tr.Load(ctx, "u1"); err != nil {
		t.Fatalf("load: %v", err)
	}

	rec, err := tr.Complete(ctx, "u1", "w1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	row, _ := f.remote.Get("workout_progress", "u1_w1")
	if row["notes"] != "felt strong [COMPLETED]" {
		t.Fatalf("notes: got %q", row["notes"])
	}
	if rec.Version != 3 {
		t.Fatalf("version: got %d, want 3", rec.Version)
	}
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

// drainQueue applies f's queue the way the offline service wires the
// executor for progress collections.
func drainQueue(t *testing.T, f *fixture) fssync.Result {
	t.Helper()
	reconcile := map[string]fssync.Reconciler{}
	for _, c := range ReconciledCollections() {
		reconcile[string(c)] = ReconcileRow
	}
	exec := fssync.NewExecutor(f.queue, f.remote, alwaysOnline{}, fssync.Options{
		Sleep:     func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
		Reconcile: reconcile,
	})
	return exec.Drain(context.Background())
}

func TestQueuedCompletionLandsOnExistingRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, _ = f.remote.Insert(ctx, "workout_progress", remote.Record{
		"id": "u1_w1", "owner_id": "u1", "subject_id": "w1", "progress": 50.0, "completed": false,
	})
	tr := NewTracker(events.KindWorkout, events.CollectionWorkoutProgress, f.deps)

	f.remote.FailNext("workout_progress", 1)
	if _, err := tr.Complete(ctx, "u1", "w1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res := drainQueue(t, f); res.Synced != 1 || !res.Success {
		t.Fatalf("drain: got %+v", res)
	}

	row, _ := f.remote.Get("workout_progress", "u1_w1")
	if row["completed"] != true {
		t.Fatalf("completed: got %v, want true", row["completed"])
	}
	if got := number(row["progress"]); got != 100 {
		t.Fatalf("progress: got %v, want 100", got)
	}
	if row["notes"] != CompletedMarker {
		t.Fatalf("notes: got %q, want %q", row["notes"], CompletedMarker)
	}
	if row["completed_at"] == nil {
		t.Fatal("completed_at not set")
	}
}

func TestQueuedCompletionKeepsNotesAndBumpsVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, _ = f.remote.Insert(ctx, "meal_progress", remote.Record{
		"id": "u1_m1", "owner_id": "u1", "subject_id": "m1", "notes": "no onions", "version": 4.0,
	})
	tr := NewTracker(events.KindMeal, events.CollectionMealProgress, f.deps)
	if err := tr.Load(ctx, "u1"); err != nil {
		t.Fatalf("load: %v", err)
	}

	f.remote.FailNext("meal_progress", 1)
	if _, err := tr.Complete(ctx, "u1", "m1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res := drainQueue(t, f); res.Synced != 1 {
		t.Fatalf("drain: got %+v", res)
	}

	row, _ := f.remote.Get("meal_progress", "u1_m1")
	if row["notes"] != "no onions [COMPLETED]" {
		t.Fatalf("notes: got %q, want %q", row["notes"], "no onions [COMPLETED]")
	}
	if got := number(row["version"]); got != 5 {
		t.Fatalf("version: got %v, want 5", got)
	}
}

func TestQueuedCompletionInsertsMissingRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tr := NewTracker(events.KindWorkout, events.CollectionWorkoutProgress, f.deps)

	f.remote.FailNext("workout_progress", 1)
	if _, err := tr.Complete(ctx, "u1", "w9"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res := drainQueue(t, f); res.Synced != 1 {
		t.Fatalf("drain: got %+v", res)
	}

	row, ok := f.remote.Get("workout_progress", "u1_w9")
	if !ok {
		t.Fatal("row not inserted")
	}
	if row["completed"] != true || row["notes"] != CompletedMarker {
		t.Fatalf("row: got %v", row)
	}
	if got := number(row["version"]); got != 1 {
		t.Fatalf("version: got %v, want 1", got)
	}
	if got := f.remote.Applied("workout_progress", "u1_w9"); got != 1 {
		t.Fatalf("writes: got %d, want 1", got)
	}
}

func TestLoadMergesAndRestores(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, row := range []remote.Record{
		{"id": "u1_w1", "owner_id": "u1", "subject_id": "w1", "progress": 100.0, "completed": true, "completed_at": "2024-01-01T00:00:00Z"},
		{"id": "u1_w2", "owner_id": "u1", "subject_id": "w2", "progress": 30.0},
		{"id": "u2_w1", "owner_id": "u2", "subject_id": "w1", "progress": 100.0, "completed": true},
	} {
		if _, err := f.remote.Insert(ctx, "workout_progress", row); err != nil {
			t.Fatal(err)
		}
	}

	tr := NewTracker(events.KindWorkout, events.CollectionWorkoutProgress, f.deps)
	if _, err := tr.SetProgress(ctx, "u1", "w2", 60); err != nil {
		t.Fatalf("set progress: %v", err)
	}
	if err := tr.Load(ctx, "u1"); err != nil {
		t.Fatalf("load: %v", err)
	}

	if got := len(tr.Records()); got != 2 {
		t.Fatalf("records: got %d, want 2", got)
	}
	w2, _ := tr.Get("w2")
	if w2.Progress != 60 {
		t.Fatalf("w2 progress: got %v, want 60", w2.Progress)
	}
	stats := tr.Stats(nil)
	if stats.Completed != 1 || stats.CompletionRate != 0.5 {
		t.Fatalf("stats: got %+v", stats)
	}

	restored := NewTracker(events.KindWorkout, events.CollectionWorkoutProgress, f.deps)
	restored.Restore("u1")
	if got := len(restored.Records()); got != 2 {
		t.Fatalf("restored records: got %d, want 2", got)
	}
	if restored.Hash() != tr.Hash() {
		t.Fatal("restored hash differs")
	}
}

func TestLoadFailureKeepsLocal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tr := NewTracker(events.KindMeal, events.CollectionMealProgress, f.deps)
	_, _ = tr.SetProgress(ctx, "u1", "m1", 50)

	f.remote.FailAlways("meal_progress", true)
	if err := tr.Load(ctx, "u1"); err == nil {
		t.Fatal("expected load error")
	}
	if r, _ := tr.Get("m1"); r.Progress != 50 {
		t.Fatalf("local record changed: %+v", r)
	}
}

func TestSetProgressNeverRegressesCompleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tr := NewTracker(events.KindWorkout, events.CollectionWorkoutProgress, f.deps)
	if _, err := tr.SetProgress(ctx, "u1", "w1", 100); err != nil {
		t.Fatal(err)
	}
	r, _ := tr.SetProgress(ctx, "u1", "w1", 20)
	if !r.Completed || r.Progress != 100 {
		t.Fatalf("got %+v", r)
	}
	if _, err := tr.SetProgress(ctx, "u1", "", 20); err != ErrEmptySubject {
		t.Fatalf("empty subject: got %v", err)
	}
}

func TestSumCompletedIsMemoized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tr := NewTracker(events.KindMeal, events.CollectionMealProgress, f.deps)
	_, _ = tr.Complete(ctx, "u1", "a")
	_, _ = tr.Complete(ctx, "u1", "b")

	calls := 0
	value := func(Record) (float64, bool) { calls++; return 100, true }

	if got := tr.SumCompleted("x", value); got != 200 {
		t.Fatalf("sum: got %v, want 200", got)
	}
	if got := tr.SumCompleted("x", value); got != 200 {
		t.Fatalf("cached sum: got %v", got)
	}
	if calls != 2 {
		t.Fatalf("value calls: got %d, want 2", calls)
	}

	_, _ = tr.Complete(ctx, "u1", "c")
	if got := tr.SumCompleted("x", value); got != 300 {
		t.Fatalf("sum after change: got %v, want 300", got)
	}
	if calls != 5 {
		t.Fatalf("value calls after change: got %d, want 5", calls)
	}
}

func TestEngineCalories(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cat, err := catalog.Default()
	if err != nil {
		t.Fatal(err)
	}
	e := NewEngine(ctx, cat, f.deps)
	defer e.Close()

	_, _ = e.Meals.Complete(ctx, "u1", "m-oats")
	_, _ = e.Meals.Complete(ctx, "u1", "m-chicken-bowl")
	_, _ = e.Meals.SetProgress(ctx, "u1", "m-salmon", 50)
	_, _ = e.Workouts.Complete(ctx, "u1", "w-upper-strength")
	e.Wait()

	if got := e.ConsumedCalories(time.Monday); got != 1030 {
		t.Fatalf("monday calories: got %v, want 1030", got)
	}
	if got := e.ConsumedCalories(time.Tuesday); got != 410 {
		t.Fatalf("tuesday calories: got %v, want 410", got)
	}
	if got := e.BurnedCalories(time.Thursday); got != 320 {
		t.Fatalf("thursday burned: got %v, want 320", got)
	}

	s := e.Summary(testNow)
	if s.Meals.Completed != 2 || s.Meals.Points != 10 || s.ConsumedCalories != 1030 {
		t.Fatalf("summary: got %+v", s)
	}
}
