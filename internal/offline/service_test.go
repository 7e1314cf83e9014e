package offline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marcus/fitsync/internal/actionqueue"
	"github.com/marcus/fitsync/internal/blobstore"
	"github.com/marcus/fitsync/internal/entitycache"
	"github.com/marcus/fitsync/internal/events"
	"github.com/marcus/fitsync/internal/remote"
	fssync "github.com/marcus/fitsync/internal/sync"
)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newService(t *testing.T, blobs blobstore.Store, rem remote.Store, online bool) *Service {
	t.Helper()
	s, err := New(Options{
		Blobs:         blobs,
		Remote:        rem,
		InitialOnline: online,
		OwnerID:       "u1",
		Sync:          fssync.Options{Sleep: noSleep},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestOfflineQueueingThenReconnect(t *testing.T) {
	ctx := context.Background()
	rem := remote.NewMemory()
	s := newService(t, blobstore.NewMemory(), rem, true)

	s.Monitor().Set(false)
	id, err := s.OptimisticCreate(ctx, "meal_logs", map[string]any{"name": "Lunch"}, "u1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	e, ok := s.Cache().Get(entitycache.Key("meal_logs", id))
	if !ok {
		t.Fatalf("cache missing meal_logs_%s", id)
	}
	var cached map[string]any
	if err := e.Decode(&cached); err != nil || cached["name"] != "Lunch" {
		t.Fatalf("cached value: %v (%v)", cached, err)
	}
	actions := s.Queue().Drainable()
	if len(actions) != 1 || actions[0].Operation != events.OpCreate {
		t.Fatalf("queue: got %+v", actions)
	}

	res := s.Drain(ctx)
	if !res.Success || res.Synced != 0 || res.Failed != 0 {
		t.Fatalf("offline drain: got %+v", res)
	}
	if s.Queue().Len() != 1 {
		t.Fatalf("queue len after offline drain: got %d, want 1", s.Queue().Len())
	}

	// Reconnect: exactly one automatic drain.
	s.Monitor().Set(true)
	s.Wait()

	if got := s.Queue().Len(); got != 0 {
		t.Fatalf("queue len after reconnect: got %d, want 0", got)
	}
	if got := rem.Calls("meal_logs"); got != 1 {
		t.Fatalf("insert calls: got %d, want 1", got)
	}
	if _, ok := rem.Get("meal_logs", id); !ok {
		t.Fatal("record missing remotely")
	}

	// A duplicate online report does not trigger another drain.
	s.Monitor().Set(true)
	s.Wait()
	if got := rem.Calls("meal_logs"); got != 1 {
		t.Fatalf("insert calls after duplicate: got %d, want 1", got)
	}
}

func TestOptimisticUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	rem := remote.NewMemory()
	s := newService(t, blobstore.NewMemory(), rem, true)

	id, err := s.OptimisticCreate(ctx, "workout", map[string]any{"duration_min": 30}, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.OptimisticUpdate(ctx, "workout_sessions", id, map[string]any{"duration_min": 45}, ""); err != nil {
		t.Fatal(err)
	}
	e, _ := s.Cache().Get(entitycache.Key("workout_sessions", id))
	var cached map[string]any
	_ = e.Decode(&cached)
	if cached["duration_min"] != 45.0 {
		t.Fatalf("cached duration: got %v", cached["duration_min"])
	}

	res := s.ForceSync(ctx)
	if res.Synced != 2 {
		t.Fatalf("sync: got %+v", res)
	}
	row, _ := rem.Get("workout_sessions", id)
	if row["duration_min"] != 45.0 {
		t.Fatalf("remote duration: got %v", row["duration_min"])
	}

	if err := s.OptimisticDelete(ctx, "workout_sessions", id, ""); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Cache().Get(entitycache.Key("workout_sessions", id)); ok {
		t.Fatal("cache entry not removed")
	}
	s.ForceSync(ctx)
	if _, ok := rem.Get("workout_sessions", id); ok {
		t.Fatal("remote record not deleted")
	}

	if err := s.OptimisticUpdate(ctx, "meal_logs", "", nil, ""); !errors.Is(err, ErrEmptyID) {
		t.Fatalf("empty id: got %v", err)
	}
}

func TestRestartKeepsQueueAndCache(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemory()
	rem := remote.NewMemory()

	s := newService(t, blobs, rem, false)
	for _, name := range []string{"Breakfast", "Lunch", "Dinner"} {
		if _, err := s.OptimisticCreate(ctx, "meal_logs", map[string]any{"name": name}, ""); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Complete(ctx, events.KindMeal, "m-oats"); err != nil {
		t.Fatal(err)
	}
	before := s.Queue().Drainable()

	restarted := newService(t, blobs, rem, false)
	after := restarted.Queue().Drainable()
	if len(after) != len(before) {
		t.Fatalf("queue len: got %d, want %d", len(after), len(before))
	}
	for i := range before {
		b, a := before[i], after[i]
		if a.ID != b.ID || a.Operation != b.Operation || a.Collection != b.Collection ||
			a.OwnerID != b.OwnerID || a.EnqueuedAt != b.EnqueuedAt || string(a.Payload.Data) != string(b.Payload.Data) {
			t.Fatalf("action %d: got %+v, want %+v", i, a, b)
		}
	}
	if restarted.Cache().Len() != s.Cache().Len() {
		t.Fatalf("cache len: got %d, want %d", restarted.Cache().Len(), s.Cache().Len())
	}
	recs := restarted.Records(events.KindMeal)
	if len(recs) != 1 || !recs[0].Completed {
		t.Fatalf("restored meal records: %+v", recs)
	}
}

func TestSyncStatus(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemory()
	s := newService(t, blobs, remote.NewMemory(), false)

	st := s.SyncStatus()
	if st.Online || st.QueueLength != 0 || st.LastSyncAttempt != nil || st.DataAtRisk {
		t.Fatalf("initial status: %+v", st)
	}

	blobs.FailWrites(errors.New("disk full"))
	if _, err := s.QueueAction(ctx, actionqueue.Input{Operation: events.OpCreate, Collection: "meal_logs"}); err != nil {
		t.Fatalf("enqueue must not surface storage errors: %v", err)
	}
	st = s.SyncStatus()
	if st.QueueLength != 1 || !st.DataAtRisk || st.StorageFailures != 1 {
		t.Fatalf("status after failed write: %+v", st)
	}

	res := s.ForceSync(ctx)
	if res.Success || len(res.Errors) != 1 {
		t.Fatalf("offline force sync: got %+v", res)
	}

	blobs.FailWrites(nil)
	s.Monitor().Set(true)
	s.Wait()
	st = s.SyncStatus()
	if !st.Online || st.QueueLength != 0 || st.LastSyncAttempt == nil {
		t.Fatalf("status after sync: %+v", st)
	}
}

func TestCompletionEventsAndUnlocks(t *testing.T) {
	ctx := context.Background()
	rem := remote.NewMemory()
	s := newService(t, blobstore.NewMemory(), rem, true)

	var completions []events.Completion
	var unlocks []events.Unlock
	unsub := s.SubscribeToCompletionEvents(func(c events.Completion) { completions = append(completions, c) })
	s.SubscribeToUnlocks(func(u events.Unlock) { unlocks = append(unlocks, u) })

	if _, err := s.Complete(ctx, events.KindWorkout, "w-hiit"); err != nil {
		t.Fatal(err)
	}
	s.Wait()
	if len(completions) != 1 || !completions[0].Confirmed {
		t.Fatalf("completions: %+v", completions)
	}
	if len(unlocks) != 1 || unlocks[0].AchievementID != "first-workout" {
		t.Fatalf("unlocks: %+v", unlocks)
	}

	unsub()
	if _, err := s.Complete(ctx, events.KindMeal, "m-oats"); err != nil {
		t.Fatal(err)
	}
	if len(completions) != 1 {
		t.Fatalf("completions after unsubscribe: %d", len(completions))
	}
	if _, err := s.Complete(ctx, events.KindHydration, "x"); err == nil {
		t.Fatal("expected error for hydration completion")
	}
}

func TestQueuedCompletionUpdatesExistingRemoteRow(t *testing.T) {
	ctx := context.Background()
	rem := remote.NewMemory()
	if _, err := rem.Insert(ctx, "workout_progress", remote.Record{
		"id": "u1_w1", "owner_id": "u1", "subject_id": "w1", "progress": 50.0, "completed": false, "version": 2.0,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s := newService(t, blobstore.NewMemory(), rem, true)

	rem.FailNext("workout_progress", 1)
	if _, err := s.Complete(ctx, events.KindWorkout, "w1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	s.Wait()
	s.Drain(ctx)

	row, _ := rem.Get("workout_progress", "u1_w1")
	if row["completed"] != true || row["notes"] != "[COMPLETED]" {
		t.Fatalf("row: got %v", row)
	}
	if v, _ := row["version"].(int); v != 3 {
		t.Fatalf("version: got %v, want 3", row["version"])
	}
	if s.Queue().Len() != 0 {
		t.Fatalf("queue len: got %d, want 0", s.Queue().Len())
	}
}

func TestRefreshMergesRemote(t *testing.T) {
	ctx := context.Background()
	rem := remote.NewMemory()
	_, _ = rem.Insert(ctx, "meal_progress", remote.Record{
		"id": "u1_m-salmon", "owner_id": "u1", "subject_id": "m-salmon", "progress": 100.0, "completed": true,
	})
	s := newService(t, blobstore.NewMemory(), rem, true)

	if err := s.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := s.ConsumedCalories(time.Tuesday); got != 540 {
		t.Fatalf("tuesday calories: got %v, want 540", got)
	}
}

func TestNotInitialized(t *testing.T) {
	s, err := New(Options{Blobs: blobstore.NewMemory(), Remote: remote.NewMemory()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.OptimisticCreate(context.Background(), "meal_logs", nil, ""); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("got %v, want ErrNotInitialized", err)
	}
	if _, err := New(Options{Remote: remote.NewMemory()}); err == nil {
		t.Fatal("expected error without blob store")
	}
}

func TestStartRunsPeriodicSync(t *testing.T) {
	rem := remote.NewMemory()
	s, err := New(Options{
		Blobs:            blobstore.NewMemory(),
		Remote:           rem,
		InitialOnline:    true,
		AutoSyncInterval: 10 * time.Millisecond,
		Sync:             fssync.Options{Sleep: noSleep},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	if _, err := s.OptimisticCreate(ctx, "hydration_logs", map[string]any{"amount_ml": 250}, ""); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(time.Second)
	for s.Queue().Len() > 0 {
		select {
		case <-deadline:
			t.Fatal("periodic sync did not drain the queue")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("start: %v", err)
	}
}
