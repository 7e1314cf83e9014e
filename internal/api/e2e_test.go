package api

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/marcus/fitsync/internal/blobstore"
	"github.com/marcus/fitsync/internal/events"
	"github.com/marcus/fitsync/internal/netmon"
	"github.com/marcus/fitsync/internal/offline"
	"github.com/marcus/fitsync/internal/remote"
	fssync "github.com/marcus/fitsync/internal/sync"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// A client that goes offline, writes locally, then observes the server's
// websocket delivers its queued write exactly once.
func TestOfflineClientSyncsOverHTTP(t *testing.T) {
	_, hs := newTestServer(t)
	client := remote.NewClient(hs.URL, "")

	svc, err := offline.New(offline.Options{
		Blobs:         blobstore.NewMemory(),
		Remote:        client,
		InitialOnline: false,
		OwnerID:       "u1",
		Sync:          fssync.Options{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Providers: []netmon.Provider{&netmon.WebSocketProvider{
			URL:       "ws" + strings.TrimPrefix(hs.URL, "http") + "/v1/connectivity",
			PingWait:  time.Second,
			RedialMin: 10 * time.Millisecond,
			RedialMax: 50 * time.Millisecond,
		}},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer svc.Close()

	id, err := svc.OptimisticCreate(ctx, "meal_logs", map[string]any{"name": "Oats"}, "u1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if svc.Queue().Len() != 1 {
		t.Fatalf("queue len: got %d, want 1", svc.Queue().Len())
	}

	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	waitFor(t, "reconnect drain", func() bool { return svc.Queue().Len() == 0 })

	rows, err := client.SelectWhere(ctx, "meal_logs", remote.Filter{"id": id}, 1)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rows) != 1 || rows[0]["name"] != "Oats" || rows[0]["owner_id"] != "u1" {
		t.Fatalf("server row: %v", rows)
	}

	// Completing online writes the server first and unlocks first-workout.
	rec, err := svc.Complete(ctx, events.KindWorkout, "w-hiit")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !rec.Completed {
		t.Fatal("workout should be completed locally")
	}
	svc.Wait()

	wp, _ := client.SelectWhere(ctx, "workout_progress", remote.Filter{"id": "u1_w-hiit"}, 1)
	if len(wp) != 1 || wp[0]["completed"] != true {
		t.Fatalf("workout_progress row: %v", wp)
	}
	ua, _ := client.SelectWhere(ctx, "user_achievements", remote.Filter{"id": "u1_first-workout"}, 1)
	if len(ua) != 1 || ua[0]["completed"] != true {
		t.Fatalf("user_achievements row: %v", ua)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("start did not return after cancel")
	}
}
