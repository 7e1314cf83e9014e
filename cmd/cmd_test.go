package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/marcus/fitsync/internal/actionqueue"
	"github.com/marcus/fitsync/internal/blobstore"
	"github.com/marcus/fitsync/internal/events"
)

func TestParseFields(t *testing.T) {
	data, err := parseFields([]string{"calories=350", "meal_id=m-oats", "notes=\"x=y\"", "skipped=false", "raw=x=y"})
	if err != nil {
		t.Fatalf("parseFields: %v", err)
	}
	if got, ok := data["calories"].(float64); !ok || got != 350 {
		t.Fatalf("calories: got %#v, want 350", data["calories"])
	}
	if got := data["meal_id"]; got != "m-oats" {
		t.Fatalf("meal_id: got %#v", got)
	}
	if got := data["notes"]; got != "x=y" {
		t.Fatalf("notes: got %#v", got)
	}
	if got := data["skipped"]; got != false {
		t.Fatalf("skipped: got %#v", got)
	}
	if got := data["raw"]; got != "x=y" {
		t.Fatalf("raw: got %#v", got)
	}

	for _, bad := range []string{"noequals", "=value"} {
		if _, err := parseFields([]string{bad}); err == nil {
			t.Fatalf("parseFields(%q): expected error", bad)
		}
	}
}

func TestParseKind(t *testing.T) {
	tests := map[string]events.Kind{
		"workout":     events.KindWorkout,
		"Workouts":    events.KindWorkout,
		"meals":       events.KindMeal,
		"achievement": events.KindAchievement,
		"water":       events.KindHydration,
		" hydration ": events.KindHydration,
	}
	for in, want := range tests {
		got, err := parseKind(in)
		if err != nil {
			t.Fatalf("parseKind(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseKind(%q): got %s, want %s", in, got, want)
		}
	}
	if _, err := parseKind("yoga"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestParseDay(t *testing.T) {
	wed := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	for in, want := range map[string]time.Weekday{
		"":       time.Wednesday,
		"today":  time.Wednesday,
		"mon":    time.Monday,
		"Sunday": time.Sunday,
		"SAT":    time.Saturday,
	} {
		got, err := parseDay(in, wed)
		if err != nil {
			t.Fatalf("parseDay(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseDay(%q): got %s, want %s", in, got, want)
		}
	}
	if _, err := parseDay("someday", wed); err == nil {
		t.Fatal("expected error for unknown day")
	}
}

func TestConnectivityURL(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"http://localhost:8080", "ws://localhost:8080/v1/connectivity", false},
		{"https://sync.example.com/api/", "wss://sync.example.com/api/v1/connectivity", false},
		{"ftp://x", "", true},
	}
	for _, tc := range tests {
		got, err := connectivityURL(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("connectivityURL(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("connectivityURL(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("connectivityURL(%q): got %q, want %q", tc.in, got, tc.want)
		}
	}
}

// resetFlags restores defaults on every command so state from one run does
// not leak into the next.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func runCLI(t *testing.T, args ...string) error {
	t.Helper()
	resetFlags(rootCmd)
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestOfflineCommandsQueueActions(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("FITSYNC_CONFIG_DIR", t.TempDir())
	t.Setenv("FITSYNC_DATA_DIR", dataDir)
	t.Setenv("FITSYNC_REMOTE_URL", "http://127.0.0.1:1")
	t.Setenv("FITSYNC_OWNER", "u1")

	if err := runCLI(t, "log", "create", "meal", "meal_id=m-oats", "calories=350", "--offline"); err != nil {
		t.Fatalf("log create: %v", err)
	}
	if err := runCLI(t, "complete", "workout", "w-hiit", "--offline"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := runCLI(t, "complete", "yoga", "x", "--offline"); err == nil {
		t.Fatal("complete with unknown kind: expected error")
	}

	blobs, err := blobstore.OpenSQLite(dataDir)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer blobs.Close()

	q := actionqueue.New(blobs)
	if err := q.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	pending := q.Drainable()
	if len(pending) < 2 {
		t.Fatalf("queued: got %d, want at least 2", len(pending))
	}
	first := pending[0]
	if first.Collection != string(events.CollectionMealLogs) || first.Operation != events.OpCreate {
		t.Fatalf("first action: got %s %s", first.Operation, first.Collection)
	}
	if first.OwnerID != "u1" {
		t.Fatalf("owner: got %q, want u1", first.OwnerID)
	}

	if err := runCLI(t, "queue", "purge", "meal", "--yes", "--offline"); err != nil {
		t.Fatalf("queue purge: %v", err)
	}
	if err := q.Load(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	for _, act := range q.Drainable() {
		if act.Collection == string(events.CollectionMealLogs) {
			t.Fatalf("meal action survived purge: %s", act.ID)
		}
	}
}
