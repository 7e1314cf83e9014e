package monitor

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/fitsync/internal/actionqueue"
	"github.com/marcus/fitsync/internal/events"
	"github.com/marcus/fitsync/internal/offline"
	"github.com/marcus/fitsync/internal/progress"
	fssync "github.com/marcus/fitsync/internal/sync"
)

type fakeSource struct {
	status      offline.Status
	pending     []actionqueue.Action
	syncs       int
	net         *events.Bus[bool]
	completions *events.Bus[events.Completion]
	unlocks     *events.Bus[events.Unlock]
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		net:         events.NewBus[bool]("net"),
		completions: events.NewBus[events.Completion]("completions"),
		unlocks:     events.NewBus[events.Unlock]("unlocks"),
	}
}

func (f *fakeSource) SyncStatus() offline.Status           { return f.status }
func (f *fakeSource) PendingActions() []actionqueue.Action { return f.pending }
func (f *fakeSource) Summary() progress.Summary            { return progress.Summary{HydrationGoalML: 2500} }
func (f *fakeSource) ForceSync(context.Context) fssync.Result {
	f.syncs++
	return fssync.Result{Success: true, Synced: 2}
}
func (f *fakeSource) SubscribeToConnectivity(fn func(bool)) func() { return f.net.Subscribe(fn) }
func (f *fakeSource) SubscribeToCompletionEvents(fn func(events.Completion)) func() {
	return f.completions.Subscribe(fn)
}
func (f *fakeSource) SubscribeToUnlocks(fn func(events.Unlock)) func() {
	return f.unlocks.Subscribe(fn)
}

func sized(m Model) Model {
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	return next.(Model)
}

func TestRefreshPopulatesPanels(t *testing.T) {
	src := newFakeSource()
	now := time.Now()
	src.status = offline.Status{Online: true, QueueLength: 1, LastSyncAttempt: &now}
	src.pending = []actionqueue.Action{{ID: "a1", Operation: events.OpCreate, Collection: "meal_logs", MaxAttempts: 3, EnqueuedAt: now.UnixMilli()}}

	m := sized(NewModel(src, time.Second))
	defer m.Close()

	next, _ := m.Update(FetchData(src))
	m = next.(Model)

	if m.Status.QueueLength != 1 || len(m.Pending) != 1 {
		t.Fatalf("status not applied: %+v", m.Status)
	}
	view := m.View()
	for _, want := range []string{"online", "1 pending", "meal_logs", "QUEUE (1)"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestDataAtRiskShown(t *testing.T) {
	src := newFakeSource()
	src.status = offline.Status{StorageFailures: 2, DataAtRisk: true}
	m := sized(NewModel(src, time.Second))
	defer m.Close()

	next, _ := m.Update(FetchData(src))
	view := next.(Model).View()
	if !strings.Contains(view, "DATA AT RISK") || !strings.Contains(view, "offline") {
		t.Fatalf("view:\n%s", view)
	}
}

func TestFeedDeliversBusEvents(t *testing.T) {
	src := newFakeSource()
	m := NewModel(src, time.Second)
	defer m.Close()

	src.net.Publish(false)
	src.unlocks.Publish(events.Unlock{Title: "First Workout", Points: 10, At: time.Now()})

	msg := m.feed.next()()
	next, cmd := m.Update(msg)
	m = next.(Model)
	if cmd == nil {
		t.Fatal("expected the model to wait for the next event")
	}
	next, _ = m.Update(m.feed.next()())
	m = next.(Model)

	if len(m.Activity) != 2 {
		t.Fatalf("activity: got %d, want 2", len(m.Activity))
	}
	if m.Activity[0].Type != "unlock" || !strings.Contains(m.Activity[0].Message, "+10 pts") {
		t.Fatalf("newest item: %+v", m.Activity[0])
	}
	if m.Activity[1].Message != "went offline" {
		t.Fatalf("oldest item: %+v", m.Activity[1])
	}
}

func TestCloseStopsFeed(t *testing.T) {
	src := newFakeSource()
	m := NewModel(src, time.Second)
	m.Close()
	m.Close()

	if src.net.Len() != 0 || src.unlocks.Len() != 0 || src.completions.Len() != 0 {
		t.Fatal("listeners should be removed")
	}
	src.net.Publish(true) // must not panic
	if msg := m.feed.next()(); msg != nil {
		t.Fatalf("closed feed: got %v, want nil", msg)
	}
}

func TestSyncKey(t *testing.T) {
	src := newFakeSource()
	m := sized(NewModel(src, time.Second))
	defer m.Close()

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
	m = next.(Model)
	if !m.Syncing || cmd == nil {
		t.Fatal("s should start a sync")
	}
	// A second press while syncing is ignored.
	if _, again := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")}); again != nil {
		t.Fatal("duplicate sync should be ignored")
	}

	next, _ = m.Update(cmd())
	m = next.(Model)
	if m.Syncing || m.LastResult == nil || m.LastResult.Synced != 2 {
		t.Fatalf("after sync: syncing=%v result=%+v", m.Syncing, m.LastResult)
	}
	if src.syncs != 1 {
		t.Fatalf("syncs: got %d, want 1", src.syncs)
	}
	if m.Activity[0].Type != "sync" {
		t.Fatalf("activity: %+v", m.Activity[0])
	}
}

func TestPanelNavigation(t *testing.T) {
	m := NewModel(newFakeSource(), time.Second)
	defer m.Close()

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = next.(Model)
	if m.ActivePanel != PanelQueue {
		t.Fatalf("tab: got %d", m.ActivePanel)
	}
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyShiftTab})
	next, _ = next.(Model).Update(tea.KeyMsg{Type: tea.KeyShiftTab})
	m = next.(Model)
	if m.ActivePanel != PanelActivity {
		t.Fatalf("shift+tab wrap: got %d", m.ActivePanel)
	}
}

func TestCompactView(t *testing.T) {
	m := NewModel(newFakeSource(), time.Second)
	defer m.Close()
	next, _ := m.Update(tea.WindowSizeMsg{Width: 30, Height: 10})
	if view := next.(Model).View(); !strings.Contains(view, "resize for full view") {
		t.Fatalf("compact view:\n%s", view)
	}
}
