package monitor

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/fitsync/internal/events"
	fssync "github.com/marcus/fitsync/internal/sync"
)

// ActivityItem is one line of the activity feed.
type ActivityItem struct {
	Timestamp time.Time
	Type      string // "net", "done", "unlock", "sync"
	Message   string
}

// FetchData retrieves all data needed for the monitor display
func FetchData(src Source) RefreshDataMsg {
	return RefreshDataMsg{
		Status:    src.SyncStatus(),
		Pending:   src.PendingActions(),
		Summary:   src.Summary(),
		Timestamp: time.Now(),
	}
}

// feed forwards bus events to the Bubble Tea loop. Listeners run on the
// publisher's goroutine, so a full buffer drops the event instead of blocking.
type feed struct {
	ch     chan ActivityItem
	unsubs []func()

	mu     sync.Mutex
	closed bool
}

func subscribe(src Source) *feed {
	f := &feed{ch: make(chan ActivityItem, 64)}
	push := func(item ActivityItem) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.closed {
			return
		}
		select {
		case f.ch <- item:
		default:
		}
	}
	f.unsubs = append(f.unsubs,
		src.SubscribeToConnectivity(func(online bool) {
			msg := "went offline"
			if online {
				msg = "back online"
			}
			push(ActivityItem{Timestamp: time.Now(), Type: "net", Message: msg})
		}),
		src.SubscribeToCompletionEvents(func(c events.Completion) {
			msg := fmt.Sprintf("%s %s completed", c.Kind, c.SubjectID)
			if !c.Confirmed {
				msg += " (queued)"
			}
			push(ActivityItem{Timestamp: c.At, Type: "done", Message: msg})
		}),
		src.SubscribeToUnlocks(func(u events.Unlock) {
			push(ActivityItem{
				Timestamp: u.At,
				Type:      "unlock",
				Message:   fmt.Sprintf("%s unlocked (+%d pts)", u.Title, u.Points),
			})
		}),
	)
	return f
}

// next waits for the next event. The returned command yields nil once the
// feed is closed.
func (f *feed) next() tea.Cmd {
	return func() tea.Msg {
		item, ok := <-f.ch
		if !ok {
			return nil
		}
		return ActivityMsg(item)
	}
}

func (f *feed) close() {
	for _, u := range f.unsubs {
		u()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}

func syncActivity(res fssync.Result, at time.Time) ActivityItem {
	msg := fmt.Sprintf("sync: %d synced, %d failed, %d deferred", res.Synced, res.Failed, res.Deferred)
	if len(res.Errors) > 0 {
		msg += " (" + strings.Join(res.Errors, "; ") + ")"
	}
	return ActivityItem{Timestamp: at, Type: "sync", Message: msg}
}
