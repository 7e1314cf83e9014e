package monitor

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/fitsync/internal/actionqueue"
	"github.com/marcus/fitsync/internal/events"
	"github.com/marcus/fitsync/internal/offline"
	"github.com/marcus/fitsync/internal/progress"
	fssync "github.com/marcus/fitsync/internal/sync"
)

// Source is what the monitor reads from. *offline.Service satisfies it.
type Source interface {
	SyncStatus() offline.Status
	PendingActions() []actionqueue.Action
	Summary() progress.Summary
	ForceSync(ctx context.Context) fssync.Result
	SubscribeToConnectivity(fn func(bool)) func()
	SubscribeToCompletionEvents(fn func(events.Completion)) func()
	SubscribeToUnlocks(fn func(events.Unlock)) func()
}

// Panel represents which panel is active
type Panel int

const (
	PanelStatus Panel = iota
	PanelQueue
	PanelActivity
	panelCount
)

// Model is the main Bubble Tea model for the monitor TUI
type Model struct {
	src Source

	// Window dimensions
	Width  int
	Height int

	// Panel data
	Status   offline.Status
	Pending  []actionqueue.Action
	Summary  progress.Summary
	Activity []ActivityItem

	// UI state
	ActivePanel  Panel
	ScrollOffset map[Panel]int
	ShowHelp     bool
	Syncing      bool
	LastResult   *fssync.Result
	LastRefresh  time.Time

	spinner spinner.Model
	feed    *feed

	// Configuration
	RefreshInterval time.Duration
}

// MinWidth is the minimum terminal width for proper display
const MinWidth = 40

// MinHeight is the minimum terminal height for proper display
const MinHeight = 15

// maxActivity bounds the in-memory activity feed.
const maxActivity = 200

// TickMsg triggers a data refresh
type TickMsg time.Time

// RefreshDataMsg carries refreshed data
type RefreshDataMsg struct {
	Status    offline.Status
	Pending   []actionqueue.Action
	Summary   progress.Summary
	Timestamp time.Time
}

// ActivityMsg carries one event from the service's buses.
type ActivityMsg ActivityItem

// SyncDoneMsg reports a user-triggered sync.
type SyncDoneMsg struct {
	Result fssync.Result
	At     time.Time
}

// NewModel creates a new monitor model and subscribes to src's events.
// Call Close when the program exits.
func NewModel(src Source, interval time.Duration) Model {
	if interval <= 0 {
		interval = time.Second
	}
	return Model{
		src:             src,
		RefreshInterval: interval,
		ScrollOffset:    make(map[Panel]int),
		ActivePanel:     PanelStatus,
		spinner:         spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(spinnerStyle)),
		feed:            subscribe(src),
	}
}

// Close detaches the model's event subscriptions.
func (m Model) Close() {
	m.feed.close()
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.fetchData(),
		m.scheduleTick(),
		m.feed.next(),
		m.spinner.Tick,
	)
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		return m, nil

	case TickMsg:
		return m, tea.Batch(m.fetchData(), m.scheduleTick())

	case RefreshDataMsg:
		m.Status = msg.Status
		m.Pending = msg.Pending
		m.Summary = msg.Summary
		m.LastRefresh = msg.Timestamp
		return m, nil

	case ActivityMsg:
		m.Activity = append([]ActivityItem{ActivityItem(msg)}, m.Activity...)
		if len(m.Activity) > maxActivity {
			m.Activity = m.Activity[:maxActivity]
		}
		return m, m.feed.next()

	case SyncDoneMsg:
		m.Syncing = false
		res := msg.Result
		m.LastResult = &res
		m.Activity = append([]ActivityItem{syncActivity(res, msg.At)}, m.Activity...)
		return m, m.fetchData()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// handleKey processes key input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "tab":
		m.ActivePanel = (m.ActivePanel + 1) % panelCount
		return m, nil

	case "shift+tab":
		m.ActivePanel = (m.ActivePanel + panelCount - 1) % panelCount
		return m, nil

	case "1":
		m.ActivePanel = PanelStatus
		return m, nil

	case "2":
		m.ActivePanel = PanelQueue
		return m, nil

	case "3":
		m.ActivePanel = PanelActivity
		return m, nil

	case "j", "down":
		m.ScrollOffset[m.ActivePanel]++
		return m, nil

	case "k", "up":
		if m.ScrollOffset[m.ActivePanel] > 0 {
			m.ScrollOffset[m.ActivePanel]--
		}
		return m, nil

	case "s":
		if m.Syncing {
			return m, nil
		}
		m.Syncing = true
		return m, m.forceSync()

	case "r":
		return m, m.fetchData()

	case "?":
		m.ShowHelp = !m.ShowHelp
		return m, nil
	}

	return m, nil
}

// View implements tea.Model
func (m Model) View() string {
	return m.renderView()
}

// scheduleTick returns a command that sends a TickMsg after the refresh interval
func (m Model) scheduleTick() tea.Cmd {
	return tea.Tick(m.RefreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// fetchData returns a command that fetches all data and sends a RefreshDataMsg
func (m Model) fetchData() tea.Cmd {
	return func() tea.Msg {
		return FetchData(m.src)
	}
}

func (m Model) forceSync() tea.Cmd {
	src := m.src
	return func() tea.Msg {
		res := src.ForceSync(context.Background())
		return SyncDoneMsg{Result: res, At: time.Now()}
	}
}
