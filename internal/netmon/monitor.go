// Package netmon tracks connectivity and notifies subscribers of transitions.
package netmon

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/marcus/fitsync/internal/events"
)

// Monitor holds the last known connectivity state. Providers report raw
// observations through Set; only actual transitions reach listeners.
type Monitor struct {
	online atomic.Bool

	// setMu orders transitions so listeners see them in sequence.
	setMu sync.Mutex
	bus   *events.Bus[bool]

	hookMu    sync.RWMutex
	reconnect func()
}

// New returns a monitor starting in the given state.
func New(initial bool) *Monitor {
	m := &Monitor{bus: events.NewBus[bool]("connectivity")}
	m.online.Store(initial)
	return m
}

// Online returns the last known state.
func (m *Monitor) Online() bool { return m.online.Load() }

// Subscribe registers a listener for state transitions and returns its
// unsubscribe function. Listeners must not call Set.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	return m.bus.Subscribe(fn)
}

// OnReconnect sets the hook run on every strict offline to online edge,
// after listeners. The hook must not block; spawn work instead.
func (m *Monitor) OnReconnect(fn func()) {
	m.hookMu.Lock()
	m.reconnect = fn
	m.hookMu.Unlock()
}

// Set records an observation. Repeating the current state does nothing.
func (m *Monitor) Set(online bool) {
	m.setMu.Lock()
	defer m.setMu.Unlock()

	if m.online.Swap(online) == online {
		return
	}
	slog.Info("netmon: connectivity changed", "online", online)
	m.bus.Publish(online)

	if !online {
		return
	}
	m.hookMu.RLock()
	hook := m.reconnect
	m.hookMu.RUnlock()
	if hook != nil {
		hook()
	}
}
