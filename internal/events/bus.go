// Package events holds the collection/operation taxonomy shared by the sync
// engine and a small in-process pub/sub bus used to fan out completion and
// connectivity events.
package events

import (
	"log/slog"
	"sync"
)

// Listener receives published events.
type Listener[T any] func(T)

// Bus delivers events synchronously, in subscription order, on the
// publishing goroutine. A panicking listener is logged and skipped; later
// listeners still receive the event. State is process-lifetime only.
type Bus[T any] struct {
	mu        sync.RWMutex
	nextID    int
	listeners []subscription[T]
	name      string
}

type subscription[T any] struct {
	id int
	fn Listener[T]
}

// NewBus returns an empty bus. The name is only used in log output.
func NewBus[T any](name string) *Bus[T] {
	return &Bus[T]{name: name}
}

// Subscribe registers fn and returns a function that removes it.
// Calling the returned function more than once is harmless.
func (b *Bus[T]) Subscribe(fn Listener[T]) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, subscription[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[T]) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.listeners {
		if s.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every current listener.
func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	subs := make([]subscription[T], len(b.listeners))
	copy(subs, b.listeners)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, ev)
	}
}

func (b *Bus[T]) deliver(s subscription[T], ev T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("event listener panicked", "bus", b.name, "listener", s.id, "panic", r)
		}
	}()
	s.fn(ev)
}

// Len returns the number of subscribed listeners.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
