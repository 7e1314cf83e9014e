package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ErrInjected is returned by Memory for failures scheduled with FailNext or
// FailAlways.
var ErrInjected = errors.New("injected remote failure")

// Memory is an in-process Store with per-collection failure injection and
// call accounting. Inserts are idempotent on the record id, matching the
// HTTP server.
type Memory struct {
	mu       sync.Mutex
	tables   map[string]map[string]Record
	order    map[string][]string
	failNext map[string]int
	failAll  map[string]bool
	calls    map[string]int
	applied  map[string]int
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		tables:   make(map[string]map[string]Record),
		order:    make(map[string][]string),
		failNext: make(map[string]int),
		failAll:  make(map[string]bool),
		calls:    make(map[string]int),
		applied:  make(map[string]int),
	}
}

// FailNext makes the next n calls against collection fail.
func (m *Memory) FailNext(collection string, n int) {
	m.mu.Lock()
	m.failNext[collection] += n
	m.mu.Unlock()
}

// FailAlways makes every call against collection fail until cleared.
func (m *Memory) FailAlways(collection string, fail bool) {
	m.mu.Lock()
	m.failAll[collection] = fail
	m.mu.Unlock()
}

// Calls returns how many calls (including failed ones) hit collection.
func (m *Memory) Calls(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[collection]
}

// Applied returns how many successful writes were made for the given
// collection/id pair.
func (m *Memory) Applied(collection, id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied[collection+"/"+id]
}

// Get returns a copy of a stored record.
func (m *Memory) Get(collection, id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.tables[collection][id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Count returns the number of records in collection.
func (m *Memory) Count(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[collection])
}

// gate records the call and returns an injected failure if one is due.
// Callers hold m.mu.
func (m *Memory) gate(collection string) error {
	m.calls[collection]++
	if m.failAll[collection] {
		return fmt.Errorf("%s: %w", collection, ErrInjected)
	}
	if m.failNext[collection] > 0 {
		m.failNext[collection]--
		return fmt.Errorf("%s: %w", collection, ErrInjected)
	}
	return nil
}

func (m *Memory) Insert(_ context.Context, collection string, record Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gate(collection); err != nil {
		return nil, err
	}

	r := record.Clone()
	id := r.ID()
	if id == "" {
		id = uuid.NewString()
		r["id"] = id
	}
	table := m.tables[collection]
	if table == nil {
		table = make(map[string]Record)
		m.tables[collection] = table
	}
	if existing, ok := table[id]; ok {
		return existing.Clone(), nil
	}
	table[id] = r
	m.order[collection] = append(m.order[collection], id)
	m.applied[collection+"/"+id]++
	return r.Clone(), nil
}

func (m *Memory) Update(_ context.Context, collection, id string, patch Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gate(collection); err != nil {
		return err
	}
	r, ok := m.tables[collection][id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		r[k] = v
	}
	m.applied[collection+"/"+id]++
	return nil
}

func (m *Memory) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gate(collection); err != nil {
		return err
	}
	if _, ok := m.tables[collection][id]; !ok {
		return nil
	}
	delete(m.tables[collection], id)
	ids := m.order[collection]
	for i, v := range ids {
		if v == id {
			m.order[collection] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	m.applied[collection+"/"+id]++
	return nil
}

func (m *Memory) SelectWhere(_ context.Context, collection string, filter Filter, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gate(collection); err != nil {
		return nil, err
	}
	var out []Record
	for _, id := range m.order[collection] {
		r := m.tables[collection][id]
		if filter.Matches(r) {
			out = append(out, r.Clone())
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Collections returns the names of collections holding records, sorted.
func (m *Memory) Collections() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name, t := range m.tables {
		if len(t) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
