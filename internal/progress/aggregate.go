package progress

import (
	"log/slog"

	"github.com/mitchellh/hashstructure/v2"
)

// Stats are recomputed from the full record set on every call.
type Stats struct {
	Total          int     `json:"total"`
	Completed      int     `json:"completed"`
	Points         int     `json:"points"`
	CompletionRate float64 `json:"completion_rate"`
}

// Stats summarises the current records. points returns the reward value of a
// completed subject; nil counts zero points.
func (t *Tracker) Stats(points func(subject string) int) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	var s Stats
	s.Total = len(t.records)
	for _, r := range t.records {
		if !r.Completed {
			continue
		}
		s.Completed++
		if points != nil {
			s.Points += points(r.SubjectID)
		}
	}
	if s.Total > 0 {
		s.CompletionRate = float64(s.Completed) / float64(s.Total)
	}
	return s
}

// SumCompleted sums value over completed records. Results are cached under
// name until the record set changes; name must identify value.
func (t *Tracker) SumCompleted(name string, value func(Record) (float64, bool)) float64 {
	return t.sum(name, true, value)
}

// SumAll is SumCompleted over every record.
func (t *Tracker) SumAll(name string, value func(Record) (float64, bool)) float64 {
	return t.sum(name, false, value)
}

func (t *Tracker) sum(name string, completedOnly bool, value func(Record) (float64, bool)) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.memo.current(t.records)
	if v, ok := t.memo.lookup(name, h); ok {
		return v
	}
	var sum float64
	for _, r := range t.records {
		if completedOnly && !r.Completed {
			continue
		}
		if v, ok := value(r); ok {
			sum += v
		}
	}
	t.memo.store(name, h, sum)
	return sum
}

// Hash returns the structural hash of the current record set.
func (t *Tracker) Hash() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.memo.current(t.records)
}

type memoEntry struct {
	hash  uint64
	value float64
}

// memo caches derived sums keyed by a hash of the record map. The hash is
// recomputed lazily after invalidate.
type memo struct {
	hash    uint64
	dirty   bool
	entries map[string]memoEntry
}

func (m *memo) invalidate() { m.dirty = true }

func (m *memo) current(records map[string]Record) uint64 {
	if m.dirty || m.entries == nil {
		m.hash = hashRecords(records)
		m.dirty = false
		if m.entries == nil {
			m.entries = make(map[string]memoEntry)
		}
	}
	return m.hash
}

func (m *memo) lookup(name string, h uint64) (float64, bool) {
	e, ok := m.entries[name]
	if !ok || e.hash != h {
		return 0, false
	}
	return e.value, true
}

func (m *memo) store(name string, h uint64, v float64) {
	m.entries[name] = memoEntry{hash: h, value: v}
}

// hashKey is the hashed projection of a record.
type hashKey struct {
	Progress    float64
	Completed   bool
	CompletedAt int64
	Version     int
	Amount      float64
}

func hashRecords(records map[string]Record) uint64 {
	keys := make(map[string]hashKey, len(records))
	for id, r := range records {
		k := hashKey{Progress: r.Progress, Completed: r.Completed, Version: r.Version, Amount: r.Amount}
		if r.CompletedAt != nil {
			k.CompletedAt = r.CompletedAt.UnixNano()
		}
		keys[id] = k
	}
	h, err := hashstructure.Hash(keys, hashstructure.FormatV2, nil)
	if err != nil {
		slog.Error("progress: hash records", "err", err)
		return 0
	}
	return h
}
