package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/marcus/fitsync/internal/actionqueue"
	"github.com/marcus/fitsync/internal/events"
	"github.com/marcus/fitsync/internal/remote"
)

// ErrInvalidAmount is returned for non-positive water amounts.
var ErrInvalidAmount = errors.New("amount must be positive")

const dayLayout = "2006-01-02"

// Hydration tracks daily water intake as progress toward a goal. Each intake
// is queued as an append-only log row; the daily record is derived from the
// sum of a day's logs.
type Hydration struct {
	t      *Tracker
	goalML float64
}

// NewHydration returns a hydration tracker with the given daily goal.
func NewHydration(goalML int, deps Deps) *Hydration {
	if goalML <= 0 {
		goalML = 2500
	}
	return &Hydration{
		t:      NewTracker(events.KindHydration, events.CollectionHydrationLogs, deps),
		goalML: float64(goalML),
	}
}

// Tracker exposes the underlying per-day records.
func (h *Hydration) Tracker() *Tracker { return h.t }

// GoalML returns the daily goal.
func (h *Hydration) GoalML() float64 { return h.goalML }

// Day returns the record subject for the day containing at.
func Day(at time.Time) string { return at.Format(dayLayout) }

// AddWater records an intake of ml at the given time.
func (h *Hydration) AddWater(ctx context.Context, owner string, at time.Time, ml float64) (Record, error) {
	if ml <= 0 {
		return Record{}, ErrInvalidAmount
	}
	day := Day(at)

	t := h.t
	t.mu.Lock()
	r, ok := t.records[day]
	if !ok {
		r = Record{SubjectID: day, OwnerID: owner, Kind: events.KindHydration}
	}
	r.Amount += ml
	r.Progress = min(100, r.Amount/h.goalML*100)
	reached := !r.Completed && r.Amount >= h.goalML
	if reached {
		r.Completed = true
		ts := at.UTC()
		r.CompletedAt = &ts
	}
	t.records[day] = r
	t.memo.invalidate()
	t.mu.Unlock()

	t.persist(ctx, r)
	_, err := t.deps.Queue.Enqueue(ctx, actionqueue.Input{
		Operation:  events.OpCreate,
		Collection: string(events.CollectionHydrationLogs),
		OwnerID:    owner,
		Data: map[string]any{
			"id":        ulid.Make().String(),
			"owner_id":  owner,
			"day":       day,
			"amount_ml": ml,
			"logged_at": at.UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		slog.Error("hydration: enqueue", "err", err)
	}

	if reached {
		t.deps.Completions.Publish(events.Completion{
			Kind:      events.KindHydration,
			SubjectID: day,
			OwnerID:   owner,
			At:        at,
		})
	}
	return r, nil
}

// Load sums owner's remote logs per day and merges them into local records.
func (h *Hydration) Load(ctx context.Context, owner string) error {
	rows, err := h.t.deps.Remote.SelectWhere(ctx, string(events.CollectionHydrationLogs), remote.Filter{"owner_id": owner}, 0)
	if err != nil {
		return fmt.Errorf("load hydration: %w", err)
	}

	logs := make(map[string][]remote.Record)
	for _, row := range rows {
		if day, _ := row["day"].(string); day != "" {
			logs[day] = append(logs[day], row)
		}
	}

	byDay := make(map[string]*Record, len(logs))
	for day, dayRows := range logs {
		// Goal time is the first log, by logged_at, that reaches the goal.
		sort.SliceStable(dayRows, func(i, j int) bool {
			return loggedAt(dayRows[i]).Before(loggedAt(dayRows[j]))
		})
		r := &Record{SubjectID: day, OwnerID: owner, Kind: events.KindHydration}
		for _, row := range dayRows {
			r.Amount += number(row["amount_ml"])
			if ts := loggedAt(row); r.Amount >= h.goalML && r.CompletedAt == nil && !ts.IsZero() {
				r.CompletedAt = &ts
			}
		}
		byDay[day] = r
	}

	recs := make([]Record, 0, len(byDay))
	for _, r := range byDay {
		r.Progress = min(100, r.Amount/h.goalML*100)
		r.Completed = r.Amount >= h.goalML
		recs = append(recs, *r)
	}
	h.t.apply(ctx, recs)
	return nil
}

// loggedAt parses a log row's timestamp. Missing or malformed values are the
// zero time.
func loggedAt(row remote.Record) time.Time {
	s, _ := row["logged_at"].(string)
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// TotalML returns the intake summed over every day.
func (h *Hydration) TotalML() float64 {
	return h.t.SumAll("hydration:total_ml", func(r Record) (float64, bool) { return r.Amount, true })
}

// Today returns the record for the day containing now.
func (h *Hydration) Today(now time.Time) Record {
	day := Day(now)
	if r, ok := h.t.Get(day); ok {
		return r
	}
	return Record{SubjectID: day, Kind: events.KindHydration}
}
