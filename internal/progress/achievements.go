package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus/fitsync/internal/catalog"
	"github.com/marcus/fitsync/internal/events"
)

// Achievements advances achievement progress when items are completed and
// unlocks achievements that reach their target. Unlock persistence runs in
// the background; Wait blocks until it has finished.
type Achievements struct {
	catalog *catalog.Catalog
	t       *Tracker
	unlocks *events.Bus[events.Unlock]
	counts  map[events.Kind]func() float64

	// base is the parent context of background writes.
	base context.Context
	wg   sync.WaitGroup
	mu   sync.Mutex
}

// NewAchievements returns an evaluator writing to the achievements tracker t.
// counts maps a criteria kind to the current total it is measured against.
func NewAchievements(ctx context.Context, cat *catalog.Catalog, t *Tracker, unlocks *events.Bus[events.Unlock], counts map[events.Kind]func() float64) *Achievements {
	return &Achievements{
		catalog: cat,
		t:       t,
		unlocks: unlocks,
		counts:  counts,
		base:    context.WithoutCancel(ctx),
	}
}

// Tracker exposes the achievement records.
func (a *Achievements) Tracker() *Tracker { return a.t }

// HandleCompletion is subscribed to the completion bus.
func (a *Achievements) HandleCompletion(c events.Completion) {
	if c.Kind == events.KindAchievement {
		return
	}
	count, ok := a.counts[c.Kind]
	if !ok {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	total := count()
	for _, def := range a.catalog.AchievementsFor(c.Kind) {
		p := min(1.0, total/def.Criteria.Target)
		cur, _ := a.t.Get(def.ID)
		if cur.Completed || p <= cur.Progress {
			continue
		}
		if p < 1.0 {
			if _, err := a.t.SetProgress(a.base, c.OwnerID, def.ID, p); err != nil {
				slog.Warn("achievements: set progress", "id", def.ID, "err", err)
			}
			continue
		}
		a.unlock(c.OwnerID, def, c.At)
	}
}

// unlock completes def locally, announces it and persists it in the
// background.
func (a *Achievements) unlock(owner string, def *catalog.Achievement, at time.Time) {
	if at.IsZero() {
		at = a.t.deps.Now()
	}
	a.t.markCompleted(a.base, owner, def.ID, at, nil)
	slog.Info("achievements: unlocked", "id", def.ID, "rarity", def.Rarity, "points", def.Points)

	a.unlocks.Publish(events.Unlock{
		AchievementID: def.ID,
		OwnerID:       owner,
		Title:         def.Title,
		Points:        def.Points,
		At:            at,
	})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.persistUnlock(owner, def.ID, at)
	}()
}

func (a *Achievements) persistUnlock(owner, id string, at time.Time) {
	ctx := a.base
	rec, _ := a.t.Get(id)

	version, err := a.t.writeCompletion(ctx, rec, at)
	if err != nil {
		slog.Warn("achievements: remote unlock failed, queueing", "id", id, "err", err)
		a.t.enqueueRow(ctx, rec)
		return
	}

	a.t.mu.Lock()
	r := a.t.records[id]
	r.Version = max(r.Version, version)
	r.RemoteRef = rowID(owner, id)
	a.t.records[id] = r
	a.t.memo.invalidate()
	a.t.mu.Unlock()
	a.t.persist(ctx, r)
}

// Wait blocks until every background unlock write has finished.
func (a *Achievements) Wait() {
	a.wg.Wait()
}

// Points returns the reward points of unlocked achievements.
func (a *Achievements) Points() int {
	return a.t.Stats(func(id string) int {
		if def, ok := a.catalog.Achievement(id); ok {
			return def.Points
		}
		return 0
	}).Points
}
