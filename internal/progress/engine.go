package progress

import (
	"context"
	"errors"
	"time"

	"github.com/marcus/fitsync/internal/catalog"
	"github.com/marcus/fitsync/internal/events"
)

// Engine groups the trackers of one user and wires achievement evaluation
// to the completion bus.
type Engine struct {
	Catalog      *catalog.Catalog
	Workouts     *Tracker
	Meals        *Tracker
	Hydration    *Hydration
	Achievements *Achievements

	Completions *events.Bus[events.Completion]
	Unlocks     *events.Bus[events.Unlock]

	unsubscribe func()
}

// NewEngine builds the trackers. Background achievement writes derive from
// ctx but are not cancelled by it.
func NewEngine(ctx context.Context, cat *catalog.Catalog, deps Deps) *Engine {
	if deps.Completions == nil {
		deps.Completions = events.NewBus[events.Completion]("completions")
	}
	e := &Engine{
		Catalog:     cat,
		Workouts:    NewTracker(events.KindWorkout, events.CollectionWorkoutProgress, deps),
		Meals:       NewTracker(events.KindMeal, events.CollectionMealProgress, deps),
		Hydration:   NewHydration(cat.Hydration.DailyGoalML, deps),
		Completions: deps.Completions,
		Unlocks:     events.NewBus[events.Unlock]("unlocks"),
	}
	achievements := NewTracker(events.KindAchievement, events.CollectionUserAchievements, deps)
	e.Achievements = NewAchievements(ctx, cat, achievements, e.Unlocks, map[events.Kind]func() float64{
		events.KindWorkout:   func() float64 { return float64(e.Workouts.Stats(nil).Completed) },
		events.KindMeal:      func() float64 { return float64(e.Meals.Stats(nil).Completed) },
		events.KindHydration: e.Hydration.TotalML,
	})
	e.unsubscribe = e.Completions.Subscribe(e.Achievements.HandleCompletion)
	return e
}

// Tracker returns the tracker for kind.
func (e *Engine) Tracker(kind events.Kind) (*Tracker, bool) {
	switch kind {
	case events.KindWorkout:
		return e.Workouts, true
	case events.KindMeal:
		return e.Meals, true
	case events.KindAchievement:
		return e.Achievements.Tracker(), true
	case events.KindHydration:
		return e.Hydration.Tracker(), true
	}
	return nil, false
}

// Restore reloads owner's records from the local cache.
func (e *Engine) Restore(owner string) {
	e.Workouts.Restore(owner)
	e.Meals.Restore(owner)
	e.Hydration.Tracker().Restore(owner)
	e.Achievements.Tracker().Restore(owner)
}

// Load merges remote state for owner into every tracker. Trackers that fail
// to load keep their local state; the errors are joined.
func (e *Engine) Load(ctx context.Context, owner string) error {
	return errors.Join(
		e.Workouts.Load(ctx, owner),
		e.Meals.Load(ctx, owner),
		e.Hydration.Load(ctx, owner),
		e.Achievements.Tracker().Load(ctx, owner),
	)
}

// ConsumedCalories sums the calories of completed meals scheduled on day.
func (e *Engine) ConsumedCalories(day time.Weekday) float64 {
	return e.Meals.SumCompleted("calories_consumed:"+catalog.DayTag(day), func(r Record) (float64, bool) {
		m, ok := e.Catalog.Meal(r.SubjectID)
		if !ok || !catalog.ScheduledOn(m.Days, day) {
			return 0, false
		}
		return float64(m.Calories), true
	})
}

// BurnedCalories sums the calories of completed workouts scheduled on day.
func (e *Engine) BurnedCalories(day time.Weekday) float64 {
	return e.Workouts.SumCompleted("calories_burned:"+catalog.DayTag(day), func(r Record) (float64, bool) {
		w, ok := e.Catalog.Workout(r.SubjectID)
		if !ok || !catalog.ScheduledOn(w.Days, day) {
			return 0, false
		}
		return float64(w.CaloriesBurned), true
	})
}

// Summary is a snapshot of every tracker's aggregates.
type Summary struct {
	Workouts         Stats   `json:"workouts"`
	Meals            Stats   `json:"meals"`
	Achievements     Stats   `json:"achievements"`
	HydrationTodayML float64 `json:"hydration_today_ml"`
	HydrationGoalML  float64 `json:"hydration_goal_ml"`
	ConsumedCalories float64 `json:"consumed_calories"`
	BurnedCalories   float64 `json:"burned_calories"`
}

// Summary computes aggregates for the day containing now.
func (e *Engine) Summary(now time.Time) Summary {
	points := func(kind events.Kind) func(string) int {
		return func(id string) int { return e.Catalog.Points(kind, id) }
	}
	return Summary{
		Workouts:         e.Workouts.Stats(points(events.KindWorkout)),
		Meals:            e.Meals.Stats(points(events.KindMeal)),
		Achievements:     e.Achievements.Tracker().Stats(points(events.KindAchievement)),
		HydrationTodayML: e.Hydration.Today(now).Amount,
		HydrationGoalML:  e.Hydration.GoalML(),
		ConsumedCalories: e.ConsumedCalories(now.Weekday()),
		BurnedCalories:   e.BurnedCalories(now.Weekday()),
	}
}

// Wait blocks until background unlock writes finish.
func (e *Engine) Wait() { e.Achievements.Wait() }

// Close detaches achievement evaluation from the completion bus.
func (e *Engine) Close() { e.unsubscribe() }
