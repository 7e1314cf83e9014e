// Package catalog loads workout, meal and achievement definitions.
//
// Progress records only carry completion state; anything numeric that a
// derived aggregate sums (calories, points) lives here.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marcus/fitsync/internal/events"
)

//go:embed default.yaml
var defaultYAML []byte

// Rarity grades an achievement.
type Rarity string

const (
	Common    Rarity = "common"
	Rare      Rarity = "rare"
	Epic      Rarity = "epic"
	Legendary Rarity = "legendary"
)

// DefaultPoints is awarded when an achievement omits points.
func (r Rarity) DefaultPoints() int {
	switch r {
	case Rare:
		return 25
	case Epic:
		return 50
	case Legendary:
		return 100
	default:
		return 10
	}
}

func (r Rarity) valid() bool {
	switch r {
	case Common, Rare, Epic, Legendary:
		return true
	}
	return false
}

// Workout is a scheduled training session.
type Workout struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	Days           []string `yaml:"days"`
	DurationMin    int      `yaml:"duration_min"`
	CaloriesBurned int      `yaml:"calories_burned"`
	Points         int      `yaml:"points"`
}

// Meal is a planned meal.
type Meal struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	MealType string   `yaml:"meal_type"`
	Days     []string `yaml:"days"`
	Calories int      `yaml:"calories"`
	Points   int      `yaml:"points"`
}

// Criteria is what an achievement counts toward.
type Criteria struct {
	Kind   events.Kind `yaml:"kind"`
	Target float64     `yaml:"target"`
	Unit   string      `yaml:"unit"`
}

// Rewards granted on unlock.
type Rewards struct {
	Badges   []string `yaml:"badges"`
	Features []string `yaml:"features"`
}

// Achievement is an unlockable goal.
type Achievement struct {
	ID          string   `yaml:"id"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Rarity      Rarity   `yaml:"rarity"`
	Points      int      `yaml:"points"`
	Criteria    Criteria `yaml:"criteria"`
	Rewards     Rewards  `yaml:"rewards"`
}

// Hydration settings.
type Hydration struct {
	DailyGoalML int `yaml:"daily_goal_ml"`
}

// Catalog is the full set of definitions.
type Catalog struct {
	Workouts     []Workout     `yaml:"workouts"`
	Meals        []Meal        `yaml:"meals"`
	Achievements []Achievement `yaml:"achievements"`
	Hydration    Hydration     `yaml:"hydration"`

	workouts     map[string]*Workout
	meals        map[string]*Meal
	achievements map[string]*Achievement
}

// Default returns the built-in catalog.
func Default() (*Catalog, error) {
	return Parse(defaultYAML)
}

// Load reads a catalog file. An empty path loads the built-in catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) index() error {
	c.workouts = make(map[string]*Workout, len(c.Workouts))
	c.meals = make(map[string]*Meal, len(c.Meals))
	c.achievements = make(map[string]*Achievement, len(c.Achievements))

	for i := range c.Workouts {
		w := &c.Workouts[i]
		if w.ID == "" {
			return fmt.Errorf("workout %d: missing id", i)
		}
		if _, dup := c.workouts[w.ID]; dup {
			return fmt.Errorf("duplicate workout id %q", w.ID)
		}
		if err := validDays(w.Days); err != nil {
			return fmt.Errorf("workout %s: %w", w.ID, err)
		}
		c.workouts[w.ID] = w
	}
	for i := range c.Meals {
		m := &c.Meals[i]
		if m.ID == "" {
			return fmt.Errorf("meal %d: missing id", i)
		}
		if _, dup := c.meals[m.ID]; dup {
			return fmt.Errorf("duplicate meal id %q", m.ID)
		}
		if err := validDays(m.Days); err != nil {
			return fmt.Errorf("meal %s: %w", m.ID, err)
		}
		c.meals[m.ID] = m
	}
	for i := range c.Achievements {
		a := &c.Achievements[i]
		if a.ID == "" {
			return fmt.Errorf("achievement %d: missing id", i)
		}
		if _, dup := c.achievements[a.ID]; dup {
			return fmt.Errorf("duplicate achievement id %q", a.ID)
		}
		if a.Rarity == "" {
			a.Rarity = Common
		}
		if !a.Rarity.valid() {
			return fmt.Errorf("achievement %s: unknown rarity %q", a.ID, a.Rarity)
		}
		if a.Points == 0 {
			a.Points = a.Rarity.DefaultPoints()
		}
		if a.Criteria.Target <= 0 {
			return fmt.Errorf("achievement %s: target must be positive", a.ID)
		}
		switch a.Criteria.Kind {
		case events.KindWorkout, events.KindMeal, events.KindHydration:
		default:
			return fmt.Errorf("achievement %s: unsupported criteria kind %q", a.ID, a.Criteria.Kind)
		}
		c.achievements[a.ID] = a
	}
	return nil
}

// Workout looks up a workout by id.
func (c *Catalog) Workout(id string) (*Workout, bool) {
	w, ok := c.workouts[id]
	return w, ok
}

// Meal looks up a meal by id.
func (c *Catalog) Meal(id string) (*Meal, bool) {
	m, ok := c.meals[id]
	return m, ok
}

// Achievement looks up an achievement by id.
func (c *Catalog) Achievement(id string) (*Achievement, bool) {
	a, ok := c.achievements[id]
	return a, ok
}

// AchievementsFor returns the achievements counting completions of kind.
func (c *Catalog) AchievementsFor(kind events.Kind) []*Achievement {
	var out []*Achievement
	for i := range c.Achievements {
		if c.Achievements[i].Criteria.Kind == kind {
			out = append(out, &c.Achievements[i])
		}
	}
	return out
}

// Points returns the points a completed subject of kind is worth.
func (c *Catalog) Points(kind events.Kind, id string) int {
	switch kind {
	case events.KindWorkout:
		if w, ok := c.workouts[id]; ok {
			return w.Points
		}
	case events.KindMeal:
		if m, ok := c.meals[id]; ok {
			return m.Points
		}
	case events.KindAchievement:
		if a, ok := c.achievements[id]; ok {
			return a.Points
		}
	}
	return 0
}

var weekdays = []string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}

// DayTag returns the lowercase weekday name used in day lists.
func DayTag(d time.Weekday) string {
	return weekdays[d]
}

// ScheduledOn reports whether days includes d. An empty list means every day.
func ScheduledOn(days []string, d time.Weekday) bool {
	if len(days) == 0 {
		return true
	}
	tag := DayTag(d)
	return slices.ContainsFunc(days, func(s string) bool { return strings.EqualFold(s, tag) })
}

func validDays(days []string) error {
	for _, d := range days {
		if !slices.Contains(weekdays, strings.ToLower(d)) {
			return fmt.Errorf("unknown day %q", d)
		}
	}
	return nil
}
