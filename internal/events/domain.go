package events

import "time"

// Kind identifies a trackable item family.
type Kind string

const (
	KindWorkout     Kind = "workout"
	KindMeal        Kind = "meal"
	KindAchievement Kind = "achievement"
	KindHydration   Kind = "hydration"
)

// Completion is published when a trackable item reaches completion locally.
type Completion struct {
	Kind      Kind
	SubjectID string
	OwnerID   string
	At        time.Time
	// Confirmed is true when the remote store accepted the completion
	// before local state changed, false when it was queued for later.
	Confirmed bool
}

// Unlock is published when an achievement crosses its target.
type Unlock struct {
	AchievementID string
	OwnerID       string
	Title         string
	Points        int
	At            time.Time
}
