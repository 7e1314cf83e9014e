package events

import "strings"

// Collection is the canonical name of a remote table the engine writes to.
type Collection string

// Operation is the kind of remote write a queued action performs.
type Operation string

// Canonical collections
const (
	CollectionWorkoutSessions  Collection = "workout_sessions"
	CollectionMealLogs         Collection = "meal_logs"
	CollectionUserAchievements Collection = "user_achievements"
	CollectionHydrationLogs    Collection = "hydration_logs"
	CollectionWorkoutProgress  Collection = "workout_progress"
	CollectionMealProgress     Collection = "meal_progress"
)

// Canonical operations
const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// KnownCollections returns every collection the engine produces itself.
// Producers may still queue actions against other collections.
func KnownCollections() map[Collection]bool {
	return map[Collection]bool{
		CollectionWorkoutSessions:  true,
		CollectionMealLogs:         true,
		CollectionUserAchievements: true,
		CollectionHydrationLogs:    true,
		CollectionWorkoutProgress:  true,
		CollectionMealProgress:     true,
	}
}

// IsKnownCollection reports whether c is one of the canonical collections.
func IsKnownCollection(c string) bool {
	return KnownCollections()[Collection(c)]
}

// NormalizeCollection maps singular, plural and legacy spellings to the
// canonical collection name. Unknown names are returned lowercased with
// ok=false so callers can still route them.
func NormalizeCollection(name string) (Collection, bool) {
	switch n := strings.ToLower(strings.TrimSpace(name)); n {
	case "workout_session", "workout_sessions", "workout":
		return CollectionWorkoutSessions, true
	case "meal_log", "meal_logs", "meal":
		return CollectionMealLogs, true
	case "user_achievement", "user_achievements", "achievement", "achievements":
		return CollectionUserAchievements, true
	case "hydration_log", "hydration_logs", "hydration", "water":
		return CollectionHydrationLogs, true
	case "workout_progress":
		return CollectionWorkoutProgress, true
	case "meal_progress":
		return CollectionMealProgress, true
	default:
		return Collection(n), false
	}
}

// NormalizeOperation parses an operation name, accepting common aliases.
func NormalizeOperation(op string) (Operation, bool) {
	switch strings.ToLower(strings.TrimSpace(op)) {
	case "create", "insert":
		return OpCreate, true
	case "update", "patch":
		return OpUpdate, true
	case "delete", "remove":
		return OpDelete, true
	default:
		return "", false
	}
}

// RequiresID reports whether the operation targets an existing record and
// therefore needs an identifier in its payload.
func (o Operation) RequiresID() bool {
	return o == OpUpdate || o == OpDelete
}
