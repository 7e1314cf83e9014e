// Package progress reconciles local and remote completion state for
// workouts, meals, achievements and hydration.
//
// Completions are written to the remote store first and only then applied
// locally. When the remote write fails the change is queued for the sync
// executor and applied locally anyway. Loading merges remote rows into the
// local set: progress never decreases and completion is sticky.
package progress

import (
	"strings"
	"time"

	"github.com/marcus/fitsync/internal/events"
	"github.com/marcus/fitsync/internal/remote"
)

// CompletedMarker is appended to a remote row's notes on completion.
const CompletedMarker = "[COMPLETED]"

// Record is the local view of one trackable item.
type Record struct {
	SubjectID   string      `json:"subject_id"`
	OwnerID     string      `json:"owner_id"`
	Kind        events.Kind `json:"kind"`
	Progress    float64     `json:"progress"`
	Completed   bool        `json:"completed"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	RemoteRef   string      `json:"remote_ref,omitempty"`
	Version     int         `json:"version"`

	// Amount is the raw quantity behind Progress where one exists
	// (millilitres for hydration).
	Amount float64 `json:"amount,omitempty"`
}

// Scale returns the progress value that means complete for kind.
func Scale(kind events.Kind) float64 {
	if kind == events.KindAchievement {
		return 1.0
	}
	return 100
}

// Merge reconciles a local record with its remote counterpart. The remote
// record wins when it is completed or strictly further along; either way the
// result carries the higher progress, the earlier completion time and the
// sticky completion flag.
func Merge(local, remote Record) Record {
	out := local
	if remote.Completed || remote.Progress > local.Progress {
		out = remote
	}

	out.Progress = max(local.Progress, remote.Progress)
	out.Amount = max(local.Amount, remote.Amount)
	out.Completed = local.Completed || remote.Completed
	out.Version = max(local.Version, remote.Version)
	out.CompletedAt = earliest(local.CompletedAt, remote.CompletedAt)
	if remote.RemoteRef != "" {
		out.RemoteRef = remote.RemoteRef
	} else if out.RemoteRef == "" {
		out.RemoteRef = local.RemoteRef
	}
	if out.SubjectID == "" {
		out.SubjectID = local.SubjectID
	}
	return out
}

// MergeOnLoad folds remote records into local, keyed by subject. Subjects
// only present remotely are adopted as-is. The input map is not modified.
func MergeOnLoad(local map[string]Record, remoteRecs []Record) map[string]Record {
	out := make(map[string]Record, len(local)+len(remoteRecs))
	for k, v := range local {
		out[k] = v
	}
	for _, r := range remoteRecs {
		if l, ok := out[r.SubjectID]; ok {
			out[r.SubjectID] = Merge(l, r)
		} else {
			out[r.SubjectID] = r
		}
	}
	return out
}

func earliest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(*a):
		return b
	default:
		return a
	}
}

// rowID is the remote primary key of an owner's record for subject.
func rowID(owner, subject string) string {
	return owner + "_" + subject
}

// toRow converts r to its remote representation.
func toRow(r Record) remote.Record {
	row := remote.Record{
		"id":         rowID(r.OwnerID, r.SubjectID),
		"owner_id":   r.OwnerID,
		"subject_id": r.SubjectID,
		"kind":       string(r.Kind),
		"progress":   r.Progress,
		"completed":  r.Completed,
		"version":    r.Version,
	}
	if r.CompletedAt != nil {
		row["completed_at"] = r.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	if r.Amount != 0 {
		row["amount"] = r.Amount
	}
	return row
}

// ReconciledCollections lists the collections whose queued rows are applied
// with ReconcileRow instead of a blind update.
func ReconciledCollections() []events.Collection {
	return []events.Collection{
		events.CollectionWorkoutProgress,
		events.CollectionMealProgress,
		events.CollectionUserAchievements,
	}
}

// ReconcileRow folds the queued progress row into the stored row existing.
// With no stored row it returns the full row to insert. Otherwise it returns
// the patch to apply, which is empty when existing already reflects queued.
// A completed row is never reopened; completing one appends CompletedMarker
// to its notes and bumps its version.
func ReconcileRow(existing, queued remote.Record) remote.Record {
	queuedDone, _ := queued["completed"].(bool)
	if existing == nil {
		row := queued.Clone()
		if queuedDone {
			row["notes"] = CompletedMarker
			row["version"] = int(number(queued["version"])) + 1
		}
		return row
	}

	patch := remote.Record{}
	notes, _ := existing["notes"].(string)
	if done, _ := existing["completed"].(bool); done || strings.Contains(notes, CompletedMarker) {
		return patch
	}
	if !queuedDone {
		if p, ok := queued["progress"]; ok && number(p) != number(existing["progress"]) {
			patch["progress"] = number(p)
		}
		if a, ok := queued["amount"]; ok && number(a) != number(existing["amount"]) {
			patch["amount"] = number(a)
		}
		return patch
	}

	patch["progress"] = max(number(queued["progress"]), number(existing["progress"]))
	patch["completed"] = true
	patch["version"] = int(number(existing["version"])) + 1
	patch["notes"] = strings.TrimSpace(notes + " " + CompletedMarker)
	if s, _ := existing["completed_at"].(string); s == "" {
		if at, ok := queued["completed_at"]; ok {
			patch["completed_at"] = at
		}
	}
	if a, ok := queued["amount"]; ok {
		patch["amount"] = max(number(a), number(existing["amount"]))
	}
	return patch
}

// fromRow parses a remote progress row. Unknown or mistyped fields are
// treated as zero values.
func fromRow(kind events.Kind, row remote.Record) (Record, bool) {
	subject, _ := row["subject_id"].(string)
	if subject == "" {
		return Record{}, false
	}
	r := Record{
		SubjectID: subject,
		Kind:      kind,
		RemoteRef: row.ID(),
		Progress:  number(row["progress"]),
		Amount:    number(row["amount"]),
		Version:   int(number(row["version"])),
	}
	r.OwnerID, _ = row["owner_id"].(string)
	r.Completed, _ = row["completed"].(bool)
	if notes, ok := row["notes"].(string); ok && strings.Contains(notes, CompletedMarker) {
		r.Completed = true
	}
	if s, ok := row["completed_at"].(string); ok && s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			r.CompletedAt = &t
		}
	}
	if r.Completed {
		r.Progress = max(r.Progress, Scale(kind))
	}
	return r, true
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
