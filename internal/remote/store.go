// Package remote defines the table-oriented API of the authoritative store
// and provides an HTTP client plus an in-memory implementation.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// Sentinel errors for common failure classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// Record is a single row as a JSON object.
type Record map[string]any

// Filter is an equality filter: every key must match the record's field.
type Filter map[string]any

// Store is the minimal remote surface the sync engine depends on.
type Store interface {
	Insert(ctx context.Context, collection string, record Record) (Record, error)
	Update(ctx context.Context, collection, id string, patch Record) error
	Delete(ctx context.Context, collection, id string) error
	SelectWhere(ctx context.Context, collection string, filter Filter, limit int) ([]Record, error)
}

// ID returns the record's identifier as a string, or "" when absent.
// Numeric ids are formatted without a fractional part.
func (r Record) ID() string {
	return IDOf(r["id"])
}

// IDOf formats an identifier value decoded from JSON.
func IDOf(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(id)
	}
}

// Matches reports whether r satisfies every condition in f.
func (f Filter) Matches(r Record) bool {
	for k, want := range f {
		got, ok := r[k]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
