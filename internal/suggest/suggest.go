// Package suggest offers "did you mean" candidates for mistyped names.
package suggest

import (
	"sort"
	"strings"
)

// maxSuggestions caps how many candidates Closest returns.
const maxSuggestions = 3

// distance is the Levenshtein edit distance between a and b, computed with
// two rolling rows.
func distance(a, b string) int {
	if a == "" {
		return len(b)
	}
	if b == "" {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// Closest returns up to three candidates near name, best first. Matching is
// case-insensitive; a candidate containing name as a substring always
// qualifies.
func Closest(name string, candidates []string) []string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil
	}

	type scored struct {
		value string
		dist  int
	}
	var hits []scored
	limit := max(2, len(name)/2)
	for _, c := range candidates {
		lc := strings.ToLower(c)
		if lc == name {
			continue
		}
		d := distance(name, lc)
		if strings.Contains(lc, name) {
			d = min(d, 1)
		}
		if d <= limit {
			hits = append(hits, scored{c, d})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].dist != hits[j].dist {
			return hits[i].dist < hits[j].dist
		}
		return hits[i].value < hits[j].value
	})

	out := make([]string, 0, maxSuggestions)
	for i := 0; i < len(hits) && i < maxSuggestions; i++ {
		out = append(out, hits[i].value)
	}
	return out
}

// Hint formats suggestions as a trailing sentence, or "" when there are none.
func Hint(suggestions []string) string {
	switch len(suggestions) {
	case 0:
		return ""
	case 1:
		return "did you mean " + suggestions[0] + "?"
	default:
		return "did you mean one of: " + strings.Join(suggestions, ", ") + "?"
	}
}
