// Package knowledge retrieves short lore and language snippets relevant to a
// player's utterance.
//
// A [Store] fronts a [VectorSearcher] with a bounded result cache and falls
// back to keyword matching over an in-memory snapshot whenever the searcher
// fails or returns malformed results. Retrieval never fails a request: at
// worst it returns fewer or less relevant snippets.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Snippet is a unit of retrievable text. Score is nil on stored snippets and
// set to a value in [0,1] on search results.
type Snippet struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    *float64       `json:"score,omitempty"`
}

// WithScore returns a copy of s carrying score.
func (s Snippet) WithScore(score float64) Snippet {
	s.Score = &score
	return s
}

// Match is a raw hit reported by a [VectorSearcher].
type Match struct {
	ID       string
	Text     string
	Metadata map[string]any
	Score    float64
}

// VectorSearcher embeds queries and searches an index of snippets.
type VectorSearcher interface {
	// Search returns up to topK matches for query that satisfy filters.
	Search(ctx context.Context, query string, topK int, filters Filters) ([]Match, error)

	// Index adds or replaces snippets in the index.
	Index(ctx context.Context, snippets []Snippet) error

	// Close releases the searcher's resources.
	Close() error
}

// Filters restricts results by metadata. Every key must match: a scalar
// filter value matches an equal metadata value or a metadata list
// containing it, and a list filter value requires every element to match.
type Filters map[string]any

// Matches reports whether md satisfies f.
func (f Filters) Matches(md map[string]any) bool {
	for k, want := range f {
		got, ok := md[k]
		if !ok {
			return false
		}
		wants, isList := asList(want)
		if !isList {
			wants = []any{want}
		}
		for _, w := range wants {
			if !containsValue(got, w) {
				return false
			}
		}
	}
	return true
}

// key renders f deterministically for cache keys.
func (f Filters) key() string {
	if len(f) == 0 {
		return ""
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		v, err := json.Marshal(f[k])
		if err != nil {
			v = fmt.Appendf(nil, "%v", f[k])
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(v)
		b.WriteByte(';')
	}
	return b.String()
}

func containsValue(got, want any) bool {
	if list, ok := asList(got); ok {
		return slices.ContainsFunc(list, func(v any) bool { return equalValue(v, want) })
	}
	return equalValue(got, want)
}

func equalValue(a, b any) bool {
	return strings.EqualFold(fmt.Sprint(a), fmt.Sprint(b))
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// normalizeQuery lowercases q and collapses whitespace.
func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

func cacheKey(query string, filters Filters, maxResults int) string {
	return fmt.Sprintf("%s|%s|%d", normalizeQuery(query), filters.key(), maxResults)
}
