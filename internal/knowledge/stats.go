package knowledge

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// topSnippetCount bounds [Stats.TopSnippets].
const topSnippetCount = 10

// Stats summarizes retrieval since the store was created.
type Stats struct {
	TotalQueries   int            `json:"total_queries"`
	CacheHits      int            `json:"cache_hits"`
	VectorQueries  int            `json:"vector_queries"`
	Fallbacks      int            `json:"fallbacks"`
	CacheHitRate   float64        `json:"cache_hit_rate"`
	AvgQueryTimeMS float64        `json:"avg_query_time_ms"`
	CachedQueries  int            `json:"cached_queries"`
	SnapshotSize   int            `json:"snapshot_size"`
	TopSnippets    []SnippetCount `json:"top_snippets"`
}

// SnippetCount is how often a snippet was returned.
type SnippetCount struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

type statsCollector struct {
	mu        sync.Mutex
	bySource  map[string]int
	total     int
	totalTime time.Duration
	retrieved map[string]int
}

func (c *statsCollector) init() {
	c.bySource = make(map[string]int)
	c.retrieved = make(map[string]int)
}

func (c *statsCollector) record(source string, d time.Duration, res []Snippet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	c.totalTime += d
	c.bySource[source]++
	for _, s := range res {
		c.retrieved[s.ID]++
	}
}

func (c *statsCollector) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{
		TotalQueries:  c.total,
		CacheHits:     c.bySource[SourceCache],
		VectorQueries: c.bySource[SourceVector],
		Fallbacks:     c.bySource[SourceFallback],
	}
	if c.total > 0 {
		st.CacheHitRate = float64(st.CacheHits) / float64(c.total)
		st.AvgQueryTimeMS = float64(c.totalTime.Microseconds()) / 1000 / float64(c.total)
	}

	st.TopSnippets = make([]SnippetCount, 0, len(c.retrieved))
	for id, n := range c.retrieved {
		st.TopSnippets = append(st.TopSnippets, SnippetCount{ID: id, Count: n})
	}
	slices.SortFunc(st.TopSnippets, func(a, b SnippetCount) int {
		if a.Count != b.Count {
			return b.Count - a.Count
		}
		return strings.Compare(a.ID, b.ID)
	})
	if len(st.TopSnippets) > topSnippetCount {
		st.TopSnippets = st.TopSnippets[:topSnippetCount]
	}
	return st
}
