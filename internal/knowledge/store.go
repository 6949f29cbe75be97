package knowledge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/kotoba/internal/observe"
)

// Defaults for [Store].
const (
	DefaultCacheSize    = 1000
	DefaultMaxResults   = 5
	DefaultSnapshotSize = 500

	// DefaultSearchTimeout bounds a shared vector search. The search outlives
	// the caller that started it so joined callers still get its result.
	DefaultSearchTimeout = 5 * time.Second
)

// Sources reported to metrics and [Stats].
const (
	SourceCache    = "cache"
	SourceVector   = "vector"
	SourceFallback = "fallback"
)

// errMalformed marks searcher output that failed validation.
var errMalformed = errors.New("knowledge: malformed search result")

// Store answers knowledge queries. It is safe for concurrent use.
type Store struct {
	searcher     VectorSearcher
	cache        *resultCache
	group        singleflight.Group
	maxResults   int
	snapshotSize int
	timeout      time.Duration
	metrics      *observe.Metrics
	now          func() time.Time

	snapMu   sync.RWMutex
	snapshot []Snippet
	snapIdx  map[string]int

	stats statsCollector

	closeOnce sync.Once
	closeErr  error
}

// Option configures a [Store].
type Option func(*Store)

// WithCacheSize bounds the number of cached result sets.
func WithCacheSize(n int) Option {
	return func(s *Store) { s.cache = newResultCache(n) }
}

// WithMaxResults sets the result count used when Search gets maxResults <= 0.
func WithMaxResults(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxResults = n
		}
	}
}

// WithSnapshotSize bounds the in-memory snapshot used for keyword fallback.
func WithSnapshotSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.snapshotSize = n
		}
	}
}

// WithSearchTimeout bounds each vector search. Default: [DefaultSearchTimeout].
func WithSearchTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a Store over searcher. A nil searcher serves every query
// from the keyword fallback.
func NewStore(searcher VectorSearcher, opts ...Option) *Store {
	s := &Store{
		searcher:     searcher,
		cache:        newResultCache(DefaultCacheSize),
		maxResults:   DefaultMaxResults,
		snapshotSize: DefaultSnapshotSize,
		timeout:      DefaultSearchTimeout,
		now:          time.Now,
		snapIdx:      make(map[string]int),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.stats.init()
	return s
}

// Search returns up to maxResults snippets for query, best first. It only
// fails when ctx is done; searcher failures degrade to keyword matching.
// Concurrent callers with the same query share one vector search, and a
// caller giving up does not cancel it for the others.
func (s *Store) Search(ctx context.Context, query string, filters Filters, maxResults int) ([]Snippet, error) {
	if normalizeQuery(query) == "" {
		return nil, nil
	}
	if maxResults <= 0 {
		maxResults = s.maxResults
	}
	start := s.now()
	key := cacheKey(query, filters, maxResults)

	if res, ok := s.cache.get(key); ok {
		s.finish(ctx, SourceCache, start, res)
		return cloneSnippets(res), nil
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("knowledge: search: %w", err)
	}

	type outcome struct {
		res    []Snippet
		source string
	}
	ch := s.group.DoChan(key, func() (any, error) {
		if res, ok := s.cache.get(key); ok {
			return outcome{res, SourceCache}, nil
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		res, err := s.searchVector(sctx, query, filters, maxResults)
		if err != nil {
			observe.Logger(sctx).Warn("knowledge: vector search failed, using keyword fallback",
				"query", query, "err", err)
			return outcome{s.fallback(query, filters, maxResults), SourceFallback}, nil
		}
		s.cache.put(key, res)
		return outcome{res, SourceVector}, nil
	})

	var out outcome
	select {
	case r := <-ch:
		out = r.Val.(outcome)
	case <-ctx.Done():
		return nil, fmt.Errorf("knowledge: search: %w", ctx.Err())
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("knowledge: search: %w", err)
	}
	s.finish(ctx, out.source, start, out.res)
	return cloneSnippets(out.res), nil
}

func (s *Store) searchVector(ctx context.Context, query string, filters Filters, maxResults int) ([]Snippet, error) {
	if s.searcher == nil {
		return nil, errors.New("knowledge: no vector searcher configured")
	}
	matches, err := s.searcher.Search(ctx, query, maxResults, filters)
	if err != nil {
		return nil, err
	}
	out := make([]Snippet, 0, len(matches))
	for i, m := range matches {
		if m.ID == "" || m.Text == "" || math.IsNaN(m.Score) || math.IsInf(m.Score, 0) {
			return nil, fmt.Errorf("%w: match %d (id %q)", errMalformed, i, m.ID)
		}
		out = append(out, Snippet{ID: m.ID, Text: m.Text, Metadata: m.Metadata}.WithScore(clamp(m.Score)))
	}
	sortSnippets(out)
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}

func (s *Store) fallback(query string, filters Filters, maxResults int) []Snippet {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return keywordSearch(s.snapshot, query, filters, maxResults)
}

func (s *Store) finish(ctx context.Context, source string, start time.Time, res []Snippet) {
	d := s.now().Sub(start)
	s.stats.record(source, d, res)
	s.metrics.RecordKnowledgeQuery(ctx, source, d)
}

// Add indexes snippets in the searcher and the fallback snapshot, then
// clears the cache. Snippets reach the snapshot even if indexing fails. When
// the snapshot is full the oldest snippets are dropped.
func (s *Store) Add(ctx context.Context, snippets ...Snippet) error {
	if len(snippets) == 0 {
		return nil
	}
	stored := make([]Snippet, len(snippets))
	for i, sn := range snippets {
		if sn.ID == "" || sn.Text == "" {
			return fmt.Errorf("knowledge: add: snippet %d needs an id and text", i)
		}
		sn.Score = nil
		stored[i] = sn
	}

	s.addToSnapshot(stored)
	s.cache.purge()

	if s.searcher == nil {
		return nil
	}
	if err := s.searcher.Index(ctx, stored); err != nil {
		return fmt.Errorf("knowledge: index: %w", err)
	}
	return nil
}

func (s *Store) addToSnapshot(snippets []Snippet) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	for _, sn := range snippets {
		if i, ok := s.snapIdx[sn.ID]; ok {
			s.snapshot[i] = sn
			continue
		}
		s.snapshot = append(s.snapshot, sn)
		s.snapIdx[sn.ID] = len(s.snapshot) - 1
	}
	if over := len(s.snapshot) - s.snapshotSize; over > 0 {
		s.snapshot = append([]Snippet(nil), s.snapshot[over:]...)
		s.snapIdx = make(map[string]int, len(s.snapshot))
		for i, sn := range s.snapshot {
			s.snapIdx[sn.ID] = i
		}
	}
}

// SnapshotLen returns the number of snippets available to the fallback.
func (s *Store) SnapshotLen() int {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return len(s.snapshot)
}

// Clear empties the result cache.
func (s *Store) Clear() {
	s.cache.purge()
}

// Stats returns retrieval analytics.
func (s *Store) Stats() Stats {
	st := s.stats.snapshot()
	st.CachedQueries = s.cache.len()
	st.SnapshotSize = s.SnapshotLen()
	return st
}

// Ping checks the searcher when it supports health checks.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.searcher.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close clears the cache, then closes the searcher. Subsequent calls return
// the first result.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.cache.purge()
		if s.searcher != nil {
			if err := s.searcher.Close(); err != nil {
				s.closeErr = fmt.Errorf("knowledge: close searcher: %w", err)
			}
		}
	})
	return s.closeErr
}

func cloneSnippets(in []Snippet) []Snippet {
	if in == nil {
		return nil
	}
	out := make([]Snippet, len(in))
	for i, sn := range in {
		if sn.Score != nil {
			sn = sn.WithScore(*sn.Score)
		}
		out[i] = sn
	}
	return out
}
