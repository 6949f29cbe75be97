// Package mock provides a test double for the knowledge.VectorSearcher
// interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/kotoba/internal/knowledge"
)

// SearchCall records a single invocation of Search.
type SearchCall struct {
	Query   string
	TopK    int
	Filters knowledge.Filters
}

// Searcher is a mock implementation of knowledge.VectorSearcher.
// Zero values make Search return no matches.
type Searcher struct {
	mu sync.Mutex

	// Matches is returned by Search.
	Matches []knowledge.Match

	// SearchErr, if non-nil, is returned from Search.
	SearchErr error

	// SearchFunc, if set, takes precedence over Matches and SearchErr. It is
	// called without the mock's lock held.
	SearchFunc func(ctx context.Context, query string, topK int, filters knowledge.Filters) ([]knowledge.Match, error)

	// IndexErr, if non-nil, is returned from Index.
	IndexErr error

	// CloseErr, if non-nil, is returned from Close.
	CloseErr error

	// SearchCalls records every Search invocation in order.
	SearchCalls []SearchCall

	// Indexed collects every snippet passed to Index.
	Indexed []knowledge.Snippet

	// CloseCount is the number of Close calls.
	CloseCount int
}

// Search records the call and returns the configured result.
func (s *Searcher) Search(ctx context.Context, query string, topK int, filters knowledge.Filters) ([]knowledge.Match, error) {
	s.mu.Lock()
	s.SearchCalls = append(s.SearchCalls, SearchCall{Query: query, TopK: topK, Filters: filters})
	fn := s.SearchFunc
	matches, err := s.Matches, s.SearchErr
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, query, topK, filters)
	}
	if err != nil {
		return nil, err
	}
	return append([]knowledge.Match(nil), matches...), nil
}

// Index records the snippets and returns IndexErr.
func (s *Searcher) Index(_ context.Context, snippets []knowledge.Snippet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Indexed = append(s.Indexed, snippets...)
	return s.IndexErr
}

// Close counts the call and returns CloseErr.
func (s *Searcher) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	return s.CloseErr
}

// SearchCount returns the number of Search invocations so far.
func (s *Searcher) SearchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SearchCalls)
}

var _ knowledge.VectorSearcher = (*Searcher)(nil)
