package knowledge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/kotoba/pkg/provider/embeddings"
)

var _ VectorSearcher = (*MemorySearcher)(nil)

// MemorySearcher is an in-process [VectorSearcher] that keeps embeddings in
// memory and ranks by cosine similarity, mapped to [0,1]. It suits small
// knowledge bases and runs without PostgreSQL.
type MemorySearcher struct {
	embedder embeddings.Provider

	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	snippet Snippet
	vector  []float32
}

// NewMemorySearcher returns a MemorySearcher using embedder.
func NewMemorySearcher(embedder embeddings.Provider) (*MemorySearcher, error) {
	if embedder == nil {
		return nil, errors.New("knowledge: memory searcher needs an embeddings provider")
	}
	return &MemorySearcher{embedder: embedder, entries: make(map[string]memoryEntry)}, nil
}

// Index implements [VectorSearcher].
func (m *MemorySearcher) Index(ctx context.Context, snippets []Snippet) error {
	if len(snippets) == 0 {
		return nil
	}
	texts := make([]string, len(snippets))
	for i, s := range snippets {
		texts[i] = s.Text
	}
	vecs, err := m.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("knowledge: embed snippets: %w", err)
	}
	if len(vecs) != len(snippets) {
		return fmt.Errorf("knowledge: embedder returned %d vectors for %d snippets", len(vecs), len(snippets))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range snippets {
		m.entries[s.ID] = memoryEntry{snippet: s, vector: vecs[i]}
	}
	return nil
}

// Search implements [VectorSearcher].
func (m *MemorySearcher) Search(ctx context.Context, query string, topK int, filters Filters) ([]Match, error) {
	qv, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query: %w", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]Snippet, 0, len(m.entries))
	for _, e := range m.entries {
		if len(filters) > 0 && !filters.Matches(e.snippet.Metadata) {
			continue
		}
		if len(e.vector) != len(qv) {
			return nil, fmt.Errorf("knowledge: dimension mismatch: query %d, snippet %q %d", len(qv), e.snippet.ID, len(e.vector))
		}
		matches = append(matches, e.snippet.WithScore((cosine(qv, e.vector)+1)/2))
	}
	sortSnippets(matches)
	if len(matches) > topK {
		matches = matches[:topK]
	}

	out := make([]Match, len(matches))
	for i, s := range matches {
		out[i] = Match{ID: s.ID, Text: s.Text, Metadata: s.Metadata, Score: *s.Score}
	}
	return out, nil
}

// Close implements [VectorSearcher].
func (m *MemorySearcher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]memoryEntry)
	return nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
