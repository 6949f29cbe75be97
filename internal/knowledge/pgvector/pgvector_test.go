package pgvector_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrWong99/kotoba/internal/knowledge"
	"github.com/MrWong99/kotoba/internal/knowledge/pgvector"
	"github.com/MrWong99/kotoba/internal/storage/postgres"
	embmock "github.com/MrWong99/kotoba/pkg/provider/embeddings/mock"
)

func newSearcher(t *testing.T) *pgvector.Searcher {
	t.Helper()
	dsn := os.Getenv("KOTOBA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("KOTOBA_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	ctx := context.Background()
	pool, err := postgres.Open(ctx, dsn, postgres.WithVectorTypes())
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, "DROP TABLE IF EXISTS knowledge_snippets")
	require.NoError(t, err)

	s, err := pgvector.New(ctx, pool, &embmock.Provider{DimensionsValue: 4})
	require.NoError(t, err)
	return s
}

func TestSearcher_IndexAndSearch(t *testing.T) {
	s := newSearcher(t)
	ctx := context.Background()

	snippets := []knowledge.Snippet{
		{ID: "a", Text: "Shinjuku station", Metadata: map[string]any{"type": "location", "related_npcs": []any{"yuki"}}},
		{ID: "b", Text: "こんにちは means hello", Metadata: map[string]any{"type": "language_learning"}},
	}
	require.NoError(t, s.Index(ctx, snippets))
	// Re-indexing replaces rather than duplicates.
	require.NoError(t, s.Index(ctx, snippets))

	got, err := s.Search(ctx, "Shinjuku station", 5, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-5)
	for _, m := range got {
		assert.GreaterOrEqual(t, m.Score, 0.0)
		assert.LessOrEqual(t, m.Score, 1.0)
	}
	assert.Equal(t, "location", got[0].Metadata["type"])
}

func TestSearcher_Filters(t *testing.T) {
	s := newSearcher(t)
	ctx := context.Background()
	require.NoError(t, s.Index(ctx, []knowledge.Snippet{
		{ID: "a", Text: "ramen", Metadata: map[string]any{"type": "location", "related_npcs": []any{"yuki", "kenji"}}},
		{ID: "b", Text: "sushi", Metadata: map[string]any{"type": "location"}},
		{ID: "c", Text: "particles", Metadata: map[string]any{"type": "grammar"}},
	}))

	got, err := s.Search(ctx, "food", 5, knowledge.Filters{"type": "location"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.Search(ctx, "food", 5, knowledge.Filters{"related_npcs": "kenji"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	require.NoError(t, s.Ping(ctx))
}
