// Package pgvector implements [knowledge.VectorSearcher] on a PostgreSQL
// table with a pgvector HNSW index.
//
// The pool must have the pgvector types registered, see
// [postgres.WithVectorTypes].
package pgvector

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/kotoba/internal/knowledge"
	"github.com/MrWong99/kotoba/internal/storage/postgres"
	"github.com/MrWong99/kotoba/pkg/provider/embeddings"
)

var _ knowledge.VectorSearcher = (*Searcher)(nil)

func ddl(dims int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS knowledge_snippets (
    id         TEXT        PRIMARY KEY,
    content    TEXT        NOT NULL,
    metadata   JSONB       NOT NULL DEFAULT '{}',
    embedding  vector(%d)  NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_knowledge_snippets_embedding
    ON knowledge_snippets USING hnsw (embedding vector_cosine_ops);

CREATE INDEX IF NOT EXISTS idx_knowledge_snippets_metadata
    ON knowledge_snippets USING gin (metadata);
`, dims)
}

// Searcher embeds text with an [embeddings.Provider] and searches the
// knowledge_snippets table by cosine distance.
type Searcher struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

// New migrates the knowledge_snippets table on pool, sized for embedder's
// dimensionality. The pool is shared and not closed by [Searcher.Close].
func New(ctx context.Context, pool *pgxpool.Pool, embedder embeddings.Provider) (*Searcher, error) {
	if embedder == nil {
		return nil, fmt.Errorf("pgvector: embeddings provider is required")
	}
	dims := embedder.Dimensions()
	if dims <= 0 {
		return nil, fmt.Errorf("pgvector: embedder %q reports %d dimensions", embedder.ModelID(), dims)
	}
	if err := postgres.Migrate(ctx, pool, "knowledge_snippets", ddl(dims)); err != nil {
		return nil, fmt.Errorf("pgvector: %w", err)
	}
	return &Searcher{pool: pool, embedder: embedder}, nil
}

// Index implements [knowledge.VectorSearcher]. Snippets with an existing id
// are replaced. The batch is written in one transaction.
func (s *Searcher) Index(ctx context.Context, snippets []knowledge.Snippet) error {
	if len(snippets) == 0 {
		return nil
	}
	texts := make([]string, len(snippets))
	for i, sn := range snippets {
		texts[i] = sn.Text
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("pgvector: embed snippets: %w", err)
	}
	if len(vecs) != len(snippets) {
		return fmt.Errorf("pgvector: embedder returned %d vectors for %d snippets", len(vecs), len(snippets))
	}

	const q = `
		INSERT INTO knowledge_snippets (id, content, metadata, embedding, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
		    content    = EXCLUDED.content,
		    metadata   = EXCLUDED.metadata,
		    embedding  = EXCLUDED.embedding,
		    updated_at = EXCLUDED.updated_at`

	batch := &pgx.Batch{}
	for i, sn := range snippets {
		md, err := json.Marshal(nonNil(sn.Metadata))
		if err != nil {
			return fmt.Errorf("pgvector: marshal metadata of %q: %w", sn.ID, err)
		}
		batch.Queue(q, sn.ID, sn.Text, md, pgvector.NewVector(vecs[i]))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgvector: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("pgvector: upsert snippets: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgvector: commit: %w", err)
	}
	return nil
}

// Search implements [knowledge.VectorSearcher]. Scores are 1 - distance/2,
// so the cosine distance range [0,2] maps onto [0,1].
func (s *Searcher) Search(ctx context.Context, query string, topK int, filters knowledge.Filters) ([]knowledge.Match, error) {
	qv, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("pgvector: embed query: %w", err)
	}

	args := []any{pgvector.NewVector(qv)} // $1 = query vector
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions, err := filterConditions(filters, next)
	if err != nil {
		return nil, err
	}
	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, "\n  AND ")
	}
	limitArg := next(topK)

	q := fmt.Sprintf(`
		SELECT id, content, metadata, embedding <=> $1 AS distance
		FROM   knowledge_snippets
		%s
		ORDER  BY distance
		LIMIT  %s`, whereClause, limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector: search: %w", err)
	}
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (knowledge.Match, error) {
		var (
			m        knowledge.Match
			md       []byte
			distance float64
		)
		if err := row.Scan(&m.ID, &m.Text, &md, &distance); err != nil {
			return knowledge.Match{}, err
		}
		if len(md) > 0 {
			if err := json.Unmarshal(md, &m.Metadata); err != nil {
				return knowledge.Match{}, fmt.Errorf("metadata of %q: %w", m.ID, err)
			}
		}
		m.Score = 1 - distance/2
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pgvector: scan rows: %w", err)
	}
	return matches, nil
}

// filterConditions renders each filter key as a JSONB predicate. A value
// matches a scalar metadata field by equality or a list field by
// containment.
func filterConditions(filters knowledge.Filters, next func(any) string) ([]string, error) {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var conds []string
	for _, k := range keys {
		wants, ok := filters[k].([]any)
		if !ok {
			if ss, isStrings := filters[k].([]string); isStrings {
				for _, s := range ss {
					wants = append(wants, s)
				}
			} else {
				wants = []any{filters[k]}
			}
		}
		for _, w := range wants {
			scalar, err := json.Marshal(w)
			if err != nil {
				return nil, fmt.Errorf("pgvector: filter %q: %w", k, err)
			}
			list, _ := json.Marshal([]any{w})
			key := next(k)
			conds = append(conds, fmt.Sprintf(
				"(metadata -> %[1]s = %[2]s::jsonb OR metadata -> %[1]s @> %[3]s::jsonb)",
				key, next(string(scalar)), next(string(list))))
		}
	}
	return conds, nil
}

// Ping checks the database connection.
func (s *Searcher) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("pgvector: ping: %w", err)
	}
	return nil
}

// Close implements [knowledge.VectorSearcher]. The shared pool stays open.
func (s *Searcher) Close() error { return nil }

func nonNil(md map[string]any) map[string]any {
	if md == nil {
		return map[string]any{}
	}
	return md
}
