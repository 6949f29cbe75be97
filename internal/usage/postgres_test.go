package usage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrWong99/kotoba/internal/storage/postgres"
)

func TestPostgresStore_Integration(t *testing.T) {
	dsn := os.Getenv("KOTOBA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("KOTOBA_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	ctx := context.Background()
	pool, err := postgres.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	_, _ = pool.Exec(ctx, "DROP TABLE IF EXISTS usage_records")

	s, err := NewPostgresStore(ctx, pool)
	require.NoError(t, err)

	ts := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Append(ctx, Record{
		Timestamp: ts, RequestID: "r1", Backend: "hosted", Model: "gpt-4o-mini",
		InputTokens: 10, OutputTokens: 5, Cost: 0.01, Duration: time.Second, Success: true,
	}))
	require.NoError(t, s.Append(ctx, Record{Timestamp: ts.Add(-48 * time.Hour), RequestID: "old", Backend: "hosted"}))

	recs, err := s.Since(ctx, ts.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "r1", recs[0].RequestID)
	assert.Equal(t, time.Second, recs[0].Duration)
	assert.True(t, recs[0].Timestamp.Equal(ts))
}
