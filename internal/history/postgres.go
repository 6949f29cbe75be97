package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/kotoba/internal/storage/postgres"
)

var _ Backend = (*PostgresBackend)(nil)

const ddlConversationRecords = `
CREATE TABLE IF NOT EXISTS conversation_records (
    player_id  TEXT        PRIMARY KEY,
    record     JSONB       NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
`

// PostgresBackend stores one JSONB row per player in conversation_records.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend migrates the conversation_records table on pool. The
// pool is shared and not closed by [PostgresBackend.Close].
func NewPostgresBackend(ctx context.Context, pool *pgxpool.Pool) (*PostgresBackend, error) {
	if err := postgres.Migrate(ctx, pool, "conversation_records", ddlConversationRecords); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

// Load implements [Backend].
func (b *PostgresBackend) Load(ctx context.Context, playerID string) (Record, error) {
	var data []byte
	err := b.pool.QueryRow(ctx,
		`SELECT record FROM conversation_records WHERE player_id = $1`, playerID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("history: load %s: %w", playerID, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("history: decode %s: %w", playerID, err)
	}
	return rec, nil
}

// Save implements [Backend].
func (b *PostgresBackend) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("history: encode %s: %w", rec.PlayerID, err)
	}
	const q = `
		INSERT INTO conversation_records (player_id, record, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (player_id) DO UPDATE SET
		    record     = EXCLUDED.record,
		    updated_at = EXCLUDED.updated_at`
	if _, err := b.pool.Exec(ctx, q, rec.PlayerID, data, rec.UpdatedAt); err != nil {
		return fmt.Errorf("history: save %s: %w", rec.PlayerID, err)
	}
	return nil
}

// Delete implements [Backend].
func (b *PostgresBackend) Delete(ctx context.Context, playerID string) error {
	if _, err := b.pool.Exec(ctx, `DELETE FROM conversation_records WHERE player_id = $1`, playerID); err != nil {
		return fmt.Errorf("history: delete %s: %w", playerID, err)
	}
	return nil
}

// Ping checks the database connection.
func (b *PostgresBackend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

// Close implements [Backend]. The shared pool stays open.
func (b *PostgresBackend) Close() error { return nil }
