package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/kotoba/internal/storage/postgres"
)

var _ Store = (*PostgresStore)(nil)

const ddlUsageRecords = `
CREATE TABLE IF NOT EXISTS usage_records (
    id            BIGSERIAL    PRIMARY KEY,
    request_id    TEXT         NOT NULL,
    backend       TEXT         NOT NULL,
    model         TEXT         NOT NULL DEFAULT '',
    input_tokens  INTEGER      NOT NULL DEFAULT 0,
    output_tokens INTEGER      NOT NULL DEFAULT 0,
    cost          DOUBLE PRECISION NOT NULL DEFAULT 0,
    duration_ns   BIGINT       NOT NULL DEFAULT 0,
    success       BOOLEAN      NOT NULL,
    error_type    TEXT         NOT NULL DEFAULT '',
    timestamp     TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_records_timestamp
    ON usage_records (timestamp);
`

// PostgresStore keeps records in the usage_records table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore migrates the usage_records table on pool. The pool is
// shared and not closed by [PostgresStore.Close].
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if err := postgres.Migrate(ctx, pool, "usage_records", ddlUsageRecords); err != nil {
		return nil, fmt.Errorf("usage: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Append implements [Store].
func (s *PostgresStore) Append(ctx context.Context, rec Record) error {
	const q = `
		INSERT INTO usage_records
		    (request_id, backend, model, input_tokens, output_tokens, cost, duration_ns, success, error_type, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, q,
		rec.RequestID,
		rec.Backend,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
		rec.Cost,
		rec.Duration.Nanoseconds(),
		rec.Success,
		rec.ErrorType,
		rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("usage: insert record: %w", err)
	}
	return nil
}

// Since implements [Store].
func (s *PostgresStore) Since(ctx context.Context, since time.Time) ([]Record, error) {
	const q = `
		SELECT request_id, backend, model, input_tokens, output_tokens, cost, duration_ns, success, error_type, timestamp
		FROM   usage_records
		WHERE  timestamp >= $1
		ORDER  BY timestamp`

	rows, err := s.pool.Query(ctx, q, since)
	if err != nil {
		return nil, fmt.Errorf("usage: query records: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var (
			r  Record
			ns int64
		)
		err := row.Scan(&r.RequestID, &r.Backend, &r.Model, &r.InputTokens, &r.OutputTokens,
			&r.Cost, &ns, &r.Success, &r.ErrorType, &r.Timestamp)
		r.Duration = time.Duration(ns)
		r.Timestamp = r.Timestamp.UTC()
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("usage: scan records: %w", err)
	}
	return recs, nil
}

// Close implements [Store]. The shared pool stays open.
func (s *PostgresStore) Close() error { return nil }
