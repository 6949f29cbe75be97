// Package postgres opens the PostgreSQL connection pools shared by the
// durable stores (knowledge vectors, conversation records, usage records).
//
// Each store owns its DDL and passes it to [Migrate]. Pools are shared per
// DSN through [Pools] so several stores pointed at the same database use a
// single pool.
//
// Usage:
//
//	pools := postgres.NewPools(postgres.WithVectorTypes())
//	defer pools.Close()
//	pool, err := pools.Get(ctx, dsn)
package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

type options struct {
	vector bool
}

// Option configures how pools are opened.
type Option func(*options)

// WithVectorTypes installs the pgvector extension before the pool is
// created and registers its types on every connection.
func WithVectorTypes() Option {
	return func(o *options) { o.vector = true }
}

// Open creates a connection pool for dsn and verifies it with a ping.
func Open(ctx context.Context, dsn string, opts ...Option) (*pgxpool.Pool, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}

	if o.vector {
		// The vector type must exist before AfterConnect can register it.
		if err := ensureVectorExtension(ctx, cfg.ConnConfig); err != nil {
			return nil, err
		}
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return pgxvec.RegisterTypes(ctx, conn)
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

func ensureVectorExtension(ctx context.Context, cc *pgx.ConnConfig) error {
	conn, err := pgx.ConnectConfig(ctx, cc.Copy())
	if err != nil {
		return fmt.Errorf("postgres: connect: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("postgres: create vector extension: %w", err)
	}
	return nil
}

// Migrate executes ddl, which must be idempotent (CREATE ... IF NOT EXISTS).
// name labels the error.
func Migrate(ctx context.Context, pool *pgxpool.Pool, name, ddl string) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: migrate %s: %w", name, err)
	}
	return nil
}

// Pools lazily opens and caches one pool per DSN.
type Pools struct {
	opts []Option

	mu    sync.Mutex
	pools map[string]*pgxpool.Pool
}

// NewPools returns an empty pool cache. opts apply to every pool it opens.
func NewPools(opts ...Option) *Pools {
	return &Pools{opts: opts, pools: make(map[string]*pgxpool.Pool)}
}

// Get returns the pool for dsn, opening it on first use.
func (p *Pools) Get(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pool, ok := p.pools[dsn]; ok {
		return pool, nil
	}
	pool, err := Open(ctx, dsn, p.opts...)
	if err != nil {
		return nil, err
	}
	p.pools[dsn] = pool
	return pool, nil
}

// All returns every open pool.
func (p *Pools) All() []*pgxpool.Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*pgxpool.Pool, 0, len(p.pools))
	for _, pool := range p.pools {
		out = append(out, pool)
	}
	return out
}

// Close closes every pool. It is safe to call more than once.
func (p *Pools) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for dsn, pool := range p.pools {
		pool.Close()
		delete(p.pools, dsn)
	}
}
