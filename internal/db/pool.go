// Package db provides the resilient data access layer: bounded connection
// acquisition, per-statement timeouts, whitelisted retry, and a keepalive
// probe for serverless Postgres backends that go cold.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool is the subset of pgxpool.Pool used by the stores. pgxmock's pool
// implements the same surface, which keeps the stores unit-testable.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// Conn is a single acquired connection. Release returns it to the pool.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Release()
}

// Acquirer hands out pooled connections under a caller-supplied context.
// *pgxpool.Pool provides this via PoolAcquirer; mocks omit it, in which case
// the session falls back to pool-level execution.
type Acquirer interface {
	Acquire(ctx context.Context) (Conn, error)
}

// PoolAcquirer adapts *pgxpool.Pool to the Acquirer interface.
type PoolAcquirer struct {
	Pool *pgxpool.Pool
}

func (a PoolAcquirer) Acquire(ctx context.Context) (Conn, error) {
	conn, err := a.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return poolConn{conn}, nil
}

type poolConn struct {
	conn *pgxpool.Conn
}

func (c poolConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.conn.Exec(ctx, sql, args...)
}

func (c poolConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.conn.Query(ctx, sql, args...)
}

func (c poolConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.conn.QueryRow(ctx, sql, args...)
}

func (c poolConn) Release() {
	c.conn.Release()
}
