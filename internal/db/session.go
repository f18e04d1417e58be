package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/electrohub/panelscan/internal/resilience"
)

// SessionConfig tunes the two independent timeouts of every operation.
type SessionConfig struct {
	// AcquireTimeout bounds the wait for a pooled connection. Default: 5s.
	AcquireTimeout time.Duration `yaml:"acquire_timeout" mapstructure:"acquire_timeout"`

	// StatementTimeout bounds the execution of a single statement once a
	// connection is held. Default: 30s.
	StatementTimeout time.Duration `yaml:"statement_timeout" mapstructure:"statement_timeout"`

	// Retry applies only to operations routed through the idempotent
	// entry points (reads and naturally-keyed upserts).
	Retry resilience.RetryConfig `yaml:"-" mapstructure:"-"`
}

// DefaultSessionConfig returns the session defaults.
func DefaultSessionConfig() SessionConfig {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("db", "statement")
	return SessionConfig{
		AcquireTimeout:   5 * time.Second,
		StatementTimeout: 30 * time.Second,
		Retry:            retry,
	}
}

// Session executes statements against a Pool with bounded acquisition and
// per-statement timeouts. Callers choose the retry discipline per operation:
// Exec never retries; ExecIdempotent, Query, and QueryRow retry once on the
// whitelisted transient set.
type Session struct {
	pool Pool
	acq  Acquirer // nil when the backend cannot hand out raw connections
	cfg  SessionConfig
}

// NewSession wraps a pool. acq may be nil (mock pools); then statements run
// at pool level and acquisition timing folds into the statement context.
func NewSession(pool Pool, acq Acquirer, cfg SessionConfig) *Session {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if cfg.StatementTimeout <= 0 {
		cfg.StatementTimeout = 30 * time.Second
	}
	return &Session{pool: pool, acq: acq, cfg: cfg}
}

// Exec runs a non-idempotent write. Never auto-retried.
func (s *Session) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return s.exec(ctx, sql, args...)
}

// ExecIdempotent runs a write that is safe to replay (naturally-keyed
// upserts, deletes by key) under the retry policy.
func (s *Session) ExecIdempotent(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return resilience.DoVal(ctx, s.cfg.Retry, func(ctx context.Context) (pgconn.CommandTag, error) {
		return s.exec(ctx, sql, args...)
	})
}

// Query runs a read under the retry policy. The returned rows must be closed.
func (s *Session) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return resilience.DoVal(ctx, s.cfg.Retry, func(ctx context.Context) (pgx.Rows, error) {
		conn, release, err := s.connection(ctx)
		if err != nil {
			return nil, err
		}
		stmtCtx, cancel := context.WithTimeout(ctx, s.cfg.StatementTimeout)
		rows, err := conn.Query(stmtCtx, sql, args...)
		if err != nil {
			cancel()
			release()
			return nil, s.mapStatementErr(ctx, stmtCtx, err)
		}
		// rows own the statement context and the connection until closed.
		return &sessionRows{Rows: rows, cancel: cancel, release: release}, nil
	})
}

// QueryRow runs a single-row read under the retry policy. scan receives the
// row and must consume it; pgx.ErrNoRows propagates unchanged.
func (s *Session) QueryRow(ctx context.Context, scan func(pgx.Row) error, sql string, args ...any) error {
	return resilience.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
		conn, release, err := s.connection(ctx)
		if err != nil {
			return err
		}
		defer release()

		stmtCtx, cancel := context.WithTimeout(ctx, s.cfg.StatementTimeout)
		defer cancel()

		if err := scan(conn.QueryRow(stmtCtx, sql, args...)); err != nil {
			return s.mapStatementErr(ctx, stmtCtx, err)
		}
		return nil
	})
}

// Ping probes the backend within the acquire bound.
func (s *Session) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancel()
	return s.pool.Ping(pingCtx)
}

func (s *Session) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	conn, release, err := s.connection(ctx)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	defer release()

	stmtCtx, cancel := context.WithTimeout(ctx, s.cfg.StatementTimeout)
	defer cancel()

	tag, err := conn.Exec(stmtCtx, sql, args...)
	if err != nil {
		return tag, s.mapStatementErr(ctx, stmtCtx, err)
	}
	return tag, nil
}

// connection acquires a pooled connection under the acquire bound. When no
// Acquirer is available the pool itself stands in and release is a no-op.
func (s *Session) connection(ctx context.Context) (interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, func(), error) {
	if s.acq == nil {
		return s.pool, func() {}, nil
	}

	acquireCtx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancel()

	conn, err := s.acq.Acquire(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil, resilience.ErrAcquireTimeout
		}
		return nil, nil, eris.Wrap(err, "db: acquire connection")
	}
	return conn, conn.Release, nil
}

// mapStatementErr distinguishes a tripped statement timeout from a caller
// cancellation so the failure surfaces with the right taxonomy.
func (s *Session) mapStatementErr(parent, stmt context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && stmt.Err() != nil && parent.Err() == nil {
		return resilience.ErrStatementTimeout
	}
	return err
}

// sessionRows ties the statement context and connection lifetime to rows.
type sessionRows struct {
	pgx.Rows
	cancel  context.CancelFunc
	release func()
}

func (r *sessionRows) Close() {
	r.Rows.Close()
	r.cancel()
	r.release()
}
