package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electrohub/panelscan/internal/resilience"
)

func newMockSession(t *testing.T) (*Session, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	cfg := DefaultSessionConfig()
	cfg.Retry.Backoff = resilience.ExponentialBackoff(time.Millisecond, time.Millisecond, 1, 0)
	return NewSession(mock, nil, cfg), mock
}

func TestDefaultSessionConfig_WiresRetryLogging(t *testing.T) {
	cfg := DefaultSessionConfig()
	require.NotNil(t, cfg.Retry.OnRetry, "retries should be logged")
}

func TestSession_Exec_NoRetryOnTransient(t *testing.T) {
	s, mock := newMockSession(t)

	mock.ExpectExec(`INSERT INTO devices`).
		WithArgs("d1").
		WillReturnError(&pgconn.PgError{Code: "53300"})

	_, err := s.Exec(context.Background(), `INSERT INTO devices (id) VALUES ($1)`, "d1")
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet(), "write must not be replayed")
}

func TestSession_ExecIdempotent_RetriesOnceOnTransient(t *testing.T) {
	s, mock := newMockSession(t)

	mock.ExpectExec(`INSERT INTO device_catalog`).
		WithArgs("c1").
		WillReturnError(&pgconn.PgError{Code: "57P01"})
	mock.ExpectExec(`INSERT INTO device_catalog`).
		WithArgs("c1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	_, err := s.ExecIdempotent(context.Background(), `INSERT INTO device_catalog (id) VALUES ($1)`, "c1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSession_ExecIdempotent_GivesUpAfterBudget(t *testing.T) {
	s, mock := newMockSession(t)

	mock.ExpectExec(`DELETE FROM device_catalog`).
		WithArgs("c1").
		WillReturnError(&pgconn.PgError{Code: "08006"})
	mock.ExpectExec(`DELETE FROM device_catalog`).
		WithArgs("c1").
		WillReturnError(&pgconn.PgError{Code: "08006"})

	_, err := s.ExecIdempotent(context.Background(), `DELETE FROM device_catalog WHERE id = $1`, "c1")
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSession_QueryRow_PropagatesNoRows(t *testing.T) {
	s, mock := newMockSession(t)

	mock.ExpectQuery(`SELECT id FROM devices`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	var id string
	err := s.QueryRow(context.Background(), func(row pgx.Row) error {
		return row.Scan(&id)
	}, `SELECT id FROM devices WHERE id = $1`, "missing")
	require.ErrorIs(t, err, pgx.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSession_Query_RetriesRead(t *testing.T) {
	s, mock := newMockSession(t)

	mock.ExpectQuery(`SELECT id FROM devices`).
		WillReturnError(&pgconn.PgError{Code: "57P03"})
	mock.ExpectQuery(`SELECT id FROM devices`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("d1"))

	rows, err := s.Query(context.Background(), `SELECT id FROM devices`)
	require.NoError(t, err)
	defer rows.Close()

	require.True(t, rows.Next())
	var id string
	require.NoError(t, rows.Scan(&id))
	assert.Equal(t, "d1", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// stalledAcquirer never yields a connection within the caller's deadline.
type stalledAcquirer struct{}

func (stalledAcquirer) Acquire(ctx context.Context) (Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSession_AcquireTimeout_BoundedAndRetriedOnce(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	cfg := SessionConfig{
		AcquireTimeout:   10 * time.Millisecond,
		StatementTimeout: time.Second,
		Retry: resilience.RetryConfig{
			MaxAttempts: 2,
			Backoff:     resilience.ExponentialBackoff(time.Millisecond, time.Millisecond, 1, 0),
		},
	}
	s := NewSession(mock, stalledAcquirer{}, cfg)

	start := time.Now()
	_, err = s.ExecIdempotent(context.Background(), `SELECT 1`)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, resilience.ErrAcquireTimeout)
	assert.Less(t, elapsed, 500*time.Millisecond, "caller must never hang on acquisition")
}

func TestSession_AcquireTimeout_CallerCancellationNotRelabelled(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := NewSession(mock, stalledAcquirer{}, DefaultSessionConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err = s.Exec(ctx, `SELECT 1`)
	require.Error(t, err)
	assert.False(t, errors.Is(err, resilience.ErrAcquireTimeout),
		"caller cancellation is not an acquire timeout")
}
