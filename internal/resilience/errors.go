// Package resilience provides retry policy and transient-error classification
// for database and AI-provider calls.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
)

// ErrAcquireTimeout is returned when a pooled connection could not be
// acquired within the configured bound.
var ErrAcquireTimeout = eris.New("connection acquire timed out")

// ErrStatementTimeout is returned when a statement exceeded its execution
// timeout and was cancelled.
var ErrStatementTimeout = eris.New("statement timed out")

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx,
// connection reset).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// transientSQLStates is the whitelisted set of PostgreSQL error codes worth
// retrying. Serverless backends (Neon) drop idle connections and reject
// connects during cold starts, which surface as these classes.
var transientSQLStates = map[string]bool{
	"53300": true, // too_many_connections
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
	"08000": true, // connection_exception
	"08003": true, // connection_does_not_exist
	"08006": true, // connection_failure
}

// IsTransient returns true if the error (or any error in its chain) is
// whitelisted as retryable: an explicit TransientError, an acquire timeout,
// a transient PostgreSQL state, or a network-level reset/timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	if errors.Is(err, ErrAcquireTimeout) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && transientSQLStates[pgErr.Code] {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from drivers and HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"unexpected eof",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsQuotaError reports whether the error looks like a provider quota or
// rate-limit rejection. The vision fallback chain swaps providers only on
// this class; other provider failures stay fatal to the stage.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) && te.StatusCode == 429 {
		return true
	}

	msg := strings.ToLower(err.Error())
	quotaPatterns := []string{
		"rate limit",
		"rate_limit",
		"quota",
		"too many requests",
		"insufficient credit",
		"overloaded",
	}
	for _, p := range quotaPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
