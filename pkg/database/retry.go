package database

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/courierflow/dispatch/pkg/resilience"
)

// queryRetryConfig is the policy for single statements: quick, bounded
// attempts so a flapping connection does not stall a request.
func queryRetryConfig() resilience.RetryConfig {
	config := resilience.DefaultRetryConfig()
	config.MaxAttempts = 3
	config.InitialBackoff = 100 * time.Millisecond
	config.MaxBackoff = 2 * time.Second
	config.RetryableChecker = IsPostgresRetryable
	return config
}

// RetryableQuery runs a multi-row query with retries on transient
// failures, handing the rows to scanner.
func RetryableQuery[T any](ctx context.Context, pool interface {
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
}, query string, args []interface{}, scanner func(pgx.Rows) (T, error)) (T, error) {
	result, err := resilience.RetryWithName(ctx, queryRetryConfig(), func(ctx context.Context) (interface{}, error) {
		rows, err := pool.Query(ctx, query, args...)
		if err != nil {
			return *new(T), err
		}
		defer rows.Close()
		return scanner(rows)
	}, "database.query")
	if err != nil {
		return *new(T), err
	}
	return result.(T), nil
}

// RetryableQueryRow runs a single-row query with retries on transient
// failures. pgx.ErrNoRows from the scanner is returned without retrying.
func RetryableQueryRow[T any](ctx context.Context, pool interface {
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}, query string, args []interface{}, scanner func(pgx.Row) (T, error)) (T, error) {
	result, err := resilience.RetryWithName(ctx, queryRetryConfig(), func(ctx context.Context) (interface{}, error) {
		return scanner(pool.QueryRow(ctx, query, args...))
	}, "database.query_row")
	if err != nil {
		return *new(T), err
	}
	return result.(T), nil
}

// RetryableExec runs a statement with retries on transient failures.
func RetryableExec(ctx context.Context, pool interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
}, query string, args ...interface{}) (pgconn.CommandTag, error) {
	result, err := resilience.RetryWithName(ctx, queryRetryConfig(), func(ctx context.Context) (interface{}, error) {
		return pool.Exec(ctx, query, args...)
	}, "database.exec")
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	return result.(pgconn.CommandTag), nil
}

// RetryableTransaction runs fn inside a transaction, retrying the whole
// transaction on serialization failures and deadlocks.
func RetryableTransaction(ctx context.Context, pool interface {
	Begin(context.Context) (pgx.Tx, error)
}, fn func(pgx.Tx) error) error {
	config := queryRetryConfig()
	config.InitialBackoff = 50 * time.Millisecond
	config.MaxBackoff = time.Second

	_, err := resilience.RetryWithName(ctx, config, func(ctx context.Context) (interface{}, error) {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
		return nil, nil
	}, "database.transaction")
	return err
}

// retryableCodes are the SQLSTATE values worth another attempt:
// serialization conflicts, lock contention, connection trouble and
// server restarts.
var retryableCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"53000": true, // insufficient_resources
	"53300": true, // too_many_connections
	"53400": true, // configuration_limit_exceeded
	"08000": true, // connection_exception
	"08003": true, // connection_does_not_exist
	"08006": true, // connection_failure
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
	"58000": true, // system_error
	"XX000": true, // internal_error
}

// Error classes that are deterministic: retrying cannot change the
// outcome.
var terminalCodeClasses = []string{
	"22", // data exception
	"23", // integrity constraint violation
	"42", // syntax error or access rule violation
	"53100", "53200", // disk_full, out_of_memory
}

var retryableMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"temporary failure",
	"timeout",
	"too many connections",
	"server closed",
	"unexpected EOF",
}

// IsPostgresRetryable classifies a database error as transient or
// terminal.
func IsPostgresRetryable(err error) bool {
	if err == nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, pgx.ErrNoRows) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if retryableCodes[pgErr.Code] {
			return true
		}
		for _, class := range terminalCodeClasses {
			if strings.HasPrefix(pgErr.Code, class) {
				return false
			}
		}
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range retryableMessages {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
