package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"entity-mirror.io/entity/internal/pkg/logger"
)

// SQLSTATE codes worth retrying: serialization failure, deadlock detected,
// lock not available. Everything else aborts immediately; retrying a logic
// error cannot help.
const (
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
	sqlstateLockNotAvailable     = "55P03"
)

// RetryConfig bounds the transaction retry loop around each sync phase.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first.
	Attempts int

	// BaseDelay is multiplied by the attempt number for linear backoff.
	BaseDelay time.Duration
}

// DefaultRetryConfig matches the contention profile of concurrent syncs:
// a handful of quick retries, then give up and surface the database error.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 5, BaseDelay: 100 * time.Millisecond}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Attempts <= 0 {
		c.Attempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	return c
}

// isRetryable reports whether err is a transient contention failure.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case sqlstateSerializationFailure, sqlstateDeadlockDetected, sqlstateLockNotAvailable:
		return true
	}
	return false
}

// transact runs fn inside a transaction, retrying the whole transaction on
// transient contention errors with linear backoff. When attempts are
// exhausted the last database error propagates untouched so the caller sees
// the root cause, not a wrapper.
func (s *Store) transact(ctx context.Context, phase string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	cfg := s.retry
	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
			return fn(ctx, tx)
		})
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
		if attempt == cfg.Attempts {
			break
		}
		backoff := time.Duration(attempt) * cfg.BaseDelay
		logger.Warn("retrying sync phase after transient database error",
			zap.String("phase", phase),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
