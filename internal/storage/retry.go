package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Retry policy for transient Postgres conflicts. Row-locked
// read-modify-write on research_progress can deadlock when the
// orchestrator and an external PATCH race on overlapping rows; both
// deadlocks and serialization failures are safe to re-run because the
// mutation callbacks operate on a freshly locked row each attempt.
const (
	txMaxRetries = 3
	txBaseDelay  = 25 * time.Millisecond
)

// transientConflict reports whether err is a Postgres serialization
// failure (40001) or detected deadlock (40P01).
func transientConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// withTxRetry runs fn, re-running it on transient conflicts with
// jittered exponential backoff. Any other error returns immediately.
func (db *DB) withTxRetry(ctx context.Context, op string, fn func() error) error {
	delay := txBaseDelay
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !transientConflict(err) || attempt == txMaxRetries {
			return err
		}
		db.logger.Warn("storage: transient conflict, retrying",
			"op", op, "attempt", attempt+1, "error", err)
		jitter := time.Duration(rand.Int64N(int64(delay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
}
