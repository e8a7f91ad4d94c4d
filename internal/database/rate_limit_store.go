package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RateLimitStore implements a fixed-window counter per (mxid, bucket). No
// bridge code calls it, so it does not throttle login attempts or any other
// action by itself.
type RateLimitStore struct {
	db *sql.DB
}

func NewRateLimitStore(db *sql.DB) *RateLimitStore {
	return &RateLimitStore{db: db}
}

// Increment advances the counter for mxid/bucket, resetting it if the
// current window has expired, and returns the resulting count and whether
// the window was just reset.
func (s *RateLimitStore) Increment(ctx context.Context, mxid, bucket string, window time.Duration) (count int, reset bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin rate limit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var windowStart time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT window_start, count FROM rate_limit_bucket WHERE mxid=$1 AND bucket=$2 FOR UPDATE`,
		mxid, bucket).Scan(&windowStart, &count)

	now := timeNow()
	switch {
	case err == sql.ErrNoRows:
		windowStart = now
		count = 1
		reset = true
		_, err = tx.ExecContext(ctx,
			`INSERT INTO rate_limit_bucket (mxid, bucket, window_start, count) VALUES ($1, $2, $3, $4)`,
			mxid, bucket, windowStart, count)
	case err != nil:
		return 0, false, fmt.Errorf("query rate limit bucket: %w", err)
	case now.Sub(windowStart) >= window:
		windowStart = now
		count = 1
		reset = true
		_, err = tx.ExecContext(ctx,
			`UPDATE rate_limit_bucket SET window_start=$3, count=$4 WHERE mxid=$1 AND bucket=$2`,
			mxid, bucket, windowStart, count)
	default:
		count++
		_, err = tx.ExecContext(ctx,
			`UPDATE rate_limit_bucket SET count=$3 WHERE mxid=$1 AND bucket=$2`, mxid, bucket, count)
	}
	if err != nil {
		return 0, false, fmt.Errorf("update rate limit bucket: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit rate limit tx: %w", err)
	}
	return count, reset, nil
}

// timeNow is a var so tests can override it; production always uses the
// real clock.
var timeNow = time.Now
