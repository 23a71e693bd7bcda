package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed limiter: failures inside the window are counted and the
// pair is locked for blockFor once maxFails is reached.
type PG struct {
	db       querier
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter over any pgx pool or connection.
func NewPG(db querier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	if maxFails <= 0 {
		maxFails = 5
	}
	return &PG{db: db, window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now}
}

// Allow reports whether a login for (email, ip) may proceed.
func (l *PG) Allow(ctx context.Context, email string, ipHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM login_throttle WHERE email=$1 AND ip_hash=$2`
	var blockedUntil time.Time
	err := l.db.QueryRow(ctx, q, NormalizeEmail(email), ipHash).Scan(&blockedUntil)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	case err != nil:
		return false, 0, err
	}
	if wait := blockedUntil.Sub(l.now()); wait > 0 {
		return false, wait, nil
	}
	return true, 0, nil
}

// Success clears the failure counter for (email, ip).
func (l *PG) Success(ctx context.Context, email string, ipHash []byte) error {
	const q = `DELETE FROM login_throttle WHERE email=$1 AND ip_hash=$2`
	_, err := l.db.Exec(ctx, q, NormalizeEmail(email), ipHash)
	return err
}

// Failure counts a failed attempt; the counter restarts when the previous failure is
// older than the window. The lock is set in the same statement that counts.
func (l *PG) Failure(ctx context.Context, email string, ipHash []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO login_throttle (email, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1, $2, 1, 'epoch', now())
ON CONFLICT (email, ip_hash) DO UPDATE
SET
  fail_count = CASE WHEN now() - login_throttle.updated_at > $3::interval THEN 1 ELSE login_throttle.fail_count + 1 END,
  blocked_until = CASE
    WHEN (CASE WHEN now() - login_throttle.updated_at > $3::interval THEN 1 ELSE login_throttle.fail_count + 1 END) >= $4
    THEN now() + $5::interval
    ELSE login_throttle.blocked_until END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	err := l.db.QueryRow(ctx, q, NormalizeEmail(email), ipHash, l.window, l.maxFails, l.blockFor).Scan(&fails)
	if err != nil {
		return false, 0, err
	}
	if fails >= l.maxFails {
		return true, l.blockFor, nil
	}
	return false, 0, nil
}
