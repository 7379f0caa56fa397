// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package limiter provides per-actor admission control backed by token
// buckets persisted in the registry database.
package limiter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Action identifies a rate-limited operation. Buckets are independent
// per (actor, action) pair.
type Action int

const (
	// PublishNew rate-limits publishing new packages and versions.
	PublishNew Action = 0
)

func (a Action) String() string {
	switch a {
	case PublishNew:
		return "publish-new"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Limiter checks and refills token buckets. Refill, clamp and decrement
// happen in a single UPDATE so concurrent checks for the same actor
// never lose tokens to a read-modify-write race.
type Limiter struct {
	db    *sqlx.DB
	rate  time.Duration
	burst int
}

// Bucket is the persisted state of one (actor, action) pair. Tokens is
// always within [0, effective burst] at rest.
type Bucket struct {
	ActorID    int64 `db:"actor_id"`
	Action     int   `db:"action"`
	Tokens     int   `db:"tokens"`
	LastRefill int64 `db:"last_refill"` // unix milliseconds
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Time // set when denied
}

// New returns a Limiter that refills one token per rate up to burst.
func New(db *sqlx.DB, rate time.Duration, burst int) *Limiter {
	return &Limiter{db: db, rate: rate, burst: burst}
}

// Check takes a token from the actor's bucket for action. The request
// is allowed when a token was available; otherwise it is denied with
// the time at which the next token accrues.
func (l *Limiter) Check(ctx context.Context, actorID int64, action Action, now time.Time) (Decision, error) {
	bucket, err := l.TakeToken(ctx, actorID, action, now)
	if err != nil {
		return Decision{}, err
	}
	if bucket.Tokens >= 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{
		RetryAfter: time.UnixMilli(bucket.LastRefill).Add(l.rate),
	}, nil
}

// TakeToken refills the actor's bucket as needed, takes a token from
// it, and returns the result. A bucket holding 0 tokens afterwards
// means the request had no token to take and should be rejected.
//
// The first check for an (actor, action) pair creates the bucket
// already pre-decremented by one: a full bucket conceptually holds
// burst+1 tokens, but that value is never observed because buckets are
// only refilled when a token is being taken.
//
// last_refill advances by exact multiples of the refill rate rather
// than snapping to now, so refill granularity never drifts.
func (l *Limiter) TakeToken(ctx context.Context, actorID int64, action Action, now time.Time) (Bucket, error) {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return Bucket{}, fmt.Errorf("begin rate limit check: %w", err)
	}
	defer tx.Rollback()

	nowMS := now.UnixMilli()
	burst := l.burst
	var override int
	err = tx.GetContext(ctx, &override, `
		SELECT burst FROM publish_rate_overrides
		WHERE actor_id = ? AND action = ?
		  AND (expires_at IS NULL OR expires_at > ?)`,
		actorID, int(action), nowMS)
	if err == nil {
		burst = override
	} else if !errors.Is(err, sql.ErrNoRows) {
		return Bucket{}, fmt.Errorf("read rate override: %w", err)
	}

	rateMS := l.rate.Milliseconds()
	var bucket Bucket
	err = tx.GetContext(ctx, &bucket, `
		INSERT INTO publish_limit_buckets (actor_id, action, tokens, last_refill)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (actor_id, action) DO UPDATE SET
			tokens = min(?, max(0, tokens - 1) + (? - last_refill) / ?),
			last_refill = last_refill + ((? - last_refill) / ?) * ?
		RETURNING actor_id, action, tokens, last_refill`,
		actorID, int(action), burst, nowMS,
		burst, nowMS, rateMS,
		nowMS, rateMS, rateMS)
	if err != nil {
		return Bucket{}, fmt.Errorf("take rate limit token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Bucket{}, fmt.Errorf("commit rate limit check: %w", err)
	}
	return bucket, nil
}

// SetBurstOverride gives actorID a custom burst for action, optionally
// expiring. The override clamps an oversized bucket down on the actor's
// next check, never up.
func (l *Limiter) SetBurstOverride(ctx context.Context, actorID int64, action Action, burst int, expiresAt *time.Time) error {
	var expires *int64
	if expiresAt != nil {
		ms := expiresAt.UnixMilli()
		expires = &ms
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO publish_rate_overrides (actor_id, action, burst, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (actor_id, action) DO UPDATE SET
			burst = excluded.burst,
			expires_at = excluded.expires_at`,
		actorID, int(action), burst, expires)
	if err != nil {
		return fmt.Errorf("set rate override: %w", err)
	}
	return nil
}
