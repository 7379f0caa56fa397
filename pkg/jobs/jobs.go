// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package jobs is a durable job queue over the registry database. Jobs
// are enqueued inside the caller's transaction, so a job exists exactly
// when the work that produced it committed, and are executed at least
// once, surviving process restarts.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"
)

// Job states.
const (
	StatePending = "pending"
	StateRunning = "running"
	StateFailed  = "failed"
	StateDone    = "done"
)

// Defaults for queue behavior.
const (
	DefaultMaxAttempts  = 5
	DefaultWorkers      = 2
	DefaultPollInterval = time.Second
)

// Handler performs one kind of job. A non-nil error counts as a failed
// attempt; the job is retried with backoff until its attempt budget is
// spent.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Job is one persisted unit of work.
type Job struct {
	ID          string          `db:"id"`
	Kind        string          `db:"kind"`
	Payload     json.RawMessage `db:"payload"`
	State       string          `db:"state"`
	Attempts    int             `db:"attempts"`
	MaxAttempts int             `db:"max_attempts"`
	LastError   string          `db:"last_error"`
	RunAt       int64           `db:"run_at"`
	CreatedAt   int64           `db:"created_at"`
	UpdatedAt   int64           `db:"updated_at"`
}

// Queue claims and executes jobs.
type Queue struct {
	db           *sqlx.DB
	handlers     map[string]Handler
	maxAttempts  int
	workers      int
	pollInterval time.Duration
	now          func() time.Time
}

// New returns a Queue over db with default settings.
func New(db *sqlx.DB) *Queue {
	return &Queue{
		db:           db,
		handlers:     map[string]Handler{},
		maxAttempts:  DefaultMaxAttempts,
		workers:      DefaultWorkers,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
	}
}

// Register installs the handler for kind. Enqueued jobs of an
// unregistered kind fail their attempts.
func (q *Queue) Register(kind string, h Handler) {
	q.handlers[kind] = h
}

// SetWorkers sets how many concurrent workers Run uses.
func (q *Queue) SetWorkers(n int) {
	if n >= 1 {
		q.workers = n
	}
}

// SetMaxAttempts sets the attempt budget for newly enqueued jobs.
func (q *Queue) SetMaxAttempts(n int) {
	if n >= 1 {
		q.maxAttempts = n
	}
}

// SetNow overrides the queue's clock for deterministic tests.
func (q *Queue) SetNow(now func() time.Time) {
	if now != nil {
		q.now = now
	}
}

// Enqueue inserts a pending job within ext, which may be a transaction
// or the bare database handle. The job becomes visible to workers when
// the surrounding transaction commits.
func (q *Queue) Enqueue(ctx context.Context, ext sqlx.ExtContext, kind string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode job payload: %w", err)
	}
	id := uuid.New().String()
	now := q.now().UnixMilli()
	_, err = ext.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, payload, state, attempts, max_attempts, run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		id, kind, string(body), StatePending, q.maxAttempts, now, now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	return id, nil
}

// claim atomically moves the oldest runnable pending job to running and
// returns it. It returns sql.ErrNoRows when nothing is runnable.
func (q *Queue) claim(ctx context.Context) (Job, error) {
	now := q.now().UnixMilli()
	var job Job
	err := q.db.GetContext(ctx, &job, `
		UPDATE jobs SET state = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE state = ? AND run_at <= ?
			ORDER BY created_at
			LIMIT 1
		)
		RETURNING id, kind, payload, state, attempts, max_attempts, last_error, run_at, created_at, updated_at`,
		StateRunning, now, StatePending, now)
	return job, err
}

func (q *Queue) perform(ctx context.Context, job Job) {
	handler, ok := q.handlers[job.Kind]
	var err error
	if !ok {
		err = fmt.Errorf("no handler registered for job kind %q", job.Kind)
	} else {
		err = handler(ctx, job.Payload)
	}

	now := q.now().UnixMilli()
	if err == nil {
		if _, uerr := q.db.ExecContext(ctx,
			`UPDATE jobs SET state = ?, updated_at = ? WHERE id = ?`,
			StateDone, now, job.ID); uerr != nil {
			log.Printf("job %s (%s): failed to mark done: %v", job.ID, job.Kind, uerr)
		}
		return
	}

	attempts := job.Attempts + 1
	if attempts >= job.MaxAttempts {
		log.Printf("job %s (%s): permanently failed after %d attempts: %v", job.ID, job.Kind, attempts, err)
		if _, uerr := q.db.ExecContext(ctx,
			`UPDATE jobs SET state = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			StateFailed, attempts, err.Error(), now, job.ID); uerr != nil {
			log.Printf("job %s (%s): failed to mark failed: %v", job.ID, job.Kind, uerr)
		}
		return
	}

	// Exponential backoff: 1s, 2s, 4s, ... from the attempt count.
	delay := time.Second << (attempts - 1)
	log.Printf("job %s (%s): attempt %d failed, retrying in %v: %v", job.ID, job.Kind, attempts, delay, err)
	if _, uerr := q.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, attempts = ?, last_error = ?, run_at = ?, updated_at = ? WHERE id = ?`,
		StatePending, attempts, err.Error(), q.now().Add(delay).UnixMilli(), now, job.ID); uerr != nil {
		log.Printf("job %s (%s): failed to reschedule: %v", job.ID, job.Kind, uerr)
	}
}

// RunPending claims and performs runnable jobs until none remain,
// returning how many it performed. Used by tooling and tests; the hot
// path uses Run.
func (q *Queue) RunPending(ctx context.Context) (int, error) {
	n := 0
	for {
		job, err := q.claim(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("claim job: %w", err)
		}
		q.perform(ctx, job)
		n++
	}
}

// Run executes jobs with the configured number of workers until ctx is
// canceled. Jobs left running by a crashed worker should be released
// with ResetRunning before Run starts.
func (q *Queue) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			ticker := time.NewTicker(q.pollInterval)
			defer ticker.Stop()
			for {
				job, err := q.claim(ctx)
				switch {
				case err == nil:
					q.perform(ctx, job)
					continue // drain without waiting for the ticker
				case errors.Is(err, sql.ErrNoRows):
				default:
					log.Printf("claim job: %v", err)
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}

// ResetRunning releases jobs stuck in running back to pending. Called
// on worker startup so jobs orphaned by a crash are re-executed; this
// is where at-least-once delivery comes from.
func (q *Queue) ResetRunning(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, updated_at = ? WHERE state = ?`,
		StatePending, q.now().UnixMilli(), StateRunning)
	if err != nil {
		return 0, fmt.Errorf("reset running jobs: %w", err)
	}
	return res.RowsAffected()
}

// Failed returns permanently failed jobs for operator inspection.
func (q *Queue) Failed(ctx context.Context) ([]Job, error) {
	var out []Job
	err := q.db.SelectContext(ctx, &out, `
		SELECT id, kind, payload, state, attempts, max_attempts, last_error, run_at, created_at, updated_at
		FROM jobs WHERE state = ? ORDER BY updated_at`, StateFailed)
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	return out, nil
}
