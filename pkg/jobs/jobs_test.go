// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stashrun/stash/pkg/jobs"
	"github.com/stashrun/stash/pkg/registry"
)

func testDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := registry.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEnqueueAndRunPending(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	q := jobs.New(db)

	var got []string
	q.Register("echo", func(ctx context.Context, payload json.RawMessage) error {
		var s string
		if err := json.Unmarshal(payload, &s); err != nil {
			return err
		}
		got = append(got, s)
		return nil
	})

	for _, s := range []string{"one", "two"} {
		if _, err := q.Enqueue(ctx, db, "echo", s); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	n, err := q.RunPending(ctx)
	if err != nil {
		t.Fatalf("RunPending: %v", err)
	}
	if n != 2 {
		t.Fatalf("performed %d jobs, want 2", n)
	}
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("got = %v", got)
	}

	// Done jobs are not re-run.
	if n, err := q.RunPending(ctx); err != nil || n != 0 {
		t.Fatalf("second RunPending = (%d, %v), want (0, nil)", n, err)
	}
}

func TestEnqueueInsideRolledBackTx(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	q := jobs.New(db)
	q.Register("noop", func(context.Context, json.RawMessage) error { return nil })

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		t.Fatalf("Beginx: %v", err)
	}
	if _, err := q.Enqueue(ctx, tx, "noop", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	tx.Rollback()

	if n, err := q.RunPending(ctx); err != nil || n != 0 {
		t.Fatalf("RunPending after rollback = (%d, %v), want (0, nil)", n, err)
	}
}

func TestFailingJobRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	q := jobs.New(db)
	q.SetMaxAttempts(3)

	// Advanceable clock so retry backoff elapses instantly.
	now := time.Now()
	q.SetNow(func() time.Time { return now })

	attempts := 0
	q.Register("flaky", func(context.Context, json.RawMessage) error {
		attempts++
		return errors.New("boom")
	})

	id, err := q.Enqueue(ctx, db, "flaky", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := q.RunPending(ctx); err != nil {
			t.Fatalf("RunPending: %v", err)
		}
		now = now.Add(time.Minute)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}

	failed, err := q.Failed(ctx)
	if err != nil {
		t.Fatalf("Failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != id {
		t.Fatalf("failed jobs = %+v, want job %s", failed, id)
	}
	if failed[0].LastError != "boom" {
		t.Fatalf("last error = %q, want %q", failed[0].LastError, "boom")
	}
	if failed[0].Attempts != 3 {
		t.Fatalf("recorded attempts = %d, want 3", failed[0].Attempts)
	}
}

func TestRetryWaitsForBackoff(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	q := jobs.New(db)
	now := time.Now()
	q.SetNow(func() time.Time { return now })

	calls := 0
	q.Register("flaky", func(context.Context, json.RawMessage) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})
	if _, err := q.Enqueue(ctx, db, "flaky", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if _, err := q.RunPending(ctx); err != nil {
		t.Fatalf("RunPending: %v", err)
	}
	// The retry is scheduled in the future; without advancing the
	// clock nothing is runnable.
	if n, err := q.RunPending(ctx); err != nil || n != 0 {
		t.Fatalf("RunPending before backoff = (%d, %v), want (0, nil)", n, err)
	}
	now = now.Add(2 * time.Second)
	if n, err := q.RunPending(ctx); err != nil || n != 1 {
		t.Fatalf("RunPending after backoff = (%d, %v), want (1, nil)", n, err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestResetRunningReleasesOrphans(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	q := jobs.New(db)

	done := 0
	q.Register("work", func(context.Context, json.RawMessage) error {
		done++
		return nil
	})
	id, err := q.Enqueue(ctx, db, "work", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Simulate a worker that claimed the job and crashed.
	if _, err := db.Exec(`UPDATE jobs SET state = 'running' WHERE id = ?`, id); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	n, err := q.ResetRunning(ctx)
	if err != nil {
		t.Fatalf("ResetRunning: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset %d jobs, want 1", n)
	}
	if _, err := q.RunPending(ctx); err != nil {
		t.Fatalf("RunPending: %v", err)
	}
	if done != 1 {
		t.Fatalf("job ran %d times, want 1", done)
	}
}
