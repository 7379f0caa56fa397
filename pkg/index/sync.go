// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package index

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// DefaultMaxAttempts bounds the commit-push-retry loop. Two backend
// instances publishing concurrently race to push; twenty attempts has
// historically covered peak publish traffic.
const DefaultMaxAttempts = 20

// ErrPushRejected is returned by Repo.Push when the remote refused the
// ref update because another writer pushed first.
var ErrPushRejected = errors.New("push rejected by remote")

// ConflictError is returned after exhausting every synchronization
// attempt without the remote accepting our push.
type ConflictError struct {
	Attempts int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("index update failed after %d conflicting attempts", e.Attempts)
}

// Repo is the git transport the synchronizer drives. Implementations
// wrap a working copy whose remote is the shared index repository.
type Repo interface {
	// Root returns the working copy directory.
	Root() string
	// Commit stages path and commits it with message.
	Commit(ctx context.Context, path, message string) error
	// Push pushes the tracked branch. It returns ErrPushRejected when
	// the remote did not accept the exact ref update.
	Push(ctx context.Context) error
	// ResetToRemote fetches the remote and hard-resets the working
	// copy to its state, discarding local commits.
	ResetToRemote(ctx context.Context) error
}

// Synchronizer applies index mutations to the shared repository with
// optimistic concurrency: commit, push, and on a rejected push re-derive
// the mutation against the remote's current state. A process-local mutex
// serializes mutations from this process; the retry protocol is the only
// coordination across processes.
type Synchronizer struct {
	mu          sync.Mutex
	repo        Repo
	maxAttempts int
}

// NewSynchronizer returns a Synchronizer over repo with the default
// attempt bound.
func NewSynchronizer(repo Repo) *Synchronizer {
	return &Synchronizer{repo: repo, maxAttempts: DefaultMaxAttempts}
}

// SetMaxAttempts overrides the attempt bound. Values below 1 are
// ignored.
func (s *Synchronizer) SetMaxAttempts(n int) {
	if n >= 1 {
		s.maxAttempts = n
	}
}

// Apply performs one logical index mutation, retrying on push conflicts
// up to the attempt bound. Mutation errors and commit errors are fatal;
// push failures of any kind trigger a fetch, hard reset and retry.
func (s *Synchronizer) Apply(ctx context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		rel, err := m.materialize(s.repo.Root())
		if err != nil {
			return err
		}
		if err := s.repo.Commit(ctx, rel, m.message()); err != nil {
			return fmt.Errorf("commit index change: %w", err)
		}
		err = s.repo.Push(ctx)
		if err == nil {
			return nil
		}
		log.Printf("index push failed (attempt %d): %v", attempt+1, err)
		if err := s.repo.ResetToRemote(ctx); err != nil {
			return fmt.Errorf("reset index working copy: %w", err)
		}
	}
	return &ConflictError{Attempts: s.maxAttempts}
}
