// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/stashrun/stash/pkg/blob"
	"github.com/stashrun/stash/pkg/index"
	"github.com/stashrun/stash/pkg/jobs"
	"github.com/stashrun/stash/pkg/limiter"
	"github.com/stashrun/stash/pkg/readme"
	"github.com/stashrun/stash/pkg/tarball"
)

// PublishConfig bounds uploads and selects how index changes are
// propagated.
type PublishConfig struct {
	// MaxUploadSize caps the compressed archive, unless the crate row
	// carries a larger per-crate override.
	MaxUploadSize int64
	// MaxUnpackSize caps the decompressed archive.
	MaxUnpackSize int64
	// SyncIndex applies index mutations inline after commit instead of
	// enqueueing them for the background worker. Used by tests and
	// single-node tooling. An index failure in this mode is returned
	// to the caller but does not un-publish the already-committed
	// version or delete its artifacts, mirroring the async path where
	// the index job retries independently of the commit.
	SyncIndex bool
}

// Publisher runs the publish pipeline: rate limit, metadata validation,
// archive verification, database writes, artifact uploads, and the
// index update, in that order. Nothing it stores becomes visible unless
// every earlier step succeeded.
type Publisher struct {
	store   *Store
	limiter *limiter.Limiter
	blobs   blob.Store
	queue   *jobs.Queue
	sync    *index.Synchronizer
	cfg     PublishConfig
	now     func() time.Time
}

// NewPublisher assembles a Publisher. queue may be nil only when
// cfg.SyncIndex is set.
func NewPublisher(store *Store, lim *limiter.Limiter, blobs blob.Store, queue *jobs.Queue, sync *index.Synchronizer, cfg PublishConfig) *Publisher {
	return &Publisher{
		store:   store,
		limiter: lim,
		blobs:   blobs,
		queue:   queue,
		sync:    sync,
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetNow overrides the publisher's clock for deterministic tests.
func (p *Publisher) SetNow(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// Warnings are non-fatal problems with a publish. The version is live;
// the listed items were dropped.
type Warnings struct {
	InvalidCategories []string
	InvalidBadges     []string
}

// PublishedVersion describes a successful publish.
type PublishedVersion struct {
	Name     string
	Version  string
	Checksum string
	Warnings Warnings
}

// Publish runs the full pipeline for one upload: the manifest m and the
// raw compressed archive. On any error no database row, artifact or
// index entry survives.
func (p *Publisher) Publish(ctx context.Context, actorID int64, m *Manifest, raw []byte) (*PublishedVersion, error) {
	now := p.now()

	decision, err := p.limiter.Check(ctx, actorID, limiter.PublishNew, now)
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if !decision.Allowed {
		return nil, &TooManyRequestsError{RetryAfter: decision.RetryAfter}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	tx, err := p.store.DB().BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin publish: %w", err)
	}
	defer tx.Rollback()

	crate, err := p.store.CreateOrUpdateCrate(ctx, tx, m, actorID, now)
	if err != nil {
		return nil, err
	}

	if exists, err := p.store.VersionExists(ctx, tx, crate.ID, m.Vers); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("crate %q version %q: %w", m.Name, m.Vers, ErrDuplicateVersion)
	}

	limit := p.cfg.MaxUploadSize
	if crate.MaxUploadSize.Valid {
		limit = crate.MaxUploadSize.Int64
	}
	if int64(len(raw)) > limit {
		return nil, &UploadTooLargeError{Limit: limit}
	}

	checksum, err := tarball.Verify(raw, m.Name, m.Vers, p.cfg.MaxUnpackSize)
	if err != nil {
		var malformed *tarball.MalformedError
		switch {
		case errors.Is(err, tarball.ErrTooLarge):
			return nil, &UploadTooLargeError{Limit: p.cfg.MaxUnpackSize}
		case errors.As(err, &malformed):
			return nil, &MalformedArchiveError{Reason: malformed.Reason}
		default:
			return nil, err
		}
	}

	versionID, err := p.store.InsertVersion(ctx, tx, crate.ID, m, int64(len(raw)), checksum.Encoded(), actorID, now)
	if err != nil {
		return nil, err
	}
	deps, err := p.store.InsertDependencies(ctx, tx, versionID, m.Deps)
	if err != nil {
		return nil, err
	}
	if err := p.store.SetKeywords(ctx, tx, crate.ID, m.Keywords); err != nil {
		return nil, err
	}
	var warnings Warnings
	if warnings.InvalidCategories, err = p.store.SetCategories(ctx, tx, crate.ID, m.Categories); err != nil {
		return nil, err
	}
	if warnings.InvalidBadges, err = p.store.SetBadges(ctx, tx, crate.ID, m.Badges); err != nil {
		return nil, err
	}

	// Artifacts are uploaded before the transaction commits, guarded by
	// bombs: if anything below fails the uploads are deleted, and the
	// rollback removes the rows that would have referenced them.
	crateBomb, err := blob.Upload(ctx, p.blobs, blob.CratePath(m.Name, m.Vers), raw,
		blob.ContentTypeCrate, map[string]string{"Cache-Control": blob.CacheControlImmutable})
	if err != nil {
		return nil, &StorageError{Err: err}
	}
	defer crateBomb.Release(ctx)

	var readmeBomb *blob.Bomb
	if m.Readme != "" {
		filename := m.ReadmeFile
		if filename == "" {
			filename = "README.md"
		}
		html, err := readme.RenderFile(filename, []byte(m.Readme))
		if err != nil {
			return nil, fmt.Errorf("render readme: %w", err)
		}
		readmeBomb, err = blob.Upload(ctx, p.blobs, blob.ReadmePath(m.Name, m.Vers), []byte(html),
			blob.ContentTypeReadme, map[string]string{"Cache-Control": blob.CacheControlReadme})
		if err != nil {
			return nil, &StorageError{Err: err}
		}
	}
	defer readmeBomb.Release(ctx)

	entry := index.Entry{
		Name:     m.Name,
		Vers:     m.Vers,
		Deps:     deps,
		Cksum:    checksum.Encoded(),
		Features: featuresOrEmpty(m.Features),
		Links:    m.Links,
	}
	if !p.cfg.SyncIndex {
		// Transactional outbox: the index job commits atomically with
		// the version row, so neither exists without the other.
		if _, err := p.queue.Enqueue(ctx, tx, JobIndexAddEntry, entry); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit publish: %w", err)
	}

	if p.cfg.SyncIndex {
		if err := p.sync.Apply(ctx, index.AddEntry{Entry: entry}); err != nil {
			// The version row is committed; leave the artifacts in
			// place and surface the index failure to the caller.
			log.Printf("publish %s-%s: index update failed: %v", m.Name, m.Vers, err)
			crateBomb.Disarm()
			readmeBomb.Disarm()
			return nil, err
		}
	}

	crateBomb.Disarm()
	readmeBomb.Disarm()
	return &PublishedVersion{
		Name:     m.Name,
		Version:  m.Vers,
		Checksum: checksum.Encoded(),
		Warnings: warnings,
	}, nil
}
