// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stashrun/stash/pkg/blob"
	"github.com/stashrun/stash/pkg/index"
	"github.com/stashrun/stash/pkg/jobs"
	"github.com/stashrun/stash/pkg/limiter"
)

// nopRepo is an index repo whose remote always accepts pushes.
type nopRepo struct{ root string }

func (r *nopRepo) Root() string                                { return r.root }
func (r *nopRepo) Commit(ctx context.Context, _, _ string) error { return nil }
func (r *nopRepo) Push(ctx context.Context) error              { return nil }
func (r *nopRepo) ResetToRemote(ctx context.Context) error     { return nil }

type env struct {
	db        *sqlx.DB
	store     *Store
	queue     *jobs.Queue
	pub       *Publisher
	blobRoot  string
	indexRoot string
}

func testEnv(t *testing.T, syncIndex bool) *env {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := NewStore(db)
	blobRoot := t.TempDir()
	blobs, err := blob.NewFilesystemStore(blobRoot)
	if err != nil {
		t.Fatalf("NewFilesystemStore: %v", err)
	}
	indexRoot := t.TempDir()
	sync := index.NewSynchronizer(&nopRepo{root: indexRoot})
	queue := jobs.New(db)
	RegisterHandlers(queue, sync, store)

	lim := limiter.New(db, time.Minute, 100)
	pub := NewPublisher(store, lim, blobs, queue, sync, PublishConfig{
		MaxUploadSize: 1 << 20,
		MaxUnpackSize: 8 << 20,
		SyncIndex:     syncIndex,
	})
	return &env{db: db, store: store, queue: queue, pub: pub, blobRoot: blobRoot, indexRoot: indexRoot}
}

// buildCrate packs files into a gzipped tarball under the
// "{name}-{version}/" prefix.
func buildCrate(t *testing.T, name, version string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for path, content := range files {
		hdr := &tar.Header{
			Name: name + "-" + version + "/" + path,
			Mode: 0644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

func testManifest(name, vers string) *Manifest {
	return &Manifest{
		Name:        name,
		Vers:        vers,
		Description: "a test crate",
		License:     "MIT",
		Authors:     []string{"someone@example.com"},
	}
}

func (e *env) indexEntries(t *testing.T, name string) []index.Entry {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.indexRoot, filepath.FromSlash(index.EntryPath(name))))
	if err != nil {
		t.Fatalf("read index file: %v", err)
	}
	var out []index.Entry
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		var entry index.Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("decode index line %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func (e *env) versionCount(t *testing.T) int {
	t.Helper()
	var n int
	if err := e.db.Get(&n, `SELECT COUNT(*) FROM versions`); err != nil {
		t.Fatalf("count versions: %v", err)
	}
	return n
}

func TestPublishHappyPath(t *testing.T) {
	ctx := context.Background()
	e := testEnv(t, true)

	raw := buildCrate(t, "serde", "1.0.0", map[string]string{"Cargo.toml": "[package]"})
	m := testManifest("serde", "1.0.0")
	m.Readme = "# serde\n\nserialization"

	pv, err := e.pub.Publish(ctx, 1, m, raw)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	sum := sha256.Sum256(raw)
	if want := hex.EncodeToString(sum[:]); pv.Checksum != want {
		t.Errorf("checksum = %s, want %s", pv.Checksum, want)
	}

	// Crate archive and rendered readme are on disk.
	stored, err := os.ReadFile(filepath.Join(e.blobRoot, filepath.FromSlash(blob.CratePath("serde", "1.0.0"))))
	if err != nil {
		t.Fatalf("read stored crate: %v", err)
	}
	if !bytes.Equal(stored, raw) {
		t.Error("stored crate differs from upload")
	}
	html, err := os.ReadFile(filepath.Join(e.blobRoot, filepath.FromSlash(blob.ReadmePath("serde", "1.0.0"))))
	if err != nil {
		t.Fatalf("read stored readme: %v", err)
	}
	if !strings.Contains(string(html), "<h1") {
		t.Errorf("readme html = %q", html)
	}

	// The index has the version.
	entries := e.indexEntries(t, "serde")
	if len(entries) != 1 || entries[0].Vers != "1.0.0" || entries[0].Cksum != pv.Checksum {
		t.Fatalf("index entries = %+v", entries)
	}

	var v Version
	if err := e.db.Get(&v, `SELECT * FROM versions WHERE num = '1.0.0'`); err != nil {
		t.Fatalf("load version row: %v", err)
	}
	if v.Size != int64(len(raw)) || v.Yanked {
		t.Errorf("version row = %+v", v)
	}
}

func TestPublishDuplicateVersion(t *testing.T) {
	ctx := context.Background()
	e := testEnv(t, true)
	raw := buildCrate(t, "dupe", "0.1.0", map[string]string{"lib.rs": ""})

	if _, err := e.pub.Publish(ctx, 1, testManifest("dupe", "0.1.0"), raw); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	_, err := e.pub.Publish(ctx, 1, testManifest("dupe", "0.1.0"), raw)
	if !errors.Is(err, ErrDuplicateVersion) {
		t.Fatalf("second publish err = %v, want ErrDuplicateVersion", err)
	}
	if n := e.versionCount(t); n != 1 {
		t.Fatalf("version rows = %d, want 1", n)
	}
}

func TestPublishMissingMetadata(t *testing.T) {
	ctx := context.Background()
	e := testEnv(t, true)
	m := &Manifest{Name: "bare", Vers: "0.1.0"}

	_, err := e.pub.Publish(ctx, 1, m, buildCrate(t, "bare", "0.1.0", nil))
	var invalid *InvalidMetadataError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want InvalidMetadataError", err)
	}
	// All problems are reported at once.
	want := []string{"description", "license", "authors"}
	if len(invalid.Missing) != len(want) {
		t.Fatalf("missing = %v, want %v", invalid.Missing, want)
	}
	for i, f := range want {
		if invalid.Missing[i] != f {
			t.Errorf("missing[%d] = %q, want %q", i, invalid.Missing[i], f)
		}
	}
}

func TestPublishOversizeUpload(t *testing.T) {
	ctx := context.Background()
	e := testEnv(t, true)
	e.pub.cfg.MaxUploadSize = 64

	raw := buildCrate(t, "big", "0.1.0", map[string]string{"data": strings.Repeat("x", 1024)})
	_, err := e.pub.Publish(ctx, 1, testManifest("big", "0.1.0"), raw)
	var tooLarge *UploadTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("err = %v, want UploadTooLargeError", err)
	}
	if tooLarge.Limit != 64 {
		t.Errorf("limit = %d, want 64", tooLarge.Limit)
	}
	if n := e.versionCount(t); n != 0 {
		t.Fatalf("version rows = %d, want 0", n)
	}
}

func TestPublishPerCrateUploadCeiling(t *testing.T) {
	ctx := context.Background()
	e := testEnv(t, true)

	raw := buildCrate(t, "roomy", "0.1.0", map[string]string{"data": strings.Repeat("x", 4096)})
	if _, err := e.pub.Publish(ctx, 1, testManifest("roomy", "0.1.0"), raw); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	// Shrink this crate's ceiling below the global one.
	if _, err := e.db.Exec(`UPDATE crates SET max_upload_size = 16 WHERE name = 'roomy'`); err != nil {
		t.Fatalf("set ceiling: %v", err)
	}
	raw2 := buildCrate(t, "roomy", "0.2.0", map[string]string{"data": "y"})
	_, err := e.pub.Publish(ctx, 1, testManifest("roomy", "0.2.0"), raw2)
	var tooLarge *UploadTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("err = %v, want UploadTooLargeError", err)
	}
	if tooLarge.Limit != 16 {
		t.Errorf("limit = %d, want per-crate 16", tooLarge.Limit)
	}
}

func TestPublishMalformedArchive(t *testing.T) {
	ctx := context.Background()
	e := testEnv(t, true)

	// Archive's top-level directory names a different package.
	raw := buildCrate(t, "other", "1.0.0", map[string]string{"lib.rs": ""})
	_, err := e.pub.Publish(ctx, 1, testManifest("victim", "1.0.0"), raw)
	var malformed *MalformedArchiveError
	if !errors.As(err, &malformed) {
		t.Fatalf("err = %v, want MalformedArchiveError", err)
	}
	if n := e.versionCount(t); n != 0 {
		t.Fatalf("version rows = %d, want 0", n)
	}
}

func TestPublishNonOwnerForbidden(t *testing.T) {
	ctx := context.Background()
	e := testEnv(t, true)

	raw := buildCrate(t, "mine", "1.0.0", map[string]string{"lib.rs": ""})
	if _, err := e.pub.Publish(ctx, 1, testManifest("mine", "1.0.0"), raw); err != nil {
		t.Fatalf("owner publish: %v", err)
	}
	raw2 := buildCrate(t, "mine", "1.1.0", map[string]string{"lib.rs": ""})
	_, err := e.pub.Publish(ctx, 2, testManifest("mine", "1.1.0"), raw2)
	var forbidden *ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("err = %v, want ForbiddenError", err)
	}
}

func TestPublishRateLimited(t *testing.T) {
	ctx := context.Background()
	e := testEnv(t, true)
	e.pub.limiter = limiter.New(e.db, time.Hour, 1)

	raw := buildCrate(t, "fast", "1.0.0", map[string]string{"lib.rs": ""})
	if _, err := e.pub.Publish(ctx, 7, testManifest("fast", "1.0.0"), raw); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	raw2 := buildCrate(t, "fast", "1.0.1", map[string]string{"lib.rs": ""})
	_, err := e.pub.Publish(ctx, 7, testManifest("fast", "1.0.1"), raw2)
	var limited *TooManyRequestsError
	if !errors.As(err, &limited) {
		t.Fatalf("err = %v, want TooManyRequestsError", err)
	}
	if !limited.RetryAfter.After(time.Now()) {
		t.Errorf("RetryAfter = %v, want in the future", limited.RetryAfter)
	}
}

// failingStore fails Put for paths under failPrefix and delegates
// everything else.
type failingStore struct {
	blob.Store
	failPrefix string
}

func (s *failingStore) Put(ctx context.Context, path string, content []byte, contentType string, headers map[string]string) error {
	if strings.HasPrefix(path, s.failPrefix) {
		return fmt.Errorf("synthetic failure for %s", path)
	}
	return s.Store.Put(ctx, path, content, contentType, headers)
}

func TestPublishReadmeUploadFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	e := testEnv(t, true)
	e.pub.blobs = &failingStore{Store: e.pub.blobs, failPrefix: "readmes/"}

	raw := buildCrate(t, "doomed", "1.0.0", map[string]string{"lib.rs": ""})
	m := testManifest("doomed", "1.0.0")
	m.Readme = "# doomed"

	_, err := e.pub.Publish(ctx, 1, m, raw)
	var storage *StorageError
	if !errors.As(err, &storage) {
		t.Fatalf("err = %v, want StorageError", err)
	}

	// The crate archive uploaded before the failure must be gone.
	if _, err := os.Stat(filepath.Join(e.blobRoot, filepath.FromSlash(blob.CratePath("doomed", "1.0.0")))); !os.IsNotExist(err) {
		t.Errorf("crate archive still present after failed publish")
	}
	if n := e.versionCount(t); n != 0 {
		t.Fatalf("version rows = %d, want 0", n)
	}
}

// rejectingRepo is an index repo whose remote never accepts pushes.
type rejectingRepo struct{ root string }

func (r *rejectingRepo) Root() string                                { return r.root }
func (r *rejectingRepo) Commit(ctx context.Context, _, _ string) error { return nil }
func (r *rejectingRepo) Push(ctx context.Context) error              { return index.ErrPushRejected }
func (r *rejectingRepo) ResetToRemote(ctx context.Context) error     { return nil }

func TestPublishSyncIndexFailureKeepsCommittedVersion(t *testing.T) {
	ctx := context.Background()
	e := testEnv(t, true)
	failing := index.NewSynchronizer(&rejectingRepo{root: t.TempDir()})
	failing.SetMaxAttempts(1)
	e.pub.sync = failing

	raw := buildCrate(t, "stuck", "1.0.0", map[string]string{"lib.rs": ""})
	_, err := e.pub.Publish(ctx, 1, testManifest("stuck", "1.0.0"), raw)
	var conflict *index.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ConflictError", err)
	}

	// The database commit stands and the artifacts stay in place; only
	// the derived index view is behind.
	if n := e.versionCount(t); n != 1 {
		t.Fatalf("version rows = %d, want 1", n)
	}
	if _, err := os.Stat(filepath.Join(e.blobRoot, filepath.FromSlash(blob.CratePath("stuck", "1.0.0")))); err != nil {
		t.Errorf("crate archive missing after index failure: %v", err)
	}
}

func TestPublishAsyncEnqueuesIndexJob(t *testing.T) {
	ctx := context.Background()
	e := testEnv(t, false)

	raw := buildCrate(t, "queued", "1.0.0", map[string]string{"lib.rs": ""})
	if _, err := e.pub.Publish(ctx, 1, testManifest("queued", "1.0.0"), raw); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// The index is only written once the worker runs the job.
	if _, err := os.Stat(filepath.Join(e.indexRoot, filepath.FromSlash(index.EntryPath("queued")))); !os.IsNotExist(err) {
		t.Fatal("index written before worker ran")
	}
	if n, err := e.queue.RunPending(ctx); err != nil || n != 1 {
		t.Fatalf("RunPending = (%d, %v), want (1, nil)", n, err)
	}
	entries := e.indexEntries(t, "queued")
	if len(entries) != 1 || entries[0].Vers != "1.0.0" {
		t.Fatalf("index entries = %+v", entries)
	}
}

func TestPublishWarnsOnUnknownCategoriesAndBadges(t *testing.T) {
	ctx := context.Background()
	e := testEnv(t, true)
	if err := e.store.AddCategory(ctx, "parsing", "Parsing"); err != nil {
		t.Fatalf("AddCategory: %v", err)
	}

	m := testManifest("warned", "1.0.0")
	m.Categories = []string{"parsing", "no-such-category"}
	m.Badges = map[string]BadgeAttrs{
		"travis-ci":    {"repository": "x/warned"},
		"fake-service": {"repository": "x/warned"},
	}
	pv, err := e.pub.Publish(ctx, 1, m, buildCrate(t, "warned", "1.0.0", nil))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(pv.Warnings.InvalidCategories) != 1 || pv.Warnings.InvalidCategories[0] != "no-such-category" {
		t.Errorf("invalid categories = %v", pv.Warnings.InvalidCategories)
	}
	if len(pv.Warnings.InvalidBadges) != 1 || pv.Warnings.InvalidBadges[0] != "fake-service" {
		t.Errorf("invalid badges = %v", pv.Warnings.InvalidBadges)
	}

	var n int
	if err := e.db.Get(&n, `SELECT COUNT(*) FROM crates_categories`); err != nil {
		t.Fatalf("count categories: %v", err)
	}
	if n != 1 {
		t.Errorf("attached categories = %d, want 1", n)
	}
}

func TestYankRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := testEnv(t, true)

	raw := buildCrate(t, "pullme", "1.0.0", map[string]string{"lib.rs": ""})
	if _, err := e.pub.Publish(ctx, 1, testManifest("pullme", "1.0.0"), raw); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if err := e.pub.SetYanked(ctx, 1, "pullme", "1.0.0", true); err != nil {
		t.Fatalf("SetYanked: %v", err)
	}
	entries := e.indexEntries(t, "pullme")
	if len(entries) != 1 || !entries[0].Yanked {
		t.Fatalf("index after yank = %+v", entries)
	}
	var yanked bool
	if err := e.db.Get(&yanked, `SELECT yanked FROM versions WHERE num = '1.0.0'`); err != nil {
		t.Fatalf("load yanked: %v", err)
	}
	if !yanked {
		t.Error("version row not yanked")
	}

	// The archive stays downloadable after a yank.
	if _, err := os.Stat(filepath.Join(e.blobRoot, filepath.FromSlash(blob.CratePath("pullme", "1.0.0")))); err != nil {
		t.Errorf("crate archive missing after yank: %v", err)
	}

	if err := e.pub.SetYanked(ctx, 1, "pullme", "1.0.0", false); err != nil {
		t.Fatalf("unyank: %v", err)
	}
	if entries := e.indexEntries(t, "pullme"); entries[0].Yanked {
		t.Error("index still yanked after unyank")
	}
}

func TestYankNonOwnerForbidden(t *testing.T) {
	ctx := context.Background()
	e := testEnv(t, true)

	raw := buildCrate(t, "guarded", "1.0.0", map[string]string{"lib.rs": ""})
	if _, err := e.pub.Publish(ctx, 1, testManifest("guarded", "1.0.0"), raw); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	err := e.pub.SetYanked(ctx, 99, "guarded", "1.0.0", true)
	var forbidden *ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("err = %v, want ForbiddenError", err)
	}
}
