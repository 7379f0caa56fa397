// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stashrun/stash/pkg/index"
)

// Store is the registry's view of the SQLite database.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store { return &Store{db: db} }

// DB exposes the underlying handle for transaction control.
func (s *Store) DB() *sqlx.DB { return s.db }

// Crate is one row of the crates table.
type Crate struct {
	ID            int64         `db:"id"`
	Name          string        `db:"name"`
	Description   string        `db:"description"`
	Homepage      string        `db:"homepage"`
	Documentation string        `db:"documentation"`
	Repository    string        `db:"repository"`
	Readme        string        `db:"readme"`
	ReadmeFile    string        `db:"readme_file"`
	License       string        `db:"license"`
	MaxUploadSize sql.NullInt64 `db:"max_upload_size"`
	Downloads     int64         `db:"downloads"`
	CreatedAt     int64         `db:"created_at"`
	UpdatedAt     int64         `db:"updated_at"`
}

// Version is one row of the versions table.
type Version struct {
	ID          int64  `db:"id"`
	CrateID     int64  `db:"crate_id"`
	Num         string `db:"num"`
	Features    string `db:"features"`
	License     string `db:"license"`
	Size        int64  `db:"size"`
	Checksum    string `db:"checksum"`
	Yanked      bool   `db:"yanked"`
	Downloads   int64  `db:"downloads"`
	PublishedBy int64  `db:"published_by"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

// CreateOrUpdateCrate finds or creates the crate row for a publish and
// refreshes its descriptive metadata from the manifest. Publishing to
// an existing crate requires the actor to be an owner; creating a new
// crate makes the actor its first owner.
func (s *Store) CreateOrUpdateCrate(ctx context.Context, tx *sqlx.Tx, m *Manifest, actorID int64, now time.Time) (*Crate, error) {
	nowMS := now.UnixMilli()
	var c Crate
	err := tx.GetContext(ctx, &c, `SELECT * FROM crates WHERE name = ?`, m.Name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx, `
			INSERT INTO crates (name, description, homepage, documentation, repository,
				readme_file, license, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.Name, m.Description, m.Homepage, m.Documentation, m.Repository,
			m.ReadmeFile, m.effectiveLicense(), nowMS, nowMS)
		if err != nil {
			return nil, fmt.Errorf("insert crate %q: %w", m.Name, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO crate_owners (crate_id, actor_id) VALUES (?, ?)`, id, actorID); err != nil {
			return nil, fmt.Errorf("insert crate owner: %w", err)
		}
		if err := tx.GetContext(ctx, &c, `SELECT * FROM crates WHERE id = ?`, id); err != nil {
			return nil, err
		}
		return &c, nil
	case err != nil:
		return nil, fmt.Errorf("look up crate %q: %w", m.Name, err)
	}

	// Exact-name match: the NOCASE collation finds near-miss names, but
	// a crate is only ever published under its canonical spelling.
	if c.Name != m.Name {
		return nil, &ForbiddenError{
			Reason: fmt.Sprintf("crate was previously named %q", c.Name),
		}
	}
	owner, err := s.ownsTx(ctx, tx, c.ID, actorID)
	if err != nil {
		return nil, err
	}
	if !owner {
		return nil, &ForbiddenError{
			Reason: fmt.Sprintf("this crate exists but you do not have permission to publish %q", m.Name),
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE crates SET description = ?, homepage = ?, documentation = ?,
			repository = ?, readme_file = ?, license = ?, updated_at = ?
		WHERE id = ?`,
		m.Description, m.Homepage, m.Documentation, m.Repository,
		m.ReadmeFile, m.effectiveLicense(), nowMS, c.ID); err != nil {
		return nil, fmt.Errorf("update crate %q: %w", m.Name, err)
	}
	if err := tx.GetContext(ctx, &c, `SELECT * FROM crates WHERE id = ?`, c.ID); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ownsTx(ctx context.Context, tx *sqlx.Tx, crateID, actorID int64) (bool, error) {
	var n int
	err := tx.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM crate_owners WHERE crate_id = ? AND actor_id = ?`, crateID, actorID)
	if err != nil {
		return false, fmt.Errorf("check crate ownership: %w", err)
	}
	return n > 0, nil
}

// VersionExists reports whether the crate already has this exact
// version, yanked or not.
func (s *Store) VersionExists(ctx context.Context, tx *sqlx.Tx, crateID int64, num string) (bool, error) {
	var n int
	if err := tx.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM versions WHERE crate_id = ? AND num = ?`, crateID, num); err != nil {
		return false, fmt.Errorf("check for existing version: %w", err)
	}
	return n > 0, nil
}

// InsertVersion records a new version row plus its authors. A version
// that already exists yields ErrDuplicateVersion.
func (s *Store) InsertVersion(ctx context.Context, tx *sqlx.Tx, crateID int64, m *Manifest, size int64, checksum string, actorID int64, now time.Time) (int64, error) {
	exists, err := s.VersionExists(ctx, tx, crateID, m.Vers)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, fmt.Errorf("crate %q version %q: %w", m.Name, m.Vers, ErrDuplicateVersion)
	}

	features, err := json.Marshal(featuresOrEmpty(m.Features))
	if err != nil {
		return 0, fmt.Errorf("encode features: %w", err)
	}
	nowMS := now.UnixMilli()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO versions (crate_id, num, features, license, size, checksum,
			published_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		crateID, m.Vers, string(features), m.effectiveLicense(), size, checksum, actorID, nowMS, nowMS)
	if err != nil {
		// Backstop in case a concurrent publish won the race.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, fmt.Errorf("crate %q version %q: %w", m.Name, m.Vers, ErrDuplicateVersion)
		}
		return 0, fmt.Errorf("insert version: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, author := range nonEmpty(m.Authors) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO version_authors (version_id, name) VALUES (?, ?)`, id, author); err != nil {
			return 0, fmt.Errorf("insert version author: %w", err)
		}
	}
	return id, nil
}

// InsertDependencies records the version's dependencies and returns
// them in index form, ready for the registry index entry.
func (s *Store) InsertDependencies(ctx context.Context, tx *sqlx.Tx, versionID int64, deps []ManifestDep) ([]index.Dependency, error) {
	out := make([]index.Dependency, 0, len(deps))
	for _, d := range deps {
		kind := d.Kind
		if kind == "" {
			kind = "normal"
		}
		// A renamed dependency is indexed under its in-manifest alias,
		// with the real crate name in the package field.
		name, pkg := d.Name, ""
		if d.ExplicitNameInToml != "" {
			name, pkg = d.ExplicitNameInToml, d.Name
		}
		features, err := json.Marshal(sliceOrEmpty(d.Features))
		if err != nil {
			return nil, fmt.Errorf("encode dependency features: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dependencies (version_id, crate_name, req, optional,
				default_features, features, target, kind, package)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			versionID, name, d.VersionReq, d.Optional, d.DefaultFeatures,
			string(features), d.Target, kind, pkg); err != nil {
			return nil, fmt.Errorf("insert dependency %q: %w", d.Name, err)
		}
		out = append(out, index.Dependency{
			Name:            name,
			Req:             d.VersionReq,
			Features:        sliceOrEmpty(d.Features),
			Optional:        d.Optional,
			DefaultFeatures: d.DefaultFeatures,
			Target:          d.Target,
			Kind:            kind,
			Package:         pkg,
		})
	}
	return out, nil
}

// SetKeywords replaces the crate's keyword set with the given one,
// interning each keyword in the keywords table.
func (s *Store) SetKeywords(ctx context.Context, tx *sqlx.Tx, crateID int64, keywords []string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM crates_keywords WHERE crate_id = ?`, crateID); err != nil {
		return fmt.Errorf("clear keywords: %w", err)
	}
	for _, kw := range nonEmpty(keywords) {
		kw = strings.ToLower(kw)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO keywords (keyword) VALUES (?) ON CONFLICT (keyword) DO NOTHING`, kw); err != nil {
			return fmt.Errorf("intern keyword %q: %w", kw, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO crates_keywords (crate_id, keyword_id)
			SELECT ?, id FROM keywords WHERE keyword = ?`, crateID, kw); err != nil {
			return fmt.Errorf("attach keyword %q: %w", kw, err)
		}
	}
	return nil
}

// SetCategories replaces the crate's categories with those slugs that
// exist in the categories table. Unknown slugs are returned so the
// publish response can warn about them.
func (s *Store) SetCategories(ctx context.Context, tx *sqlx.Tx, crateID int64, slugs []string) (invalid []string, err error) {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM crates_categories WHERE crate_id = ?`, crateID); err != nil {
		return nil, fmt.Errorf("clear categories: %w", err)
	}
	for _, slug := range nonEmpty(slugs) {
		var id int64
		err := tx.GetContext(ctx, &id, `SELECT id FROM categories WHERE slug = ?`, slug)
		if errors.Is(err, sql.ErrNoRows) {
			invalid = append(invalid, slug)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("look up category %q: %w", slug, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO crates_categories (crate_id, category_id) VALUES (?, ?)`, crateID, id); err != nil {
			return nil, fmt.Errorf("attach category %q: %w", slug, err)
		}
	}
	return invalid, nil
}

// knownBadges are the badge types the registry will render.
var knownBadges = map[string]bool{
	"appveyor":    true,
	"circle-ci":   true,
	"cirrus-ci":   true,
	"codecov":     true,
	"coveralls":   true,
	"gitlab":      true,
	"maintenance": true,
	"travis-ci":   true,
}

// SetBadges replaces the crate's badges, dropping unrecognized badge
// types. The dropped types are returned for the publish warnings.
func (s *Store) SetBadges(ctx context.Context, tx *sqlx.Tx, crateID int64, badges map[string]BadgeAttrs) (invalid []string, err error) {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM badges WHERE crate_id = ?`, crateID); err != nil {
		return nil, fmt.Errorf("clear badges: %w", err)
	}
	for badgeType, attrs := range badges {
		if !knownBadges[badgeType] {
			invalid = append(invalid, badgeType)
			continue
		}
		encoded, err := json.Marshal(attrs)
		if err != nil {
			return nil, fmt.Errorf("encode badge %q: %w", badgeType, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO badges (crate_id, badge_type, attributes) VALUES (?, ?, ?)`,
			crateID, badgeType, string(encoded)); err != nil {
			return nil, fmt.Errorf("insert badge %q: %w", badgeType, err)
		}
	}
	return invalid, nil
}

// GetVersion loads a version row by crate name and version number.
func (s *Store) GetVersion(ctx context.Context, crateName, num string) (*Crate, *Version, error) {
	var c Crate
	if err := s.db.GetContext(ctx, &c, `SELECT * FROM crates WHERE name = ?`, crateName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("crate %q not found", crateName)
		}
		return nil, nil, err
	}
	var v Version
	if err := s.db.GetContext(ctx, &v,
		`SELECT * FROM versions WHERE crate_id = ? AND num = ?`, c.ID, num); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("crate %q has no version %q", crateName, num)
		}
		return nil, nil, err
	}
	return &c, &v, nil
}

// Owns reports whether actorID is an owner of the named crate.
func (s *Store) Owns(ctx context.Context, crateID, actorID int64) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM crate_owners WHERE crate_id = ? AND actor_id = ?`, crateID, actorID)
	if err != nil {
		return false, fmt.Errorf("check crate ownership: %w", err)
	}
	return n > 0, nil
}

// SetVersionYanked flips the yank flag on a version row.
func (s *Store) SetVersionYanked(ctx context.Context, versionID int64, yanked bool, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE versions SET yanked = ?, updated_at = ? WHERE id = ?`,
		yanked, now.UnixMilli(), versionID)
	if err != nil {
		return fmt.Errorf("set yanked: %w", err)
	}
	return nil
}

// IncrementDownload bumps the per-day download counter for a version.
// The counts are folded into the crate and version totals by the
// periodic rollup job, not here.
func (s *Store) IncrementDownload(ctx context.Context, versionID int64, date string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO version_downloads (version_id, date, downloads) VALUES (?, ?, 1)
		ON CONFLICT (version_id, date) DO UPDATE SET downloads = downloads + 1, processed = 0`,
		versionID, date)
	if err != nil {
		return fmt.Errorf("record download: %w", err)
	}
	return nil
}

// AddCategory registers a category slug so crates can use it.
func (s *Store) AddCategory(ctx context.Context, slug, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (slug, name) VALUES (?, ?)
		ON CONFLICT (slug) DO UPDATE SET name = excluded.name`, slug, name)
	if err != nil {
		return fmt.Errorf("add category %q: %w", slug, err)
	}
	return nil
}

func featuresOrEmpty(m map[string][]string) map[string][]string {
	if m == nil {
		return map[string][]string{}
	}
	return m
}

func sliceOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
