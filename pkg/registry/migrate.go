// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

const currentSchemaVersion = 1

var migrators = map[int]func(*sqlx.Tx) error{ // schema version -> next step
	0: initialSchema,
}

// Migrate brings the database schema up to currentSchemaVersion.
func Migrate(db *sqlx.DB) error {
	var version int
	if err := db.Get(&version, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for version < currentSchemaVersion {
		migrator, ok := migrators[version]
		if !ok {
			return fmt.Errorf("no migrator for schema version %d", version)
		}
		tx, err := db.Beginx()
		if err != nil {
			return fmt.Errorf("begin migration: %w", err)
		}
		if err := migrator(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrating schema version %d: %w", version, err)
		}
		version++
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("set schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration: %w", err)
		}
	}
	return nil
}

func initialSchema(tx *sqlx.Tx) error {
	_, err := tx.Exec(`
CREATE TABLE crates (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	name            TEXT NOT NULL UNIQUE COLLATE NOCASE,
	description     TEXT NOT NULL DEFAULT '',
	homepage        TEXT NOT NULL DEFAULT '',
	documentation   TEXT NOT NULL DEFAULT '',
	repository      TEXT NOT NULL DEFAULT '',
	readme          TEXT NOT NULL DEFAULT '',
	readme_file     TEXT NOT NULL DEFAULT '',
	license         TEXT NOT NULL DEFAULT '',
	max_upload_size INTEGER,
	downloads       INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE TABLE crate_owners (
	crate_id INTEGER NOT NULL REFERENCES crates(id),
	actor_id INTEGER NOT NULL,
	PRIMARY KEY (crate_id, actor_id)
);

CREATE TABLE versions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	crate_id     INTEGER NOT NULL REFERENCES crates(id),
	num          TEXT NOT NULL,
	features     TEXT NOT NULL DEFAULT '{}',
	license      TEXT NOT NULL DEFAULT '',
	size         INTEGER NOT NULL DEFAULT 0,
	checksum     TEXT NOT NULL DEFAULT '',
	yanked       INTEGER NOT NULL DEFAULT 0,
	downloads    INTEGER NOT NULL DEFAULT 0,
	published_by INTEGER NOT NULL,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	UNIQUE (crate_id, num)
);

CREATE TABLE version_authors (
	version_id INTEGER NOT NULL REFERENCES versions(id),
	name       TEXT NOT NULL
);

CREATE TABLE dependencies (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	version_id       INTEGER NOT NULL REFERENCES versions(id),
	crate_name       TEXT NOT NULL,
	req              TEXT NOT NULL,
	optional         INTEGER NOT NULL DEFAULT 0,
	default_features INTEGER NOT NULL DEFAULT 1,
	features         TEXT NOT NULL DEFAULT '[]',
	target           TEXT,
	kind             TEXT NOT NULL DEFAULT 'normal',
	package          TEXT NOT NULL DEFAULT ''
);

CREATE TABLE keywords (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	keyword TEXT NOT NULL UNIQUE
);

CREATE TABLE crates_keywords (
	crate_id   INTEGER NOT NULL REFERENCES crates(id),
	keyword_id INTEGER NOT NULL REFERENCES keywords(id),
	PRIMARY KEY (crate_id, keyword_id)
);

CREATE TABLE categories (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	slug TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL
);

CREATE TABLE crates_categories (
	crate_id    INTEGER NOT NULL REFERENCES crates(id),
	category_id INTEGER NOT NULL REFERENCES categories(id),
	PRIMARY KEY (crate_id, category_id)
);

CREATE TABLE badges (
	crate_id   INTEGER NOT NULL REFERENCES crates(id),
	badge_type TEXT NOT NULL,
	attributes TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (crate_id, badge_type)
);

CREATE TABLE publish_limit_buckets (
	actor_id    INTEGER NOT NULL,
	action      INTEGER NOT NULL,
	tokens      INTEGER NOT NULL,
	last_refill INTEGER NOT NULL,
	PRIMARY KEY (actor_id, action)
);

CREATE TABLE publish_rate_overrides (
	actor_id   INTEGER NOT NULL,
	action     INTEGER NOT NULL,
	burst      INTEGER NOT NULL,
	expires_at INTEGER,
	PRIMARY KEY (actor_id, action)
);

CREATE TABLE version_downloads (
	version_id INTEGER NOT NULL REFERENCES versions(id),
	date       TEXT NOT NULL,
	downloads  INTEGER NOT NULL DEFAULT 0,
	counted    INTEGER NOT NULL DEFAULT 0,
	processed  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (version_id, date)
);

CREATE TABLE metadata (
	total_downloads INTEGER NOT NULL DEFAULT 0
);
INSERT INTO metadata (total_downloads) VALUES (0);

CREATE TABLE jobs (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	payload      TEXT NOT NULL DEFAULT '{}',
	state        TEXT NOT NULL DEFAULT 'pending',
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	last_error   TEXT NOT NULL DEFAULT '',
	run_at       INTEGER NOT NULL,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX jobs_pending ON jobs (state, run_at);
`)
	return err
}
