// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package registry implements the publish pipeline of the package
// registry: metadata persistence, admission control, archive checks,
// artifact upload and the index handoff.
package registry

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Open opens (creating if needed) the registry database at path and
// applies any pending schema migrations.
//
// Transactions begin with BEGIN IMMEDIATE: the limiter and the publish
// pipeline read before they write inside the same transaction, and a
// deferred transaction that upgrades its read snapshot to a write lock
// fails with SQLITE_BUSY instead of waiting out busy_timeout. Taking
// the write lock up front makes concurrent writers queue rather than
// error.
func Open(path string) (*sqlx.DB, error) {
	dsn := path + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
