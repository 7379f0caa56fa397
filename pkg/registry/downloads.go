// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"context"
	"fmt"
	"time"
)

// DownloadDate formats a time as a version_downloads date key.
func DownloadDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// UpdateDownloads folds per-day download counts into the version, crate
// and registry-wide totals. Each row is processed in its own
// transaction so a failure mid-run loses no counts; the counted column
// records how much of each row has been folded in already. Rows for
// past days whose counts are fully folded are frozen and skipped by
// future runs.
func (s *Store) UpdateDownloads(ctx context.Context) error {
	type row struct {
		VersionID int64  `db:"version_id"`
		Date      string `db:"date"`
		Downloads int64  `db:"downloads"`
		Counted   int64  `db:"counted"`
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT version_id, date, downloads, counted FROM version_downloads
		WHERE processed = 0 AND downloads != counted`)
	if err != nil {
		return fmt.Errorf("list unprocessed downloads: %w", err)
	}

	for _, r := range rows {
		amt := r.Downloads - r.Counted
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin download rollup: %w", err)
		}
		rollup := func() error {
			if _, err := tx.ExecContext(ctx,
				`UPDATE versions SET downloads = downloads + ? WHERE id = ?`, amt, r.VersionID); err != nil {
				return fmt.Errorf("update version downloads: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE crates SET downloads = downloads + ?
				WHERE id = (SELECT crate_id FROM versions WHERE id = ?)`, amt, r.VersionID); err != nil {
				return fmt.Errorf("update crate downloads: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE metadata SET total_downloads = total_downloads + ?`, amt); err != nil {
				return fmt.Errorf("update total downloads: %w", err)
			}
			// Updating counted last makes a crashed run re-fold at most
			// this one row's delta, never lose it.
			if _, err := tx.ExecContext(ctx, `
				UPDATE version_downloads SET counted = counted + ?
				WHERE version_id = ? AND date = ?`, amt, r.VersionID, r.Date); err != nil {
				return fmt.Errorf("update counted downloads: %w", err)
			}
			return nil
		}
		if err := rollup(); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit download rollup: %w", err)
		}
	}

	// Freeze fully-counted rows from earlier days.
	today := DownloadDate(time.Now())
	if _, err := s.db.ExecContext(ctx, `
		UPDATE version_downloads SET processed = 1
		WHERE processed = 0 AND downloads = counted AND date < ?`, today); err != nil {
		return fmt.Errorf("freeze download rows: %w", err)
	}
	return nil
}

// TotalDownloads returns the registry-wide download count.
func (s *Store) TotalDownloads(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT total_downloads FROM metadata`); err != nil {
		return 0, fmt.Errorf("read total downloads: %w", err)
	}
	return n, nil
}
