// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"context"
	"fmt"

	"github.com/stashrun/stash/pkg/index"
)

// SetYanked marks a published version as yanked or un-yanked. The
// archive stays downloadable for existing dependents; the index entry's
// yanked flag steers new resolutions away. Requires crate ownership.
func (p *Publisher) SetYanked(ctx context.Context, actorID int64, crateName, version string, yanked bool) error {
	crate, ver, err := p.store.GetVersion(ctx, crateName, version)
	if err != nil {
		return err
	}
	owner, err := p.store.Owns(ctx, crate.ID, actorID)
	if err != nil {
		return err
	}
	if !owner {
		return &ForbiddenError{
			Reason: fmt.Sprintf("you do not have permission to yank versions of %q", crateName),
		}
	}

	mutation := index.SetYanked{Name: crate.Name, Version: ver.Num, Yanked: yanked}

	tx, err := p.store.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin yank: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`UPDATE versions SET yanked = ?, updated_at = ? WHERE id = ?`,
		yanked, p.now().UnixMilli(), ver.ID); err != nil {
		return fmt.Errorf("set yanked: %w", err)
	}
	if !p.cfg.SyncIndex {
		if _, err := p.queue.Enqueue(ctx, tx, JobIndexSetYanked, mutation); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit yank: %w", err)
	}

	if p.cfg.SyncIndex {
		return p.sync.Apply(ctx, mutation)
	}
	return nil
}
