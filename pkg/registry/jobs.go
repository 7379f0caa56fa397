// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"context"
	"encoding/json"

	"github.com/stashrun/stash/pkg/index"
	"github.com/stashrun/stash/pkg/jobs"
)

// Job kinds the registry enqueues for the background worker.
const (
	JobIndexAddEntry   = "index_add_entry"
	JobIndexSetYanked  = "index_set_yanked"
	JobUpdateDownloads = "update_downloads"
)

// RegisterHandlers installs the registry's job handlers on q. The index
// handlers drive sync, so the worker is the only process pushing to the
// index repository in the default async configuration.
func RegisterHandlers(q *jobs.Queue, sync *index.Synchronizer, store *Store) {
	q.Register(JobIndexAddEntry, func(ctx context.Context, payload json.RawMessage) error {
		var entry index.Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return err
		}
		return sync.Apply(ctx, index.AddEntry{Entry: entry})
	})
	q.Register(JobIndexSetYanked, func(ctx context.Context, payload json.RawMessage) error {
		var m index.SetYanked
		if err := json.Unmarshal(payload, &m); err != nil {
			return err
		}
		return sync.Apply(ctx, m)
	})
	q.Register(JobUpdateDownloads, func(ctx context.Context, payload json.RawMessage) error {
		return store.UpdateDownloads(ctx)
	})
}
