// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package blob

import (
	"context"
	"log"
)

// Bomb is a scoped rollback guard for one uploaded artifact. Release
// deletes the artifact unless Disarm was called first, so a blob never
// outlives the database transaction that references it. Callers upload,
// defer Release, and disarm only after the transaction has committed.
type Bomb struct {
	store Store
	path  string
	armed bool
}

// Upload writes content to path in s and returns an armed Bomb for it.
func Upload(ctx context.Context, s Store, path string, content []byte, contentType string, headers map[string]string) (*Bomb, error) {
	if err := s.Put(ctx, path, content, contentType, headers); err != nil {
		return nil, err
	}
	return &Bomb{store: s, path: path, armed: true}, nil
}

// Disarm marks the upload as committed; Release becomes a no-op.
func (b *Bomb) Disarm() {
	if b != nil {
		b.armed = false
	}
}

// Release deletes the uploaded artifact if the bomb is still armed.
// Safe to call on a nil bomb so optional artifacts can be released
// unconditionally.
func (b *Bomb) Release(ctx context.Context) {
	if b == nil || !b.armed {
		return
	}
	b.armed = false
	if err := b.store.Delete(ctx, b.path); err != nil {
		log.Printf("failed to delete %s after abandoned publish: %v", b.path, err)
	}
}

// Path returns the storage path the bomb guards.
func (b *Bomb) Path() string {
	if b == nil {
		return ""
	}
	return b.path
}
