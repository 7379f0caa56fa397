// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package blob stores published package artifacts at deterministic,
// content-addressed paths.
package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Cache-control headers applied to uploaded artifacts. Crate archives are
// immutable once published; readmes may be re-rendered.
const (
	CacheControlImmutable = "public,max-age=31536000,immutable"
	CacheControlReadme    = "public,max-age=604800"
)

// Content types of uploaded artifacts.
const (
	ContentTypeCrate  = "application/x-tar"
	ContentTypeReadme = "text/html"
)

// CratePath returns the storage path of a version's crate archive.
func CratePath(name, version string) string {
	return fmt.Sprintf("crates/%s/%s-%s.crate", name, name, version)
}

// ReadmePath returns the storage path of a version's rendered readme.
func ReadmePath(name, version string) string {
	return fmt.Sprintf("readmes/%s/%s-%s.html", name, name, version)
}

// Store is the write interface to the artifact store. Implementations
// must make Delete of a missing path a no-op so that abandoned uploads
// can always be cleaned up.
type Store interface {
	Put(ctx context.Context, path string, content []byte, contentType string, headers map[string]string) error
	Delete(ctx context.Context, path string) error
}

// FilesystemStore implements Store on the local filesystem. It is used
// for development and single-node deployments, and serves uploaded files
// from its root directory.
type FilesystemStore struct {
	root string
}

var _ Store = (*FilesystemStore)(nil)

// NewFilesystemStore creates a filesystem store rooted at root.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FilesystemStore{root: root}, nil
}

func (s *FilesystemStore) localPath(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(path))
}

// Put writes content to path. The content type is recorded in a
// companion file; extra headers only matter to remote stores and are
// ignored here.
func (s *FilesystemStore) Put(ctx context.Context, path string, content []byte, contentType string, headers map[string]string) error {
	dst := s.localPath(path)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}

	// Write to a temporary file and rename into place so a crashed
	// upload never leaves a partial artifact at the final path.
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return fmt.Errorf("create upload file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("rename artifact: %w", err)
	}
	if contentType != "" {
		if err := os.WriteFile(dst+".mediatype", []byte(contentType), 0644); err != nil {
			return fmt.Errorf("write media type: %w", err)
		}
	}
	return nil
}

// Delete removes the artifact at path. Deleting a missing artifact is
// not an error.
func (s *FilesystemStore) Delete(ctx context.Context, path string) error {
	dst := s.localPath(path)
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete artifact: %w", err)
	}
	os.Remove(dst + ".mediatype") // ignore errors
	return nil
}
