// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// A Mutation is one logical change to the index. It is re-derived
// against the current working copy on every synchronization attempt, so
// materialize must be safe to run repeatedly.
type Mutation interface {
	// materialize applies the change under root and returns the
	// index-relative path of the file it touched.
	materialize(root string) (string, error)
	// message is the commit message for the change.
	message() string
}

// AddEntry appends a version line to the package's index file.
type AddEntry struct {
	Entry Entry
}

func (m AddEntry) message() string {
	return fmt.Sprintf("Updating package `%s#%s`", m.Entry.Name, m.Entry.Vers)
}

func (m AddEntry) materialize(root string) (string, error) {
	rel := EntryPath(m.Entry.Name)
	dst := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("create index directory: %w", err)
	}

	entry := m.Entry
	entry.normalize()
	line, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("encode index entry: %w", err)
	}

	prev, err := os.ReadFile(dst)
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("read index file: %w", err)
	}
	out := append(prev, line...)
	out = append(out, '\n')
	if err := os.WriteFile(dst, out, 0644); err != nil {
		return "", fmt.Errorf("write index file: %w", err)
	}
	return rel, nil
}

// SetYanked rewrites the package's index file, flipping the yanked flag
// on the matching version and leaving every other line untouched.
type SetYanked struct {
	Name    string
	Version string
	Yanked  bool
}

func (m SetYanked) message() string {
	verb := "Unyanking"
	if m.Yanked {
		verb = "Yanking"
	}
	return fmt.Sprintf("%s package `%s#%s`", verb, m.Name, m.Version)
}

func (m SetYanked) materialize(root string) (string, error) {
	rel := EntryPath(m.Name)
	dst := filepath.Join(root, filepath.FromSlash(rel))
	prev, err := os.ReadFile(dst)
	if err != nil {
		return "", fmt.Errorf("read index file: %w", err)
	}

	found := false
	lines := strings.Split(strings.TrimRight(string(prev), "\n"), "\n")
	for i, line := range lines {
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return "", fmt.Errorf("couldn't decode index line %q: %w", line, err)
		}
		if entry.Name != m.Name || entry.Vers != m.Version {
			continue
		}
		entry.Yanked = m.Yanked
		entry.normalize()
		out, err := json.Marshal(entry)
		if err != nil {
			return "", fmt.Errorf("encode index entry: %w", err)
		}
		lines[i] = string(out)
		found = true
	}
	if !found {
		return "", fmt.Errorf("version %s#%s not found in index", m.Name, m.Version)
	}
	if err := os.WriteFile(dst, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write index file: %w", err)
	}
	return rel, nil
}
