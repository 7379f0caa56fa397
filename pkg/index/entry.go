// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package index maintains the git-backed registry index: one
// newline-delimited JSON file per package, replicated through a shared
// remote that every backend instance pushes to.
package index

import (
	"path"
	"strings"
)

// Entry is one line of a package's index file. Fields marshal in
// declaration order, and features maps marshal with sorted keys, so a
// given entry always serializes to the same bytes.
type Entry struct {
	Name     string              `json:"name"`
	Vers     string              `json:"vers"`
	Deps     []Dependency        `json:"deps"`
	Cksum    string              `json:"cksum"`
	Features map[string][]string `json:"features"`
	Yanked   bool                `json:"yanked"`
	Links    string              `json:"links,omitempty"`
}

// Dependency is one edge of an index entry.
type Dependency struct {
	Name            string   `json:"name"`
	Req             string   `json:"req"`
	Features        []string `json:"features"`
	Optional        bool     `json:"optional"`
	DefaultFeatures bool     `json:"default_features"`
	Target          *string  `json:"target"`
	Kind            string   `json:"kind,omitempty"`
	Package         string   `json:"package,omitempty"`
}

// normalize replaces nil slices and maps so entries marshal as [] and {}
// rather than null, keeping serialized lines stable across writers.
func (e *Entry) normalize() {
	if e.Deps == nil {
		e.Deps = []Dependency{}
	}
	for i := range e.Deps {
		if e.Deps[i].Features == nil {
			e.Deps[i].Features = []string{}
		}
	}
	if e.Features == nil {
		e.Features = map[string][]string{}
	}
	for k, v := range e.Features {
		if v == nil {
			e.Features[k] = []string{}
		}
	}
}

// EntryPath returns the index-relative path of a package's record file.
// Names are case-folded to lowercase and sharded by length to bound
// directory fan-out: length 1 -> 1/, length 2 -> 2/, length 3 ->
// 3/{first char}/, length >= 4 -> {chars 1-2}/{chars 3-4}/.
func EntryPath(name string) string {
	name = strings.ToLower(name)
	switch len(name) {
	case 0:
		return ""
	case 1:
		return path.Join("1", name)
	case 2:
		return path.Join("2", name)
	case 3:
		return path.Join("3", name[:1], name)
	default:
		return path.Join(name[0:2], name[2:4], name)
	}
}
