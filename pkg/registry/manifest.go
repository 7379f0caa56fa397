// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// MaxCrateNameLen bounds crate names. Longer names are rejected at
// publish time.
const MaxCrateNameLen = 64

// Manifest is the metadata a client sends alongside the crate archive
// when publishing a version.
type Manifest struct {
	Name          string                `json:"name"`
	Vers          string                `json:"vers"`
	Deps          []ManifestDep         `json:"deps"`
	Features      map[string][]string   `json:"features"`
	Authors       []string              `json:"authors"`
	Description   string                `json:"description"`
	Documentation string                `json:"documentation"`
	Homepage      string                `json:"homepage"`
	Readme        string                `json:"readme"`
	ReadmeFile    string                `json:"readme_file"`
	Keywords      []string              `json:"keywords"`
	Categories    []string              `json:"categories"`
	License       string                `json:"license"`
	LicenseFile   string                `json:"license_file"`
	Repository    string                `json:"repository"`
	Badges        map[string]BadgeAttrs `json:"badges"`
	Links         string                `json:"links"`
}

// ManifestDep describes one dependency of the version being published.
type ManifestDep struct {
	Name               string   `json:"name"`
	VersionReq         string   `json:"version_req"`
	Features           []string `json:"features"`
	Optional           bool     `json:"optional"`
	DefaultFeatures    bool     `json:"default_features"`
	Target             *string  `json:"target"`
	Kind               string   `json:"kind"`
	ExplicitNameInToml string   `json:"explicit_name_in_toml"`
}

// BadgeAttrs is the free-form attribute map of a single badge.
type BadgeAttrs map[string]string

// Validate checks the manifest for well-formedness and required
// metadata. All missing fields are collected into a single
// InvalidMetadataError so a client can fix everything in one pass.
func (m *Manifest) Validate() error {
	if err := ValidateCrateName(m.Name); err != nil {
		return err
	}
	if _, err := semver.StrictNewVersion(m.Vers); err != nil {
		return &MalformedArchiveError{Reason: fmt.Sprintf("invalid version %q: %v", m.Vers, err)}
	}
	for _, dep := range m.Deps {
		if _, err := semver.NewConstraint(dep.VersionReq); err != nil {
			return &MalformedArchiveError{
				Reason: fmt.Sprintf("invalid requirement %q for dependency %q: %v", dep.VersionReq, dep.Name, err),
			}
		}
		switch dep.Kind {
		case "", "normal", "dev", "build":
		default:
			return &MalformedArchiveError{
				Reason: fmt.Sprintf("invalid kind %q for dependency %q", dep.Kind, dep.Name),
			}
		}
	}

	var missing []string
	if strings.TrimSpace(m.Description) == "" {
		missing = append(missing, "description")
	}
	if strings.TrimSpace(m.License) == "" && strings.TrimSpace(m.LicenseFile) == "" {
		missing = append(missing, "license")
	}
	if len(nonEmpty(m.Authors)) == 0 {
		missing = append(missing, "authors")
	}
	if len(missing) > 0 {
		return &InvalidMetadataError{Missing: missing}
	}
	if m.License != "" {
		if err := validateLicenseExpr(m.License); err != nil {
			return err
		}
	}
	return nil
}

// effectiveLicense is the license recorded for the version: the declared
// expression, or "non-standard" when the package ships only a license
// file.
func (m *Manifest) effectiveLicense() string {
	if strings.TrimSpace(m.License) == "" {
		return "non-standard"
	}
	return m.License
}

// spdxLicenses are the license identifiers accepted in license
// expressions.
var spdxLicenses = map[string]bool{
	"0BSD": true, "AGPL-3.0": true, "Apache-2.0": true, "Artistic-2.0": true,
	"BSD-2-Clause": true, "BSD-3-Clause": true, "BSL-1.0": true,
	"CC-BY-4.0": true, "CC0-1.0": true, "EPL-2.0": true,
	"GPL-2.0": true, "GPL-2.0-only": true, "GPL-2.0-or-later": true,
	"GPL-3.0": true, "GPL-3.0-only": true, "GPL-3.0-or-later": true,
	"ISC": true, "LGPL-2.1": true, "LGPL-3.0": true, "MIT": true,
	"MPL-2.0": true, "Python-2.0": true, "Unlicense": true, "WTFPL": true,
	"Zlib": true,
}

// validateLicenseExpr checks a license expression: identifiers joined by
// "/", "AND", "OR" or "WITH". A trailing "+" on an identifier is
// allowed.
func validateLicenseExpr(expr string) error {
	tokens := strings.FieldsFunc(expr, func(r rune) bool {
		return r == ' ' || r == '/' || r == '(' || r == ')'
	})
	for _, tok := range tokens {
		switch tok {
		case "AND", "OR", "WITH":
			continue
		}
		id := strings.TrimSuffix(tok, "+")
		if !spdxLicenses[id] {
			return fmt.Errorf("unknown license %q in license expression %q", tok, expr)
		}
	}
	return nil
}

// ValidateCrateName enforces the crate naming rules: leading letter,
// then letters, digits, hyphens and underscores, at most
// MaxCrateNameLen characters.
func ValidateCrateName(name string) error {
	if name == "" {
		return &MalformedArchiveError{Reason: "crate name is empty"}
	}
	if len(name) > MaxCrateNameLen {
		return &MalformedArchiveError{
			Reason: fmt.Sprintf("crate name is too long (max %d characters)", MaxCrateNameLen),
		}
	}
	for i, r := range name {
		if i == 0 {
			if !isAlpha(r) {
				return &MalformedArchiveError{Reason: fmt.Sprintf("crate name %q must start with a letter", name)}
			}
			continue
		}
		if !isAlpha(r) && !isDigit(r) && r != '-' && r != '_' {
			return &MalformedArchiveError{Reason: fmt.Sprintf("invalid character %q in crate name %q", r, name)}
		}
	}
	return nil
}

func isAlpha(r rune) bool { return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') }
func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func nonEmpty(ss []string) []string {
	out := ss[:0:0]
	for _, s := range ss {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
