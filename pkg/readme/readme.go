// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package readme renders package readmes to HTML for storage alongside
// the crate archive.
package readme

import (
	"bytes"
	"fmt"
	"path"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var md = goldmark.New(
	// GFM tables and strikethrough, but no raw HTML passthrough:
	// readme content is untrusted.
	goldmark.WithExtensions(extension.GFM),
)

// Render converts markdown source to HTML. Raw HTML in the source is
// escaped, not passed through.
func Render(source []byte) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert(source, &buf); err != nil {
		return "", fmt.Errorf("render readme: %w", err)
	}
	return buf.String(), nil
}

// RenderFile renders source according to the readme's filename:
// markdown files are converted to HTML, anything else is wrapped in a
// <pre> block with its content escaped.
func RenderFile(filename string, source []byte) (string, error) {
	switch strings.ToLower(path.Ext(filename)) {
	case ".md", ".markdown", ".mdown", ".mkdn", "":
		return Render(source)
	default:
		return "<pre>" + escape(string(source)) + "</pre>", nil
	}
}

func escape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
