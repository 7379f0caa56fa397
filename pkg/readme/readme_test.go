// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package readme

import (
	"strings"
	"testing"
)

func TestRenderMarkdown(t *testing.T) {
	html, err := Render([]byte("# Title\n\nsome *emphasis*"))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(html, "<h1") || !strings.Contains(html, "<em>emphasis</em>") {
		t.Fatalf("unexpected html: %q", html)
	}
}

func TestRenderEscapesRawHTML(t *testing.T) {
	html, err := Render([]byte("hello <script>alert(1)</script>"))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(html, "<script>") {
		t.Fatalf("raw html passed through: %q", html)
	}
}

func TestRenderFile(t *testing.T) {
	tests := []struct {
		filename string
		source   string
		want     string
	}{
		{"README.md", "# hi", "<h1"},
		{"README", "# hi", "<h1"},
		{"README.txt", "a < b", "<pre>a &lt; b</pre>"},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			html, err := RenderFile(tt.filename, []byte(tt.source))
			if err != nil {
				t.Fatalf("RenderFile: %v", err)
			}
			if !strings.Contains(html, tt.want) {
				t.Fatalf("html = %q, want substring %q", html, tt.want)
			}
		})
	}
}
