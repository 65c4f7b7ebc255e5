// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package github

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

	headingPattern = regexp.MustCompile(`(?is)<h\d[^>]*>(.*?)</h\d>`)
)

// RenderChangelog converts a release body from markdown to HTML. Headings of
// any level become h4 so they nest under the host page's own headings.
func RenderChangelog(body, version string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return FallbackChangelog(version, ""), nil
	}

	var buf bytes.Buffer
	if err := markdown.Convert([]byte(body), &buf); err != nil {
		return "", errors.Wrap(err, "render changelog")
	}

	html := headingPattern.ReplaceAllString(buf.String(), "<h4>$1</h4>")
	if strings.TrimSpace(html) == "" {
		return FallbackChangelog(version, ""), nil
	}
	return html, nil
}

// FallbackChangelog is the one-line changelog used when a release has none.
func FallbackChangelog(version, name string) string {
	if name == "" {
		return "<p>This release contains version " + version + ".</p>"
	}
	return "<p>This release contains version " + version + " of the " + name + " plugin</p>"
}
