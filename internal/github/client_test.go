// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package github

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const releaseJSON = `{
	"id": 42,
	"tag_name": "v1.2.0",
	"body": "## Fixes\n\n- crash on save",
	"published_at": "2025-05-01T10:00:00Z",
	"assets": [{"id": 7, "name": "widget.zip", "url": "%s/repos/acme/widget/releases/assets/7"}]
}`

func newUpstream(t *testing.T, handler http.HandlerFunc) (*httptest.Server, RepoConfig) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, RepoConfig{APIURL: srv.URL + "/repos/acme/widget", Token: "secret"}
}

func TestGetRelease(t *testing.T) {
	var gotPath, gotAuth string
	_, repo := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, releaseJSON, "http://"+r.Host)
	})

	client := NewClient(5 * time.Second)

	release, err := client.GetRelease(testContext(t), repo, "latest")
	require.NoError(t, err)

	assert.Equal(t, "/repos/acme/widget/releases/latest", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "v1.2.0", release.Version)
	assert.EqualValues(t, 42, release.ID)
	assert.Equal(t, time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC), release.PublishedAt.UTC())
	assert.Contains(t, release.Changelog, "<h4>Fixes</h4>")
	require.Len(t, release.Assets, 1)
	assert.Equal(t, "/releases/assets/7", release.Assets[0].Path)

	_, err = client.GetRelease(testContext(t), repo, "v1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "/repos/acme/widget/releases/tags/v1.0.0", gotPath)
}

func TestGetReleaseErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, "", ErrUnauthorized},
		{"forbidden", http.StatusForbidden, "", ErrUnauthorized},
		{"no releases", http.StatusNotFound, "", ErrNoReleases},
		{"server error", http.StatusBadGateway, "", ErrUnexpectedStatus},
		{"empty tag", http.StatusOK, `{"id": 1}`, ErrNoReleases},
		{"garbage", http.StatusOK, `not json`, ErrMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, repo := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := NewClient(time.Second).GetRelease(testContext(t), repo, "latest")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)

			var apiErr *APIError
			assert.True(t, errors.As(err, &apiErr))
		})
	}
}

func TestGetReleaseTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	repo := RepoConfig{APIURL: srv.URL, Token: "secret"}
	srv.Close()

	_, err := NewClient(time.Second).GetRelease(testContext(t), repo, "latest")
	assert.ErrorIs(t, err, ErrTransport)
}

func TestGetReleaseNotConfigured(t *testing.T) {
	_, err := NewClient(time.Second).GetRelease(testContext(t), RepoConfig{APIURL: "https://api.github.com/repos/a/b"}, "latest")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestDownloadAsset(t *testing.T) {
	var accept string
	_, repo := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		accept = r.Header.Get("Accept")
		w.Header().Set("Content-Disposition", "attachment; filename=widget-1.2.0.zip")
		_, _ = w.Write([]byte("zip-bytes"))
	})

	dest := t.TempDir()
	path, err := NewClient(time.Second).DownloadAsset(testContext(t), repo, "/releases/assets/7", dest)
	require.NoError(t, err)

	assert.Equal(t, "application/octet-stream", accept)
	assert.Equal(t, filepath.Join(dest, "widget-1.2.0.zip"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "zip-bytes", string(data))
}

func TestDownloadAssetMissingFilename(t *testing.T) {
	_, repo := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("zip-bytes"))
	})

	dest := t.TempDir()
	_, err := NewClient(time.Second).DownloadAsset(testContext(t), repo, "/zipball/v1", dest)
	assert.ErrorIs(t, err, ErrMissingFilename)

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFilenameFromDisposition(t *testing.T) {
	tests := []struct {
		header string
		want   string
		err    bool
	}{
		{`attachment; filename=widget.zip`, "widget.zip", false},
		{`attachment; filename="widget v2.zip"`, "widget v2.zip", false},
		{`attachment; filename=../../etc/passwd`, "passwd", false},
		{`attachment`, "", true},
		{``, "", true},
		{`attachment; filename=..`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, err := filenameFromDisposition(tt.header)
			if tt.err {
				assert.ErrorIs(t, err, ErrMissingFilename)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderChangelog(t *testing.T) {
	html, err := RenderChangelog("# Title\n\n### Sub\n\ntext", "v1")
	require.NoError(t, err)
	assert.Contains(t, html, "<h4>Title</h4>")
	assert.Contains(t, html, "<h4>Sub</h4>")
	assert.NotContains(t, html, "<h1")
	assert.Contains(t, html, "<p>text</p>")

	html, err = RenderChangelog("  ", "v1")
	require.NoError(t, err)
	assert.Equal(t, "<p>This release contains version v1.</p>", html)

	assert.Equal(t, "<p>This release contains version v1 of the Widget plugin</p>", FallbackChangelog("v1", "Widget"))
}
