// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRepoURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{
			name:     "github web url",
			input:    "https://github.com/acme/widget",
			expected: "https://api.github.com/repos/acme/widget",
		},
		{
			name:     "github web url with .git and trailing slash",
			input:    "https://github.com/acme/widget.git/",
			expected: "https://api.github.com/repos/acme/widget",
		},
		{
			name:     "github without scheme",
			input:    "github.com/acme/widget",
			expected: "https://api.github.com/repos/acme/widget",
		},
		{
			name:     "api url kept",
			input:    "https://api.github.com/repos/acme/widget/",
			expected: "https://api.github.com/repos/acme/widget",
		},
		{
			name:     "self hosted api",
			input:    "  https://git.example.com/api/v3/repos/acme/widget  ",
			expected: "https://git.example.com/api/v3/repos/acme/widget",
		},
		{
			name:     "empty stays empty",
			input:    "",
			expected: "",
		},
		{
			name:    "github without repo",
			input:   "https://github.com/acme",
			wantErr: true,
		},
		{
			name:    "unsupported scheme",
			input:   "ftp://example.com/repo",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeRepoURL(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRepoURL)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestProductStore(t *testing.T) {
	ctx := testContext(t)
	db := newTestDB(t)

	store, err := NewProductStore(db, testEncryptionKey())
	require.NoError(t, err)

	created, err := store.Create(ctx, &Product{
		Slug:           "widget",
		Name:           "Widget",
		RepoURL:        "https://github.com/acme/widget",
		RepoToken:      "ghp_secret",
		ValidityDays:   30,
		LicenseEnabled: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://api.github.com/repos/acme/widget", created.RepoURL)
	assert.Equal(t, "ghp_secret", created.RepoToken)
	assert.True(t, created.HasRepoToken)
	assert.True(t, created.IsRepoConfigured())

	var stored string
	require.NoError(t, db.QueryRowContext(ctx, "SELECT repo_token_encrypted FROM products WHERE id = ?", created.ID).Scan(&stored))
	assert.NotContains(t, stored, "ghp_secret", "token must be encrypted at rest")

	_, err = store.Create(ctx, &Product{Slug: "widget", Name: "Duplicate"})
	assert.ErrorIs(t, err, ErrProductSlugExists)

	bySlug, err := store.Resolve(ctx, "widget")
	require.NoError(t, err)
	assert.Equal(t, created.ID, bySlug.ID)

	byID, err := store.Resolve(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "widget", byID.Slug)

	_, err = store.Resolve(ctx, "missing")
	assert.ErrorIs(t, err, ErrProductNotFound)

	created.Name = "Widget Pro"
	created.RepoToken = ""
	updated, err := store.Update(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, "Widget Pro", updated.Name)
	assert.Equal(t, "ghp_secret", updated.RepoToken, "empty token keeps the stored one")

	require.NoError(t, store.UpdateReleaseCache(ctx, created.ID, "v1.2.0", "/tmp/widget.zip"))
	cached, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "v1.2.0", cached.LatestReleaseVersion)
	assert.Equal(t, "/tmp/widget.zip", cached.LatestReleasePath)

	assert.ErrorIs(t, store.UpdateReleaseCache(ctx, 999, "v1", ""), ErrProductNotFound)
}

func TestProductStoreSuggest(t *testing.T) {
	ctx := testContext(t)
	store, err := NewProductStore(newTestDB(t), testEncryptionKey())
	require.NoError(t, err)

	for _, slug := range []string{"widget", "widget-pro", "gadget"} {
		_, err := store.Create(ctx, &Product{Slug: slug, Name: slug})
		require.NoError(t, err)
	}

	suggestions, err := store.Suggest(ctx, "wdgt", 5)
	require.NoError(t, err)
	assert.Contains(t, suggestions, "widget")
	assert.Contains(t, suggestions, "widget-pro")
	assert.NotContains(t, suggestions, "gadget")
	assert.Equal(t, "widget", suggestions[0])
}

func TestValidateSlug(t *testing.T) {
	for _, slug := range []string{"widget", "widget-pro", "my_plugin2", "3d"} {
		assert.NoError(t, ValidateSlug(slug), slug)
	}
	for _, slug := range []string{"", ".tmp", "../etc", "Widget", "a/b", "-lead", "sp ace"} {
		assert.ErrorIs(t, ValidateSlug(slug), ErrInvalidSlug, slug)
	}

	store, err := NewProductStore(newTestDB(t), testEncryptionKey())
	require.NoError(t, err)
	_, err = store.Create(testContext(t), &Product{Slug: ".tmp", Name: "x"})
	assert.ErrorIs(t, err, ErrInvalidSlug)
}

func TestNewProductStoreKeySize(t *testing.T) {
	_, err := NewProductStore(nil, []byte("short"))
	assert.Error(t, err)
}
