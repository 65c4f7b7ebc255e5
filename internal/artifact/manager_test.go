// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/premia/internal/domain"
	"github.com/autobrr/premia/internal/github"
	"github.com/autobrr/premia/internal/hooks"
	"github.com/autobrr/premia/internal/models"
)

type fakeDownloader struct {
	t       *testing.T
	calls   atomic.Int32
	delay   time.Duration
	err     error
	content string
}

func (d *fakeDownloader) DownloadAsset(_ context.Context, repo github.RepoConfig, assetPath, destDir string) (string, error) {
	d.calls.Add(1)
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.err != nil {
		return "", d.err
	}

	path := filepath.Join(destDir, "upstream.zip")
	writeZip(d.t, path, map[string]string{
		"acme-widget-abc123/widget.php": d.content + assetPath,
	})
	return path, nil
}

type fakeProducts struct {
	mu       sync.Mutex
	products map[int]models.Product
}

func (f *fakeProducts) Get(_ context.Context, id int) (*models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok {
		return nil, models.ErrProductNotFound
	}
	return &p, nil
}

func (f *fakeProducts) UpdateReleaseCache(_ context.Context, id int, version, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok {
		return models.ErrProductNotFound
	}
	p.LatestReleaseVersion = version
	p.LatestReleasePath = path
	f.products[id] = p
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeDownloader, *fakeProducts, *models.Product) {
	t.Helper()

	product := models.Product{ID: 1, Slug: "widget", Name: "Widget", RepoURL: "https://api.example/repos/acme/widget", RepoToken: "tok"}
	store := &fakeProducts{products: map[int]models.Product{1: product}}
	dl := &fakeDownloader{t: t, content: "v:"}

	return NewManager(t.TempDir(), dl, store, hooks.NewRegistry()), dl, store, &product
}

func release(version string) *github.Release {
	return &github.Release{
		Version: version,
		Assets:  []github.Asset{{ID: 1, Name: "widget.zip", Path: "/releases/assets/" + version}},
	}
}

func TestManagerEnsureBuildsOnce(t *testing.T) {
	ctx := testContext(t)
	m, dl, _, product := newTestManager(t)

	var built []BuildEvent
	m.hooks.On(hooks.ArtifactBuilt, hooks.DefaultPriority, func(_ context.Context, payload any) {
		built = append(built, payload.(BuildEvent))
	})

	first, err := m.Ensure(ctx, product, release("v1.0.0"))
	require.NoError(t, err)
	assert.True(t, first.Rebuilt)
	assert.Equal(t, "widget.zip", first.Filename)
	assert.Equal(t, filepath.Join(m.releasesDir, "widget", "v1.0.0", "widget.zip"), first.Path)

	second, err := m.Ensure(ctx, product, release("v1.0.0"))
	require.NoError(t, err)
	assert.False(t, second.Rebuilt)
	assert.Equal(t, first.Path, second.Path)

	assert.EqualValues(t, 1, dl.calls.Load(), "one upstream download for the same version")
	require.Len(t, built, 1)
	assert.Equal(t, "v1.0.0", built[0].Version)

	assert.Equal(t, map[string]string{"widget/widget.php": "v:/releases/assets/v1.0.0"}, readZip(t, first.Path))

	entries, err := os.ReadDir(filepath.Join(m.releasesDir, tmpDir, downloadDir))
	require.NoError(t, err)
	assert.Empty(t, entries, "raw download directory must be cleaned")
}

func TestManagerEnsureConcurrent(t *testing.T) {
	m, dl, _, product := newTestManager(t)
	dl.delay = 50 * time.Millisecond

	var g errgroup.Group
	paths := make([]string, 8)
	for i := range paths {
		i := i
		g.Go(func() error {
			a, err := m.Ensure(context.Background(), product, release("v2.0.0"))
			if err != nil {
				return err
			}
			paths[i] = a.Path
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.EqualValues(t, 1, dl.calls.Load())
	for _, p := range paths {
		assert.Equal(t, paths[0], p)
	}
}

func TestManagerEnsureVersionChange(t *testing.T) {
	ctx := testContext(t)
	m, dl, store, product := newTestManager(t)

	old, err := m.Ensure(ctx, product, release("v1.0.0"))
	require.NoError(t, err)

	updated, err := m.Ensure(ctx, product, release("v1.1.0"))
	require.NoError(t, err)
	assert.True(t, updated.Rebuilt)
	assert.NotEqual(t, old.Path, updated.Path)

	assert.EqualValues(t, 2, dl.calls.Load())
	assert.NoFileExists(t, old.Path, "previous version must be replaced")
	assert.NoDirExists(t, filepath.Dir(old.Path))
	assert.FileExists(t, updated.Path)

	recorded, err := store.Get(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, "v1.1.0", recorded.LatestReleaseVersion)
	assert.Equal(t, updated.Path, recorded.LatestReleasePath)
}

func TestManagerEnsureMissingFile(t *testing.T) {
	ctx := testContext(t)
	m, dl, _, product := newTestManager(t)

	a, err := m.Ensure(ctx, product, release("v1.0.0"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(a.Path))

	a, err = m.Ensure(ctx, product, release("v1.0.0"))
	require.NoError(t, err)
	assert.True(t, a.Rebuilt)
	assert.FileExists(t, a.Path)
	assert.EqualValues(t, 2, dl.calls.Load())
}

func TestManagerForceRefresh(t *testing.T) {
	ctx := testContext(t)
	m, dl, _, product := newTestManager(t)
	m.SetForceRefresh(true)

	var results []string
	m.OnBuild = func(slug, result string) { results = append(results, slug+":"+result) }

	for i := 0; i < 2; i++ {
		_, err := m.Ensure(ctx, product, release("v1.0.0"))
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, dl.calls.Load())
	assert.Equal(t, []string{"widget:success", "widget:success"}, results)
}

func TestManagerSemverEquivalentTags(t *testing.T) {
	ctx := testContext(t)
	m, dl, _, product := newTestManager(t)

	_, err := m.Ensure(ctx, product, release("v1.2.0"))
	require.NoError(t, err)

	a, err := m.Ensure(ctx, product, release("1.2.0"))
	require.NoError(t, err)
	assert.False(t, a.Rebuilt)
	assert.EqualValues(t, 1, dl.calls.Load())
}

func TestManagerEnsureErrors(t *testing.T) {
	ctx := testContext(t)

	t.Run("no assets", func(t *testing.T) {
		m, _, _, product := newTestManager(t)
		_, err := m.Ensure(ctx, product, &github.Release{Version: "v1"})
		assert.ErrorIs(t, err, domain.ErrUpstream)
		assert.Equal(t, "No assets found.", domain.MessageOf(err))
	})

	t.Run("download failure", func(t *testing.T) {
		m, dl, _, product := newTestManager(t)
		dl.err = errors.New("connection reset")

		var results []string
		m.OnBuild = func(_, result string) { results = append(results, result) }

		_, err := m.Ensure(ctx, product, release("v1"))
		assert.ErrorIs(t, err, domain.ErrUpstream)
		assert.Equal(t, []string{"failure"}, results)
	})

	t.Run("not configured", func(t *testing.T) {
		m, _, store, product := newTestManager(t)
		p := store.products[1]
		p.RepoToken = ""
		store.products[1] = p

		_, err := m.Ensure(ctx, product, release("v1"))
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})

	t.Run("bad layout", func(t *testing.T) {
		m, _, _, product := newTestManager(t)
		m.downloader = downloaderFunc(func(destDir string) (string, error) {
			path := filepath.Join(destDir, "upstream.zip")
			writeZip(t, path, map[string]string{"a/x": "1", "b/y": "2"})
			return path, nil
		})

		_, err := m.Ensure(ctx, product, release("v1"))
		assert.ErrorIs(t, err, domain.ErrPackaging)
		assert.ErrorIs(t, err, ErrLayout)
	})
}

type downloaderFunc func(destDir string) (string, error)

func (f downloaderFunc) DownloadAsset(_ context.Context, _ github.RepoConfig, _ string, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", err
	}
	return f(destDir)
}

func TestSameVersion(t *testing.T) {
	assert.True(t, SameVersion("v1.2.0", "1.2.0"))
	assert.True(t, SameVersion("1.2", "1.2.0"))
	assert.False(t, SameVersion("1.2.0", "1.2.1"))
	assert.True(t, SameVersion("nightly", "nightly"))
	assert.False(t, SameVersion("nightly", "v1"))
	assert.False(t, SameVersion("", "v1"))
}
