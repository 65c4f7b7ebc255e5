// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/autobrr/premia/internal/domain"
	"github.com/autobrr/premia/internal/github"
	"github.com/autobrr/premia/internal/hooks"
	"github.com/autobrr/premia/internal/models"
)

const (
	tmpDir      = ".tmp"
	downloadDir = "zip"
	unpackDir   = "unpacked"
)

// Downloader fetches a release asset into destDir.
type Downloader interface {
	DownloadAsset(ctx context.Context, repo github.RepoConfig, assetPath, destDir string) (string, error)
}

// ProductStore is the subset of the product catalogue that records which
// version is packaged.
type ProductStore interface {
	Get(ctx context.Context, id int) (*models.Product, error)
	UpdateReleaseCache(ctx context.Context, id int, version, path string) error
}

// Artifact is a packaged archive ready to be streamed.
type Artifact struct {
	Path     string
	Version  string
	Filename string
	Rebuilt  bool
}

// BuildEvent is the payload of hooks.ArtifactBuilt.
type BuildEvent struct {
	ProductID int
	Slug      string
	Version   string
	Path      string
}

type Manager struct {
	releasesDir string
	downloader  Downloader
	products    ProductStore
	packager    *Packager
	hooks       *hooks.Registry

	group        singleflight.Group
	forceRefresh atomic.Bool

	// OnBuild, when set, is called with the slug and "success" or "failure"
	// after every download and repackage pass.
	OnBuild func(slug, result string)
}

func NewManager(releasesDir string, downloader Downloader, products ProductStore, registry *hooks.Registry) *Manager {
	return &Manager{
		releasesDir: releasesDir,
		downloader:  downloader,
		products:    products,
		packager:    NewPackager(filepath.Join(releasesDir, tmpDir, unpackDir)),
		hooks:       registry,
	}
}

// SetForceRefresh makes every Ensure rebuild regardless of the cached version.
func (m *Manager) SetForceRefresh(v bool) {
	m.forceRefresh.Store(v)
}

// Ensure returns the packaged archive of release for product, downloading
// and repackaging when the cached copy is stale. Concurrent calls for the
// same product and version share one build.
func (m *Manager) Ensure(ctx context.Context, product *models.Product, release *github.Release) (*Artifact, error) {
	if len(release.Assets) == 0 {
		return nil, domain.NewError(domain.KindUpstream, "No assets found.", nil)
	}
	if err := models.ValidateSlug(product.Slug); err != nil {
		return nil, domain.NewError(domain.KindConfiguration, "Cannot fulfill this request (invalid product slug).", err)
	}

	key := fmt.Sprintf("%d:%s", product.ID, release.Version)

	// Detached so one caller hanging up does not fail the build for the others.
	buildCtx := context.WithoutCancel(ctx)

	v, err, shared := m.group.Do(key, func() (any, error) {
		return m.ensure(buildCtx, product.ID, release)
	})
	if err != nil {
		return nil, err
	}

	a := *v.(*Artifact)
	if shared {
		log.Trace().Str("key", key).Msg("Joined in-flight artifact build")
	}
	return &a, nil
}

func (m *Manager) ensure(ctx context.Context, productID int, release *github.Release) (*Artifact, error) {
	// Re-read so a build that finished while we waited is seen.
	product, err := m.products.Get(ctx, productID)
	if err != nil {
		return nil, errors.Wrap(err, "reload product")
	}

	filename := product.Slug + ".zip"

	if !m.isStale(product, release.Version) {
		return &Artifact{
			Path:     product.LatestReleasePath,
			Version:  product.LatestReleaseVersion,
			Filename: filename,
		}, nil
	}

	path, err := m.build(ctx, product, release)
	if m.OnBuild != nil {
		result := "success"
		if err != nil {
			result = "failure"
		}
		m.OnBuild(product.Slug, result)
	}
	if err != nil {
		return nil, err
	}

	return &Artifact{Path: path, Version: release.Version, Filename: filename, Rebuilt: true}, nil
}

func (m *Manager) isStale(p *models.Product, version string) bool {
	if m.forceRefresh.Load() {
		return true
	}
	if p.LatestReleasePath == "" || !SameVersion(p.LatestReleaseVersion, version) {
		return true
	}
	if _, err := os.Stat(p.LatestReleasePath); err != nil {
		log.Debug().Str("path", p.LatestReleasePath).Msg("Cached archive missing, rebuilding")
		return true
	}
	return false
}

// SameVersion compares two tags as semantic versions when both parse, so
// "v1.2" and "1.2.0" are equal. Other tags compare as strings.
func SameVersion(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Equal(vb)
	}
	return a == b
}

func (m *Manager) versionDir(slug, version string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_', r == '+':
			return r
		}
		return '_'
	}, version)
	if safe == "" || strings.Trim(safe, ".") == "" {
		safe = "_" + safe
	}
	return filepath.Join(m.releasesDir, slug, safe)
}

func (m *Manager) build(ctx context.Context, p *models.Product, release *github.Release) (string, error) {
	if !p.IsRepoConfigured() {
		return "", domain.NewError(domain.KindConfiguration, "No API URL and token provided.", nil)
	}
	repo := github.RepoConfig{APIURL: p.RepoURL, Token: p.RepoToken}

	l := log.With().Str("product", p.Slug).Str("version", release.Version).Logger()
	l.Info().Msg("Building release archive")

	dlDir := filepath.Join(m.releasesDir, tmpDir, downloadDir, uuid.NewString())
	defer func() {
		if err := os.RemoveAll(dlDir); err != nil {
			l.Warn().Err(err).Str("dir", dlDir).Msg("Failed to remove download directory")
		}
	}()

	raw, err := m.downloader.DownloadAsset(ctx, repo, release.Assets[0].Path, dlDir)
	if err != nil {
		l.Error().Err(err).Msg("Failed to download release asset")
		return "", domain.NewError(domain.KindUpstream, "Failed to communicate with Github.", err)
	}

	dir := m.versionDir(p.Slug, release.Version)
	dest := filepath.Join(dir, p.Slug+".zip")

	if err := m.packager.Repackage(raw, p.Slug, dest); err != nil {
		l.Error().Err(err).Msg("Failed to repackage release")
		return "", domain.NewError(domain.KindPackaging, "Failed to prepare the release archive.", err)
	}

	if p.LatestReleasePath != "" {
		oldDir := filepath.Dir(p.LatestReleasePath)
		if oldDir != dir && strings.HasPrefix(oldDir, filepath.Join(m.releasesDir, p.Slug)+string(os.PathSeparator)) {
			if err := os.RemoveAll(oldDir); err != nil {
				l.Warn().Err(err).Str("dir", oldDir).Msg("Failed to remove previous release")
			}
		}
	}

	if err := m.products.UpdateReleaseCache(ctx, p.ID, release.Version, dest); err != nil {
		return "", errors.Wrap(err, "record release cache")
	}

	m.hooks.Emit(ctx, hooks.ArtifactBuilt, BuildEvent{ProductID: p.ID, Slug: p.Slug, Version: release.Version, Path: dest})

	l.Info().Str("archive", dest).Msg("Release archive ready")
	return dest, nil
}

// Clean removes leftovers of interrupted builds.
func (m *Manager) Clean() error {
	return os.RemoveAll(filepath.Join(m.releasesDir, tmpDir))
}
