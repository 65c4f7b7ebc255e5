// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/premia/internal/artifact"
	"github.com/autobrr/premia/internal/domain"
	"github.com/autobrr/premia/internal/github"
	"github.com/autobrr/premia/internal/hooks"
	"github.com/autobrr/premia/internal/links"
	"github.com/autobrr/premia/internal/models"
	"github.com/autobrr/premia/internal/validator"
)

const (
	msgMissingObject = "Cannot fulfill this request (missing object information)."
	msgNotConfigured = "No API URL and token provided."
	msgUpstream      = "Failed to communicate with Github."
)

// ReleaseResolver returns release metadata, usually through the cache.
type ReleaseResolver interface {
	Resolve(ctx context.Context, productID int, repo github.RepoConfig, selector string) (*github.Release, error)
}

// ArtifactBuilder returns the packaged archive of a release.
type ArtifactBuilder interface {
	Ensure(ctx context.Context, product *models.Product, release *github.Release) (*artifact.Artifact, error)
}

// UpdateParams are the parameters an update client sends.
type UpdateParams struct {
	Plugin     string
	ProductID  int
	LicenseKey string
	SiteURL    string
	Tag        string
	Signature  string

	// InstalledVersion, when sent, enables update_available in the manifest.
	InstalledVersion string

	UserAgent string
	Admin     bool
}

type ManifestSections struct {
	Description string `json:"description"`
	Changelog   string `json:"changelog"`
}

// Manifest is the update information returned by check_updates.
type Manifest struct {
	Name            string            `json:"name"`
	Slug            string            `json:"slug"`
	Version         string            `json:"version"`
	DownloadURL     string            `json:"download_url"`
	Sections        ManifestSections  `json:"sections"`
	Icons           map[string]string `json:"icons,omitempty"`
	Banners         map[string]string `json:"banners,omitempty"`
	LastUpdated     string            `json:"last_updated,omitempty"`
	Author          string            `json:"author"`
	UpdateAvailable *bool             `json:"update_available,omitempty"`
}

// ManifestContext is passed to hooks.UpdateManifest filters.
type ManifestContext struct {
	Params  UpdateParams
	Product *models.Product
}

// DownloadResult is a packaged archive ready to stream.
type DownloadResult struct {
	*artifact.Artifact
	Product *models.Product
}

type UpdateDeps struct {
	Products  *models.ProductStore
	Releases  ReleaseResolver
	Artifacts ArtifactBuilder
	Provider  LicenseProvider
	Validator *validator.Validator
	Signer    *links.Signer
	Hooks     *hooks.Registry

	PublicURL              string
	AuthorName             string
	AuthorURL              string
	RequireSignedDownloads bool
}

// UpdateService answers update clients: manifests, downloads and
// activation management.
type UpdateService struct {
	products  *models.ProductStore
	releases  ReleaseResolver
	artifacts ArtifactBuilder
	provider  LicenseProvider
	validator *validator.Validator
	signer    *links.Signer
	hooks     *hooks.Registry

	publicURL     string
	author        string
	requireSigned bool

	// OnDownload, when set, is called with the slug of every served archive.
	OnDownload func(slug string)
}

func NewUpdateService(deps UpdateDeps) *UpdateService {
	publicURL := strings.TrimSuffix(deps.PublicURL, "/")

	authorURL := deps.AuthorURL
	if authorURL == "" {
		authorURL = publicURL
	}
	author := ""
	if deps.AuthorName != "" {
		author = `<a href="` + html.EscapeString(authorURL) + `">` + html.EscapeString(deps.AuthorName) + `</a>`
	}

	v := deps.Validator
	if v == nil {
		v = validator.New("")
	}

	return &UpdateService{
		products:      deps.Products,
		releases:      deps.Releases,
		artifacts:     deps.Artifacts,
		provider:      deps.Provider,
		validator:     v,
		signer:        deps.Signer,
		hooks:         deps.Hooks,
		publicURL:     publicURL,
		author:        author,
		requireSigned: deps.RequireSignedDownloads,
	}
}

// resolveProduct prefers the numeric id and falls back to the slug.
func (s *UpdateService) resolveProduct(ctx context.Context, p UpdateParams) (*models.Product, error) {
	ref := strings.TrimSpace(p.Plugin)
	if p.ProductID > 0 {
		ref = strconv.Itoa(p.ProductID)
	}
	if ref == "" {
		return nil, domain.NewError(domain.KindInvalidRequest, "No plugin provided.", nil)
	}

	product, err := s.products.Resolve(ctx, ref)
	if err != nil {
		if !errors.Is(err, models.ErrProductNotFound) {
			return nil, err
		}
		ev := log.Debug().Str("product", ref)
		if suggestions, serr := s.products.Suggest(ctx, ref, 3); serr == nil && len(suggestions) > 0 {
			ev = ev.Strs("suggestions", suggestions)
		}
		ev.Msg("Product cannot be found")
		return nil, domain.NewError(domain.KindNotFound, msgMissingObject, err)
	}

	return product, nil
}

func (s *UpdateService) release(ctx context.Context, product *models.Product, tag string) (*github.Release, error) {
	if !product.IsRepoConfigured() {
		return nil, domain.NewError(domain.KindConfiguration, msgNotConfigured, nil)
	}

	repo := github.RepoConfig{APIURL: product.RepoURL, Token: product.RepoToken}
	release, err := s.releases.Resolve(ctx, product.ID, repo, tag)
	if err != nil {
		if errors.Is(err, github.ErrNotConfigured) {
			return nil, domain.NewError(domain.KindConfiguration, msgNotConfigured, err)
		}
		log.Error().Err(err).Str("product", product.Slug).Str("tag", tag).Msg("Failed to get release information")
		return nil, domain.NewError(domain.KindUpstream, msgUpstream, err)
	}
	return release, nil
}

func (s *UpdateService) licenseRequest(p UpdateParams, product *models.Product) domain.LicenseRequest {
	return domain.LicenseRequest{
		Key:           strings.TrimSpace(p.LicenseKey),
		Origin:        strings.TrimSpace(p.SiteURL),
		ProductID:     product.ID,
		DoNotValidate: product.DoNotValidate,
		Admin:         p.Admin,
	}
}

func (s *UpdateService) trusted(p UpdateParams, product *models.Product) error {
	return s.validator.Check(validator.Request{
		Admin:         p.Admin,
		DoNotValidate: product != nil && product.DoNotValidate,
		UserAgent:     p.UserAgent,
		SiteURL:       strings.TrimSpace(p.SiteURL),
	})
}

// CheckUpdate builds the manifest for the requested product. The download
// url is only included when a download would currently be allowed.
func (s *UpdateService) CheckUpdate(ctx context.Context, p UpdateParams) (*Manifest, error) {
	product, err := s.resolveProduct(ctx, p)
	if err != nil {
		return nil, err
	}

	release, err := s.release(ctx, product, p.Tag)
	if err != nil {
		return nil, err
	}

	changelog := release.Changelog
	if strings.TrimSpace(changelog) == "" || changelog == github.FallbackChangelog(release.Version, "") {
		changelog = github.FallbackChangelog(release.Version, product.Name)
	}

	m := &Manifest{
		Name:    product.Name,
		Slug:    product.Slug,
		Version: release.Version,
		Sections: ManifestSections{
			Description: product.Description,
			Changelog:   changelog,
		},
		Author: s.author,
	}

	if product.IconURL != "" {
		m.Icons = map[string]string{"1x": product.IconURL, "2x": product.IconURL}
	}
	if product.BannerURL != "" {
		low := product.BannerLowURL
		if low == "" {
			low = product.BannerURL
		}
		m.Banners = map[string]string{"high": product.BannerURL, "low": low}
	}
	if !release.PublishedAt.IsZero() {
		m.LastUpdated = release.PublishedAt.UTC().Format(time.RFC3339)
	}
	if p.InstalledVersion != "" {
		available := newerVersion(release.Version, p.InstalledVersion)
		m.UpdateAvailable = &available
	}

	link, err := s.entitledDownloadURL(ctx, p, product)
	if err != nil {
		return nil, err
	}
	m.DownloadURL = link

	if filtered, ok := s.hooks.Filter(ctx, hooks.UpdateManifest, m, ManifestContext{Params: p, Product: product}).(*Manifest); ok && filtered != nil {
		m = filtered
	} else {
		log.Warn().Str("hook", hooks.UpdateManifest).Msg("Manifest filter returned an unexpected value, ignoring")
	}

	return m, nil
}

func (s *UpdateService) entitledDownloadURL(ctx context.Context, p UpdateParams, product *models.Product) (string, error) {
	if err := s.trusted(p, product); err != nil {
		log.Debug().Str("product", product.Slug).Msg("Cannot validate request, omitting download url")
		return "", nil
	}

	decision, err := s.provider.ValidateForDownload(ctx, s.licenseRequest(p, product))
	if err != nil {
		if errors.As(err, new(*domain.Error)) {
			log.Debug().Err(err).Str("product", product.Slug).Msg("Validation unavailable, omitting download url")
			return "", nil
		}
		return "", err
	}
	if !decision.Allowed {
		return "", nil
	}

	return s.DownloadURL(product, p)
}

// DownloadURL builds the download_update link for product carrying the
// caller's license parameters and, when signing is enabled, a signature.
func (s *UpdateService) DownloadURL(product *models.Product, p UpdateParams) (string, error) {
	q := url.Values{}
	q.Set("plugin", product.Slug)
	q.Set("post_id", strconv.Itoa(product.ID))
	if p.LicenseKey != "" {
		q.Set("license_key", p.LicenseKey)
	}
	if p.SiteURL != "" {
		q.Set("site_url", p.SiteURL)
	}
	if s.signer != nil {
		sig, err := s.signer.Sign(links.Params{Plugin: product.Slug, LicenseKey: p.LicenseKey, SiteURL: p.SiteURL})
		if err != nil {
			return "", fmt.Errorf("sign download link: %w", err)
		}
		q.Set("signature", sig)
	}

	return s.publicURL + "/premia/v1/download_update?" + q.Encode(), nil
}

// Download re-validates the caller and returns the packaged archive of the
// latest release, building it when the cached copy is stale.
func (s *UpdateService) Download(ctx context.Context, p UpdateParams) (*DownloadResult, error) {
	product, err := s.resolveProduct(ctx, p)
	if err != nil {
		return nil, err
	}

	signed, err := s.verifySignature(p, product)
	if err != nil {
		return nil, err
	}

	// A signed storefront link is not bound to a site and stands in for the
	// client heuristic and the origin activation check. Site-bound links get
	// both checks again. Key, expiry and product access are always enforced.
	trust := p
	trust.Admin = p.Admin || (signed && strings.TrimSpace(p.SiteURL) == "")
	if err := s.trusted(trust, product); err != nil {
		return nil, err
	}

	req := s.licenseRequest(trust, product)

	decision, err := s.provider.ValidateForDownload(ctx, req)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, decision.Err()
	}

	// Only the latest release is served; the product tracks one cached archive.
	release, err := s.release(ctx, product, "")
	if err != nil {
		return nil, err
	}

	a, err := s.artifacts.Ensure(ctx, product, release)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("product", product.Slug).
		Str("version", a.Version).
		Str("origin", req.Origin).
		Bool("rebuilt", a.Rebuilt).
		Msg("Serving release archive")

	if s.OnDownload != nil {
		s.OnDownload(product.Slug)
	}

	return &DownloadResult{Artifact: a, Product: product}, nil
}

func (s *UpdateService) verifySignature(p UpdateParams, product *models.Product) (bool, error) {
	if p.Signature == "" || s.signer == nil {
		if s.requireSigned && !p.Admin && !product.DoNotValidate {
			return false, domain.NewError(domain.KindAccessDenied, "A signed download link is required.", nil)
		}
		return false, nil
	}

	err := s.signer.Verify(p.Signature, links.Params{Plugin: product.Slug, LicenseKey: strings.TrimSpace(p.LicenseKey), SiteURL: strings.TrimSpace(p.SiteURL)})
	if err != nil {
		log.Debug().Err(err).Str("product", product.Slug).Msg("Rejected download signature")
		return false, domain.NewError(domain.KindAccessDenied, "Invalid or expired download link.", err)
	}
	return true, nil
}

// Activate authorizes the caller's site for its license.
func (s *UpdateService) Activate(ctx context.Context, p UpdateParams) error {
	return s.manage(ctx, p, true)
}

// Deactivate removes the caller's site from its license.
func (s *UpdateService) Deactivate(ctx context.Context, p UpdateParams) error {
	return s.manage(ctx, p, false)
}

func (s *UpdateService) manage(ctx context.Context, p UpdateParams, activate bool) error {
	action := "deactivate"
	if activate {
		action = "activate"
	}

	if strings.TrimSpace(p.LicenseKey) == "" || strings.TrimSpace(p.SiteURL) == "" {
		return domain.NewError(domain.KindInvalidRequest, "License key and site url are required.", nil)
	}

	var product *models.Product
	if p.ProductID > 0 || strings.TrimSpace(p.Plugin) != "" {
		var err error
		if product, err = s.resolveProduct(ctx, p); err != nil {
			return err
		}
	}

	if err := s.trusted(p, product); err != nil {
		return err
	}

	req := domain.LicenseRequest{Key: strings.TrimSpace(p.LicenseKey), Origin: strings.TrimSpace(p.SiteURL), Admin: p.Admin}
	if product != nil {
		req.ProductID = product.ID
	}

	var ok bool
	var err error
	if activate {
		ok, err = s.provider.Activate(ctx, req)
	} else {
		ok, err = s.provider.Deactivate(ctx, req)
	}
	if err != nil {
		log.Debug().Err(err).Str("licenseKey", maskLicenseKey(req.Key)).Str("origin", req.Origin).Msgf("Failed to %s license", action)
		return err
	}
	if !ok {
		return domain.NewError(domain.KindAccessDenied, "Failed to "+action+" license", nil)
	}
	return nil
}

// newerVersion reports whether latest is newer than installed. Tags that are
// not semantic versions are compared for inequality.
func newerVersion(latest, installed string) bool {
	l, errL := semver.NewVersion(latest)
	i, errI := semver.NewVersion(installed)
	if errL == nil && errI == nil {
		return l.GreaterThan(i)
	}
	return latest != installed
}
