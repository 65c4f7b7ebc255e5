// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"io"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/pkg/errors"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrProductSlugExists = errors.New("product slug already exists")
	ErrInvalidRepoURL    = errors.New("invalid repository url")
	ErrInvalidSlug       = errors.New("slug must be lowercase letters, digits, dashes or underscores")
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateSlug rejects slugs that are unsafe as archive folder and path names.
func ValidateSlug(slug string) error {
	if len(slug) > 200 || !slugPattern.MatchString(slug) {
		return ErrInvalidSlug
	}
	return nil
}

// Product is a sellable item whose releases are served to licensed sites.
type Product struct {
	ID             int    `json:"id"`
	Slug           string `json:"slug"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	RepoURL        string `json:"repoUrl"`
	RepoToken      string `json:"-"`
	HasRepoToken   bool   `json:"hasRepoToken"`
	ValidityDays   int    `json:"validityDays"`
	DoNotValidate  bool   `json:"doNotValidate"`
	LicenseEnabled bool   `json:"licenseEnabled"`
	IconURL        string `json:"iconUrl,omitempty"`
	BannerURL      string `json:"bannerUrl,omitempty"`
	BannerLowURL   string `json:"bannerLowUrl,omitempty"`

	// PolarBenefitID is the Polar benefit whose license keys grant this
	// product when the polar provider is active.
	PolarBenefitID string `json:"polarBenefitId,omitempty"`

	// Cached artifact metadata
	LatestReleaseVersion string `json:"latestReleaseVersion,omitempty"`
	LatestReleasePath    string `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsRepoConfigured reports whether releases can be fetched for the product.
func (p *Product) IsRepoConfigured() bool {
	return p.RepoURL != "" && p.RepoToken != ""
}

type ProductStore struct {
	db            *sql.DB
	encryptionKey []byte
}

func NewProductStore(db *sql.DB, encryptionKey []byte) (*ProductStore, error) {
	if len(encryptionKey) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}

	return &ProductStore{
		db:            db,
		encryptionKey: encryptionKey,
	}, nil
}

// encrypt encrypts a string using AES-GCM
func (s *ProductStore) encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (s *ProductStore) decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", errors.New("malformed ciphertext")
	}

	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}

// NormalizeRepoURL turns a repository web URL into its API base URL.
// https://github.com/owner/repo becomes https://api.github.com/repos/owner/repo;
// URLs that already point at an API are kept with trailing slashes removed.
func NormalizeRepoURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}

	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", ErrInvalidRepoURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", ErrInvalidRepoURL
	}

	path := strings.Trim(u.Path, "/")

	if strings.EqualFold(u.Host, "github.com") || strings.EqualFold(u.Host, "www.github.com") {
		parts := strings.Split(strings.TrimSuffix(path, ".git"), "/")
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return "", ErrInvalidRepoURL
		}
		return "https://api.github.com/repos/" + parts[0] + "/" + parts[1], nil
	}

	u.Path = "/" + path
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}

const productColumns = `id, slug, name, description, repo_url, repo_token_encrypted, validity_days,
	do_not_validate, license_enabled, icon_url, banner_url, banner_low_url, polar_benefit_id,
	latest_release_version, latest_release_path, created_at, updated_at`

func (s *ProductStore) scan(row rowScanner) (*Product, error) {
	var (
		p              Product
		tokenEncrypted string
	)
	if err := row.Scan(
		&p.ID,
		&p.Slug,
		&p.Name,
		&p.Description,
		&p.RepoURL,
		&tokenEncrypted,
		&p.ValidityDays,
		&p.DoNotValidate,
		&p.LicenseEnabled,
		&p.IconURL,
		&p.BannerURL,
		&p.BannerLowURL,
		&p.PolarBenefitID,
		&p.LatestReleaseVersion,
		&p.LatestReleasePath,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}

	token, err := s.decrypt(tokenEncrypted)
	if err != nil {
		return nil, errors.Wrapf(err, "decrypt repo token for product %d", p.ID)
	}
	p.RepoToken = token
	p.HasRepoToken = token != ""

	return &p, nil
}

func (s *ProductStore) Create(ctx context.Context, p *Product) (*Product, error) {
	if err := ValidateSlug(p.Slug); err != nil {
		return nil, err
	}

	repoURL, err := NormalizeRepoURL(p.RepoURL)
	if err != nil {
		return nil, err
	}

	token, err := s.encrypt(p.RepoToken)
	if err != nil {
		return nil, errors.Wrap(err, "encrypt repo token")
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO products (slug, name, description, repo_url, repo_token_encrypted, validity_days,
			do_not_validate, license_enabled, icon_url, banner_url, banner_low_url, polar_benefit_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING `+productColumns,
		p.Slug, p.Name, p.Description, repoURL, token, p.ValidityDays,
		p.DoNotValidate, p.LicenseEnabled, p.IconURL, p.BannerURL, p.BannerLowURL,
		strings.TrimSpace(p.PolarBenefitID),
	)

	created, err := s.scan(row)
	if err != nil {
		if isUniqueViolation(err, "products.slug") {
			return nil, ErrProductSlugExists
		}
		return nil, errors.Wrap(err, "insert product")
	}

	return created, nil
}

func (s *ProductStore) Get(ctx context.Context, id int) (*Product, error) {
	p, err := s.scan(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, errors.Wrap(err, "get product")
	}
	return p, nil
}

func (s *ProductStore) GetBySlug(ctx context.Context, slug string) (*Product, error) {
	p, err := s.scan(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE slug = ?`, slug))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, errors.Wrap(err, "get product by slug")
	}
	return p, nil
}

// Resolve accepts a numeric id or a slug.
func (s *ProductStore) Resolve(ctx context.Context, ref string) (*Product, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrProductNotFound
	}

	if id, err := strconv.Atoi(ref); err == nil {
		return s.Get(ctx, id)
	}

	return s.GetBySlug(ctx, ref)
}

// Suggest returns up to limit slugs that fuzzily match ref, best first.
func (s *ProductStore) Suggest(ctx context.Context, ref string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT slug FROM products`)
	if err != nil {
		return nil, errors.Wrap(err, "list product slugs")
	}
	defer rows.Close()

	var slugs []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, errors.Wrap(err, "scan slug")
		}
		slugs = append(slugs, slug)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ranks := fuzzy.RankFindNormalizedFold(ref, slugs)
	sort.Sort(ranks)

	var out []string
	for _, r := range ranks {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, r.Target)
	}

	return out, nil
}

func (s *ProductStore) List(ctx context.Context) ([]*Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY name COLLATE NOCASE, id`)
	if err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	defer rows.Close()

	var products []*Product
	for rows.Next() {
		p, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}

	return products, rows.Err()
}

// Update writes every editable field. An empty RepoToken keeps the stored one.
func (s *ProductStore) Update(ctx context.Context, p *Product) (*Product, error) {
	if err := ValidateSlug(p.Slug); err != nil {
		return nil, err
	}

	repoURL, err := NormalizeRepoURL(p.RepoURL)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE products
		SET slug = ?, name = ?, description = ?, repo_url = ?, validity_days = ?,
			do_not_validate = ?, license_enabled = ?, icon_url = ?, banner_url = ?, banner_low_url = ?,
			polar_benefit_id = ?`
	args := []any{p.Slug, p.Name, p.Description, repoURL, p.ValidityDays,
		p.DoNotValidate, p.LicenseEnabled, p.IconURL, p.BannerURL, p.BannerLowURL,
		strings.TrimSpace(p.PolarBenefitID)}

	if p.RepoToken != "" {
		token, err := s.encrypt(p.RepoToken)
		if err != nil {
			return nil, errors.Wrap(err, "encrypt repo token")
		}
		query += `, repo_token_encrypted = ?`
		args = append(args, token)
	}

	query += ` WHERE id = ? RETURNING ` + productColumns
	args = append(args, p.ID)

	updated, err := s.scan(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		if isUniqueViolation(err, "products.slug") {
			return nil, ErrProductSlugExists
		}
		return nil, errors.Wrap(err, "update product")
	}

	return updated, nil
}

// UpdateReleaseCache records which version is packaged and where.
func (s *ProductStore) UpdateReleaseCache(ctx context.Context, id int, version, path string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products SET latest_release_version = ?, latest_release_path = ? WHERE id = ?
	`, version, path, id)
	if err != nil {
		return errors.Wrap(err, "update release cache")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProductNotFound
	}
	return nil
}

func (s *ProductStore) Delete(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete product")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProductNotFound
	}
	return nil
}
