// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package github fetches release metadata and assets from a GitHub-compatible
// releases API.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/premia/internal/stream"
)

var (
	ErrTransport         = errors.New("source host unreachable")
	ErrUnauthorized      = errors.New("source host rejected credentials")
	ErrNoReleases        = errors.New("no releases found")
	ErrUnexpectedStatus  = errors.New("unexpected status from source host")
	ErrMissingFilename   = errors.New("missing filename in content-disposition")
	ErrNotConfigured     = errors.New("repository url and token are required")
	ErrMalformedResponse = errors.New("malformed release response")
)

// APIError describes a failed call to the source host. Unwrap yields one of
// the sentinel errors above.
type APIError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Op, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// RepoConfig holds the per-product credentials.
type RepoConfig struct {
	APIURL string
	Token  string
}

func (r RepoConfig) Validate() error {
	if r.APIURL == "" || r.Token == "" {
		return ErrNotConfigured
	}
	return nil
}

type Asset struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
	// Path is URL relative to the repository API url.
	Path string `json:"path"`
}

type Release struct {
	ID          int64     `json:"id"`
	Version     string    `json:"version"`
	Changelog   string    `json:"changelog"`
	PublishedAt time.Time `json:"publishedAt"`
	Assets      []Asset   `json:"assets"`
}

type releaseResponse struct {
	ID          int64     `json:"id"`
	TagName     string    `json:"tag_name"`
	Body        string    `json:"body"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"assets"`
}

type Client struct {
	httpClient *http.Client
}

// NewClient returns a client whose requests are bounded by timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

func (c *Client) request(ctx context.Context, repo RepoConfig, path string, accept string) (*http.Response, error) {
	target := strings.TrimSuffix(repo.APIURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &APIError{Op: "build request", URL: target, Err: errors.Wrap(ErrTransport, err.Error())}
	}
	req.Header.Set("Authorization", "Bearer "+repo.Token)
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", "premia")

	log.Trace().Str("url", target).Msg("Executing request to source host")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Op: "GET", URL: target, Err: errors.Wrap(ErrTransport, err.Error())}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, &APIError{Op: "GET", URL: target, StatusCode: resp.StatusCode, Err: ErrUnauthorized}
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, &APIError{Op: "GET", URL: target, StatusCode: resp.StatusCode, Err: ErrNoReleases}
	default:
		resp.Body.Close()
		return nil, &APIError{Op: "GET", URL: target, StatusCode: resp.StatusCode, Err: ErrUnexpectedStatus}
	}
}

// GetRelease resolves selector, "latest" or a tag, to release metadata.
func (c *Client) GetRelease(ctx context.Context, repo RepoConfig, selector string) (*Release, error) {
	if err := repo.Validate(); err != nil {
		return nil, err
	}

	path := "/releases/latest"
	if selector != "" && selector != "latest" {
		path = "/releases/tags/" + url.PathEscape(selector)
	}

	resp, err := c.request(ctx, repo, path, "application/vnd.github+json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body releaseResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &APIError{Op: "decode", URL: repo.APIURL + path, Err: errors.Wrap(ErrMalformedResponse, err.Error())}
	}
	if body.TagName == "" {
		return nil, &APIError{Op: "decode", URL: repo.APIURL + path, Err: ErrNoReleases}
	}

	changelog, err := RenderChangelog(body.Body, body.TagName)
	if err != nil {
		return nil, err
	}

	release := &Release{
		ID:          body.ID,
		Version:     body.TagName,
		Changelog:   changelog,
		PublishedAt: body.PublishedAt,
		Assets:      make([]Asset, 0, len(body.Assets)),
	}
	prefix := strings.TrimSuffix(repo.APIURL, "/")
	for _, a := range body.Assets {
		release.Assets = append(release.Assets, Asset{
			ID:   a.ID,
			Name: a.Name,
			URL:  a.URL,
			Path: strings.TrimPrefix(a.URL, prefix),
		})
	}

	return release, nil
}

// filenameFromDisposition extracts the filename parameter of a
// content-disposition header and strips any directory components.
func filenameFromDisposition(header string) (string, error) {
	if header == "" {
		return "", ErrMissingFilename
	}

	var name string
	if _, params, err := mime.ParseMediaType(header); err == nil {
		name = params["filename"]
	}
	if name == "" {
		parts := strings.SplitN(header, "filename=", 2)
		if len(parts) == 2 {
			name = strings.Trim(strings.TrimSpace(strings.SplitN(parts[1], ";", 2)[0]), `"`)
		}
	}

	name = filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, `\`, "/")))
	if name == "" || name == "/" || name == "." || name == ".." {
		return "", ErrMissingFilename
	}
	return name, nil
}

// DownloadAsset fetches assetPath and writes it to destDir under the name
// announced by the source host. It returns the written file path.
func (c *Client) DownloadAsset(ctx context.Context, repo RepoConfig, assetPath, destDir string) (string, error) {
	if err := repo.Validate(); err != nil {
		return "", err
	}

	accept := "application/vnd.github+json"
	if strings.Contains(assetPath, "/assets/") {
		accept = "application/octet-stream"
	}

	resp, err := c.request(ctx, repo, assetPath, accept)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	name, err := filenameFromDisposition(resp.Header.Get("Content-Disposition"))
	if err != nil {
		return "", &APIError{Op: "download", URL: repo.APIURL + assetPath, StatusCode: resp.StatusCode, Err: err}
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", errors.Wrap(err, "create download directory")
	}

	target := filepath.Join(destDir, name)
	f, err := os.Create(target)
	if err != nil {
		return "", errors.Wrap(err, "create download file")
	}

	n, err := stream.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(target)
		if errors.Is(err, io.ErrUnexpectedEOF) || ctx.Err() != nil {
			return "", &APIError{Op: "download", URL: repo.APIURL + assetPath, Err: errors.Wrap(ErrTransport, err.Error())}
		}
		return "", errors.Wrap(err, "write download file")
	}

	log.Debug().Str("file", target).Int64("bytes", n).Msg("Downloaded release asset")
	return target, nil
}
