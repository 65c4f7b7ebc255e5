// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/autobrr/premia/internal/artifact"
	"github.com/autobrr/premia/internal/auth"
	"github.com/autobrr/premia/internal/database"
	"github.com/autobrr/premia/internal/domain"
	"github.com/autobrr/premia/internal/github"
	"github.com/autobrr/premia/internal/hooks"
	"github.com/autobrr/premia/internal/links"
	"github.com/autobrr/premia/internal/metrics"
	"github.com/autobrr/premia/internal/models"
	"github.com/autobrr/premia/internal/releases"
	"github.com/autobrr/premia/internal/services"
	"github.com/autobrr/premia/internal/validator"
	"github.com/autobrr/premia/internal/web/swagger"
)

const (
	testSite = "https://site.example"
	testUA   = "WordPress/6.5; " + testSite
	testKey  = "AAAA-BBBB-CCCC-DDDD"
)

// upstream emulates the repository host with a single release.
type upstream struct {
	downloads atomic.Int32
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/repos/acme/widget/releases/latest":
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"id": 1, "tag_name": "v2.0.0", "body": "", "published_at": "2025-05-01T10:00:00Z",
			"assets": [{"id": 9, "name": "widget.zip", "url": "http://%s/repos/acme/widget/releases/assets/9"}]}`, r.Host)
	case "/repos/acme/widget/releases/assets/9":
		u.downloads.Add(1)
		w.Header().Set("Content-Disposition", "attachment; filename=acme-widget-v2.0.0.zip")

		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		f, _ := zw.Create("acme-widget-5c4d3e/widget.php")
		_, _ = f.Write([]byte("<?php // widget"))
		_ = zw.Close()
		_, _ = w.Write(buf.Bytes())
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type testServer struct {
	router   *chi.Mux
	auth     *auth.Service
	products *models.ProductStore
	licenses *models.LicenseStore
	upstream *upstream
	repoURL  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "premia.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	products, err := models.NewProductStore(db.Conn(), bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)
	licenseStore := models.NewLicenseStore(db.Conn())
	registry := hooks.NewRegistry()

	up := &upstream{}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	client := github.NewClient(5 * time.Second)
	cache, err := releases.NewCache(client, time.Hour)
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	signer, err := links.NewSigner([]byte("signing-secret"), time.Hour)
	require.NoError(t, err)

	licenseSvc := services.NewLicenseService(licenseStore, products, registry)
	updates := services.NewUpdateService(services.UpdateDeps{
		Products:   products,
		Releases:   cache,
		Artifacts:  artifact.NewManager(t.TempDir(), client, products, registry),
		Provider:   licenseSvc,
		Validator:  validator.New(""),
		Signer:     signer,
		Hooks:      registry,
		PublicURL:  "https://updates.example",
		AuthorName: "Acme",
	})

	authService := auth.NewService(db.Conn(), "0123456789abcdef0123456789abcdef")
	docs, err := swagger.NewHandler("")
	require.NoError(t, err)

	router := NewRouter(&Dependencies{
		Config:      &domain.Config{MetricsEnabled: true},
		AuthService: authService,
		Licenses:    licenseSvc,
		Products:    products,
		Updates:     updates,
		Orders:      services.NewOrderService(licenseSvc, products, signer, "https://updates.example"),
		Releases:    cache,
		Metrics:     metrics.NewManager(licenseStore),
		Swagger:     docs,
	})

	return &testServer{
		router:   router,
		auth:     authService,
		products: products,
		licenses: licenseStore,
		upstream: up,
		repoURL:  srv.URL + "/repos/acme/widget",
	}
}

func (s *testServer) widget(t *testing.T, repoURL string) *models.Product {
	t.Helper()
	p, err := s.products.Create(testContext(t), &models.Product{
		Slug:           "widget",
		Name:           "Widget",
		RepoURL:        repoURL,
		RepoToken:      "tok",
		LicenseEnabled: true,
	})
	require.NoError(t, err)
	return p
}

func (s *testServer) license(t *testing.T, productID int, installs ...string) {
	t.Helper()
	_, err := s.licenses.Create(testContext(t), &models.License{
		Key:           testKey,
		ProductID:     &productID,
		OwnerID:       "owner",
		Status:        models.LicenseStatusPublished,
		Installations: installs,
	})
	require.NoError(t, err)
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func updateQuery() url.Values {
	q := url.Values{}
	q.Set("plugin", "widget")
	q.Set("license_key", testKey)
	q.Set("site_url", testSite)
	return q
}

func TestDownloadUpdate(t *testing.T) {
	s := newTestServer(t)
	p := s.widget(t, s.repoURL)
	s.license(t, p.ID, testSite)

	req := httptest.NewRequest(http.MethodGet, "/premia/v1/download_update?"+updateQuery().Encode(), nil)
	req.Header.Set("User-Agent", testUA)
	rec := s.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=widget.zip", rec.Header().Get("Content-Disposition"))

	body := rec.Body.Bytes()
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	require.NotEmpty(t, zr.File)
	for _, f := range zr.File {
		assert.True(t, strings.HasPrefix(f.Name, "widget/"), "entry %s must live under the slug folder", f.Name)
	}

	// A second download reuses the packaged archive.
	rec = s.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, s.upstream.downloads.Load())
}

func TestDownloadUpdateDenied(t *testing.T) {
	s := newTestServer(t)
	p := s.widget(t, s.repoURL)
	s.license(t, p.ID)

	req := httptest.NewRequest(http.MethodGet, "/premia/v1/download_update?"+updateQuery().Encode(), nil)
	req.Header.Set("User-Agent", testUA)
	rec := s.do(req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Validation failed: not activated.", body["error"])
	assert.Equal(t, string(domain.KindAccessDenied), body["reason"])
	assert.Zero(t, s.upstream.downloads.Load())
}

func TestDownloadUpdateUntrustedClient(t *testing.T) {
	s := newTestServer(t)
	p := s.widget(t, s.repoURL)
	s.license(t, p.ID, testSite)

	req := httptest.NewRequest(http.MethodGet, "/premia/v1/download_update?"+updateQuery().Encode(), nil)
	req.Header.Set("User-Agent", "curl/8.0")
	rec := s.do(req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(domain.KindUntrustedOrigin))
}

func TestCheckUpdatesUnconfiguredProduct(t *testing.T) {
	s := newTestServer(t)
	p := s.widget(t, "")
	s.license(t, p.ID, testSite)

	req := httptest.NewRequest(http.MethodGet, "/premia/v1/check_updates?"+updateQuery().Encode(), nil)
	req.Header.Set("User-Agent", testUA)
	rec := s.do(req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(domain.KindConfiguration), body["reason"])
}

func TestCheckUpdatesJSONBody(t *testing.T) {
	s := newTestServer(t)
	p := s.widget(t, s.repoURL)
	s.license(t, p.ID, testSite)

	body := fmt.Sprintf(`{"post_id": %d, "license_key": %q, "site_url": %q}`, p.ID, testKey, testSite)
	req := httptest.NewRequest(http.MethodPost, "/premia/v1/check_updates", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", testUA)
	rec := s.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var manifest services.Manifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &manifest))
	assert.Equal(t, "widget", manifest.Slug)
	assert.Equal(t, "v2.0.0", manifest.Version)
	assert.True(t, strings.HasPrefix(manifest.DownloadURL, "https://updates.example/premia/v1/download_update?"))
}

func TestActivateLegacyNamespace(t *testing.T) {
	s := newTestServer(t)
	p := s.widget(t, s.repoURL)
	s.license(t, p.ID)

	form := url.Values{}
	form.Set("license_key", testKey)
	form.Set("site_url", testSite)

	req := httptest.NewRequest(http.MethodPost, "/license-updater/v1/activate", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", testUA)
	rec := s.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"message":"License activated!"}`, rec.Body.String())

	l, err := s.licenses.GetByKey(testContext(t), testKey)
	require.NoError(t, err)
	assert.Equal(t, []string{testSite}, l.Installations)

	req = httptest.NewRequest(http.MethodGet, "/premia/v1/deactivate?"+form.Encode(), nil)
	req.Header.Set("User-Agent", testUA)
	rec = s.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"License deactivated!"}`, rec.Body.String())
}

func TestAdminAPIAuthentication(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/licenses", nil))
	assert.Equal(t, http.StatusPreconditionRequired, rec.Code)

	_, err := s.auth.SetupUser(testContext(t), "admin", "correct-horse")
	require.NoError(t, err)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/licenses", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rawKey, _, err := s.auth.CreateAPIKey(testContext(t), "storefront")
	require.NoError(t, err)

	p := s.widget(t, s.repoURL)

	req := httptest.NewRequest(http.MethodPost, "/api/licenses", strings.NewReader(fmt.Sprintf(`{"productId": %d, "ownerId": "42"}`, p.ID)))
	req.Header.Set(auth.APIKeyHeader, rawKey)
	rec = s.do(req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created models.License
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Regexp(t, `^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`, created.Key)

	req = httptest.NewRequest(http.MethodGet, "/api/licenses/999", nil)
	req.Header.Set(auth.APIKeyHeader, rawKey)
	assert.Equal(t, http.StatusNotFound, s.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set(auth.APIKeyHeader, rawKey)
	rec = s.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `premia_licenses{status="published"} 1`)
}

func TestOrderEvents(t *testing.T) {
	s := newTestServer(t)
	_, err := s.auth.SetupUser(testContext(t), "admin", "correct-horse")
	require.NoError(t, err)
	rawKey, _, err := s.auth.CreateAPIKey(testContext(t), "storefront")
	require.NoError(t, err)
	p := s.widget(t, s.repoURL)

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/orders/events", strings.NewReader(body))
		req.Header.Set(auth.APIKeyHeader, rawKey)
		return s.do(req)
	}

	rec := post(fmt.Sprintf(`{"type": "order_completed", "orderId": "1001", "ownerId": "7", "productIds": [%d]}`, p.ID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result services.OrderResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Len(t, result.Created, 1)

	rec = post(`{"type": "order_exploded", "orderId": "1001"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/customers/7/downloads", nil)
	req.Header.Set(auth.APIKeyHeader, rawKey)
	rec = s.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var downloads []services.Download
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &downloads))
	require.Len(t, downloads, 1)
	assert.Equal(t, "widget.zip", downloads[0].DownloadName)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

// TestAllEndpointsDocumented ensures every API route in router.go is documented in OpenAPI spec
func TestAllEndpointsDocumented(t *testing.T) {
	router := newTestServer(t).router

	var actualRoutes []Route
	walkFunc := func(method string, path string, handler http.Handler, middlewares ...func(http.Handler) http.Handler) error {
		actualRoutes = append(actualRoutes, Route{Method: method, Path: path})
		return nil
	}
	require.NoError(t, chi.Walk(router, walkFunc))

	var openapiSpec map[string]any
	require.NoError(t, yaml.Unmarshal(swagger.GetOpenAPISpec(), &openapiSpec))

	documentedPaths := make(map[string]map[string]bool)
	if paths, ok := openapiSpec["paths"].(map[string]any); ok {
		for path, pathItem := range paths {
			documentedPaths[path] = make(map[string]bool)
			if methods, ok := pathItem.(map[string]any); ok {
				for method := range methods {
					switch method {
					case "get", "post", "put", "delete", "patch":
						documentedPaths[path][strings.ToUpper(method)] = true
					}
				}
			}
		}
	}

	var undocumented []string
	for _, route := range actualRoutes {
		if !strings.HasPrefix(route.Path, "/api/") && !strings.HasPrefix(route.Path, "/premia/v1/") {
			continue
		}
		if route.Path == "/api/docs" || route.Path == "/api/openapi.json" {
			continue
		}

		// Chi adds trailing slashes for sub-router roots, OpenAPI does not
		openapiPath := strings.TrimSuffix(route.Path, "/")

		if !documentedPaths[openapiPath][route.Method] {
			undocumented = append(undocumented, route.Method+" "+route.Path)
		}
	}

	assert.Empty(t, undocumented, "add these endpoints to internal/web/swagger/openapi.yaml")
	t.Logf("Checked %d routes from router.go", len(actualRoutes))
	t.Logf("Found %d documented endpoints in OpenAPI spec", countDocumentedEndpoints(documentedPaths))
}

// Route represents a single route
type Route struct {
	Method string
	Path   string
}

// countDocumentedEndpoints counts the total number of documented endpoints
func countDocumentedEndpoints(paths map[string]map[string]bool) int {
	count := 0
	for _, methods := range paths {
		count += len(methods)
	}
	return count
}
