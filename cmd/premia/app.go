// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/premia/internal/api"
	"github.com/autobrr/premia/internal/artifact"
	"github.com/autobrr/premia/internal/auth"
	"github.com/autobrr/premia/internal/config"
	"github.com/autobrr/premia/internal/database"
	"github.com/autobrr/premia/internal/domain"
	"github.com/autobrr/premia/internal/github"
	"github.com/autobrr/premia/internal/hooks"
	"github.com/autobrr/premia/internal/links"
	"github.com/autobrr/premia/internal/metrics"
	"github.com/autobrr/premia/internal/models"
	"github.com/autobrr/premia/internal/polar"
	"github.com/autobrr/premia/internal/releases"
	"github.com/autobrr/premia/internal/services"
	"github.com/autobrr/premia/internal/validator"
	"github.com/autobrr/premia/internal/web/swagger"
)

type Application struct {
	version   string
	configDir string
	dataDir   string
	logPath   string
	pprofFlag bool
}

func NewApplication(version, configDir, dataDir, logPath string, pprofFlag bool) *Application {
	return &Application{
		version:   version,
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
		pprofFlag: pprofFlag,
	}
}

// server is everything runServer needs after wiring.
type server struct {
	handler   http.Handler
	artifacts *artifact.Manager
	releases  *releases.Cache
}

func (s *server) Close() {
	s.releases.Close()
}

// newProvider selects the entitlement backend named in the config.
func newProvider(cfg *domain.Config, db *database.DB, builtin *services.LicenseService, products *models.ProductStore, registry *hooks.Registry) (services.LicenseProvider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.LicenseProvider)) {
	case "", domain.LicenseProviderBuiltin:
		return builtin, nil
	case domain.LicenseProviderPolar:
		opts := []polar.Option{polar.WithAccessToken(cfg.Polar.AccessToken)}
		if cfg.Polar.BaseURL != "" {
			opts = append(opts, polar.WithBaseURL(cfg.Polar.BaseURL))
		}
		client := polar.NewClient(opts...)
		client.SetOrganizationID(cfg.Polar.OrganizationID)

		provider, err := polar.NewProvider(client, models.NewExternalActivationStore(db.Conn()), products, registry)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize polar provider: %w", err)
		}
		return provider, nil
	default:
		return nil, domain.NewError(domain.KindConfiguration, fmt.Sprintf("Unknown license provider %q.", cfg.LicenseProvider), nil)
	}
}

// buildServer wires stores, services and the router.
func buildServer(cfg *config.AppConfig, db *database.DB) (*server, error) {
	c := cfg.Config
	registry := hooks.NewRegistry()

	authService := auth.NewService(db.Conn(), c.SessionSecret)

	productStore, err := models.NewProductStore(db.Conn(), cfg.GetEncryptionKey())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize product store: %w", err)
	}
	licenseStore := models.NewLicenseStore(db.Conn())

	licenseService := services.NewLicenseService(licenseStore, productStore, registry,
		services.WithDenyUnlinked(c.DenyUnlinkedLicenses))

	provider, err := newProvider(c, db, licenseService, productStore, registry)
	if err != nil {
		return nil, err
	}
	log.Info().Str("provider", provider.Name()).Msg("License provider selected")

	githubClient := github.NewClient(time.Duration(c.UpstreamTimeout) * time.Second)

	releaseCache, err := releases.NewCache(githubClient, time.Duration(c.ReleaseCacheTTL)*time.Second)
	if err != nil {
		return nil, err
	}

	artifacts := artifact.NewManager(cfg.GetReleasesDir(), githubClient, productStore, registry)
	artifacts.SetForceRefresh(c.ForceRefresh)
	if err := artifacts.Clean(); err != nil {
		log.Warn().Err(err).Msg("Failed to clean interrupted builds")
	}

	signer, err := links.NewSigner(cfg.GetSigningKey(), time.Duration(c.DownloadLinkTTL)*time.Second)
	if err != nil {
		releaseCache.Close()
		return nil, fmt.Errorf("failed to initialize link signer: %w", err)
	}

	updateService := services.NewUpdateService(services.UpdateDeps{
		Products:               productStore,
		Releases:               releaseCache,
		Artifacts:              artifacts,
		Provider:               provider,
		Validator:              validator.New(c.UpdateClientMarker),
		Signer:                 signer,
		Hooks:                  registry,
		PublicURL:              c.PublicURL,
		AuthorName:             c.AuthorName,
		AuthorURL:              c.AuthorURL,
		RequireSignedDownloads: c.RequireSignedDownloads,
	})
	orderService := services.NewOrderService(licenseService, productStore, signer, c.PublicURL)

	var metricsManager *metrics.Manager
	if c.MetricsEnabled {
		metricsManager = metrics.NewManager(licenseStore)
		metricsManager.Subscribe(registry)
		updateService.OnDownload = metricsManager.RecordDownload
		artifacts.OnBuild = metricsManager.RecordArtifactBuild
		releaseCache.OnLookup = metricsManager.RecordReleaseCacheLookup
		log.Info().Msg("Prometheus metrics enabled at /metrics endpoint")
	}

	swaggerHandler, err := swagger.NewHandler(c.BaseURL)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize API documentation")
	}

	router := api.NewRouter(&api.Dependencies{
		Config:      c,
		AuthService: authService,
		Licenses:    licenseService,
		Products:    productStore,
		Updates:     updateService,
		Orders:      orderService,
		Releases:    releaseCache,
		Metrics:     metricsManager,
		Swagger:     swaggerHandler,
	})

	return &server{
		handler:   mountBaseURL(router, c.BaseURL),
		artifacts: artifacts,
		releases:  releaseCache,
	}, nil
}

// mountBaseURL serves router under baseURL and redirects the root to it.
func mountBaseURL(router http.Handler, baseURL string) http.Handler {
	if baseURL == "" || baseURL == "/" {
		return router
	}

	parent := chi.NewRouter()
	parent.Mount(strings.TrimSuffix(baseURL, "/"), router)
	parent.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, baseURL, http.StatusMovedPermanently)
	})
	return parent
}

func timeoutOr(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

func (app *Application) runServer() error {
	log.Info().Str("version", app.version).Msg("Starting premia")

	cfg, err := config.New(app.configDir)
	if err != nil {
		return fmt.Errorf("failed to initialize configuration: %w", err)
	}

	if app.dataDir != "" {
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		cfg.Config.LogPath = app.logPath
	}
	if app.pprofFlag {
		cfg.Config.PprofEnabled = true
	}

	cfg.ApplyLogConfig()

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	s, err := buildServer(cfg, db)
	if err != nil {
		return err
	}
	defer s.Close()

	cfg.OnChange(func(c *domain.Config) {
		s.artifacts.SetForceRefresh(c.ForceRefresh)
	})
	cfg.Watch()

	readTimeout := timeoutOr(cfg.Config.HTTPTimeouts.ReadTimeout, 60*time.Second)
	writeTimeout := timeoutOr(cfg.Config.HTTPTimeouts.WriteTimeout, 120*time.Second)
	idleTimeout := timeoutOr(cfg.Config.HTTPTimeouts.IdleTimeout, 180*time.Second)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Config.Host, cfg.Config.Port),
		Handler:      s.handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("address", srv.Addr).
			Dur("readTimeout", readTimeout).
			Dur("writeTimeout", writeTimeout).
			Dur("idleTimeout", idleTimeout).
			Msg("Starting HTTP server")
		if cfg.Config.BaseURL != "" {
			log.Info().Str("baseURL", cfg.Config.BaseURL).Msg("Serving under base URL")
		}

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("Server stopped")
	return nil
}
