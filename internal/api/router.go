// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autobrr/premia/internal/api/handlers"
	apimiddleware "github.com/autobrr/premia/internal/api/middleware"
	"github.com/autobrr/premia/internal/auth"
	"github.com/autobrr/premia/internal/domain"
	"github.com/autobrr/premia/internal/metrics"
	"github.com/autobrr/premia/internal/models"
	"github.com/autobrr/premia/internal/services"
	"github.com/autobrr/premia/internal/web/swagger"
)

// UpdateNamespaces are the prefixes update clients call. The second one is
// kept for clients built against the older plugin name.
var UpdateNamespaces = []string{"/premia/v1", "/license-updater/v1"}

// Dependencies holds all the dependencies needed for the API
type Dependencies struct {
	Config      *domain.Config
	AuthService *auth.Service
	Licenses    *services.LicenseService
	Products    *models.ProductStore
	Updates     *services.UpdateService
	Orders      *services.OrderService
	Releases    handlers.ReleaseInvalidator
	Metrics     *metrics.Manager
	Swagger     *swagger.Handler
}

// NewRouter creates and configures the main application router
func NewRouter(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(apimiddleware.HTTPLogger)
	r.Use(middleware.Recoverer)

	authHandler := handlers.NewAuthHandler(deps.AuthService)
	updatesHandler := handlers.NewUpdatesHandler(deps.Updates, deps.AuthService)
	licensesHandler := handlers.NewLicensesHandler(deps.Licenses)
	productsHandler := handlers.NewProductsHandler(deps.Products, deps.Releases)
	ordersHandler := handlers.NewOrdersHandler(deps.Orders)

	limiter := apimiddleware.NewRateLimiter(deps.Config.RateLimit.RequestsPerMinute, deps.Config.RateLimit.Burst)

	// Update client endpoints, each accepts GET and POST
	for _, ns := range UpdateNamespaces {
		r.Route(ns, func(r chi.Router) {
			r.Use(limiter.Handler)

			for _, method := range []string{http.MethodGet, http.MethodPost} {
				r.MethodFunc(method, "/check_updates", updatesHandler.CheckUpdates)
				r.MethodFunc(method, "/download_update", updatesHandler.DownloadUpdate)
				r.MethodFunc(method, "/activate", updatesHandler.Activate)
				r.MethodFunc(method, "/deactivate", updatesHandler.Deactivate)
			}
		})
	}

	if deps.Swagger != nil {
		deps.Swagger.RegisterRoutes(r)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Compress(5))
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(apimiddleware.RequireSetup(deps.AuthService))

		// Public routes (no auth required)
		r.Route("/auth", func(r chi.Router) {
			r.Post("/setup", authHandler.Setup)
			r.Post("/login", authHandler.Login)
			r.Get("/check-setup", authHandler.CheckSetupRequired)
		})

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(apimiddleware.IsAuthenticated(deps.AuthService))

			r.Post("/auth/logout", authHandler.Logout)
			r.Get("/auth/me", authHandler.GetCurrentUser)
			r.Put("/auth/change-password", authHandler.ChangePassword)

			r.Route("/api-keys", func(r chi.Router) {
				r.Get("/", authHandler.ListAPIKeys)
				r.Post("/", authHandler.CreateAPIKey)
				r.Delete("/{id}", authHandler.DeleteAPIKey)
			})

			r.Route("/licenses", func(r chi.Router) {
				r.Get("/", licensesHandler.ListLicenses)
				r.Post("/", licensesHandler.CreateLicense)

				r.Route("/{licenseID}", func(r chi.Router) {
					r.Get("/", licensesHandler.GetLicense)
					r.Put("/", licensesHandler.UpdateLicense)
					r.Delete("/", licensesHandler.DeleteLicense)
					r.Post("/trash", licensesHandler.TrashLicense)
					r.Post("/restore", licensesHandler.RestoreLicense)
					r.Post("/regenerate-key", licensesHandler.RegenerateKey)
					r.Post("/installations", licensesHandler.AddInstallation)
					r.Delete("/installations", licensesHandler.RemoveInstallation)
				})
			})

			r.Route("/products", func(r chi.Router) {
				r.Get("/", productsHandler.ListProducts)
				r.Post("/", productsHandler.CreateProduct)
				r.Get("/suggest", productsHandler.SuggestProducts)

				r.Route("/{productRef}", func(r chi.Router) {
					r.Get("/", productsHandler.GetProduct)
					r.Put("/", productsHandler.UpdateProduct)
					r.Delete("/", productsHandler.DeleteProduct)
					r.Post("/refresh", productsHandler.RefreshReleases)
				})
			})

			r.Post("/orders/events", ordersHandler.HandleEvent)
			r.Get("/customers/{ownerID}/downloads", ordersHandler.CustomerDownloads)
		})
	})

	if deps.Config.MetricsEnabled && deps.Metrics != nil {
		r.Group(func(r chi.Router) {
			r.Use(apimiddleware.IsAuthenticated(deps.AuthService))
			r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.GetRegistry(), promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				ErrorHandling:     promhttp.ContinueOnError,
			}))
		})
	}

	if deps.Config.PprofEnabled {
		r.Group(func(r chi.Router) {
			r.Use(apimiddleware.IsAuthenticated(deps.AuthService))
			r.Mount("/debug", middleware.Profiler())
		})
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	})

	return r
}
