// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/premia/internal/hooks"
)

type Manager struct {
	registry         *prometheus.Registry
	licenseCollector *LicenseCollector

	downloads          *prometheus.CounterVec
	validationFailures *prometheus.CounterVec
	artifactBuilds     *prometheus.CounterVec
	releaseCache       *prometheus.CounterVec
}

func NewManager(licenses LicenseCounter) *Manager {
	registry := prometheus.NewRegistry()

	m := &Manager{
		registry:         registry,
		licenseCollector: NewLicenseCollector(licenses),

		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "premia_downloads_total",
			Help: "Release archives served by product",
		}, []string{"product"}),
		validationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "premia_validation_failures_total",
			Help: "Denied download validations by reason",
		}, []string{"reason"}),
		artifactBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "premia_artifact_builds_total",
			Help: "Download and repackage passes by product and result",
		}, []string{"product", "result"}),
		releaseCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "premia_release_cache_requests_total",
			Help: "Release metadata cache lookups by result",
		}, []string{"result"}),
	}

	registry.MustRegister(m.licenseCollector, m.downloads, m.validationFailures, m.artifactBuilds, m.releaseCache)

	log.Info().Msg("Metrics manager initialized")

	return m
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}

func (m *Manager) RecordDownload(product string) {
	m.downloads.WithLabelValues(product).Inc()
}

func (m *Manager) RecordValidationFailure(reason string) {
	m.validationFailures.WithLabelValues(reason).Inc()
}

func (m *Manager) RecordArtifactBuild(product, result string) {
	m.artifactBuilds.WithLabelValues(product, result).Inc()
}

func (m *Manager) RecordReleaseCacheLookup(result string) {
	m.releaseCache.WithLabelValues(result).Inc()
}

// Subscribe counts validation failures emitted on registry.
func (m *Manager) Subscribe(registry *hooks.Registry) {
	registry.On(hooks.ValidationFailed, hooks.DefaultPriority, func(_ context.Context, payload any) {
		if ev, ok := payload.(hooks.ValidationEvent); ok {
			m.RecordValidationFailure(ev.Reason)
		}
	})
}
