// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// LicenseCounter reports the number of licenses per status.
type LicenseCounter interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

type LicenseCollector struct {
	store LicenseCounter

	licensesDesc     *prometheus.Desc
	scrapeErrorsDesc *prometheus.Desc
}

func NewLicenseCollector(store LicenseCounter) *LicenseCollector {
	return &LicenseCollector{
		store: store,

		licensesDesc: prometheus.NewDesc(
			"premia_licenses",
			"Number of licenses by status",
			[]string{"status"},
			nil,
		),
		scrapeErrorsDesc: prometheus.NewDesc(
			"premia_scrape_errors_total",
			"Number of failed scrapes by source",
			[]string{"type"},
			nil,
		),
	}
}

func (c *LicenseCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.licensesDesc
	ch <- c.scrapeErrorsDesc
}

func (c *LicenseCollector) Collect(ch chan<- prometheus.Metric) {
	if c.store == nil {
		log.Debug().Msg("License store is nil, skipping license metrics")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to count licenses for metrics")
		ch <- prometheus.MustNewConstMetric(c.scrapeErrorsDesc, prometheus.CounterValue, 1, "license_counts")
		return
	}

	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.licensesDesc, prometheus.GaugeValue, float64(n), status)
	}
}
