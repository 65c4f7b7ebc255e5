// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// Config represents the application configuration
type Config struct {
	Host          string `toml:"host" mapstructure:"host"`
	Port          int    `toml:"port" mapstructure:"port"`
	BaseURL       string `toml:"baseUrl" mapstructure:"baseUrl"`
	PublicURL     string `toml:"publicUrl" mapstructure:"publicUrl"`
	SessionSecret string `toml:"sessionSecret" mapstructure:"sessionSecret"`
	SigningSecret string `toml:"signingSecret" mapstructure:"signingSecret"`
	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	DataDir       string `toml:"dataDir" mapstructure:"dataDir"`

	// ReleasesDir holds the packaged archives and the scratch area.
	// Defaults to <dataDir>/releases.
	ReleasesDir  string `toml:"releasesDir" mapstructure:"releasesDir"`
	ForceRefresh bool   `toml:"forceRefresh" mapstructure:"forceRefresh"`

	ReleaseCacheTTL        int  `toml:"releaseCacheTtl" mapstructure:"releaseCacheTtl"` // seconds
	DownloadLinkTTL        int  `toml:"downloadLinkTtl" mapstructure:"downloadLinkTtl"` // seconds
	RequireSignedDownloads bool `toml:"requireSignedDownloads" mapstructure:"requireSignedDownloads"`
	UpstreamTimeout        int  `toml:"upstreamTimeout" mapstructure:"upstreamTimeout"` // seconds

	// DenyUnlinkedLicenses controls how licenses without a product are treated
	// by access checks.
	DenyUnlinkedLicenses bool   `toml:"denyUnlinkedLicenses" mapstructure:"denyUnlinkedLicenses"`
	UpdateClientMarker   string `toml:"updateClientMarker" mapstructure:"updateClientMarker"`

	LicenseProvider string      `toml:"licenseProvider" mapstructure:"licenseProvider"`
	Polar           PolarConfig `toml:"polar" mapstructure:"polar"`

	AuthorName string `toml:"authorName" mapstructure:"authorName"`
	AuthorURL  string `toml:"authorUrl" mapstructure:"authorUrl"`

	RateLimit      RateLimit    `toml:"rateLimit" mapstructure:"rateLimit"`
	MetricsEnabled bool         `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	PprofEnabled   bool         `toml:"pprofEnabled" mapstructure:"pprofEnabled"`
	HTTPTimeouts   HTTPTimeouts `toml:"httpTimeouts" mapstructure:"httpTimeouts"`
}

// HTTPTimeouts represents HTTP server timeout configuration
type HTTPTimeouts struct {
	ReadTimeout  int `toml:"readTimeout" mapstructure:"readTimeout"`   // seconds
	WriteTimeout int `toml:"writeTimeout" mapstructure:"writeTimeout"` // seconds
	IdleTimeout  int `toml:"idleTimeout" mapstructure:"idleTimeout"`   // seconds
}

// PolarConfig holds credentials for the external license manager
type PolarConfig struct {
	OrganizationID string `toml:"organizationId" mapstructure:"organizationId"`
	AccessToken    string `toml:"accessToken" mapstructure:"accessToken"`
	BaseURL        string `toml:"baseUrl" mapstructure:"baseUrl"`
}

// RateLimit configures the per-client limiter on the public update endpoints.
// Zero RequestsPerMinute disables limiting.
type RateLimit struct {
	RequestsPerMinute int `toml:"requestsPerMinute" mapstructure:"requestsPerMinute"`
	Burst             int `toml:"burst" mapstructure:"burst"`
}

const (
	LicenseProviderBuiltin = "builtin"
	LicenseProviderPolar   = "polar"
)
