// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"text/template"
	"unicode"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/autobrr/premia/internal/domain"
)

const (
	envPrefix         = "PREMIA__"
	appName           = "premia"
	databaseFile      = "premia.db"
	encryptionKeySize = 32
)

// keys lists every config key so each can be bound to its environment variable.
var keys = []string{
	"host",
	"port",
	"baseUrl",
	"publicUrl",
	"sessionSecret",
	"signingSecret",
	"logLevel",
	"logPath",
	"dataDir",
	"releasesDir",
	"forceRefresh",
	"releaseCacheTtl",
	"downloadLinkTtl",
	"requireSignedDownloads",
	"upstreamTimeout",
	"denyUnlinkedLicenses",
	"updateClientMarker",
	"licenseProvider",
	"polar.organizationId",
	"polar.accessToken",
	"polar.baseUrl",
	"authorName",
	"authorUrl",
	"rateLimit.requestsPerMinute",
	"rateLimit.burst",
	"metricsEnabled",
	"pprofEnabled",
	"httpTimeouts.readTimeout",
	"httpTimeouts.writeTimeout",
	"httpTimeouts.idleTimeout",
}

type AppConfig struct {
	Config *domain.Config

	viper      *viper.Viper
	configPath string
	dataDir    string

	mu       sync.Mutex
	logFile  *os.File
	onChange []func(*domain.Config)
}

// New loads configuration from a directory or a direct .toml path. A default
// config file is written when none exists. An empty path resolves to the
// OS-specific default location.
func New(configDirOrPath string) (*AppConfig, error) {
	c := &AppConfig{
		viper:  viper.New(),
		Config: &domain.Config{},
	}

	if configDirOrPath == "" {
		configDirOrPath = GetDefaultConfigDir()
	}
	c.configPath = c.resolveConfigPath(configDirOrPath)

	c.defaults()

	for _, key := range keys {
		if err := c.viper.BindEnv(key, envName(key)); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if _, err := os.Stat(c.configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(c.configPath); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		log.Info().Str("path", c.configPath).Msg("Created default configuration file")
	}

	c.viper.SetConfigFile(c.configPath)
	c.viper.SetConfigType("toml")
	if err := c.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", c.configPath, err)
	}

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if c.Config.SessionSecret == "" {
		return nil, fmt.Errorf("sessionSecret must be set in %s", c.configPath)
	}

	c.dataDir = c.Config.DataDir
	if c.dataDir == "" {
		c.dataDir = filepath.Dir(c.configPath)
	}

	return c, nil
}

func (c *AppConfig) defaults() {
	c.viper.SetDefault("host", "localhost")
	c.viper.SetDefault("port", 7480)
	c.viper.SetDefault("baseUrl", "")
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("releaseCacheTtl", 3600)
	c.viper.SetDefault("downloadLinkTtl", 3600)
	c.viper.SetDefault("upstreamTimeout", 60)
	c.viper.SetDefault("denyUnlinkedLicenses", true)
	c.viper.SetDefault("updateClientMarker", "WordPress")
	c.viper.SetDefault("licenseProvider", domain.LicenseProviderBuiltin)
	c.viper.SetDefault("polar.baseUrl", "https://api.polar.sh")
	c.viper.SetDefault("rateLimit.requestsPerMinute", 120)
	c.viper.SetDefault("rateLimit.burst", 20)
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("pprofEnabled", false)
	c.viper.SetDefault("httpTimeouts.readTimeout", 60)
	c.viper.SetDefault("httpTimeouts.writeTimeout", 120)
	c.viper.SetDefault("httpTimeouts.idleTimeout", 180)
}

// resolveConfigPath accepts either a directory or a file. Paths ending in
// .toml and existing regular files are used as is.
func (c *AppConfig) resolveConfigPath(p string) string {
	if strings.HasSuffix(strings.ToLower(p), ".toml") {
		return p
	}
	if info, err := os.Stat(p); err == nil && !info.IsDir() {
		return p
	}
	return filepath.Join(p, "config.toml")
}

// envName maps a config key to its environment variable:
// httpTimeouts.readTimeout -> PREMIA__HTTP_TIMEOUTS__READ_TIMEOUT
func envName(key string) string {
	parts := strings.Split(key, ".")
	for i, part := range parts {
		var b strings.Builder
		for j, r := range part {
			if unicode.IsUpper(r) && j > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToUpper(r))
		}
		parts[i] = b.String()
	}
	return envPrefix + strings.Join(parts, "__")
}

func (c *AppConfig) ConfigPath() string {
	return c.configPath
}

// SetDataDir overrides the data directory, e.g. from a CLI flag.
func (c *AppConfig) SetDataDir(dir string) {
	c.dataDir = dir
	c.Config.DataDir = dir
}

func (c *AppConfig) GetDataDir() string {
	return c.dataDir
}

func (c *AppConfig) GetDatabasePath() string {
	return filepath.Join(c.dataDir, databaseFile)
}

// GetReleasesDir returns the root of the artifact cache.
func (c *AppConfig) GetReleasesDir() string {
	if c.Config.ReleasesDir != "" {
		return c.Config.ReleasesDir
	}
	return filepath.Join(c.dataDir, "releases")
}

// GetEncryptionKey derives the key used to encrypt upstream credentials at rest.
func (c *AppConfig) GetEncryptionKey() []byte {
	sum := sha256.Sum256([]byte(c.Config.SessionSecret))
	return sum[:encryptionKeySize]
}

// GetSigningKey returns the secret for download link tokens, falling back to
// the session secret.
func (c *AppConfig) GetSigningKey() []byte {
	if c.Config.SigningSecret != "" {
		return []byte(c.Config.SigningSecret)
	}
	return []byte(c.Config.SessionSecret)
}

// ApplyLogConfig sets the global log level and output.
func (c *AppConfig) ApplyLogConfig() {
	c.mu.Lock()
	defer c.mu.Unlock()

	level, err := zerolog.ParseLevel(strings.ToLower(c.Config.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if c.Config.LogPath == "" {
		return
	}

	if c.logFile != nil && c.logFile.Name() == c.Config.LogPath {
		return
	}

	if err := os.MkdirAll(filepath.Dir(c.Config.LogPath), 0755); err != nil {
		log.Error().Err(err).Str("path", c.Config.LogPath).Msg("Failed to create log directory")
		return
	}

	f, err := os.OpenFile(c.Config.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Error().Err(err).Str("path", c.Config.LogPath).Msg("Failed to open log file")
		return
	}

	if c.logFile != nil {
		c.logFile.Close()
	}
	c.logFile = f
	log.Logger = zerolog.New(f).With().Timestamp().Logger()
}

// OnChange registers a callback run after the config file is reloaded.
func (c *AppConfig) OnChange(fn func(*domain.Config)) {
	c.mu.Lock()
	c.onChange = append(c.onChange, fn)
	c.mu.Unlock()
}

// Watch reloads the config file on change. Only settings that are safe to
// change at runtime are applied; the rest require a restart.
func (c *AppConfig) Watch() {
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		var next domain.Config
		if err := c.viper.Unmarshal(&next); err != nil {
			log.Error().Err(err).Msg("Failed to reload configuration")
			return
		}

		c.Config.LogLevel = next.LogLevel
		c.Config.ForceRefresh = next.ForceRefresh
		c.ApplyLogConfig()

		c.mu.Lock()
		callbacks := append([]func(*domain.Config){}, c.onChange...)
		c.mu.Unlock()
		for _, fn := range callbacks {
			fn(c.Config)
		}

		log.Info().Str("file", e.Name).Str("logLevel", c.Config.LogLevel).Msg("Configuration reloaded")
	})
	c.viper.WatchConfig()
}

// GetDefaultConfigDir returns the OS-specific config directory.
func GetDefaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		// container images mount /config directly
		if xdg == "/config" {
			return xdg
		}
		return filepath.Join(xdg, appName)
	}

	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, appName)
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", appName)
	}
	return filepath.Join(home, ".config", appName)
}

const defaultConfigTemplate = `# config.toml - premia

# Hostname / IP
# Default: "localhost"
host = "{{ .Host }}"

# Port
# Default: 7480
port = {{ .Port }}

# Base URL the app is mounted under, e.g. "/premia/"
#baseUrl = ""

# Public URL used when building download links, e.g. "https://updates.example.com"
#publicUrl = ""

# Session secret, also used to derive the credential encryption key
sessionSecret = "{{ .SessionSecret }}"

# Secret used to sign download links
signingSecret = "{{ .SigningSecret }}"

# Log level: TRACE, DEBUG, INFO, WARN, ERROR
logLevel = "INFO"

# Log file path. Empty logs to stdout.
#logPath = ""

# Data directory for the database. Defaults to the config directory.
#dataDir = ""

# Directory for packaged release archives. Defaults to <dataDir>/releases.
#releasesDir = ""

# Rebuild release archives on every download
#forceRefresh = false

# Seconds release metadata is cached
#releaseCacheTtl = 3600

# Seconds a signed download link stays valid
#downloadLinkTtl = 3600

# Reject downloads without a valid signed link
#requireSignedDownloads = false

# Deny access for licenses without a linked product
#denyUnlinkedLicenses = true

# Substring required in the User-Agent of update checks
#updateClientMarker = "WordPress"

# License provider: "builtin" or "polar"
#licenseProvider = "builtin"

#[polar]
#organizationId = ""
#accessToken = ""

#[httpTimeouts]
#readTimeout = 60
#writeTimeout = 120
#idleTimeout = 180

#[rateLimit]
#requestsPerMinute = 120
#burst = 20

# Enable Prometheus metrics at /metrics
#metricsEnabled = false
`

// WriteDefaultConfig writes a config file with fresh secrets. An existing
// file is left untouched.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	sessionSecret, err := generateSecureToken(32)
	if err != nil {
		return fmt.Errorf("failed to generate session secret: %w", err)
	}
	signingSecret, err := generateSecureToken(32)
	if err != nil {
		return fmt.Errorf("failed to generate signing secret: %w", err)
	}

	host := "localhost"
	// containers need to listen on all interfaces
	if _, err := os.Stat("/.dockerenv"); err == nil {
		host = "0.0.0.0"
	}

	tmpl := template.Must(template.New("config").Parse(defaultConfigTemplate))
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]any{
		"Host":          host,
		"Port":          7480,
		"SessionSecret": sessionSecret,
		"SigningSecret": signingSecret,
	}); err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func generateSecureToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
