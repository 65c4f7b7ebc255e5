// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package polar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBaseURL = "https://api.polar.sh"

	requestTimeout    = 30 * time.Second
	orgIDNotConfigMsg = "Organization ID not configured"

	// Polar license key statuses
	StatusGranted  = "granted"
	StatusRevoked  = "revoked"
	StatusDisabled = "disabled"
)

var (
	ErrNotConfigured   = errors.New("polar client not configured")
	ErrKeyNotFound     = errors.New("license key not found")
	ErrNotPermitted    = errors.New("license key operation not permitted")
	ErrUnexpectedReply = errors.New("unexpected response from polar")
)

// Client talks to Polar's customer-portal license key API.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	accessToken    string
	organizationID string
}

// LicenseInfo contains license validation information
type LicenseInfo struct {
	Key          string     `json:"key"`
	Status       string     `json:"status"`
	CustomerID   string     `json:"customerId"`
	BenefitID    string     `json:"benefitId"`
	ActivationID string     `json:"activationId,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	Valid        bool       `json:"valid"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

func WithAccessToken(token string) Option {
	return func(c *Client) { c.accessToken = token }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a new Polar API client
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    DefaultBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetOrganizationID sets the organization ID required for license operations
func (c *Client) SetOrganizationID(orgID string) {
	c.organizationID = orgID
}

// IsClientConfigured checks if the Polar client is properly configured
func (c *Client) IsClientConfigured() bool {
	return c.httpClient != nil && c.organizationID != ""
}

// ValidateConfiguration validates the client configuration
func (c *Client) ValidateConfiguration(ctx context.Context) error {
	if c.httpClient == nil {
		return ErrNotConfigured
	}
	if c.organizationID == "" {
		return fmt.Errorf("organization ID not configured")
	}
	return nil
}

type validatedKey struct {
	ID         string     `json:"id"`
	Key        string     `json:"key"`
	Status     string     `json:"status"`
	CustomerID string     `json:"customer_id"`
	BenefitID  string     `json:"benefit_id"`
	ExpiresAt  *time.Time `json:"expires_at"`
	Activation *struct {
		ID    string `json:"id"`
		Label string `json:"label"`
	} `json:"activation"`
}

type activationRead struct {
	ID         string       `json:"id"`
	Label      string       `json:"label"`
	LicenseKey validatedKey `json:"license_key"`
}

type apiError struct {
	Type   string `json:"type"`
	Detail any    `json:"detail"`
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "polar request")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrKeyNotFound
	case resp.StatusCode == http.StatusForbidden:
		return ErrNotPermitted
	case resp.StatusCode >= 300:
		var apiErr apiError
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(raw, &apiErr)
		return errors.Wrapf(ErrUnexpectedReply, "status %d %s", resp.StatusCode, apiErr.Type)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(ErrUnexpectedReply, err.Error())
	}
	return nil
}

// ValidateLicense validates a license key against Polar API. A non-empty
// activationID additionally checks that the activation still exists.
func (c *Client) ValidateLicense(ctx context.Context, licenseKey, activationID string) (*LicenseInfo, error) {
	if c.organizationID == "" {
		return &LicenseInfo{Key: licenseKey, ErrorMessage: orgIDNotConfigMsg}, nil
	}

	body := map[string]any{
		"key":             licenseKey,
		"organization_id": c.organizationID,
	}
	if activationID != "" {
		body["activation_id"] = activationID
	}

	var res validatedKey
	if err := c.post(ctx, "/v1/customer-portal/license-keys/validate", body, &res); err != nil {
		log.Error().
			Err(err).
			Str("licenseKey", maskLicenseKey(licenseKey)).
			Str("orgId", c.organizationID).
			Msg("Failed to validate license key with Polar API")

		return &LicenseInfo{Key: licenseKey, ErrorMessage: fmt.Sprintf("Failed to validate license: %v", err)}, err
	}

	info := &LicenseInfo{
		Key:        licenseKey,
		Status:     res.Status,
		CustomerID: res.CustomerID,
		BenefitID:  res.BenefitID,
		ExpiresAt:  res.ExpiresAt,
		Valid:      res.Status == StatusGranted,
	}
	if res.Activation != nil {
		info.ActivationID = res.Activation.ID
	}

	log.Debug().
		Str("customerID", maskID(info.CustomerID)).
		Str("status", info.Status).
		Str("licenseKey", maskLicenseKey(licenseKey)).
		Msg("License key validated")

	return info, nil
}

// ActivateLicense registers a new activation labelled label.
func (c *Client) ActivateLicense(ctx context.Context, licenseKey, label string) (*LicenseInfo, error) {
	if c.organizationID == "" {
		return &LicenseInfo{Key: licenseKey, ErrorMessage: orgIDNotConfigMsg}, nil
	}

	var res activationRead
	err := c.post(ctx, "/v1/customer-portal/license-keys/activate", map[string]any{
		"key":             licenseKey,
		"organization_id": c.organizationID,
		"label":           label,
	}, &res)
	if err != nil {
		log.Error().
			Err(err).
			Str("licenseKey", maskLicenseKey(licenseKey)).
			Msg("Failed to activate license key with Polar API")

		return &LicenseInfo{Key: licenseKey, ErrorMessage: fmt.Sprintf("Failed to activate license: %v", err)}, err
	}

	if res.ID == "" {
		return &LicenseInfo{Key: licenseKey, ErrorMessage: "Invalid response from Polar API"}, ErrUnexpectedReply
	}

	log.Info().
		Str("customerID", maskID(res.LicenseKey.CustomerID)).
		Str("label", label).
		Msg("License key activated successfully")

	return &LicenseInfo{
		Key:          licenseKey,
		Status:       res.LicenseKey.Status,
		CustomerID:   res.LicenseKey.CustomerID,
		BenefitID:    res.LicenseKey.BenefitID,
		ActivationID: res.ID,
		ExpiresAt:    res.LicenseKey.ExpiresAt,
		Valid:        true,
	}, nil
}

// DeactivateLicense removes an activation.
func (c *Client) DeactivateLicense(ctx context.Context, licenseKey, activationID string) error {
	if c.organizationID == "" {
		return ErrNotConfigured
	}

	return c.post(ctx, "/v1/customer-portal/license-keys/deactivate", map[string]any{
		"key":             licenseKey,
		"organization_id": c.organizationID,
		"activation_id":   activationID,
	}, nil)
}

// maskLicenseKey masks a license key for logging (shows first 8 chars + ***)
func maskLicenseKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:8] + "***"
}

// maskID masks an ID for logging (shows first 8 chars + ***)
func maskID(id string) string {
	if len(id) <= 8 {
		return "***"
	}
	return id[:8] + "***"
}
