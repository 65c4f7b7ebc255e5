// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package polar

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/premia/internal/domain"
	"github.com/autobrr/premia/internal/hooks"
	"github.com/autobrr/premia/internal/models"
)

type productGetter interface {
	Get(ctx context.Context, id int) (*models.Product, error)
}

// Provider serves entitlement decisions from Polar. Activation ids are kept
// locally per origin so deactivation can address them.
type Provider struct {
	client      *Client
	activations *models.ExternalActivationStore
	products    productGetter
	hooks       *hooks.Registry
	now         func() time.Time
}

func NewProvider(client *Client, activations *models.ExternalActivationStore, products productGetter, registry *hooks.Registry) (*Provider, error) {
	if err := client.ValidateConfiguration(context.Background()); err != nil {
		return nil, domain.NewError(domain.KindConfiguration, "Polar is not configured.", err)
	}
	return &Provider{
		client:      client,
		activations: activations,
		products:    products,
		hooks:       registry,
		now:         time.Now,
	}, nil
}

func (p *Provider) Name() string {
	return domain.LicenseProviderPolar
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrKeyNotFound):
		return domain.NewError(domain.KindNotFound, "License key cannot be found.", err)
	case errors.Is(err, ErrNotPermitted):
		return domain.NewError(domain.KindAccessDenied, "The license does not permit this operation.", err)
	default:
		return domain.NewError(domain.KindUpstream, "License manager is unavailable.", err)
	}
}

func (p *Provider) Activate(ctx context.Context, req domain.LicenseRequest) (bool, error) {
	origin := strings.TrimSpace(req.Origin)
	if req.Key == "" || origin == "" {
		return false, domain.NewError(domain.KindInvalidRequest, "License key and site url are required.", nil)
	}

	if _, err := p.activations.Get(ctx, req.Key, origin); err == nil {
		return true, nil
	} else if !errors.Is(err, models.ErrActivationNotFound) {
		return false, err
	}

	info, err := p.client.ActivateLicense(ctx, req.Key, origin)
	if err != nil {
		return false, mapError(err)
	}

	if err := p.activations.Put(ctx, req.Key, origin, info.ActivationID); err != nil {
		return false, err
	}

	p.hooks.Emit(ctx, hooks.LicenseActivated, req)
	return true, nil
}

func (p *Provider) Deactivate(ctx context.Context, req domain.LicenseRequest) (bool, error) {
	origin := strings.TrimSpace(req.Origin)
	if req.Key == "" || origin == "" {
		return false, domain.NewError(domain.KindInvalidRequest, "License key and site url are required.", nil)
	}

	activationID, err := p.activations.Get(ctx, req.Key, origin)
	if errors.Is(err, models.ErrActivationNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if err := p.client.DeactivateLicense(ctx, req.Key, activationID); err != nil && !errors.Is(err, ErrKeyNotFound) {
		return false, mapError(err)
	}

	if err := p.activations.Delete(ctx, req.Key, origin); err != nil {
		return false, err
	}

	p.hooks.Emit(ctx, hooks.LicenseDeactivated, req)
	return true, nil
}

func (p *Provider) ValidateForDownload(ctx context.Context, req domain.LicenseRequest) (domain.Decision, error) {
	d, err := p.decide(ctx, req)
	if err != nil {
		return domain.Decision{}, err
	}

	if !d.Allowed {
		log.Debug().
			Str("licenseKey", maskLicenseKey(req.Key)).
			Str("origin", req.Origin).
			Str("reason", d.Reason).
			Msg("Polar license validation failed")

		p.hooks.Emit(ctx, hooks.ValidationFailed, hooks.ValidationEvent{
			Provider:   p.Name(),
			LicenseKey: maskLicenseKey(req.Key),
			Origin:     req.Origin,
			ProductID:  req.ProductID,
			Reason:     d.Reason,
		})
	}

	return d, nil
}

func (p *Provider) decide(ctx context.Context, req domain.LicenseRequest) (domain.Decision, error) {
	if req.DoNotValidate {
		return domain.Allow(), nil
	}
	var product *models.Product
	if req.ProductID != 0 && p.products != nil {
		var err error
		product, err = p.products.Get(ctx, req.ProductID)
		if err != nil && !errors.Is(err, models.ErrProductNotFound) {
			return domain.Decision{}, err
		}
		if product != nil && product.DoNotValidate {
			return domain.Allow(), nil
		}
	}

	if req.Key == "" {
		return domain.Deny(domain.KindAccessDenied, domain.ReasonNoKey), nil
	}

	origin := strings.TrimSpace(req.Origin)
	activationID, err := p.activations.Get(ctx, req.Key, origin)
	if err != nil && !errors.Is(err, models.ErrActivationNotFound) {
		return domain.Decision{}, err
	}

	info, err := p.client.ValidateLicense(ctx, req.Key, activationID)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			if activationID != "" {
				// the activation is gone upstream; check the key alone
				info, err = p.client.ValidateLicense(ctx, req.Key, "")
				activationID = ""
			}
		}
		if err != nil {
			if errors.Is(err, ErrKeyNotFound) {
				return domain.Deny(domain.KindNotFound, domain.ReasonUnknownKey), nil
			}
			return domain.Decision{}, mapError(err)
		}
	}

	if info.ExpiresAt != nil && info.ExpiresAt.Before(p.now()) {
		return domain.Deny(domain.KindExpired, domain.ReasonExpired), nil
	}

	if info.Status != StatusGranted {
		return domain.Deny(domain.KindAccessDenied, domain.ReasonNoAccess), nil
	}

	if product != nil && !grantsProduct(product, info.BenefitID) {
		return domain.Deny(domain.KindAccessDenied, domain.ReasonNoAccess), nil
	}

	if activationID == "" && !req.Admin {
		return domain.Deny(domain.KindAccessDenied, domain.ReasonNotActivated), nil
	}

	return domain.Allow(), nil
}

// grantsProduct reports whether a key issued for benefitID covers product.
// Products without a configured benefit are not granted by any key.
func grantsProduct(product *models.Product, benefitID string) bool {
	if product.PolarBenefitID == "" {
		log.Warn().Str("product", product.Slug).Msg("Product has no Polar benefit configured, denying access")
		return false
	}
	return benefitID != "" && benefitID == product.PolarBenefitID
}
