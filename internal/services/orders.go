// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/premia/internal/domain"
	"github.com/autobrr/premia/internal/links"
	"github.com/autobrr/premia/internal/models"
)

// Order event types
const (
	OrderCompleted        = "order_completed"
	PaymentComplete       = "payment_complete"
	OrderCancelled        = "order_cancelled"
	OrderRefunded         = "order_refunded"
	SubscriptionPaused    = "subscription_paused"
	SubscriptionActivated = "subscription_activated"
)

// OrderEvent is a storefront notification about an order.
type OrderEvent struct {
	Type       string `json:"type" validate:"required,oneof=order_completed payment_complete order_cancelled order_refunded subscription_paused subscription_activated"`
	OrderID    string `json:"orderId" validate:"required"`
	OwnerID    string `json:"ownerId"`
	ProductIDs []int  `json:"productIds"`
}

// OrderResult reports what an event changed.
type OrderResult struct {
	Created  []*models.License `json:"created"`
	Existing []*models.License `json:"existing"`
	Updated  int64             `json:"updated"`
}

// Download is an entry of a customer's downloads page.
type Download struct {
	DownloadURL   string  `json:"download_url"`
	DownloadName  string  `json:"download_name"`
	ProductID     int     `json:"product_id"`
	ProductName   string  `json:"product_name"`
	OrderID       string  `json:"order_id"`
	LicenseKey    string  `json:"license_key"`
	AccessExpires *string `json:"access_expires"`
}

type OrderService struct {
	licenses  *LicenseService
	products  *models.ProductStore
	signer    *links.Signer
	publicURL string
}

func NewOrderService(licenses *LicenseService, products *models.ProductStore, signer *links.Signer, publicURL string) *OrderService {
	return &OrderService{
		licenses:  licenses,
		products:  products,
		signer:    signer,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}
}

func (s *OrderService) Handle(ctx context.Context, ev OrderEvent) (*OrderResult, error) {
	if ev.OrderID == "" {
		return nil, domain.NewError(domain.KindInvalidRequest, "Order id is required.", nil)
	}

	switch ev.Type {
	case OrderCompleted, PaymentComplete:
		return s.issue(ctx, ev)
	case OrderCancelled, OrderRefunded, SubscriptionPaused:
		return s.setStatus(ctx, ev, models.LicenseStatusTrash)
	case SubscriptionActivated:
		return s.setStatus(ctx, ev, models.LicenseStatusPublished)
	default:
		return nil, domain.NewError(domain.KindInvalidRequest, fmt.Sprintf("Unknown order event %q.", ev.Type), nil)
	}
}

// issue creates one license per license-enabled product of the order.
func (s *OrderService) issue(ctx context.Context, ev OrderEvent) (*OrderResult, error) {
	result := &OrderResult{Created: []*models.License{}, Existing: []*models.License{}}

	for _, productID := range ev.ProductIDs {
		product, err := s.products.Get(ctx, productID)
		if err != nil {
			if errors.Is(err, models.ErrProductNotFound) {
				log.Warn().Str("order", ev.OrderID).Int("productID", productID).Msg("Order references unknown product")
				continue
			}
			return nil, err
		}
		if !product.LicenseEnabled {
			continue
		}

		l, created, err := s.licenses.CreateLicenseForOrder(ctx, product.ID, ev.OwnerID, ev.OrderID)
		if err != nil {
			return nil, fmt.Errorf("failed to create license for order %s: %w", ev.OrderID, err)
		}
		if created {
			result.Created = append(result.Created, l)
		} else {
			result.Existing = append(result.Existing, l)
		}
	}

	log.Info().
		Str("order", ev.OrderID).
		Int("created", len(result.Created)).
		Int("existing", len(result.Existing)).
		Msg("Processed completed order")

	return result, nil
}

func (s *OrderService) setStatus(ctx context.Context, ev OrderEvent, status string) (*OrderResult, error) {
	n, err := s.licenses.SetOrderStatus(ctx, ev.OrderID, status)
	if err != nil {
		return nil, err
	}

	log.Info().Str("order", ev.OrderID).Str("event", ev.Type).Int64("licenses", n).Msg("Updated order licenses")
	return &OrderResult{Updated: n}, nil
}

// Downloads lists a download entry for each published license of owner.
func (s *OrderService) Downloads(ctx context.Context, ownerID string) ([]Download, error) {
	licenses, err := s.licenses.ListLicenses(ctx, models.LicenseFilter{OwnerID: ownerID, Status: models.LicenseStatusPublished})
	if err != nil {
		return nil, err
	}

	downloads := []Download{}
	for _, l := range licenses {
		if l.ProductID == nil {
			continue
		}

		product, err := s.products.Get(ctx, *l.ProductID)
		if err != nil {
			if errors.Is(err, models.ErrProductNotFound) {
				continue
			}
			return nil, err
		}

		link, err := s.downloadURL(product, l)
		if err != nil {
			return nil, err
		}

		d := Download{
			DownloadURL:  link,
			DownloadName: product.Slug + ".zip",
			ProductID:    product.ID,
			ProductName:  product.Name,
			OrderID:      l.OrderID,
			LicenseKey:   l.Key,
		}
		if l.ExpiresAt != nil {
			expires := l.ExpiresAt.Format("2006-01-02")
			d.AccessExpires = &expires
		}
		downloads = append(downloads, d)
	}

	return downloads, nil
}

func (s *OrderService) downloadURL(product *models.Product, l *models.License) (string, error) {
	q := url.Values{}
	q.Set("plugin", product.Slug)
	q.Set("post_id", fmt.Sprint(product.ID))
	q.Set("license_key", l.Key)

	if s.signer != nil {
		sig, err := s.signer.Sign(links.Params{Plugin: product.Slug, LicenseKey: l.Key})
		if err != nil {
			return "", err
		}
		q.Set("signature", sig)
	}

	return s.publicURL + "/premia/v1/download_update?" + q.Encode(), nil
}
