// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/premia/internal/domain"
	"github.com/autobrr/premia/internal/models"
)

// ReleaseInvalidator drops cached release metadata of a product.
type ReleaseInvalidator interface {
	Invalidate(productID int, selectors ...string)
}

type ProductsHandler struct {
	products *models.ProductStore
	releases ReleaseInvalidator
	validate *validator.Validate
}

func NewProductsHandler(products *models.ProductStore, releases ReleaseInvalidator) *ProductsHandler {
	return &ProductsHandler{
		products: products,
		releases: releases,
		validate: validator.New(),
	}
}

// ProductRequest is the editable part of a product. An empty RepoToken on
// update keeps the stored token.
type ProductRequest struct {
	Slug           string `json:"slug" validate:"required,max=100"`
	Name           string `json:"name" validate:"required,max=200"`
	Description    string `json:"description"`
	RepoURL        string `json:"repoUrl" validate:"omitempty,url"`
	RepoToken      string `json:"repoToken"`
	ValidityDays   int    `json:"validityDays" validate:"gte=0"`
	DoNotValidate  bool   `json:"doNotValidate"`
	LicenseEnabled bool   `json:"licenseEnabled"`
	IconURL        string `json:"iconUrl" validate:"omitempty,url"`
	BannerURL      string `json:"bannerUrl" validate:"omitempty,url"`
	BannerLowURL   string `json:"bannerLowUrl" validate:"omitempty,url"`
	PolarBenefitID string `json:"polarBenefitId" validate:"max=100"`
}

func (req ProductRequest) product(id int) *models.Product {
	return &models.Product{
		ID:             id,
		Slug:           req.Slug,
		Name:           req.Name,
		Description:    req.Description,
		RepoURL:        req.RepoURL,
		RepoToken:      req.RepoToken,
		ValidityDays:   req.ValidityDays,
		DoNotValidate:  req.DoNotValidate,
		LicenseEnabled: req.LicenseEnabled,
		IconURL:        req.IconURL,
		BannerURL:      req.BannerURL,
		BannerLowURL:   req.BannerLowURL,
		PolarBenefitID: req.PolarBenefitID,
	}
}

func productError(err error) error {
	switch {
	case errors.Is(err, models.ErrProductNotFound):
		return domain.NewError(domain.KindNotFound, "Product not found", err)
	case errors.Is(err, models.ErrProductSlugExists),
		errors.Is(err, models.ErrInvalidSlug),
		errors.Is(err, models.ErrInvalidRepoURL):
		return domain.NewError(domain.KindInvalidRequest, err.Error(), err)
	}
	return err
}

func (h *ProductsHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.products.List(r.Context())
	if err != nil {
		RenderAdminError(w, r, err)
		return
	}
	if products == nil {
		products = []*models.Product{}
	}

	RespondJSON(w, http.StatusOK, products)
}

func (h *ProductsHandler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req ProductRequest
	if err := decodeJSON(r, h.validate, &req); err != nil {
		RenderAdminError(w, r, err)
		return
	}

	p, err := h.products.Create(r.Context(), req.product(0))
	if err != nil {
		RenderAdminError(w, r, productError(err))
		return
	}

	log.Info().Str("product", p.Slug).Int("id", p.ID).Msg("Product created")
	RespondJSON(w, http.StatusCreated, p)
}

// GetProduct accepts a numeric id or a slug.
func (h *ProductsHandler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.products.Resolve(r.Context(), chiParam(r, "productRef"))
	if err != nil {
		RenderAdminError(w, r, productError(err))
		return
	}

	RespondJSON(w, http.StatusOK, p)
}

func (h *ProductsHandler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chiParam(r, "productRef"))
	if err != nil {
		RenderAdminError(w, r, domain.NewError(domain.KindInvalidRequest, "Invalid product id", err))
		return
	}

	var req ProductRequest
	if err := decodeJSON(r, h.validate, &req); err != nil {
		RenderAdminError(w, r, err)
		return
	}

	p, err := h.products.Update(r.Context(), req.product(id))
	if err != nil {
		RenderAdminError(w, r, productError(err))
		return
	}

	if h.releases != nil {
		h.releases.Invalidate(p.ID)
	}

	RespondJSON(w, http.StatusOK, p)
}

func (h *ProductsHandler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chiParam(r, "productRef"))
	if err != nil {
		RenderAdminError(w, r, domain.NewError(domain.KindInvalidRequest, "Invalid product id", err))
		return
	}

	if err := h.products.Delete(r.Context(), id); err != nil {
		RenderAdminError(w, r, productError(err))
		return
	}

	if h.releases != nil {
		h.releases.Invalidate(id)
	}

	w.WriteHeader(http.StatusNoContent)
}

// RefreshReleases forgets cached release metadata so the next request asks
// upstream again.
func (h *ProductsHandler) RefreshReleases(w http.ResponseWriter, r *http.Request) {
	p, err := h.products.Resolve(r.Context(), chiParam(r, "productRef"))
	if err != nil {
		RenderAdminError(w, r, productError(err))
		return
	}

	if h.releases != nil {
		h.releases.Invalidate(p.ID)
	}

	RespondJSON(w, http.StatusOK, map[string]string{"message": "Release cache cleared"})
}

// SuggestProducts returns slugs close to ?q=.
func (h *ProductsHandler) SuggestProducts(w http.ResponseWriter, r *http.Request) {
	limit := 5
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 50 {
			limit = n
		}
	}

	slugs, err := h.products.Suggest(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		RenderAdminError(w, r, err)
		return
	}
	if slugs == nil {
		slugs = []string{}
	}

	RespondJSON(w, http.StatusOK, map[string][]string{"suggestions": slugs})
}
