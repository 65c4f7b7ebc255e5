// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/autobrr/premia/internal/domain"
	"github.com/autobrr/premia/internal/models"
	"github.com/autobrr/premia/internal/services"
)

type LicensesHandler struct {
	licenses *services.LicenseService
	validate *validator.Validate
}

func NewLicensesHandler(licenses *services.LicenseService) *LicensesHandler {
	return &LicensesHandler{
		licenses: licenses,
		validate: validator.New(),
	}
}

type CreateLicenseRequest struct {
	ProductID int    `json:"productId" validate:"required,gt=0"`
	OwnerID   string `json:"ownerId" validate:"max=200"`
}

type UpdateLicenseRequest struct {
	ProductID     *int       `json:"productId" validate:"omitempty,gt=0"`
	ClearProduct  bool       `json:"clearProduct"`
	OwnerID       *string    `json:"ownerId" validate:"omitempty,max=200"`
	ExpiresAt     *time.Time `json:"expiresAt"`
	ClearExpiry   bool       `json:"clearExpiry"`
	Installations []string   `json:"installations" validate:"omitempty,dive,required,max=2048"`
}

type InstallationRequest struct {
	Origin string `json:"origin" validate:"required,max=2048"`
}

// ListLicenses returns licenses filtered by productId, ownerId, orderId and status.
func (h *LicensesHandler) ListLicenses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.LicenseFilter{
		OwnerID: q.Get("ownerId"),
		OrderID: q.Get("orderId"),
		Status:  q.Get("status"),
	}
	if v := q.Get("productId"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			RenderAdminError(w, r, domain.NewError(domain.KindInvalidRequest, "Invalid productId", err))
			return
		}
		filter.ProductID = id
	}

	licenses, err := h.licenses.ListLicenses(r.Context(), filter)
	if err != nil {
		RenderAdminError(w, r, err)
		return
	}
	if licenses == nil {
		licenses = []*models.License{}
	}

	RespondJSON(w, http.StatusOK, licenses)
}

func (h *LicensesHandler) CreateLicense(w http.ResponseWriter, r *http.Request) {
	var req CreateLicenseRequest
	if err := decodeJSON(r, h.validate, &req); err != nil {
		RenderAdminError(w, r, err)
		return
	}

	id, err := h.licenses.CreateLicense(r.Context(), req.ProductID, req.OwnerID)
	if err != nil {
		RenderAdminError(w, r, err)
		return
	}

	l, err := h.licenses.GetLicenseByID(r.Context(), id)
	if err != nil {
		RenderAdminError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusCreated, l)
}

func (h *LicensesHandler) GetLicense(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDFromPath(r, "licenseID")
	if err != nil {
		RenderAdminError(w, r, err)
		return
	}

	l, err := h.licenses.GetLicenseByID(r.Context(), id)
	if err != nil {
		RenderAdminError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, l)
}

func (h *LicensesHandler) UpdateLicense(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDFromPath(r, "licenseID")
	if err != nil {
		RenderAdminError(w, r, err)
		return
	}

	var req UpdateLicenseRequest
	if err := decodeJSON(r, h.validate, &req); err != nil {
		RenderAdminError(w, r, err)
		return
	}

	l, err := h.licenses.UpdateLicense(r.Context(), id, services.LicenseUpdate{
		ProductID:     req.ProductID,
		ClearProduct:  req.ClearProduct,
		OwnerID:       req.OwnerID,
		ExpiresAt:     req.ExpiresAt,
		ClearExpiry:   req.ClearExpiry,
		Installations: req.Installations,
	})
	if err != nil {
		RenderAdminError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, l)
}

func (h *LicensesHandler) DeleteLicense(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDFromPath(r, "licenseID")
	if err != nil {
		RenderAdminError(w, r, err)
		return
	}

	if err := h.licenses.DeleteLicense(r.Context(), id); err != nil {
		RenderAdminError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *LicensesHandler) TrashLicense(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.licenses.Trash)
}

func (h *LicensesHandler) RestoreLicense(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.licenses.Restore)
}

func (h *LicensesHandler) setStatus(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id int) error) {
	id, err := ParseIDFromPath(r, "licenseID")
	if err != nil {
		RenderAdminError(w, r, err)
		return
	}

	if err := fn(r.Context(), id); err != nil {
		RenderAdminError(w, r, err)
		return
	}

	l, err := h.licenses.GetLicenseByID(r.Context(), id)
	if err != nil {
		RenderAdminError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, l)
}

// RegenerateKey replaces the key of a license, keeping its installations.
func (h *LicensesHandler) RegenerateKey(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDFromPath(r, "licenseID")
	if err != nil {
		RenderAdminError(w, r, err)
		return
	}

	l, err := h.licenses.RegenerateKey(r.Context(), id)
	if err != nil {
		RenderAdminError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, l)
}

// AddInstallation authorizes an origin on behalf of the customer.
func (h *LicensesHandler) AddInstallation(w http.ResponseWriter, r *http.Request) {
	h.installation(w, r, true)
}

// RemoveInstallation revokes an origin on behalf of the customer.
func (h *LicensesHandler) RemoveInstallation(w http.ResponseWriter, r *http.Request) {
	h.installation(w, r, false)
}

func (h *LicensesHandler) installation(w http.ResponseWriter, r *http.Request, activate bool) {
	id, err := ParseIDFromPath(r, "licenseID")
	if err != nil {
		RenderAdminError(w, r, err)
		return
	}

	var req InstallationRequest
	if err := decodeJSON(r, h.validate, &req); err != nil {
		RenderAdminError(w, r, err)
		return
	}

	l, err := h.licenses.GetLicenseByID(r.Context(), id)
	if err != nil {
		RenderAdminError(w, r, err)
		return
	}

	lr := domain.LicenseRequest{Key: l.Key, Origin: req.Origin, Admin: true}
	if activate {
		_, err = h.licenses.Activate(r.Context(), lr)
	} else {
		_, err = h.licenses.Deactivate(r.Context(), lr)
	}
	if err != nil {
		RenderAdminError(w, r, err)
		return
	}

	if l, err = h.licenses.GetLicenseByID(r.Context(), id); err != nil {
		RenderAdminError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, l)
}
