// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/autobrr/premia/internal/domain"
	"github.com/autobrr/premia/internal/services"
)

type OrdersHandler struct {
	orders   *services.OrderService
	validate *validator.Validate
}

func NewOrdersHandler(orders *services.OrderService) *OrdersHandler {
	return &OrdersHandler{
		orders:   orders,
		validate: validator.New(),
	}
}

// HandleEvent applies a storefront order event.
func (h *OrdersHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var ev services.OrderEvent
	if err := decodeJSON(r, h.validate, &ev); err != nil {
		RenderAdminError(w, r, err)
		return
	}

	result, err := h.orders.Handle(r.Context(), ev)
	if err != nil {
		RenderAdminError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, result)
}

// CustomerDownloads lists the download links of a customer.
func (h *OrdersHandler) CustomerDownloads(w http.ResponseWriter, r *http.Request) {
	owner := chiParam(r, "ownerID")
	if owner == "" {
		RenderAdminError(w, r, domain.NewError(domain.KindInvalidRequest, "Owner id is required", nil))
		return
	}

	downloads, err := h.orders.Downloads(r.Context(), owner)
	if err != nil {
		RenderAdminError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, downloads)
}
