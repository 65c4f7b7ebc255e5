// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/premia/internal/domain"
)

// RespondJSON sends a JSON response
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Error().Err(err).Msg("Failed to encode JSON response")
		}
	}
}

// RespondError sends an error response
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{
		"error": message,
	})
}

// ErrResponse is the structured failure body of the update surface.
type ErrResponse struct {
	HTTPStatusCode int    `json:"-"`
	Message        string `json:"error"`
	Reason         string `json:"reason,omitempty"`
}

func (e *ErrResponse) Render(_ http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

// ErrRender maps err to a response. Typed domain failures are client errors,
// anything else is an internal fault whose details stay in the log.
func ErrRender(err error) *ErrResponse {
	if kind := domain.KindOf(err); kind != "" {
		return &ErrResponse{
			HTTPStatusCode: http.StatusBadRequest,
			Message:        domain.MessageOf(err),
			Reason:         string(kind),
		}
	}
	return &ErrResponse{
		HTTPStatusCode: http.StatusInternalServerError,
		Message:        "Internal server error",
		Reason:         "internal_error",
	}
}

// RenderError logs err and writes its structured response.
func RenderError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrRender(err)
	ev := log.Debug()
	if resp.HTTPStatusCode >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Err(err).Str("path", r.URL.Path).Str("reason", resp.Reason).Msg("Request failed")

	if rerr := render.Render(w, r, resp); rerr != nil {
		log.Error().Err(rerr).Msg("Failed to render error response")
	}
}

// ParseIDFromPath reads a positive integer chi URL parameter.
func ParseIDFromPath(r *http.Request, param string) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(r, param))
	if err != nil || id <= 0 {
		return 0, domain.NewError(domain.KindInvalidRequest, "Invalid "+param, err)
	}
	return id, nil
}

// RenderAdminError is RenderError for the admin API, where a missing
// record is a 404.
func RenderAdminError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrRender(err)
	if resp.Reason == string(domain.KindNotFound) {
		resp.HTTPStatusCode = http.StatusNotFound
	}
	if resp.HTTPStatusCode >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Admin request failed")
	}
	if rerr := render.Render(w, r, resp); rerr != nil {
		log.Error().Err(rerr).Msg("Failed to render error response")
	}
}

// decodeJSON binds a JSON body into v and runs its validate tags.
func decodeJSON(r *http.Request, validate *validator.Validate, v any) error {
	if err := render.DecodeJSON(http.MaxBytesReader(nil, r.Body, maxBodySize), v); err != nil {
		return domain.NewError(domain.KindInvalidRequest, "Invalid request body", err)
	}
	if validate == nil {
		return nil
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return domain.NewError(domain.KindInvalidRequest, fmt.Sprintf("Invalid field %s (%s)", verrs[0].Field(), verrs[0].Tag()), err)
		}
		return domain.NewError(domain.KindInvalidRequest, "Invalid request body", err)
	}
	return nil
}

func chiParam(r *http.Request, name string) string {
	v, err := url.PathUnescape(chi.URLParam(r, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(v)
}
