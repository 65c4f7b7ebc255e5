// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/premia/internal/domain"
	"github.com/autobrr/premia/internal/services"
	"github.com/autobrr/premia/internal/stream"
)

const maxBodySize = 64 << 10

// AdminChecker reports whether a request carries administrator credentials.
type AdminChecker interface {
	IsAdmin(r *http.Request) bool
}

// UpdateRequest holds the parameters update clients send.
type UpdateRequest struct {
	Plugin     string `validate:"max=200"`
	PostID     string `validate:"omitempty,number"`
	LicenseKey string `validate:"max=128"`
	SiteURL    string `validate:"max=2048"`
	Tag        string `validate:"max=128"`
	Signature  string `validate:"max=4096"`
	Version    string `validate:"max=128"`
}

type UpdatesHandler struct {
	service  *services.UpdateService
	admin    AdminChecker
	validate *validator.Validate
}

func NewUpdatesHandler(service *services.UpdateService, admin AdminChecker) *UpdatesHandler {
	return &UpdatesHandler{
		service:  service,
		admin:    admin,
		validate: validator.New(),
	}
}

// params collects the query string, form body or JSON body into UpdateParams.
func (h *UpdatesHandler) params(r *http.Request) (services.UpdateParams, error) {
	values, err := requestValues(r)
	if err != nil {
		return services.UpdateParams{}, domain.NewError(domain.KindInvalidRequest, "Invalid request body.", err)
	}

	req := UpdateRequest{
		Plugin:     values.Get("plugin"),
		PostID:     values.Get("post_id"),
		LicenseKey: values.Get("license_key"),
		SiteURL:    values.Get("site_url"),
		Tag:        values.Get("tag"),
		Signature:  values.Get("signature"),
		Version:    values.Get("version"),
	}
	if err := h.validate.Struct(req); err != nil {
		return services.UpdateParams{}, domain.NewError(domain.KindInvalidRequest, "Invalid request parameters.", err)
	}

	p := services.UpdateParams{
		Plugin:           req.Plugin,
		LicenseKey:       req.LicenseKey,
		SiteURL:          req.SiteURL,
		Tag:              req.Tag,
		Signature:        req.Signature,
		InstalledVersion: req.Version,
		UserAgent:        r.UserAgent(),
	}
	if req.PostID != "" {
		p.ProductID, _ = strconv.Atoi(req.PostID)
	}
	if h.admin != nil {
		p.Admin = h.admin.IsAdmin(r)
	}
	return p, nil
}

func requestValues(r *http.Request) (url.Values, error) {
	values := r.URL.Query()
	if r.Method != http.MethodPost || r.Body == nil {
		return values, nil
	}

	r.Body = http.MaxBytesReader(nil, r.Body, maxBodySize)

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct != "application/json" {
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		return r.Form, nil
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		return nil, err
	}
	for k, v := range body {
		switch v := v.(type) {
		case nil:
		case string:
			values.Set(k, v)
		case float64:
			values.Set(k, strconv.FormatFloat(v, 'f', -1, 64))
		default:
			values.Set(k, fmt.Sprint(v))
		}
	}
	return values, nil
}

// CheckUpdates returns the update manifest for a product.
func (h *UpdatesHandler) CheckUpdates(w http.ResponseWriter, r *http.Request) {
	p, err := h.params(r)
	if err != nil {
		RenderError(w, r, err)
		return
	}

	manifest, err := h.service.CheckUpdate(r.Context(), p)
	if err != nil {
		RenderError(w, r, err)
		return
	}

	render.JSON(w, r, manifest)
}

// DownloadUpdate streams the packaged release archive.
func (h *UpdatesHandler) DownloadUpdate(w http.ResponseWriter, r *http.Request) {
	p, err := h.params(r)
	if err != nil {
		RenderError(w, r, err)
		return
	}

	result, err := h.service.Download(r.Context(), p)
	if err != nil {
		RenderError(w, r, err)
		return
	}

	f, err := os.Open(result.Path)
	if errors.Is(err, fs.ErrNotExist) {
		// replaced by a newer build between Ensure and Open
		if result, err = h.service.Download(r.Context(), p); err != nil {
			RenderError(w, r, err)
			return
		}
		f, err = os.Open(result.Path)
	}
	if err != nil {
		RenderError(w, r, domain.NewError(domain.KindNotFound, "Release archive is not available.", err))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": result.Filename}))
	w.Header().Set("Cache-Control", "no-store")
	if info, err := f.Stat(); err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := stream.Copy(w, f); err != nil {
		log.Debug().Err(err).Str("product", result.Product.Slug).Msg("Download interrupted")
	}
}

// Activate authorizes the caller's site for a license.
func (h *UpdatesHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.manage(w, r, true)
}

// Deactivate removes the caller's site from a license.
func (h *UpdatesHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.manage(w, r, false)
}

func (h *UpdatesHandler) manage(w http.ResponseWriter, r *http.Request, activate bool) {
	p, err := h.params(r)
	if err != nil {
		RenderError(w, r, err)
		return
	}

	message := "License deactivated!"
	if activate {
		err = h.service.Activate(r.Context(), p)
		message = "License activated!"
	} else {
		err = h.service.Deactivate(r.Context(), p)
	}
	if err != nil {
		RenderError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]string{"message": message})
}
