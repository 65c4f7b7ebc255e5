// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package swagger serves the embedded OpenAPI document of the admin and
// update APIs.
package swagger

import (
	_ "embed"
	"encoding/json"
	"maps"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed openapi.yaml
var openapiYAML []byte

//go:embed index.html
var swaggerHTML string

type Handler struct {
	spec    map[string]any
	baseURL string
}

func NewHandler(baseURL string) (*Handler, error) {
	var spec map[string]any
	if err := yaml.Unmarshal(openapiYAML, &spec); err != nil {
		return nil, err
	}

	return &Handler{
		spec:    spec,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}, nil
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/docs", h.ServeSwaggerUI)
	r.Get("/api/openapi.json", h.ServeOpenAPISpec)
}

func (h *Handler) ServeSwaggerUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	html := strings.ReplaceAll(swaggerHTML, "{{OPENAPI_URL}}", h.baseURL+"/api/openapi.json")
	if _, err := w.Write([]byte(html)); err != nil {
		log.Debug().Err(err).Msg("Failed to write API docs")
	}
}

// GetOpenAPISpec returns the raw YAML document.
func GetOpenAPISpec() []byte {
	return openapiYAML
}

func (h *Handler) ServeOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	spec := maps.Clone(h.spec)

	if h.baseURL != "" {
		scheme := "http"
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			scheme = "https"
		}

		servers := []any{
			map[string]any{
				"url":         scheme + "://" + r.Host + h.baseURL,
				"description": "Current server with base URL",
			},
		}
		if existing, ok := spec["servers"].([]any); ok {
			servers = append(servers, existing...)
		}
		spec["servers"] = servers
	}

	if err := json.NewEncoder(w).Encode(spec); err != nil {
		log.Error().Err(err).Msg("Failed to encode OpenAPI document")
	}
}
