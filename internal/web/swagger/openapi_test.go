// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package swagger

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestOpenAPISpec(t *testing.T) {
	require.NotEmpty(t, openapiYAML, "OpenAPI spec is empty")

	var spec map[string]any
	require.NoError(t, yaml.Unmarshal(openapiYAML, &spec))

	assert.NotNil(t, spec["openapi"])
	assert.NotNil(t, spec["info"])

	paths, ok := spec["paths"].(map[string]any)
	require.True(t, ok, "'paths' is not a map")

	totalEndpoints := 0
	for _, pathItem := range paths {
		if methods, ok := pathItem.(map[string]any); ok {
			for method := range methods {
				switch method {
				case "get", "post", "put", "delete", "patch":
					totalEndpoints++
				}
			}
		}
	}
	t.Logf("OpenAPI spec documents %d endpoints", totalEndpoints)

	components, ok := spec["components"].(map[string]any)
	require.True(t, ok, "Missing or invalid 'components' section")

	schemas, ok := components["schemas"].(map[string]any)
	require.True(t, ok, "Missing or invalid 'schemas' section")

	for _, schema := range []string{"Error", "Manifest", "License", "Product", "OrderEvent", "Download", "ApiKey", "User"} {
		assert.Contains(t, schemas, schema)
	}
}

func TestOpenAPIUpdateEndpoints(t *testing.T) {
	var spec map[string]any
	require.NoError(t, yaml.Unmarshal(openapiYAML, &spec))
	paths := spec["paths"].(map[string]any)

	for _, endpoint := range []string{"check_updates", "download_update", "activate", "deactivate"} {
		item, ok := paths["/premia/v1/"+endpoint].(map[string]any)
		require.True(t, ok, endpoint)
		assert.Contains(t, item, "get", endpoint)
		assert.Contains(t, item, "post", endpoint)
	}
}

// TestOpenAPISecuritySchemes validates that security schemes are properly defined
func TestOpenAPISecuritySchemes(t *testing.T) {
	var spec map[string]any
	require.NoError(t, yaml.Unmarshal(openapiYAML, &spec))

	components := spec["components"].(map[string]any)
	securitySchemes, ok := components["securitySchemes"].(map[string]any)
	require.True(t, ok)

	for _, scheme := range []string{"ApiKeyAuth", "SessionAuth"} {
		assert.Contains(t, securitySchemes, scheme)
	}
}

func TestServeOpenAPISpec(t *testing.T) {
	h, err := NewHandler("/premia-admin/")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/openapi.json", nil)
	req.Host = "licenses.example.com"
	rec := httptest.NewRecorder()
	h.ServeOpenAPISpec(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	servers := body["servers"].([]any)
	require.Len(t, servers, 2)
	assert.Equal(t, "http://licenses.example.com/premia-admin", servers[0].(map[string]any)["url"])

	// The embedded document is not modified.
	assert.Len(t, h.spec["servers"].([]any), 1)
}

func TestServeSwaggerUI(t *testing.T) {
	h, err := NewHandler("")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeSwaggerUI(rec, httptest.NewRequest(http.MethodGet, "/api/docs", nil))

	assert.Contains(t, rec.Body.String(), `url: "/api/openapi.json"`)
	assert.NotContains(t, rec.Body.String(), "{{OPENAPI_URL}}")
}
