// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/autobrr/premia/internal/database"
	"github.com/autobrr/premia/internal/hooks"
	"github.com/autobrr/premia/internal/models"
)

type testEnv struct {
	licenses *models.LicenseStore
	products *models.ProductStore
	hooks    *hooks.Registry
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	products, err := models.NewProductStore(db.Conn(), bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	return &testEnv{
		licenses: models.NewLicenseStore(db.Conn()),
		products: products,
		hooks:    hooks.NewRegistry(),
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (e *testEnv) service(opts ...LicenseOption) *LicenseService {
	opts = append([]LicenseOption{WithClock(func() time.Time { return e.now })}, opts...)
	return NewLicenseService(e.licenses, e.products, e.hooks, opts...)
}

func (e *testEnv) product(t *testing.T, ctx context.Context, p models.Product) *models.Product {
	t.Helper()
	if p.Name == "" {
		p.Name = p.Slug
	}
	created, err := e.products.Create(ctx, &p)
	require.NoError(t, err)
	return created
}

// license inserts a license with a fixed key.
func (e *testEnv) license(t *testing.T, ctx context.Context, key string, productID *int, installs ...string) *models.License {
	t.Helper()
	l, err := e.licenses.Create(ctx, &models.License{
		Key:           key,
		ProductID:     productID,
		OwnerID:       "owner",
		Installations: installs,
	})
	require.NoError(t, err)
	return l
}
