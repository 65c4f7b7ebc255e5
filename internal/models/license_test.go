// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createProduct(t *testing.T, ctx context.Context, store *ProductStore, slug string) *Product {
	t.Helper()
	p, err := store.Create(ctx, &Product{Slug: slug, Name: slug, LicenseEnabled: true})
	require.NoError(t, err)
	return p
}

func TestInstallationHelpers(t *testing.T) {
	installs, added := AddInstallation(nil, "https://a.example")
	assert.True(t, added)

	installs, added = AddInstallation(installs, "https://a.example")
	assert.False(t, added)
	assert.Equal(t, []string{"https://a.example"}, installs)

	installs, _ = AddInstallation(installs, "https://b.example")
	before := append([]string{}, installs...)

	after, removed := RemoveInstallation(installs, "https://a.example")
	assert.True(t, removed)
	assert.Equal(t, []string{"https://b.example"}, after)
	assert.Equal(t, before, installs, "input slice must not be modified")

	_, removed = RemoveInstallation(after, "https://missing.example")
	assert.False(t, removed)
}

func TestLicenseStoreCRUD(t *testing.T) {
	ctx := testContext(t)
	db := newTestDB(t)

	products, err := NewProductStore(db, testEncryptionKey())
	require.NoError(t, err)
	product := createProduct(t, ctx, products, "widget")

	store := NewLicenseStore(db)
	expires := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)

	created, err := store.Create(ctx, &License{
		Key:           "ABCD-EF01-2345-6789",
		ProductID:     &product.ID,
		OwnerID:       "customer-1",
		ExpiresAt:     &expires,
		Installations: []string{"https://a.example", "https://a.example"},
	})
	require.NoError(t, err)
	assert.Equal(t, LicenseStatusPublished, created.Status)
	assert.Equal(t, []string{"https://a.example"}, created.Installations)

	got, err := store.GetByKey(ctx, "ABCD-EF01-2345-6789")
	require.NoError(t, err)
	require.NotNil(t, got.ProductID)
	assert.Equal(t, product.ID, *got.ProductID)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, expires.Equal(*got.ExpiresAt))
	assert.Equal(t, []string{"https://a.example"}, got.Installations)

	_, err = store.GetByKey(ctx, "abcd-ef01-2345-6789")
	assert.ErrorIs(t, err, ErrLicenseNotFound, "lookups are case-sensitive")

	_, err = store.Create(ctx, &License{Key: "ABCD-EF01-2345-6789"})
	assert.ErrorIs(t, err, ErrLicenseKeyExists)

	exists, err := store.KeyExists(ctx, "ABCD-EF01-2345-6789", created.ID)
	require.NoError(t, err)
	assert.False(t, exists, "own key is not a collision")

	exists, err = store.KeyExists(ctx, "ABCD-EF01-2345-6789", 0)
	require.NoError(t, err)
	assert.True(t, exists)

	got.Installations = []string{"https://b.example"}
	got.OwnerID = "customer-2"
	require.NoError(t, store.Save(ctx, got))

	saved, err := store.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "customer-2", saved.OwnerID)
	assert.Equal(t, []string{"https://b.example"}, saved.Installations)

	require.NoError(t, store.Delete(ctx, created.ID))
	assert.ErrorIs(t, store.Delete(ctx, created.ID), ErrLicenseNotFound)
}

func TestLicenseStoreFindLinkedProduct(t *testing.T) {
	ctx := testContext(t)
	db := newTestDB(t)

	products, err := NewProductStore(db, testEncryptionKey())
	require.NoError(t, err)
	product := createProduct(t, ctx, products, "widget")

	store := NewLicenseStore(db)
	past := time.Now().Add(-time.Hour)

	linked, err := store.Create(ctx, &License{Key: "LINK-0000-0000-0001", ProductID: &product.ID, ExpiresAt: &past})
	require.NoError(t, err)
	_, err = store.Create(ctx, &License{Key: "LINK-0000-0000-0002"})
	require.NoError(t, err)

	id, err := store.FindLinkedProduct(ctx, "LINK-0000-0000-0001")
	require.NoError(t, err)
	require.NotNil(t, id, "expired but published licenses still resolve")
	assert.Equal(t, product.ID, *id)

	id, err = store.FindLinkedProduct(ctx, "LINK-0000-0000-0002")
	require.NoError(t, err)
	assert.Nil(t, id)

	require.NoError(t, store.SetStatus(ctx, linked.ID, LicenseStatusTrash))
	id, err = store.FindLinkedProduct(ctx, "LINK-0000-0000-0001")
	require.NoError(t, err)
	assert.Nil(t, id, "trashed licenses do not resolve")

	_, err = store.FindLinkedProduct(ctx, "MISS-0000-0000-0000")
	assert.ErrorIs(t, err, ErrLicenseNotFound)
}

func TestLicenseStoreUpdateInstallationsConcurrent(t *testing.T) {
	ctx := testContext(t)
	store := NewLicenseStore(newTestDB(t))

	_, err := store.Create(ctx, &License{Key: "CONC-0000-0000-0000"})
	require.NoError(t, err)

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.UpdateInstallations(ctx, "CONC-0000-0000-0000", func(l *License) ([]string, error) {
				next, _ := AddInstallation(l.Installations, fmt.Sprintf("https://site-%d.example", i))
				return next, nil
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	l, err := store.GetByKey(ctx, "CONC-0000-0000-0000")
	require.NoError(t, err)
	assert.Len(t, l.Installations, workers, "no activation may be lost")
}

func TestLicenseStoreOrders(t *testing.T) {
	ctx := testContext(t)
	db := newTestDB(t)

	products, err := NewProductStore(db, testEncryptionKey())
	require.NoError(t, err)
	product := createProduct(t, ctx, products, "widget")

	store := NewLicenseStore(db)

	l, err := store.Create(ctx, &License{Key: "ORDR-0000-0000-0001", ProductID: &product.ID, OrderID: "1001"})
	require.NoError(t, err)

	_, err = store.Create(ctx, &License{Key: "ORDR-0000-0000-0002", ProductID: &product.ID, OrderID: "1001"})
	assert.ErrorIs(t, err, ErrLicenseOrderTaken)

	require.NoError(t, store.SetStatus(ctx, l.ID, LicenseStatusTrash))
	assert.ErrorIs(t, store.SetStatus(ctx, 9999, LicenseStatusTrash), ErrLicenseNotFound)

	trashed, err := store.List(ctx, LicenseFilter{OrderID: "1001", Status: LicenseStatusTrash})
	require.NoError(t, err)
	assert.Len(t, trashed, 1)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[LicenseStatusPublished])
	assert.Equal(t, 1, counts[LicenseStatusTrash])
}
