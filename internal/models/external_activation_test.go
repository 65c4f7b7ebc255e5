// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExternalActivationStore(t *testing.T) {
	ctx := testContext(t)
	store := NewExternalActivationStore(newTestDB(t))

	_, err := store.Get(ctx, "KEY", "https://a.example")
	assert.ErrorIs(t, err, ErrActivationNotFound)

	require.NoError(t, store.Put(ctx, "KEY", "https://a.example", "act-1"))
	require.NoError(t, store.Put(ctx, "KEY", "https://a.example", "act-2"))
	require.NoError(t, store.Put(ctx, "KEY", "https://b.example", "act-3"))

	id, err := store.Get(ctx, "KEY", "https://a.example")
	require.NoError(t, err)
	assert.Equal(t, "act-2", id)

	origins, err := store.List(ctx, "KEY")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"https://a.example", "https://b.example"}, origins)

	require.NoError(t, store.Delete(ctx, "KEY", "https://a.example"))
	require.NoError(t, store.Delete(ctx, "KEY", "https://a.example"))

	_, err = store.Get(ctx, "KEY", "https://a.example")
	assert.ErrorIs(t, err, ErrActivationNotFound)
}
