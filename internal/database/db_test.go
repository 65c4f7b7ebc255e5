// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationIdempotency(t *testing.T) {
	ctx := testContext(t)

	// Create temp directory for test database
	tmpDir, err := os.MkdirTemp("", "qui-test-idempotent-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	dbPath := filepath.Join(tmpDir, "test.db")

	// Initialize database first time
	db1, err := New(dbPath)
	require.NoError(t, err, "Failed to initialize database first time")

	// Count migrations applied
	var count1 int
	err = db1.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM migrations").Scan(&count1)
	require.NoError(t, err, "Failed to count migrations")
	db1.Close()

	// Initialize database second time (should be idempotent)
	db2, err := New(dbPath)
	require.NoError(t, err, "Failed to initialize database second time")
	defer db2.Close()

	// Count migrations applied again
	var count2 int
	err = db2.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM migrations").Scan(&count2)
	require.NoError(t, err, "Failed to count migrations")

	assert.Equal(t, count1, count2, "Migration count should be the same after re-initialization")
	assert.Equal(t, 4, count2, "Should have exactly 4 migrations applied")
}

func TestSchema(t *testing.T) {
	ctx := testContext(t)

	db, err := New(filepath.Join(t.TempDir(), "schema.db"))
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"user", "api_keys", "products", "licenses", "license_installations", "external_activations"} {
		var name string
		err := db.conn.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
	}

	var fk int
	require.NoError(t, db.conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk, "foreign keys should be enabled on pooled connections")
}

func TestInstallationsAreUnique(t *testing.T) {
	ctx := testContext(t)

	db, err := New(filepath.Join(t.TempDir(), "unique.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.conn.ExecContext(ctx, "INSERT INTO licenses (license_key) VALUES ('AAAA-BBBB-CCCC-DDDD')")
	require.NoError(t, err)

	_, err = db.conn.ExecContext(ctx, "INSERT INTO license_installations (license_id, origin, position) VALUES (1, 'https://a.example', 0)")
	require.NoError(t, err)

	_, err = db.conn.ExecContext(ctx, "INSERT INTO license_installations (license_id, origin, position) VALUES (1, 'https://a.example', 1)")
	assert.Error(t, err)

	_, err = db.conn.ExecContext(ctx, "DELETE FROM licenses WHERE id = 1")
	require.NoError(t, err)

	var count int
	require.NoError(t, db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM license_installations").Scan(&count))
	assert.Zero(t, count, "installations should cascade with their license")
}
