// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

var ErrActivationNotFound = errors.New("activation not found")

// ExternalActivationStore remembers activation ids issued by an external
// license manager so that deactivation can address them later.
type ExternalActivationStore struct {
	db *sql.DB
}

func NewExternalActivationStore(db *sql.DB) *ExternalActivationStore {
	return &ExternalActivationStore{db: db}
}

func (s *ExternalActivationStore) Get(ctx context.Context, licenseKey, origin string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT activation_id FROM external_activations WHERE license_key = ? AND origin = ?
	`, licenseKey, origin).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrActivationNotFound
		}
		return "", errors.Wrap(err, "get external activation")
	}
	return id, nil
}

func (s *ExternalActivationStore) Put(ctx context.Context, licenseKey, origin, activationID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO external_activations (license_key, origin, activation_id) VALUES (?, ?, ?)
		ON CONFLICT(license_key, origin) DO UPDATE SET activation_id = excluded.activation_id
	`, licenseKey, origin, activationID)
	return errors.Wrap(err, "store external activation")
}

func (s *ExternalActivationStore) Delete(ctx context.Context, licenseKey, origin string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM external_activations WHERE license_key = ? AND origin = ?
	`, licenseKey, origin)
	return errors.Wrap(err, "delete external activation")
}

// List returns the activated origins of licenseKey.
func (s *ExternalActivationStore) List(ctx context.Context, licenseKey string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT origin FROM external_activations WHERE license_key = ? ORDER BY created_at, origin
	`, licenseKey)
	if err != nil {
		return nil, errors.Wrap(err, "list external activations")
	}
	defer rows.Close()

	origins := []string{}
	for rows.Next() {
		var origin string
		if err := rows.Scan(&origin); err != nil {
			return nil, errors.Wrap(err, "scan external activation")
		}
		origins = append(origins, origin)
	}
	return origins, rows.Err()
}
