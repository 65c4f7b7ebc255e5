// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"
)

var ErrAPIKeyNotFound = errors.New("api key not found")
var ErrInvalidAPIKey = errors.New("invalid api key")

// APIKey authenticates automation calling the admin API, e.g. a storefront
// forwarding order events.
type APIKey struct {
	ID         int        `json:"id"`
	KeyHash    string     `json:"-"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

type APIKeyStore struct {
	db *sql.DB
}

func NewAPIKeyStore(db *sql.DB) *APIKeyStore {
	return &APIKeyStore{db: db}
}

// GenerateAPIKey generates a new API key
func GenerateAPIKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// HashAPIKey creates a SHA256 hash of the API key
func HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

func scanAPIKey(row rowScanner) (*APIKey, error) {
	apiKey := &APIKey{}
	err := row.Scan(
		&apiKey.ID,
		&apiKey.KeyHash,
		&apiKey.Name,
		&apiKey.CreatedAt,
		&apiKey.LastUsedAt,
	)
	return apiKey, err
}

// Create stores a new key and returns the raw value, which is not kept.
func (s *APIKeyStore) Create(ctx context.Context, name string) (string, *APIKey, error) {
	rawKey, err := GenerateAPIKey()
	if err != nil {
		return "", nil, errors.Wrap(err, "generate api key")
	}

	apiKey, err := scanAPIKey(s.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (key_hash, name)
		VALUES (?, ?)
		RETURNING id, key_hash, name, created_at, last_used_at
	`, HashAPIKey(rawKey), name))
	if err != nil {
		return "", nil, errors.Wrap(err, "insert api key")
	}

	return rawKey, apiKey, nil
}

func (s *APIKeyStore) GetByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	apiKey, err := scanAPIKey(s.db.QueryRowContext(ctx, `
		SELECT id, key_hash, name, created_at, last_used_at
		FROM api_keys
		WHERE key_hash = ?
	`, keyHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get api key")
	}

	return apiKey, nil
}

func (s *APIKeyStore) List(ctx context.Context) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key_hash, name, created_at, last_used_at
		FROM api_keys
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list api keys")
	}
	defer rows.Close()

	keys := []*APIKey{}
	for rows.Next() {
		apiKey, err := scanAPIKey(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan api key")
		}
		keys = append(keys, apiKey)
	}

	return keys, rows.Err()
}

func (s *APIKeyStore) UpdateLastUsed(ctx context.Context, id int) error {
	result, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return err
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrAPIKeyNotFound
	}

	return nil
}

func (s *APIKeyStore) Delete(ctx context.Context, id int) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return err
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrAPIKeyNotFound
	}

	return nil
}

// ValidateAPIKey validates a raw API key and returns the associated APIKey if valid
func (s *APIKeyStore) ValidateAPIKey(ctx context.Context, rawKey string) (*APIKey, error) {
	apiKey, err := s.GetByHash(ctx, HashAPIKey(rawKey))
	if err != nil {
		if errors.Is(err, ErrAPIKeyNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.UpdateLastUsed(ctx, apiKey.ID)
	}()

	return apiKey, nil
}
