// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package links issues and verifies signed download links.
package links

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrInvalidSignature = errors.New("invalid download signature")
	ErrParamsMismatch   = errors.New("download signature does not match request")
)

// Params identifies a single download.
type Params struct {
	Plugin     string
	LicenseKey string
	SiteURL    string
}

type downloadClaims struct {
	Plugin     string `json:"plugin"`
	LicenseKey string `json:"license_key"`
	SiteURL    string `json:"site_url,omitempty"`
	jwt.RegisteredClaims
}

type Signer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewSigner(key []byte, ttl time.Duration) (*Signer, error) {
	if len(key) == 0 {
		return nil, errors.New("signing key is empty")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Signer{key: key, ttl: ttl, now: time.Now}, nil
}

// TTL returns how long issued links stay valid.
func (s *Signer) TTL() time.Duration {
	return s.ttl
}

func (s *Signer) Sign(p Params) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, downloadClaims{
		Plugin:     p.Plugin,
		LicenseKey: p.LicenseKey,
		SiteURL:    p.SiteURL,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", errors.Wrap(err, "sign download link")
	}
	return signed, nil
}

// Verify checks the signature and expiry of raw and that it was issued for p.
// An empty site url in the token matches any site.
func (s *Signer) Verify(raw string, p Params) error {
	parsed, err := jwt.ParseWithClaims(raw, &downloadClaims{}, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return errors.Wrap(ErrInvalidSignature, err.Error())
	}

	claims, ok := parsed.Claims.(*downloadClaims)
	if !ok || !parsed.Valid {
		return ErrInvalidSignature
	}

	if claims.Plugin != p.Plugin || claims.LicenseKey != p.LicenseKey {
		return ErrParamsMismatch
	}
	if claims.SiteURL != "" && claims.SiteURL != p.SiteURL {
		return ErrParamsMismatch
	}

	return nil
}
