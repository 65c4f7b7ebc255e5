// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package auth manages the administrator account, its browser session and
// the API keys used by automation.
package auth

import (
	"context"
	"database/sql"
	"net/http"
	"strings"

	"github.com/gorilla/sessions"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/premia/internal/models"
)

const (
	SessionName = "user_session"

	// APIKeyHeader carries an API key on admin requests.
	APIKeyHeader = "X-API-Key"

	minPasswordLength = 8
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotSetup           = errors.New("initial setup required")
	ErrAlreadySetup       = errors.New("setup already completed")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
)

type Service struct {
	users   *models.UserStore
	apiKeys *models.APIKeyStore
	store   *sessions.CookieStore
}

func NewService(db *sql.DB, sessionSecret string) *Service {
	store := sessions.NewCookieStore([]byte(sessionSecret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	return &Service{
		users:   models.NewUserStore(db),
		apiKeys: models.NewAPIKeyStore(db),
		store:   store,
	}
}

func (s *Service) GetSessionStore() *sessions.CookieStore {
	return s.store
}

func (s *Service) IsSetupComplete(ctx context.Context) (bool, error) {
	return s.users.Exists(ctx)
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return ErrWeakPassword
	}
	return nil
}

// SetupUser creates the single administrator account.
func (s *Service) SetupUser(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, ErrInvalidCredentials
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}

	complete, err := s.IsSetupComplete(ctx)
	if err != nil {
		return nil, err
	}
	if complete {
		return nil, ErrAlreadySetup
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	user, err := s.users.Create(ctx, username, hash)
	if err != nil {
		if errors.Is(err, models.ErrUserAlreadyExists) {
			return nil, ErrAlreadySetup
		}
		return nil, err
	}

	log.Info().Str("username", username).Msg("Administrator account created")
	return user, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (*models.User, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			complete, cerr := s.IsSetupComplete(ctx)
			if cerr == nil && !complete {
				return nil, ErrNotSetup
			}
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, errors.Wrap(err, "verify password")
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	if NeedsRehash(user.PasswordHash) {
		if hash, err := HashPassword(password); err == nil {
			if err := s.users.UpdatePassword(ctx, hash); err != nil {
				log.Warn().Err(err).Msg("Failed to upgrade password hash")
			}
		}
	}

	return user, nil
}

// ChangePassword replaces the password after checking the current one.
func (s *Service) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	user, err := s.users.Get(ctx)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			return ErrNotSetup
		}
		return err
	}

	ok, err := VerifyPassword(oldPassword, user.PasswordHash)
	if err != nil {
		return errors.Wrap(err, "verify password")
	}
	if !ok {
		return ErrInvalidCredentials
	}

	return s.SetPassword(ctx, newPassword)
}

// SetPassword replaces the password without checking the current one. Used
// by the command line where filesystem access already proves ownership.
func (s *Service) SetPassword(ctx context.Context, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}

	if err := s.users.UpdatePassword(ctx, hash); err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			return ErrNotSetup
		}
		return err
	}
	return nil
}

func (s *Service) CreateAPIKey(ctx context.Context, name string) (string, *models.APIKey, error) {
	return s.apiKeys.Create(ctx, name)
}

func (s *Service) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	return s.apiKeys.List(ctx)
}

func (s *Service) DeleteAPIKey(ctx context.Context, id int) error {
	return s.apiKeys.Delete(ctx, id)
}

func (s *Service) ValidateAPIKey(ctx context.Context, rawKey string) (*models.APIKey, error) {
	return s.apiKeys.ValidateAPIKey(ctx, rawKey)
}

// IsAdmin reports whether r carries an authenticated administrator session
// or a valid API key.
func (s *Service) IsAdmin(r *http.Request) bool {
	if key := r.Header.Get(APIKeyHeader); key != "" {
		_, err := s.ValidateAPIKey(r.Context(), key)
		return err == nil
	}

	session, err := s.store.Get(r, SessionName)
	if err != nil {
		return false
	}
	authenticated, _ := session.Values["authenticated"].(bool)
	return authenticated
}
