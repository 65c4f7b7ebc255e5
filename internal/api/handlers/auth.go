// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/sessions"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/premia/internal/auth"
	"github.com/autobrr/premia/internal/models"
)

type AuthHandler struct {
	authService *auth.Service
	validate    *validator.Validate
}

func NewAuthHandler(authService *auth.Service) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		validate:    validator.New(),
	}
}

// SetupRequest represents the initial setup request
type SetupRequest struct {
	Username string `json:"username" validate:"required,max=100"`
	Password string `json:"password" validate:"required"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// ChangePasswordRequest represents a password change request
type ChangePasswordRequest struct {
	OldPassword string `json:"old_password" validate:"required"`
	NewPassword string `json:"new_password" validate:"required"`
}

// CreateAPIKeyRequest represents a request to create an API key
type CreateAPIKeyRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

// startSession marks the browser session as the administrator's.
func (h *AuthHandler) startSession(w http.ResponseWriter, r *http.Request, user *models.User) error {
	session, _ := h.authService.GetSessionStore().Get(r, auth.SessionName)
	session.Values["authenticated"] = true
	session.Values["user_id"] = user.ID
	session.Values["username"] = user.Username

	session.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7, // 7 days
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	// If behind reverse proxy with HTTPS, upgrade security
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		session.Options.Secure = true
		session.Options.SameSite = http.SameSiteStrictMode
	}

	return session.Save(r, w)
}

func userBody(message string, user *models.User) map[string]any {
	return map[string]any{
		"message": message,
		"user": map[string]any{
			"id":       user.ID,
			"username": user.Username,
		},
	}
}

// Setup handles initial user setup
func (h *AuthHandler) Setup(w http.ResponseWriter, r *http.Request) {
	var req SetupRequest
	if err := decodeJSON(r, h.validate, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	user, err := h.authService.SetupUser(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrAlreadySetup):
			RespondError(w, http.StatusBadRequest, "Setup already completed")
		case errors.Is(err, auth.ErrWeakPassword):
			RespondError(w, http.StatusBadRequest, err.Error())
		default:
			log.Error().Err(err).Msg("Failed to create user")
			RespondError(w, http.StatusInternalServerError, "Failed to create user")
		}
		return
	}

	if err := h.startSession(w, r, user); err != nil {
		log.Error().Err(err).Msg("Failed to save session")
		RespondError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	RespondJSON(w, http.StatusCreated, userBody("Setup completed successfully", user))
}

// Login handles user login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, h.validate, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := h.authService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			RespondError(w, http.StatusUnauthorized, "Invalid credentials")
		case errors.Is(err, auth.ErrNotSetup):
			RespondError(w, http.StatusPreconditionRequired, "Initial setup required")
		default:
			log.Error().Err(err).Msg("Login failed")
			RespondError(w, http.StatusInternalServerError, "Login failed")
		}
		return
	}

	if err := h.startSession(w, r, user); err != nil {
		log.Error().Err(err).Msg("Failed to save session")
		RespondError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	RespondJSON(w, http.StatusOK, userBody("Login successful", user))
}

// Logout handles user logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	session, _ := h.authService.GetSessionStore().Get(r, auth.SessionName)

	session.Values["authenticated"] = false
	session.Options.MaxAge = -1

	if err := session.Save(r, w); err != nil {
		log.Error().Err(err).Msg("Failed to clear session")
		RespondError(w, http.StatusInternalServerError, "Failed to logout")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Logged out successfully",
	})
}

// GetCurrentUser returns the current user information
func (h *AuthHandler) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	session, _ := h.authService.GetSessionStore().Get(r, auth.SessionName)

	userID, ok := session.Values["user_id"].(int)
	if !ok {
		// API key callers have no session user.
		RespondJSON(w, http.StatusOK, map[string]any{"apiKey": true})
		return
	}
	username, _ := session.Values["username"].(string)

	RespondJSON(w, http.StatusOK, map[string]any{
		"id":       userID,
		"username": username,
	})
}

// CheckSetupRequired checks if initial setup is required
func (h *AuthHandler) CheckSetupRequired(w http.ResponseWriter, r *http.Request) {
	complete, err := h.authService.IsSetupComplete(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to check setup status")
		RespondError(w, http.StatusInternalServerError, "Failed to check setup status")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"setupRequired": !complete,
	})
}

// ChangePassword handles password change requests
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req ChangePasswordRequest
	if err := decodeJSON(r, h.validate, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.authService.ChangePassword(r.Context(), req.OldPassword, req.NewPassword); err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			RespondError(w, http.StatusUnauthorized, "Invalid current password")
		case errors.Is(err, auth.ErrWeakPassword):
			RespondError(w, http.StatusBadRequest, err.Error())
		default:
			log.Error().Err(err).Msg("Failed to change password")
			RespondError(w, http.StatusInternalServerError, "Failed to change password")
		}
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Password changed successfully",
	})
}

// CreateAPIKey creates a new API key
func (h *AuthHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req CreateAPIKeyRequest
	if err := decodeJSON(r, h.validate, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "API key name is required")
		return
	}

	rawKey, apiKey, err := h.authService.CreateAPIKey(r.Context(), req.Name)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create API key")
		RespondError(w, http.StatusInternalServerError, "Failed to create API key")
		return
	}

	RespondJSON(w, http.StatusCreated, map[string]any{
		"id":         apiKey.ID,
		"name":       apiKey.Name,
		"key":        rawKey, // Only shown once
		"created_at": apiKey.CreatedAt,
		"message":    "Save this key securely - it will not be shown again",
	})
}

// ListAPIKeys returns all API keys
func (h *AuthHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.authService.ListAPIKeys(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list API keys")
		RespondError(w, http.StatusInternalServerError, "Failed to list API keys")
		return
	}
	if keys == nil {
		keys = []*models.APIKey{}
	}

	RespondJSON(w, http.StatusOK, keys)
}

// DeleteAPIKey deletes an API key
func (h *AuthHandler) DeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	id, err := ParseIDFromPath(r, "id")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid API key ID")
		return
	}

	if err := h.authService.DeleteAPIKey(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrAPIKeyNotFound) {
			RespondError(w, http.StatusNotFound, "API key not found")
			return
		}
		log.Error().Err(err).Msg("Failed to delete API key")
		RespondError(w, http.StatusInternalServerError, "Failed to delete API key")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "API key deleted successfully",
	})
}
