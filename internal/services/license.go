// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/premia/internal/domain"
	"github.com/autobrr/premia/internal/hooks"
	"github.com/autobrr/premia/internal/models"
)

// maxKeyAttempts bounds key generation; a collision in a 16^16 space is not
// expected to happen even once.
const maxKeyAttempts = 5

// LicenseProvider is the entitlement backend used by the update endpoints.
// It is chosen once at startup.
type LicenseProvider interface {
	Name() string
	Activate(ctx context.Context, req domain.LicenseRequest) (bool, error)
	Deactivate(ctx context.Context, req domain.LicenseRequest) (bool, error)
	ValidateForDownload(ctx context.Context, req domain.LicenseRequest) (domain.Decision, error)
}

// LicenseEvent is the payload of the license lifecycle hooks.
type LicenseEvent struct {
	License *models.License
	Origin  string
}

// LicenseService implements the built-in entitlement store rules.
type LicenseService struct {
	licenses     *models.LicenseStore
	products     *models.ProductStore
	hooks        *hooks.Registry
	now          func() time.Time
	random       io.Reader
	denyUnlinked bool
	locks        *keyLocks
}

type LicenseOption func(*LicenseService)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) LicenseOption {
	return func(s *LicenseService) { s.now = now }
}

// WithDenyUnlinked sets whether licenses without a product are denied access.
func WithDenyUnlinked(deny bool) LicenseOption {
	return func(s *LicenseService) { s.denyUnlinked = deny }
}

// WithRandom replaces the source used for key generation.
func WithRandom(r io.Reader) LicenseOption {
	return func(s *LicenseService) { s.random = r }
}

func NewLicenseService(licenses *models.LicenseStore, products *models.ProductStore, registry *hooks.Registry, opts ...LicenseOption) *LicenseService {
	s := &LicenseService{
		licenses:     licenses,
		products:     products,
		hooks:        registry,
		now:          time.Now,
		random:       rand.Reader,
		denyUnlinked: true,
		locks:        newKeyLocks(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LicenseService) Name() string {
	return domain.LicenseProviderBuiltin
}

// FormatKey derives a license key from random bytes: the first 16 hex digits
// of their md5 sum, uppercased, in four dash-separated groups.
func FormatKey(random []byte) string {
	sum := md5.Sum(random)
	digits := strings.ToUpper(hex.EncodeToString(sum[:])[:16])
	return digits[0:4] + "-" + digits[4:8] + "-" + digits[8:12] + "-" + digits[12:16]
}

func (s *LicenseService) candidateKey() (string, error) {
	b := make([]byte, 16)
	if _, err := io.ReadFull(s.random, b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return FormatKey(b), nil
}

// GenerateKey returns a key not used by any license.
func (s *LicenseService) GenerateKey(ctx context.Context) (string, error) {
	return s.generateKeyFor(ctx, 0)
}

// generateKeyFor returns a key not used by any license other than licenseID.
func (s *LicenseService) generateKeyFor(ctx context.Context, licenseID int) (string, error) {
	for attempt := 1; attempt <= maxKeyAttempts; attempt++ {
		key, err := s.candidateKey()
		if err != nil {
			return "", err
		}

		exists, err := s.licenses.KeyExists(ctx, key, licenseID)
		if err != nil {
			return "", fmt.Errorf("failed to check key collision: %w", err)
		}
		if !exists {
			return key, nil
		}

		log.Warn().Int("attempt", attempt).Msg("Generated license key collides with an existing license")
	}

	return "", domain.NewError(domain.KindKeyGenerationExhausted, "Could not generate a unique license key.", nil)
}

// expiryFor returns now + days, or nil for unlimited licenses.
func (s *LicenseService) expiryFor(days int) *time.Time {
	if days <= 0 {
		return nil
	}
	t := s.now().Add(time.Duration(days) * 24 * time.Hour)
	return &t
}

// CreateLicense issues a published license for productID owned by ownerID and
// returns its id.
func (s *LicenseService) CreateLicense(ctx context.Context, productID int, ownerID string) (int, error) {
	l, err := s.issue(ctx, productID, ownerID, "")
	if err != nil {
		return 0, err
	}
	return l.ID, nil
}

// CreateLicenseForOrder issues a license tied to an order. An existing
// license for the same order and product is returned unchanged.
func (s *LicenseService) CreateLicenseForOrder(ctx context.Context, productID int, ownerID, orderID string) (*models.License, bool, error) {
	l, err := s.issue(ctx, productID, ownerID, orderID)
	if errors.Is(err, models.ErrLicenseOrderTaken) {
		existing, err := s.licenses.List(ctx, models.LicenseFilter{OrderID: orderID, ProductID: productID})
		if err != nil {
			return nil, false, err
		}
		if len(existing) > 0 {
			return existing[0], false, nil
		}
		return nil, false, models.ErrLicenseOrderTaken
	}
	if err != nil {
		return nil, false, err
	}
	return l, true, nil
}

func (s *LicenseService) issue(ctx context.Context, productID int, ownerID, orderID string) (*models.License, error) {
	product, err := s.products.Get(ctx, productID)
	if err != nil {
		if errors.Is(err, models.ErrProductNotFound) {
			return nil, domain.NewError(domain.KindNotFound, "Product cannot be found.", err)
		}
		return nil, err
	}

	for attempt := 1; attempt <= maxKeyAttempts; attempt++ {
		key, err := s.GenerateKey(ctx)
		if err != nil {
			return nil, err
		}

		l, err := s.licenses.Create(ctx, &models.License{
			Key:       key,
			ProductID: &product.ID,
			OwnerID:   ownerID,
			OrderID:   orderID,
			Status:    models.LicenseStatusPublished,
			ExpiresAt: s.expiryFor(product.ValidityDays),
		})
		if errors.Is(err, models.ErrLicenseKeyExists) {
			// lost a race with a concurrent insert of the same key
			continue
		}
		if err != nil {
			return nil, err
		}

		log.Info().
			Str("licenseKey", maskLicenseKey(l.Key)).
			Str("product", product.Slug).
			Str("owner", ownerID).
			Msg("License created")

		s.hooks.Emit(ctx, hooks.LicenseCreated, LicenseEvent{License: l})
		return l, nil
	}

	return nil, domain.NewError(domain.KindKeyGenerationExhausted, "Could not generate a unique license key.", nil)
}

// RegenerateKey assigns a fresh key to an existing license.
func (s *LicenseService) RegenerateKey(ctx context.Context, id int) (*models.License, error) {
	l, err := s.licenses.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(l.Key)
	defer unlock()

	key, err := s.generateKeyFor(ctx, l.ID)
	if err != nil {
		return nil, err
	}

	l.Key = key
	if err := s.licenses.Save(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// IsExpired reports whether an expiry is set and lies strictly in the past.
func (s *LicenseService) IsExpired(l *models.License) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(s.now())
}

// HasAccess reports whether the published license l grants productID.
func (s *LicenseService) HasAccess(l *models.License, productID int) bool {
	if !l.IsPublished() {
		return false
	}
	if l.ProductID == nil {
		return !s.denyUnlinked
	}
	return *l.ProductID == productID
}

func notFound(err error) error {
	if errors.Is(err, models.ErrLicenseNotFound) {
		return domain.NewError(domain.KindNotFound, "License key cannot be found.", err)
	}
	return err
}

var errNoAccess = domain.NewError(domain.KindAccessDenied, "The license does not have access to this product.", nil)

func (s *LicenseService) checkMutable(l *models.License, productID int) error {
	if !l.IsPublished() {
		return errNoAccess
	}
	if productID != 0 && !s.HasAccess(l, productID) {
		return errNoAccess
	}
	return nil
}

// Activate authorizes req.Origin for req.Key. Activating an origin twice is
// a no-op.
func (s *LicenseService) Activate(ctx context.Context, req domain.LicenseRequest) (bool, error) {
	origin := strings.TrimSpace(req.Origin)
	if req.Key == "" || origin == "" {
		return false, domain.NewError(domain.KindInvalidRequest, "License key and site url are required.", nil)
	}

	unlock := s.locks.Lock(req.Key)
	defer unlock()

	added := false
	l, err := s.licenses.UpdateInstallations(ctx, req.Key, func(l *models.License) ([]string, error) {
		if err := s.checkMutable(l, req.ProductID); err != nil {
			return nil, err
		}
		var next []string
		next, added = models.AddInstallation(l.Installations, origin)
		return next, nil
	})
	if err != nil {
		return false, notFound(err)
	}

	if added {
		log.Info().Str("licenseKey", maskLicenseKey(req.Key)).Str("origin", origin).Msg("License activated")
		s.hooks.Emit(ctx, hooks.LicenseActivated, LicenseEvent{License: l, Origin: origin})
	}

	return true, nil
}

// Deactivate removes req.Origin from the authorized list. Removing an origin
// that is not present still succeeds.
func (s *LicenseService) Deactivate(ctx context.Context, req domain.LicenseRequest) (bool, error) {
	origin := strings.TrimSpace(req.Origin)
	if req.Key == "" || origin == "" {
		return false, domain.NewError(domain.KindInvalidRequest, "License key and site url are required.", nil)
	}

	unlock := s.locks.Lock(req.Key)
	defer unlock()

	removed := false
	l, err := s.licenses.UpdateInstallations(ctx, req.Key, func(l *models.License) ([]string, error) {
		if err := s.checkMutable(l, req.ProductID); err != nil {
			return nil, err
		}
		var next []string
		next, removed = models.RemoveInstallation(l.Installations, origin)
		return next, nil
	})
	if err != nil {
		return false, notFound(err)
	}

	if removed {
		log.Info().Str("licenseKey", maskLicenseKey(req.Key)).Str("origin", origin).Msg("License deactivated")
		s.hooks.Emit(ctx, hooks.LicenseDeactivated, LicenseEvent{License: l, Origin: origin})
	}

	return true, nil
}

// ValidateForDownload decides whether req may download the product. Checks
// run in a fixed order and the first failing one determines the reason.
func (s *LicenseService) ValidateForDownload(ctx context.Context, req domain.LicenseRequest) (domain.Decision, error) {
	productID := req.ProductID

	if productID == 0 && req.Key != "" {
		linked, err := s.licenses.FindLinkedProduct(ctx, req.Key)
		if err != nil && !errors.Is(err, models.ErrLicenseNotFound) {
			return domain.Decision{}, err
		}
		if linked != nil {
			productID = *linked
		}
	}

	doNotValidate := req.DoNotValidate
	if !doNotValidate && productID != 0 {
		product, err := s.products.Get(ctx, productID)
		if err != nil && !errors.Is(err, models.ErrProductNotFound) {
			return domain.Decision{}, err
		}
		doNotValidate = product != nil && product.DoNotValidate
	}

	decision, err := s.decide(ctx, req, productID, doNotValidate)
	if err != nil {
		return domain.Decision{}, err
	}

	if !decision.Allowed {
		log.Debug().
			Str("licenseKey", maskLicenseKey(req.Key)).
			Str("origin", req.Origin).
			Str("reason", decision.Reason).
			Msg("License validation failed")

		s.hooks.Emit(ctx, hooks.ValidationFailed, hooks.ValidationEvent{
			LicenseKey: maskLicenseKey(req.Key),
			Origin:     req.Origin,
			ProductID:  productID,
			Reason:     decision.Reason,
		})
	}

	return decision, nil
}

func (s *LicenseService) decide(ctx context.Context, req domain.LicenseRequest, productID int, doNotValidate bool) (domain.Decision, error) {
	if doNotValidate {
		return domain.Allow(), nil
	}

	if req.Key == "" {
		return domain.Deny(domain.KindAccessDenied, domain.ReasonNoKey), nil
	}

	l, err := s.licenses.GetByKey(ctx, req.Key)
	if err != nil {
		if errors.Is(err, models.ErrLicenseNotFound) {
			return domain.Deny(domain.KindNotFound, domain.ReasonUnknownKey), nil
		}
		return domain.Decision{}, err
	}

	if s.IsExpired(l) {
		return domain.Deny(domain.KindExpired, domain.ReasonExpired), nil
	}

	if !s.HasAccess(l, productID) {
		return domain.Deny(domain.KindAccessDenied, domain.ReasonNoAccess), nil
	}

	if !l.HasInstallation(strings.TrimSpace(req.Origin)) && !req.Admin {
		return domain.Deny(domain.KindAccessDenied, domain.ReasonNotActivated), nil
	}

	return domain.Allow(), nil
}

// GetLicense returns a license by key.
func (s *LicenseService) GetLicense(ctx context.Context, key string) (*models.License, error) {
	l, err := s.licenses.GetByKey(ctx, key)
	if err != nil {
		return nil, notFound(err)
	}
	return l, nil
}

func (s *LicenseService) GetLicenseByID(ctx context.Context, id int) (*models.License, error) {
	l, err := s.licenses.GetByID(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	return l, nil
}

func (s *LicenseService) ListLicenses(ctx context.Context, filter models.LicenseFilter) ([]*models.License, error) {
	return s.licenses.List(ctx, filter)
}

// LicenseUpdate holds the admin-editable fields; nil fields are unchanged.
type LicenseUpdate struct {
	ProductID     *int
	ClearProduct  bool
	OwnerID       *string
	ExpiresAt     *time.Time
	ClearExpiry   bool
	Installations []string
}

func (s *LicenseService) UpdateLicense(ctx context.Context, id int, upd LicenseUpdate) (*models.License, error) {
	l, err := s.licenses.GetByID(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}

	unlock := s.locks.Lock(l.Key)
	defer unlock()

	// reload under the lock so concurrent activations are not overwritten
	if l, err = s.licenses.GetByID(ctx, id); err != nil {
		return nil, notFound(err)
	}

	switch {
	case upd.ClearProduct:
		l.ProductID = nil
	case upd.ProductID != nil:
		if _, err := s.products.Get(ctx, *upd.ProductID); err != nil {
			return nil, domain.NewError(domain.KindNotFound, "Product cannot be found.", err)
		}
		l.ProductID = upd.ProductID
	}
	if upd.OwnerID != nil {
		l.OwnerID = *upd.OwnerID
	}
	switch {
	case upd.ClearExpiry:
		l.ExpiresAt = nil
	case upd.ExpiresAt != nil:
		l.ExpiresAt = upd.ExpiresAt
	}
	if upd.Installations != nil {
		l.Installations, _ = models.AddInstallations(nil, upd.Installations...)
	}

	if err := s.licenses.Save(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Trash soft-deletes a license.
func (s *LicenseService) Trash(ctx context.Context, id int) error {
	return s.setStatus(ctx, id, models.LicenseStatusTrash, hooks.LicenseTrashed)
}

// Restore publishes a trashed license again.
func (s *LicenseService) Restore(ctx context.Context, id int) error {
	return s.setStatus(ctx, id, models.LicenseStatusPublished, hooks.LicenseRestored)
}

// SetOrderStatus moves every license of an order to status and returns how
// many changed. Each change emits the trashed or restored hook.
func (s *LicenseService) SetOrderStatus(ctx context.Context, orderID, status string) (int64, error) {
	hook := hooks.LicenseRestored
	if status == models.LicenseStatusTrash {
		hook = hooks.LicenseTrashed
	}

	list, err := s.licenses.List(ctx, models.LicenseFilter{OrderID: orderID})
	if err != nil {
		return 0, err
	}

	var n int64
	for _, l := range list {
		if l.Status == status {
			continue
		}
		if err := s.setStatus(ctx, l.ID, status, hook); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *LicenseService) setStatus(ctx context.Context, id int, status, hook string) error {
	if err := s.licenses.SetStatus(ctx, id, status); err != nil {
		return notFound(err)
	}

	l, err := s.licenses.GetByID(ctx, id)
	if err != nil {
		return notFound(err)
	}

	log.Info().Str("licenseKey", maskLicenseKey(l.Key)).Str("status", status).Msg("License status changed")
	s.hooks.Emit(ctx, hook, LicenseEvent{License: l})
	return nil
}

func (s *LicenseService) DeleteLicense(ctx context.Context, id int) error {
	if err := s.licenses.Delete(ctx, id); err != nil {
		return notFound(err)
	}
	log.Info().Int("licenseID", id).Msg("License deleted")
	return nil
}

// keyLocks hands out one mutex per license key and drops it when unused.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

func (k *keyLocks) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// maskLicenseKey masks a license key for logging
func maskLicenseKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:8] + "***"
}
