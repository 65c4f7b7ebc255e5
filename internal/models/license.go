// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrLicenseNotFound   = errors.New("license not found")
	ErrLicenseKeyExists  = errors.New("license key already exists")
	ErrLicenseOrderTaken = errors.New("license already exists for order and product")
)

// License status values
const (
	LicenseStatusPublished = "published"
	LicenseStatusTrash     = "trash"
)

// License is an entitlement record. Installations holds the authorized
// origins in activation order and never contains duplicates.
type License struct {
	ID            int        `json:"id"`
	Key           string     `json:"licenseKey"`
	ProductID     *int       `json:"productId,omitempty"`
	OwnerID       string     `json:"ownerId"`
	OrderID       string     `json:"orderId,omitempty"`
	Status        string     `json:"status"`
	Installations []string   `json:"installations"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// HasInstallation reports whether origin is authorized.
func (l *License) HasInstallation(origin string) bool {
	return slices.Contains(l.Installations, origin)
}

// IsPublished reports whether the license is in active status.
func (l *License) IsPublished() bool {
	return l.Status == LicenseStatusPublished
}

// AddInstallation appends origin if absent and reports whether it was added.
func AddInstallation(installs []string, origin string) ([]string, bool) {
	if slices.Contains(installs, origin) {
		return installs, false
	}
	return append(installs, origin), true
}

// RemoveInstallation drops origin if present and reports whether it was removed.
func RemoveInstallation(installs []string, origin string) ([]string, bool) {
	idx := slices.Index(installs, origin)
	if idx < 0 {
		return installs, false
	}
	return slices.Delete(slices.Clone(installs), idx, idx+1), true
}

// LicenseFilter narrows List results. Zero values are ignored.
type LicenseFilter struct {
	ProductID int
	OwnerID   string
	OrderID   string
	Status    string
}

type LicenseStore struct {
	db *sql.DB
}

func NewLicenseStore(db *sql.DB) *LicenseStore {
	return &LicenseStore{db: db}
}

const licenseColumns = `id, license_key, product_id, owner_id, order_id, status, expires_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (*License, error) {
	var (
		l         License
		productID sql.NullInt64
		expiresAt sql.NullTime
	)

	if err := row.Scan(
		&l.ID,
		&l.Key,
		&productID,
		&l.OwnerID,
		&l.OrderID,
		&l.Status,
		&expiresAt,
		&l.CreatedAt,
		&l.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if productID.Valid {
		id := int(productID.Int64)
		l.ProductID = &id
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		l.ExpiresAt = &t
	}
	l.Installations = []string{}

	return &l, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func loadInstallations(ctx context.Context, q querier, licenseID int) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT origin FROM license_installations
		WHERE license_id = ?
		ORDER BY position, origin
	`, licenseID)
	if err != nil {
		return nil, errors.Wrap(err, "query installations")
	}
	defer rows.Close()

	installs := []string{}
	for rows.Next() {
		var origin string
		if err := rows.Scan(&origin); err != nil {
			return nil, errors.Wrap(err, "scan installation")
		}
		installs = append(installs, origin)
	}

	return installs, rows.Err()
}

func replaceInstallations(ctx context.Context, q querier, licenseID int, installs []string) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM license_installations WHERE license_id = ?", licenseID); err != nil {
		return errors.Wrap(err, "clear installations")
	}

	seen := make(map[string]struct{}, len(installs))
	position := 0
	for _, origin := range installs {
		if _, ok := seen[origin]; ok {
			continue
		}
		seen[origin] = struct{}{}

		if _, err := q.ExecContext(ctx, `
			INSERT INTO license_installations (license_id, origin, position) VALUES (?, ?, ?)
		`, licenseID, origin, position); err != nil {
			return errors.Wrapf(err, "insert installation %q", origin)
		}
		position++
	}

	return nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC()
}

func isUniqueViolation(err error, column string) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") && strings.Contains(err.Error(), column)
}

// Create inserts a new license together with its installations.
func (s *LicenseStore) Create(ctx context.Context, l *License) (*License, error) {
	if l.Status == "" {
		l.Status = LicenseStatusPublished
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO licenses (license_key, product_id, owner_id, order_id, status, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING `+licenseColumns,
		l.Key, nullableInt(l.ProductID), l.OwnerID, l.OrderID, l.Status, nullableTime(l.ExpiresAt),
	)

	created, err := scanLicense(row)
	if err != nil {
		switch {
		case isUniqueViolation(err, "licenses.license_key"):
			return nil, ErrLicenseKeyExists
		case isUniqueViolation(err, "licenses.order_id"):
			return nil, ErrLicenseOrderTaken
		}
		return nil, errors.Wrap(err, "insert license")
	}

	if err := replaceInstallations(ctx, tx, created.ID, l.Installations); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit license")
	}

	created.Installations, _ = AddInstallations(nil, l.Installations...)
	return created, nil
}

// AddInstallations appends every origin not yet present.
func AddInstallations(installs []string, origins ...string) ([]string, int) {
	added := 0
	for _, origin := range origins {
		var ok bool
		if installs, ok = AddInstallation(installs, origin); ok {
			added++
		}
	}
	if installs == nil {
		installs = []string{}
	}
	return installs, added
}

// GetByKey looks up a license by exact, case-sensitive key.
func (s *LicenseStore) GetByKey(ctx context.Context, key string) (*License, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE license_key = ?`, key)
	return s.hydrate(ctx, row)
}

func (s *LicenseStore) GetByID(ctx context.Context, id int) (*License, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE id = ?`, id)
	return s.hydrate(ctx, row)
}

func (s *LicenseStore) hydrate(ctx context.Context, row *sql.Row) (*License, error) {
	l, err := scanLicense(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLicenseNotFound
		}
		return nil, errors.Wrap(err, "scan license")
	}

	if l.Installations, err = loadInstallations(ctx, s.db, l.ID); err != nil {
		return nil, err
	}

	return l, nil
}

// KeyExists reports whether key belongs to a license other than excludeID.
func (s *LicenseStore) KeyExists(ctx context.Context, key string, excludeID int) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM licenses WHERE license_key = ? AND id != ?
	`, key, excludeID).Scan(&count)
	if err != nil {
		return false, errors.Wrap(err, "check license key")
	}
	return count > 0, nil
}

// FindLinkedProduct returns the product id of a published license. Trashed
// licenses and licenses without a product resolve to nil. Expiry is not
// considered here.
func (s *LicenseStore) FindLinkedProduct(ctx context.Context, key string) (*int, error) {
	var (
		productID sql.NullInt64
		status    string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT product_id, status FROM licenses WHERE license_key = ?
	`, key).Scan(&productID, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLicenseNotFound
		}
		return nil, errors.Wrap(err, "find linked product")
	}

	if status != LicenseStatusPublished || !productID.Valid {
		return nil, nil
	}

	id := int(productID.Int64)
	return &id, nil
}

// List returns licenses matching filter, newest first.
func (s *LicenseStore) List(ctx context.Context, filter LicenseFilter) ([]*License, error) {
	var (
		where []string
		args  []any
	)
	if filter.ProductID != 0 {
		where = append(where, "product_id = ?")
		args = append(args, filter.ProductID)
	}
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.OrderID != "" {
		where = append(where, "order_id = ?")
		args = append(args, filter.OrderID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + licenseColumns + ` FROM licenses`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list licenses")
	}

	var licenses []*License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan license")
		}
		licenses = append(licenses, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, l := range licenses {
		if l.Installations, err = loadInstallations(ctx, s.db, l.ID); err != nil {
			return nil, err
		}
	}

	return licenses, nil
}

// Save updates the scalar fields of an existing license and replaces its
// installations in one transaction.
func (s *LicenseStore) Save(ctx context.Context, l *License) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE licenses
		SET license_key = ?, product_id = ?, owner_id = ?, order_id = ?, status = ?, expires_at = ?
		WHERE id = ?
	`, l.Key, nullableInt(l.ProductID), l.OwnerID, l.OrderID, l.Status, nullableTime(l.ExpiresAt), l.ID)
	if err != nil {
		if isUniqueViolation(err, "licenses.license_key") {
			return ErrLicenseKeyExists
		}
		return errors.Wrap(err, "update license")
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLicenseNotFound
	}

	if err := replaceInstallations(ctx, tx, l.ID, l.Installations); err != nil {
		return err
	}

	return errors.Wrap(tx.Commit(), "commit license")
}

// UpdateInstallations runs a read-modify-write of the installation list of
// key inside a single write transaction. fn receives the current list and
// returns the new one.
func (s *LicenseStore) UpdateInstallations(ctx context.Context, key string, fn func(l *License) ([]string, error)) (*License, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	l, err := scanLicense(tx.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE license_key = ?`, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLicenseNotFound
		}
		return nil, errors.Wrap(err, "scan license")
	}

	if l.Installations, err = loadInstallations(ctx, tx, l.ID); err != nil {
		return nil, err
	}

	next, err := fn(l)
	if err != nil {
		return nil, err
	}

	if !slices.Equal(next, l.Installations) {
		if err := replaceInstallations(ctx, tx, l.ID, next); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE licenses SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`, l.ID); err != nil {
			return nil, errors.Wrap(err, "touch license")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit installations")
	}

	l.Installations, _ = AddInstallations(nil, next...)
	return l, nil
}

// SetStatus moves a license between published and trash.
func (s *LicenseStore) SetStatus(ctx context.Context, id int, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE licenses SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return errors.Wrap(err, "update license status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLicenseNotFound
	}
	return nil
}

func (s *LicenseStore) Delete(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM licenses WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete license")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLicenseNotFound
	}
	return nil
}

// CountByStatus returns the number of licenses per status.
func (s *LicenseStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM licenses GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "count licenses")
	}
	defer rows.Close()

	counts := map[string]int{
		LicenseStatusPublished: 0,
		LicenseStatusTrash:     0,
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "scan license count")
		}
		counts[status] = count
	}

	return counts, rows.Err()
}
