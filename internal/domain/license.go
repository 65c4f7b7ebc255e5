// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// LicenseRequest carries what a caller presents when acting on a license.
type LicenseRequest struct {
	Key    string
	Origin string

	// ProductID is the product the caller asks about, 0 when not named.
	ProductID int

	// DoNotValidate is set when the product has license checks disabled.
	DoNotValidate bool

	// Admin marks an authenticated administrative session.
	Admin bool
}

// Validation deny reasons
const (
	ReasonNoKey        = "no key"
	ReasonUnknownKey   = "unknown key"
	ReasonExpired      = "expired"
	ReasonNoAccess     = "no access"
	ReasonNotActivated = "not activated"
)

// Decision is the outcome of a download entitlement check.
type Decision struct {
	Allowed bool
	Reason  string
	Kind    Kind
}

func Allow() Decision {
	return Decision{Allowed: true}
}

func Deny(kind Kind, reason string) Decision {
	return Decision{Kind: kind, Reason: reason}
}

// Err converts a deny decision into a typed error, nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return NewError(d.Kind, "Validation failed: "+d.Reason+".", nil)
}
