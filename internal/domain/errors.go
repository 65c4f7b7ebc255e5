// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures surfaced by the update and licensing surfaces.
type Kind string

const (
	KindNotFound               Kind = "not_found"
	KindExpired                Kind = "expired"
	KindAccessDenied           Kind = "access_denied"
	KindUntrustedOrigin        Kind = "untrusted_origin"
	KindUpstream               Kind = "upstream_error"
	KindPackaging              Kind = "packaging_error"
	KindConfiguration          Kind = "configuration_error"
	KindInvalidRequest         Kind = "invalid_request"
	KindKeyGenerationExhausted Kind = "key_generation_exhausted"
)

// Error is a typed failure carrying a stable reason code and a message safe to
// show to callers. Err holds the internal cause and is never rendered.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind, so callers can compare against
// the sentinel values below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrExpired         = &Error{Kind: KindExpired}
	ErrAccessDenied    = &Error{Kind: KindAccessDenied}
	ErrUntrustedOrigin = &Error{Kind: KindUntrustedOrigin}
	ErrUpstream        = &Error{Kind: KindUpstream}
	ErrPackaging       = &Error{Kind: KindPackaging}
	ErrConfiguration   = &Error{Kind: KindConfiguration}
	ErrInvalidRequest  = &Error{Kind: KindInvalidRequest}
	ErrKeyGeneration   = &Error{Kind: KindKeyGenerationExhausted}
)

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// MessageOf returns the caller-safe message of err, falling back to a generic
// text for untyped errors so internal details never leak.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "Cannot fulfill this request."
}
