// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package validator decides whether an update request looks like it comes
// from a real installation.
//
// The check inspects the User-Agent only. Both the marker and the site URL
// are trivially forged, so a passing check is a soft signal and never a
// substitute for license validation.
package validator

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/premia/internal/domain"
)

// DefaultMarker is the substring update clients put in their User-Agent.
const DefaultMarker = "WordPress"

const (
	msgUnknownClient = "Can't verify if request came from WordPress."
	msgUnknownSite   = "Can't verify if request came from website."
)

// Request is what the validator looks at.
type Request struct {
	Admin         bool
	DoNotValidate bool
	UserAgent     string
	SiteURL       string
}

type Validator struct {
	Marker string
}

func New(marker string) *Validator {
	if marker == "" {
		marker = DefaultMarker
	}
	return &Validator{Marker: marker}
}

// Check returns nil when req is trusted, otherwise an untrusted origin error.
func (v *Validator) Check(req Request) error {
	if req.Admin || req.DoNotValidate {
		return nil
	}

	if !strings.Contains(req.UserAgent, v.Marker) {
		log.Debug().Str("userAgent", req.UserAgent).Msg(msgUnknownClient)
		return domain.NewError(domain.KindUntrustedOrigin, msgUnknownClient, nil)
	}

	if req.SiteURL != "" && !strings.Contains(req.UserAgent, req.SiteURL) {
		log.Debug().Str("userAgent", req.UserAgent).Str("origin", req.SiteURL).Msg(msgUnknownSite)
		return domain.NewError(domain.KindUntrustedOrigin, msgUnknownSite, nil)
	}

	return nil
}
