// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package hooks is a registry of named extension points. Handlers are
// registered at startup and invoked explicitly by the services that own the
// extension point.
package hooks

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Extension points
const (
	LicenseCreated     = "license.created"
	LicenseActivated   = "license.activated"
	LicenseDeactivated = "license.deactivated"
	LicenseTrashed     = "license.trashed"
	LicenseRestored    = "license.restored"
	ValidationFailed   = "validation.failed"
	ArtifactBuilt      = "artifact.built"

	// UpdateManifest filters the manifest returned by update checks.
	UpdateManifest = "update.manifest"
)

// ValidationEvent is the payload of ValidationFailed. LicenseKey is masked.
type ValidationEvent struct {
	Provider   string
	LicenseKey string
	Origin     string
	ProductID  int
	Reason     string
}

// DefaultPriority mirrors the usual ordering: lower runs first.
const DefaultPriority = 10

// ActionFunc observes an event.
type ActionFunc func(ctx context.Context, payload any)

// FilterFunc transforms value and returns the replacement.
type FilterFunc func(ctx context.Context, value any, payload any) any

type entry struct {
	priority int
	seq      int
	action   ActionFunc
	filter   FilterFunc
}

type Registry struct {
	mu      sync.RWMutex
	seq     int
	entries map[string][]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string][]entry)}
}

func (r *Registry) add(name string, e entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	e.seq = r.seq
	list := append(r.entries[name], e)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].priority != list[j].priority {
			return list[i].priority < list[j].priority
		}
		return list[i].seq < list[j].seq
	})
	r.entries[name] = list
}

func (r *Registry) snapshot(name string) []entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]entry(nil), r.entries[name]...)
}

// On registers an action for name.
func (r *Registry) On(name string, priority int, fn ActionFunc) {
	r.add(name, entry{priority: priority, action: fn})
}

// AddFilter registers a filter for name.
func (r *Registry) AddFilter(name string, priority int, fn FilterFunc) {
	r.add(name, entry{priority: priority, filter: fn})
}

// Emit runs every action registered for name in order. A panicking handler
// is logged and skipped.
func (r *Registry) Emit(ctx context.Context, name string, payload any) {
	if r == nil {
		return
	}
	for _, e := range r.snapshot(name) {
		if e.action == nil {
			continue
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error().Str("hook", name).Interface("panic", rec).Msg("Hook handler panicked")
				}
			}()
			e.action(ctx, payload)
		}()
	}
}

// Filter passes value through every filter registered for name in order. A
// panicking filter is logged and skipped, keeping the value it was given.
func (r *Registry) Filter(ctx context.Context, name string, value any, payload any) any {
	if r == nil {
		return value
	}
	for _, e := range r.snapshot(name) {
		if e.filter == nil {
			continue
		}
		value = r.applyFilter(ctx, name, e.filter, value, payload)
	}
	return value
}

func (r *Registry) applyFilter(ctx context.Context, name string, fn FilterFunc, value any, payload any) (out any) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("hook", name).Interface("panic", rec).Msg("Hook filter panicked")
			out = value
		}
	}()
	return fn(ctx, value, payload)
}

// Count returns the number of handlers registered for name.
func (r *Registry) Count(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries[name])
}
