// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package releases caches upstream release metadata per product.
package releases

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/autobrr/premia/internal/github"
)

const DefaultTTL = time.Hour

// Fetcher resolves release metadata from the source host.
type Fetcher interface {
	GetRelease(ctx context.Context, repo github.RepoConfig, selector string) (*github.Release, error)
}

// Stats counts cache lookups.
type Stats struct {
	Hits   uint64
	Misses uint64
}

type Cache struct {
	fetcher Fetcher
	cache   *ristretto.Cache
	ttl     time.Duration
	group   singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64

	// OnLookup, when set, is called with "hit" or "miss" for every Resolve.
	OnLookup func(result string)
}

func NewCache(fetcher Fetcher, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 26, // 64MB
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create release cache: %w", err)
	}

	return &Cache{fetcher: fetcher, cache: cache, ttl: ttl}, nil
}

func cacheKey(productID int, selector string) string {
	if selector == "" {
		selector = "latest"
	}
	return fmt.Sprintf("%d:%s", productID, selector)
}

func releaseCost(r *github.Release) int64 {
	cost := int64(len(r.Changelog) + len(r.Version) + 64)
	for _, a := range r.Assets {
		cost += int64(len(a.URL) + len(a.Name) + len(a.Path))
	}
	return cost
}

func (c *Cache) record(result string) {
	if c.OnLookup != nil {
		c.OnLookup(result)
	}
}

// Resolve returns the release for selector, fetching it on a miss. Failed
// lookups are not cached.
func (c *Cache) Resolve(ctx context.Context, productID int, repo github.RepoConfig, selector string) (*github.Release, error) {
	key := cacheKey(productID, selector)

	if v, ok := c.cache.Get(key); ok {
		if r, ok := v.(*github.Release); ok {
			c.hits.Add(1)
			c.record("hit")
			return r, nil
		}
	}

	c.misses.Add(1)
	c.record("miss")

	v, err, _ := c.group.Do(key, func() (any, error) {
		r, err := c.fetcher.GetRelease(ctx, repo, selector)
		if err != nil {
			return nil, err
		}
		c.cache.SetWithTTL(key, r, releaseCost(r), c.ttl)
		c.cache.Wait()
		log.Debug().Int("productID", productID).Str("version", r.Version).Msg("Cached release metadata")
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*github.Release), nil
}

// Invalidate drops every cached selector in selectors for productID.
func (c *Cache) Invalidate(productID int, selectors ...string) {
	if len(selectors) == 0 {
		selectors = []string{"latest"}
	}
	for _, s := range selectors {
		c.cache.Del(cacheKey(productID, s))
	}
}

// Clear drops all cached releases.
func (c *Cache) Clear() {
	c.cache.Clear()
}

func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

func (c *Cache) Close() {
	c.cache.Close()
}
