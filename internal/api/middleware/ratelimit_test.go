// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	h := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/premia/v1/check_updates", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, do("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:1002"), "burst spent")
	assert.Equal(t, http.StatusOK, do("10.0.0.2:1000"), "other clients have their own bucket")

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, do("10.0.0.1:1003"), "one token per second refills")
}

func TestRateLimiterDisabled(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {})
	h := NewRateLimiter(0, 0).Handler(next)

	for i := 0; i < 100; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimiterEvictsIdleVisitors(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.allow("a")
	assert.Len(t, rl.visitors, 1)

	now = now.Add(visitorIdleTTL + time.Second)
	rl.allow("b")
	assert.Len(t, rl.visitors, 1)
	assert.Contains(t, rl.visitors, "b")
}

func TestRateLimiterSweepsOncePerInterval(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.allow("a")
	rl.visitors["stale"] = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst), lastSeen: now.Add(-2 * visitorIdleTTL)}

	now = now.Add(visitorSweepInterval / 2)
	rl.allow("a")
	assert.Contains(t, rl.visitors, "stale", "no sweep before the interval elapses")

	now = now.Add(visitorSweepInterval / 2)
	rl.allow("a")
	assert.NotContains(t, rl.visitors, "stale")
	assert.Contains(t, rl.visitors, "a")
	assert.Equal(t, now, rl.lastSweep)
}
