package main

import (
	"sync"
	"time"
)

type rateWindow struct {
	count int
	reset time.Time
}

// RateLimiter tracks fixed-window request counts per key. Keys are scoped
// strings like "redeem:1.2.3.4", so one limiter serves every public surface.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]rateWindow
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{windows: make(map[string]rateWindow)}
}

// Allow reports whether the caller may proceed under the given limit and
// window. A non-positive limit disables the check.
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w := rl.windows[key]
	if w.reset.IsZero() || now.After(w.reset) {
		w = rateWindow{reset: now.Add(window)}
	}
	if w.count >= limit {
		rl.windows[key] = w
		return false
	}
	w.count++
	rl.windows[key] = w

	if len(rl.windows) > 4096 {
		rl.prune(now)
	}
	return true
}

// prune drops windows that have already reset. Caller holds the lock.
func (rl *RateLimiter) prune(now time.Time) {
	for key, w := range rl.windows {
		if now.After(w.reset) {
			delete(rl.windows, key)
		}
	}
}

type RateLimiterStats struct {
	Keys int `json:"keys"`
}

func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return RateLimiterStats{Keys: len(rl.windows)}
}
