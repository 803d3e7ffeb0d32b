package track

import (
	"sync"
	"time"
)

type rlCounter struct {
	count       int
	windowStart time.Time
}

// RateLimiter is a per-key sliding window counter. State is process
// local only; loss on restart fails open.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	counters map[string]*rlCounter
	now      func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:    limit,
		window:   window,
		counters: make(map[string]*rlCounter),
		now:      time.Now,
	}
}

// Allow reports whether key may send another update in the current
// window. The read-modify-write runs under one lock so concurrent
// connections of the same user never undercount.
func (r *RateLimiter) Allow(key string) bool {
	t0 := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[key]
	if !ok || t0.Sub(c.windowStart) > r.window {
		r.counters[key] = &rlCounter{count: 1, windowStart: t0}
		return true
	}
	c.count++
	return c.count <= r.limit
}

// Forget drops the counter for key, releasing memory for users with no
// open connections.
func (r *RateLimiter) Forget(key string) {
	r.mu.Lock()
	delete(r.counters, key)
	r.mu.Unlock()
}
