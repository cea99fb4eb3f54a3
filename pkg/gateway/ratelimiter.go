package gateway

import (
	"sync"
	"time"
)

// RateLimiter enforces a per-caller sliding window over the last minute
type RateLimiter struct {
	requests          map[string][]int64
	maxRequestsPerMin int
	mu                sync.Mutex
	stopCleanup       chan struct{}
	stopOnce          sync.Once
}

// NewRateLimiter creates a rate limiter and starts its background cleanup
func NewRateLimiter(maxRequestsPerMinute int) *RateLimiter {
	rl := &RateLimiter{
		requests:          make(map[string][]int64),
		maxRequestsPerMin: maxRequestsPerMinute,
		stopCleanup:       make(chan struct{}),
	}
	go rl.cleanupLoop(5 * time.Minute)
	return rl
}

// Allow records an attempt for the caller and reports whether it is within
// the limit
func (rl *RateLimiter) Allow(caller string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now().UnixMilli()
	recent := rl.requests[caller][:0]
	for _, at := range rl.requests[caller] {
		if now-at < 60_000 {
			recent = append(recent, at)
		}
	}
	rl.requests[caller] = recent

	if len(recent) >= rl.maxRequestsPerMin {
		return false
	}
	rl.requests[caller] = append(recent, now)
	return true
}

// RetryAfter returns the whole seconds until the caller's window frees up
func (rl *RateLimiter) RetryAfter(caller string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	timestamps := rl.requests[caller]
	if len(timestamps) == 0 {
		return 0
	}
	remaining := 60_000 - (time.Now().UnixMilli() - timestamps[0])
	if remaining < 0 {
		return 0
	}
	return int((remaining + 999) / 1000)
}

// Stop halts the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

func (rl *RateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup drops callers whose entire window has expired
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().UnixMilli() - 60_000
	for caller, timestamps := range rl.requests {
		if len(timestamps) == 0 || timestamps[len(timestamps)-1] < cutoff {
			delete(rl.requests, caller)
		}
	}
}
