package gateway

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter(t *testing.T) {
	t.Run("should allow requests up to the limit", func(t *testing.T) {
		rl := NewRateLimiter(3)
		defer rl.Stop()

		for i := 0; i < 3; i++ {
			assert.True(t, rl.Allow("10.0.0.1"), "request %d should pass", i+1)
		}
		assert.False(t, rl.Allow("10.0.0.1"), "fourth request should be limited")
	})

	t.Run("should track callers independently", func(t *testing.T) {
		rl := NewRateLimiter(1)
		defer rl.Stop()

		assert.True(t, rl.Allow("10.0.0.1"))
		assert.False(t, rl.Allow("10.0.0.1"))
		assert.True(t, rl.Allow("10.0.0.2"), "a different caller has its own window")
	})

	t.Run("should report seconds until the window frees up", func(t *testing.T) {
		rl := NewRateLimiter(1)
		defer rl.Stop()

		assert.Zero(t, rl.RetryAfter("10.0.0.1"), "unknown callers wait nothing")
		rl.Allow("10.0.0.1")
		after := rl.RetryAfter("10.0.0.1")
		assert.Greater(t, after, 0)
		assert.LessOrEqual(t, after, 60)
	})

	t.Run("should drop expired windows on cleanup", func(t *testing.T) {
		rl := NewRateLimiter(5)
		defer rl.Stop()

		rl.Allow("10.0.0.1")
		rl.mu.Lock()
		// age the caller's whole window past the cutoff
		rl.requests["10.0.0.1"] = []int64{1}
		rl.mu.Unlock()

		rl.cleanup()

		rl.mu.Lock()
		_, present := rl.requests["10.0.0.1"]
		rl.mu.Unlock()
		assert.False(t, present)
	})

	t.Run("should tolerate repeated stops", func(t *testing.T) {
		rl := NewRateLimiter(1)
		rl.Stop()
		rl.Stop()
	})

	t.Run("should hold up under concurrent callers", func(t *testing.T) {
		rl := NewRateLimiter(1000)
		defer rl.Stop()

		done := make(chan struct{})
		for i := 0; i < 8; i++ {
			go func(i int) {
				defer func() { done <- struct{}{} }()
				for j := 0; j < 50; j++ {
					rl.Allow(fmt.Sprintf("10.0.0.%d", i))
				}
			}(i)
		}
		for i := 0; i < 8; i++ {
			<-done
		}
	})
}
