package security

import (
	"crypto/subtle"
	"fmt"
	"time"
)

// ConstantTimeCompare performs constant-time comparison of two byte slices.
func ConstantTimeCompare(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ZeroSensitiveData securely zeros sensitive data in memory.
func ZeroSensitiveData(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// RateLimiter implements token-bucket rate limiting.
type RateLimiter struct {
	tokens    int
	maxTokens int
	refillAt  time.Time
	interval  time.Duration
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(maxTokens int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		tokens:    maxTokens,
		maxTokens: maxTokens,
		refillAt:  time.Now().Add(interval),
		interval:  interval,
	}
}

// Allow checks if an operation is allowed under the current token budget.
func (rl *RateLimiter) Allow() bool {
	now := time.Now()
	if now.After(rl.refillAt) {
		rl.tokens = rl.maxTokens
		rl.refillAt = now.Add(rl.interval)
	}
	if rl.tokens > 0 {
		rl.tokens--
		return true
	}
	return false
}

// ResourceManager enforces a simple allocate/release budget, used to cap
// concurrent outstanding work (e.g. onionskin jobs in flight).
type ResourceManager struct {
	limit   int
	current int
}

// NewResourceManager creates a new resource manager with the given limit.
func NewResourceManager(limit int) *ResourceManager {
	return &ResourceManager{limit: limit}
}

// Allocate attempts to allocate one unit of resourceType.
func (rm *ResourceManager) Allocate(resourceType string) error {
	if rm.current >= rm.limit {
		return fmt.Errorf("resource limit exceeded for %s: %d/%d", resourceType, rm.current, rm.limit)
	}
	rm.current++
	return nil
}

// Release releases one previously allocated unit.
func (rm *ResourceManager) Release() {
	if rm.current > 0 {
		rm.current--
	}
}

// InUse returns the number of currently allocated units.
func (rm *ResourceManager) InUse() int {
	return rm.current
}
