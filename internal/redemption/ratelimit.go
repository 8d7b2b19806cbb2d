package redemption

import (
	"sync"
	"time"
)

// PinRateLimiter throttles PIN verification attempts per share code using
// token buckets. The 10,000-value PIN keyspace makes attempt rate the real
// defense, not hash strength.
type PinRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewPinRateLimiter creates an empty limiter.
func NewPinRateLimiter() *PinRateLimiter {
	return &PinRateLimiter{buckets: make(map[string]*bucket)}
}

// Allow reports whether another attempt against code is permitted at the
// given attempts-per-minute rate. rpm <= 0 means unlimited.
func (rl *PinRateLimiter) Allow(code string, rpm int) bool {
	if rpm <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b := rl.refill(code, rpm)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RetryAfter returns the number of seconds until the next attempt against
// code would be allowed.
func (rl *PinRateLimiter) RetryAfter(code string, rpm int) int {
	if rpm <= 0 {
		return 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b := rl.refill(code, rpm)
	if b.tokens >= 1 {
		return 0
	}
	secsPerToken := 60.0 / float64(rpm)
	wait := (1 - b.tokens) * secsPerToken
	secs := int(wait)
	if float64(secs) < wait {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

// refill tops up the bucket for code based on elapsed time. Caller holds mu.
func (rl *PinRateLimiter) refill(code string, rpm int) *bucket {
	now := time.Now()
	b, ok := rl.buckets[code]
	if !ok {
		b = &bucket{tokens: float64(rpm), lastRefill: now}
		rl.buckets[code] = b
		return b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * float64(rpm) / 60.0
	if b.tokens > float64(rpm) {
		b.tokens = float64(rpm)
	}
	b.lastRefill = now
	return b
}

// Cleanup drops buckets idle for longer than maxIdle. Run from a background
// ticker so codes that were redeemed or expired do not pin memory.
func (rl *PinRateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	for code, b := range rl.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(rl.buckets, code)
		}
	}
}
