package security

import (
	"errors"
	"sync"
	"time"

	"github.com/capturemesh/captureproof/internal/clock"
)

// ErrRateLimited is returned by RateLimiter.Allow's callers when an
// operation is rejected for being over rate.
var ErrRateLimited = errors.New("security: rate limit exceeded")

// RateLimiter is a token bucket rate limiter driven by an injected
// clock.Source rather than time.Now, so tests can advance time
// deterministically instead of sleeping. The teacher's Wait(timeout)
// sleep-loop variant is dropped: it has no fake-clock equivalent and
// every other caller in this module already avoids real sleeps.
type RateLimiter struct {
	mu           sync.Mutex
	clk          clock.Source
	rate         float64 // tokens per second
	burst        int
	tokens       float64
	lastRefillNS uint64
	blockedUntil uint64 // monotonic ns; zero means not blocked
}

// NewRateLimiter creates a limiter sustaining rate operations/second
// with bursts up to burst, starting full.
func NewRateLimiter(clk clock.Source, rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		clk:          clk,
		rate:         rate,
		burst:        burst,
		tokens:       float64(burst),
		lastRefillNS: clk.NowNS(),
	}
}

// Allow reports whether an operation is permitted now, consuming a
// token if so.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.NowNS()
	if r.blockedUntil != 0 && now < r.blockedUntil {
		return false
	}

	elapsed := float64(now-r.lastRefillNS) / float64(time.Second)
	r.tokens += elapsed * r.rate
	if r.tokens > float64(r.burst) {
		r.tokens = float64(r.burst)
	}
	r.lastRefillNS = now

	if r.tokens >= 1.0 {
		r.tokens--
		return true
	}
	return false
}

// Block suspends all Allow calls for duration, e.g. after a detected
// attack.
func (r *RateLimiter) Block(duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blockedUntil = r.clk.NowNS() + uint64(duration.Nanoseconds())
}

// Reset restores full capacity and clears any block.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = float64(r.burst)
	r.lastRefillNS = r.clk.NowNS()
	r.blockedUntil = 0
}

// failureRecord tracks one key's consecutive-failure state.
type failureRecord struct {
	count        int
	lastFailedNS uint64
	lockedUntil  uint64
}

// FailureLimiter imposes exponentially growing delays, and eventually a
// hard lockout, on repeated failures keyed by caller-chosen string
// (e.g. a signer's key ID, or a client's pinned-cert fingerprint).
// Adapted from the teacher's progressive-delay limiter to run off an
// injected clock.Source.
type FailureLimiter struct {
	mu           sync.Mutex
	clk          clock.Source
	failures     map[string]*failureRecord
	baseDelay    time.Duration
	maxDelay     time.Duration
	resetAfter   time.Duration
	maxFailures  int
	lockDuration time.Duration
}

// NewFailureLimiter creates a limiter doubling its delay after each
// failure (capped at maxDelay), resetting a key's count after
// resetAfter of inactivity, and locking a key out for lockDuration once
// it reaches maxFailures.
func NewFailureLimiter(clk clock.Source, baseDelay, maxDelay, resetAfter time.Duration, maxFailures int, lockDuration time.Duration) *FailureLimiter {
	return &FailureLimiter{
		clk:          clk,
		failures:     make(map[string]*failureRecord),
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		resetAfter:   resetAfter,
		maxFailures:  maxFailures,
		lockDuration: lockDuration,
	}
}

// RecordFailure records a failure for key and returns the delay that
// must elapse before the next attempt.
func (fl *FailureLimiter) RecordFailure(key string) time.Duration {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	now := fl.clk.NowNS()
	record, ok := fl.failures[key]
	if !ok {
		record = &failureRecord{}
		fl.failures[key] = record
	}

	if now-record.lastFailedNS > uint64(fl.resetAfter.Nanoseconds()) {
		record.count = 0
	}

	record.count++
	record.lastFailedNS = now

	delay := fl.baseDelay * time.Duration(1<<uint(record.count-1))
	if delay > fl.maxDelay {
		delay = fl.maxDelay
	}

	if record.count >= fl.maxFailures {
		record.lockedUntil = now + uint64(fl.lockDuration.Nanoseconds())
	}

	return delay
}

// IsLocked reports whether key is currently locked out.
func (fl *FailureLimiter) IsLocked(key string) bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	record, ok := fl.failures[key]
	if !ok {
		return false
	}
	return fl.clk.NowNS() < record.lockedUntil
}

// RecordSuccess clears key's failure history.
func (fl *FailureLimiter) RecordSuccess(key string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	delete(fl.failures, key)
}
