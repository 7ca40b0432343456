package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles FAILED authentication attempts per client IP.
// Successful requests are not counted.
//
// Each IP has a token bucket holding limit attempts that refills over
// window. A failure takes a token; an IP with no token left is blocked
// until the bucket refills. A successful authentication drops the bucket.
//
// Callers check IsBlocked before validating a token, then call
// RecordFailure or Reset with the outcome.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   int
	every   rate.Limit
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter allows limit failures per window and starts the goroutine
// that drops refilled buckets. Call Stop to end it.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	limit = max(limit, 1)
	rl := &RateLimiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   limit,
		every:   rate.Every(window / time.Duration(limit)),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

func (rl *RateLimiter) IsBlocked(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[ip]
	return ok && b.TokensAt(rl.now()) < 1
}

func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[ip]
	if !ok {
		b = rate.NewLimiter(rl.every, rl.limit)
		rl.buckets[ip] = b
	}
	b.AllowN(rl.now(), 1)
}

// Reset forgets the failures of ip.
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, ip)
}

// Failures returns the failures of ip not yet refilled.
func (rl *RateLimiter) Failures(ip string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[ip]
	if !ok {
		return 0
	}
	return rl.limit - int(b.TokensAt(rl.now()))
}

// Stop ends the sweep goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

// cleanup drops buckets that have refilled completely.
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for ip, b := range rl.buckets {
		if b.TokensAt(now) >= float64(rl.limit) {
			delete(rl.buckets, ip)
		}
	}
}
