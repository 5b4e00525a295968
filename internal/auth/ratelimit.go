package auth

import (
	"sync"
	"time"
)

// Password logins are throttled per source IP: maxLoginFailures failures
// inside failureWindow lock the IP out for lockoutDuration. Only failures
// count toward the budget; a successful login clears the slate.
const (
	maxLoginFailures = 5
	failureWindow    = 5 * time.Minute
	lockoutDuration  = 15 * time.Minute
)

// failureRecord tracks login failures from one IP.
type failureRecord struct {
	count    int
	firstAt  time.Time
	lockedAt time.Time // zero unless locked out
}

// RateLimiter throttles password logins per source IP. Allow never mutates
// state, so checking the limiter does not count as an attempt.
type RateLimiter struct {
	mu   sync.Mutex
	byIP map[string]*failureRecord
}

// NewRateLimiter creates an empty login rate limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{byIP: make(map[string]*failureRecord)}
}

// Allow reports whether a login attempt from the given IP may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.byIP[ip]
	if !ok {
		return true
	}
	now := time.Now()
	if !rec.lockedAt.IsZero() {
		return now.After(rec.lockedAt.Add(lockoutDuration))
	}
	if now.After(rec.firstAt.Add(failureWindow)) {
		return true
	}
	return rec.count < maxLoginFailures
}

// RecordFailure counts one failed login for an IP. Spending the whole
// failure budget inside the window locks the IP out.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rec, ok := rl.byIP[ip]
	if !ok || now.After(rec.firstAt.Add(failureWindow)) {
		rl.byIP[ip] = &failureRecord{count: 1, firstAt: now}
		return
	}
	rec.count++
	if rec.count >= maxLoginFailures {
		rec.lockedAt = now
	}
}

// Reset clears the failure record for an IP (called on successful login).
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.byIP, ip)
}

// Cleanup removes records whose window and lockout have both expired.
// Call periodically.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, rec := range rl.byIP {
		if !rec.lockedAt.IsZero() {
			if now.After(rec.lockedAt.Add(lockoutDuration)) {
				delete(rl.byIP, ip)
			}
			continue
		}
		if now.After(rec.firstAt.Add(failureWindow)) {
			delete(rl.byIP, ip)
		}
	}
}
