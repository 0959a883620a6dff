package relay

import (
	"math"
	"sync"
	"time"
)

// RateLimiter imposes an escalating per-IP delay on room creation. Each
// allowed attempt increments a counter; the next attempt must wait
// rateLimitDelays[min(count, 5)] seconds. The counter resets after
// rateLimitCooldown of inactivity or on a successful join.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry

	now func() time.Time
}

type limiterEntry struct {
	count       int
	lastAttempt time.Time
}

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		entries: make(map[string]*limiterEntry),
		now:     time.Now,
	}
}

// Check decides whether ip may proceed. When denied, retryAfter is the
// remaining wait in whole seconds, rounded up. Denied attempts do not
// re-stamp the entry, so waiting out the delay always unblocks.
func (l *RateLimiter) Check(ip string) (allowed bool, retryAfter int) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[ip]
	if !ok || now.Sub(e.lastAttempt) > rateLimitCooldown {
		l.entries[ip] = &limiterEntry{count: 1, lastAttempt: now}
		return true, 0
	}

	idx := e.count
	if idx > len(rateLimitDelays)-1 {
		idx = len(rateLimitDelays) - 1
	}
	required := rateLimitDelays[idx]
	elapsed := now.Sub(e.lastAttempt).Seconds()

	if elapsed >= required {
		e.count++
		e.lastAttempt = now
		return true, 0
	}
	return false, int(math.Ceil(required - elapsed))
}

// Reset forgets the entry for ip. Called on successful join: joining an
// existing room is treated as proof of legitimate use.
func (l *RateLimiter) Reset(ip string) {
	l.mu.Lock()
	delete(l.entries, ip)
	l.mu.Unlock()
}
