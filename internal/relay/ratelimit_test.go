package relay

import (
	"testing"
	"time"
)

func newTestLimiter() (*RateLimiter, *fakeClock) {
	clock := newFakeClock()
	l := NewRateLimiter()
	l.now = clock.now
	return l, clock
}

func TestRateLimitFirstAttemptFree(t *testing.T) {
	l, _ := newTestLimiter()

	if allowed, _ := l.Check("10.0.0.1"); !allowed {
		t.Fatal("first attempt denied")
	}
	allowed, retryAfter := l.Check("10.0.0.1")
	if allowed {
		t.Fatal("immediate second attempt allowed")
	}
	if retryAfter != 10 {
		t.Errorf("retry_after = %d, want 10", retryAfter)
	}
}

func TestRateLimitEscalation(t *testing.T) {
	l, clock := newTestLimiter()
	ip := "10.0.0.2"

	// Walk the delay table: each wait exactly satisfies the next step.
	waits := []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second, 180 * time.Second, 300 * time.Second}

	if allowed, _ := l.Check(ip); !allowed {
		t.Fatal("first attempt denied")
	}
	for i, wait := range waits {
		clock.advance(wait)
		if allowed, retryAfter := l.Check(ip); !allowed {
			t.Fatalf("attempt %d after waiting %v denied (retry_after=%d)", i+2, wait, retryAfter)
		}
	}

	// Beyond the table the delay is pinned at the last entry.
	clock.advance(299 * time.Second)
	if allowed, retryAfter := l.Check(ip); allowed || retryAfter != 1 {
		t.Errorf("capped delay: allowed=%v retry_after=%d, want denied with 1", allowed, retryAfter)
	}
	clock.advance(1 * time.Second)
	if allowed, _ := l.Check(ip); !allowed {
		t.Error("attempt after full capped delay denied")
	}
}

func TestRateLimitDeniedAttemptsDoNotRestamp(t *testing.T) {
	l, clock := newTestLimiter()
	ip := "10.0.0.3"

	l.Check(ip) // count=1, needs 10s
	clock.advance(4 * time.Second)
	if allowed, retryAfter := l.Check(ip); allowed || retryAfter != 6 {
		t.Fatalf("after 4s: allowed=%v retry_after=%d, want denied with 6", allowed, retryAfter)
	}
	// The denial above must not have reset the window.
	clock.advance(6 * time.Second)
	if allowed, _ := l.Check(ip); !allowed {
		t.Error("attempt after waiting out the original delay denied")
	}
}

func TestRateLimitCooldown(t *testing.T) {
	l, clock := newTestLimiter()
	ip := "10.0.0.4"

	l.Check(ip)
	clock.advance(10 * time.Second)
	l.Check(ip) // count=2, next delay 30s

	clock.advance(rateLimitCooldown + time.Second)
	if allowed, _ := l.Check(ip); !allowed {
		t.Fatal("attempt after cooldown denied")
	}
	// Counter restarted: the next delay is back to 10s, not 60s.
	clock.advance(10 * time.Second)
	if allowed, _ := l.Check(ip); !allowed {
		t.Error("post-cooldown counter did not restart from 1")
	}
}

func TestRateLimitReset(t *testing.T) {
	l, _ := newTestLimiter()
	ip := "10.0.0.5"

	l.Check(ip)
	l.Reset(ip)
	if allowed, _ := l.Check(ip); !allowed {
		t.Error("attempt after reset denied")
	}
}

func TestRateLimitPerIPIsolation(t *testing.T) {
	l, _ := newTestLimiter()

	l.Check("10.0.0.6")
	if allowed, _ := l.Check("10.0.0.7"); !allowed {
		t.Error("different IP affected by another client's counter")
	}
}
