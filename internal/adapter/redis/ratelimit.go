package redis

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"mediaflow/internal/domain"
)

// Endpoint classes with distinct admission policies.
const (
	ClassInfo     = "info"
	ClassDownload = "download"
	ClassStatus   = "status"
)

// Policy is a fixed admission window for one endpoint class.
type Policy struct {
	Window time.Duration
	Limit  int64
}

// DefaultPolicies mirrors the per-endpoint limits of the public API.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		ClassInfo:     {Window: time.Minute, Limit: 30},
		ClassDownload: {Window: 5 * time.Minute, Limit: 5},
		ClassStatus:   {Window: time.Minute, Limit: 60},
	}
}

// Limiter implements domain.RateLimiter with fixed per-window counters.
// With a Redis client the counters are shared, so the per-key limit holds
// across all process instances; without one it degrades to per-process
// counting.
type Limiter struct {
	client   *redis.Client
	policies map[string]Policy
	now      func() time.Time

	mu        sync.Mutex
	counts    map[string]memCount
	lastSweep time.Time
}

// memCount is one in-memory window counter. expires marks the end of the
// window the key belongs to; the counter must survive until then.
type memCount struct {
	n       int64
	expires time.Time
}

// NewLimiter creates a rate limiter. client may be nil.
func NewLimiter(client *redis.Client, policies map[string]Policy) *Limiter {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Limiter{
		client:   client,
		policies: policies,
		now:      time.Now,
		counts:   make(map[string]memCount),
	}
}

// Allow admits or denies one request for the given class and client key.
// Unknown classes are admitted. Backend errors fall back to in-memory
// counting rather than denying service.
func (l *Limiter) Allow(ctx context.Context, class string, clientKey string) domain.Decision {
	policy, ok := l.policies[class]
	if !ok || policy.Limit <= 0 {
		return domain.Decision{Allowed: true}
	}

	now := l.now()
	windowStart := now.Truncate(policy.Window)
	windowEnd := windowStart.Add(policy.Window)
	key := fmt.Sprintf("ratelimit:%s:%s:%d", class, clientKey, windowStart.Unix())
	retryAfter := windowEnd.Sub(now)

	if l.client != nil {
		ctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		n, err := l.client.Incr(ctx, key).Result()
		if err != nil {
			log.Printf("ratelimit: incr %s: %v", key, err)
			return l.allowInMem(key, policy, retryAfter, windowEnd)
		}
		if n == 1 {
			// Expire a little past the window so late readers still see it.
			_ = l.client.Expire(ctx, key, policy.Window+5*time.Second).Err()
		}
		return decision(n, policy, retryAfter)
	}
	return l.allowInMem(key, policy, retryAfter, windowEnd)
}

func (l *Limiter) allowInMem(key string, policy Policy, retryAfter time.Duration, expires time.Time) domain.Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	// Stale counters are dead weight, but a counter whose window is still
	// open must survive the sweep or the limit resets mid-window.
	if now.Sub(l.lastSweep) > 10*time.Minute {
		for k, c := range l.counts {
			if !c.expires.After(now) {
				delete(l.counts, k)
			}
		}
		l.lastSweep = now
	}
	c := l.counts[key]
	if c.expires.IsZero() {
		c.expires = expires
	}
	c.n++
	l.counts[key] = c
	return decision(c.n, policy, retryAfter)
}

func decision(n int64, policy Policy, retryAfter time.Duration) domain.Decision {
	if n <= policy.Limit {
		return domain.Decision{Allowed: true}
	}
	return domain.Decision{Allowed: false, RetryAfter: retryAfter}
}

// ClientIP extracts the client identity from proxy headers or RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return strings.TrimSpace(rip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
