// Package ratelimit provides per-key token bucket limiters.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
	"github.com/vikashloomba/mcphub-go/pkg/metrics"
)

// Limiter holds one token bucket per key. Buckets that have not been used
// for a while can be dropped with Purge.
type Limiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	now     func() time.Time
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New returns a Limiter allowing rps events per second per key with the
// given burst. A non-positive rps disables limiting.
func New(rps float64, burst int) *Limiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limit:   limit,
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether an event for key may happen now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()
	return b.limiter.AllowN(now, 1)
}

// Check is Allow returning a RateLimitedError when the event is rejected.
func (l *Limiter) Check(key, op string) error {
	if l.Allow(key) {
		return nil
	}
	metrics.RateLimitedTotal.Inc()
	return &mcperr.Error{Kind: mcperr.KindRateLimited, Op: op, ServerID: key, Message: "rate limit exceeded for " + key}
}

// Purge drops buckets idle for longer than maxIdle and returns how many
// were removed.
func (l *Limiter) Purge(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-maxIdle)
	removed := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
