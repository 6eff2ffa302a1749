// Package ratelimit gates outbound requests with a token bucket per key.
package ratelimit

import (
	"context"
	"math"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per logical key (for example an organization).
type Limiter struct {
	capacity int
	refill   rate.Limit

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New creates a limiter whose buckets hold capacity tokens and refill at
// refillPerSecond. A non-positive refill rate disables limiting.
func New(capacity int, refillPerSecond float64) *Limiter {
	limit := rate.Limit(refillPerSecond)
	if refillPerSecond <= 0 {
		limit = rate.Inf
	}
	return &Limiter{
		capacity: max(capacity, 1),
		refill:   limit,
		buckets:  make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.refill, l.capacity)
		l.buckets[key] = b
	}
	return b
}

// Throttle blocks until a token for key is available or ctx is done.
func (l *Limiter) Throttle(ctx context.Context, key string) error {
	if l == nil {
		return nil
	}
	return l.bucket(key).Wait(ctx)
}

// Available reports the tokens currently in key's bucket. A nil limiter
// never runs dry.
func (l *Limiter) Available(key string) float64 {
	if l == nil {
		return math.Inf(1)
	}
	return l.bucket(key).Tokens()
}
