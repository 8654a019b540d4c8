// Package ratelimit provides per-host request throttling for outbound
// provider traffic.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// HostLimiter throttles requests independently per external host. Buckets
// are created lazily on first acquisition; all concurrent callers targeting
// the same host share one bucket. Two independent instances exist in the
// pipeline because the two provider families sustain different rates.
type HostLimiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

// NewHostLimiter creates a limiter that grants rps tokens per second per
// host with a burst capacity of burst tokens.
func NewHostLimiter(rps float64, burst int) *HostLimiter {
	if burst < 1 {
		burst = 1
	}
	return &HostLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Acquire blocks until one token is available for host, then consumes it.
// It returns early only when ctx is cancelled.
func (l *HostLimiter) Acquire(ctx context.Context, host string) error {
	return l.AcquireN(ctx, host, 1)
}

// AcquireN blocks until n tokens are available for host.
func (l *HostLimiter) AcquireN(ctx context.Context, host string, n int) error {
	return l.bucket(host).WaitN(ctx, n)
}

func (l *HostLimiter) bucket(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[host]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[host] = b
	}
	return b
}
