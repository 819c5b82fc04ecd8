package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimiter interface {
	Wait(ctx context.Context) error
}

// Limiter spaces out browser navigations: a token bucket bounds the overall
// rate and a random jitter keeps the request pattern irregular.
type Limiter struct {
	bucket   *rate.Limiter
	minDelay time.Duration
	maxDelay time.Duration
	mu       sync.Mutex
	rnd      *rand.Rand
}

func New(perSecond float64, burst int, minDelay, maxDelay time.Duration) *Limiter {
	if burst < 1 {
		burst = 1
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}

	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}

	return &Limiter{
		bucket:   rate.NewLimiter(limit, burst),
		minDelay: minDelay,
		maxDelay: maxDelay,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.bucket.Wait(ctx); err != nil {
		return err
	}

	delay := l.calculateDelay()
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Limiter) calculateDelay() time.Duration {
	if l.minDelay == l.maxDelay {
		return l.minDelay
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	delta := l.maxDelay - l.minDelay
	return l.minDelay + time.Duration(l.rnd.Int63n(int64(delta)))
}

// Noop never waits.
type Noop struct{}

func (Noop) Wait(ctx context.Context) error {
	return ctx.Err()
}
