package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limiter wraps rate.Limiter with a name for logging/debugging.
type Limiter struct {
	limiter *rate.Limiter
	name    string
}

// New creates a new rate limiter with the given requests per second.
// The burst size equals the rate rounded up, allowing short bursts up to the rate limit.
func New(name string, requestsPerSecond float64) *Limiter {
	burst := int(requestsPerSecond)
	if float64(burst) < requestsPerSecond || burst < 1 {
		burst++
	}
	return NewWithBurst(name, requestsPerSecond, burst)
}

// NewWithBurst creates a new rate limiter with custom burst size.
// Tokens accumulate up to burst and replenish at requestsPerSecond.
func NewWithBurst(name string, requestsPerSecond float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		name:    name,
	}
}

// Unlimited returns a limiter that never blocks. Used in tests and for local endpoints.
func Unlimited(name string) *Limiter {
	return &Limiter{
		limiter: rate.NewLimiter(rate.Inf, 1),
		name:    name,
	}
}

// Wait blocks until the rate limiter allows a request to proceed.
// Returns an error if the context is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", l.name, err)
	}
	return nil
}

// Allow reports whether a request can proceed without blocking.
// Use this for non-blocking checks; prefer Wait for most cases.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// Burst returns the maximum number of tokens that can accumulate.
func (l *Limiter) Burst() int {
	return l.limiter.Burst()
}

// Name returns the name of this rate limiter.
func (l *Limiter) Name() string {
	return l.name
}
