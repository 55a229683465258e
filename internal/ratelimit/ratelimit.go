// Package ratelimit provides the token bucket gating calls into the SMS
// gateway. One bucket is shared by every worker in the process.
package ratelimit

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
)

// Bucket is a token bucket with burst capacity and a steady refill rate.
// Acquire blocks the calling worker until a token is available; refill is
// computed lazily from elapsed wall-clock time, so there is no background
// timer.
type Bucket struct {
	limiter  *rate.Limiter
	capacity int
}

// New returns a bucket holding capacity tokens, refilled at perSecond
// tokens per second. The bucket starts full.
func New(capacity int, perSecond float64) (*Bucket, error) {
	if capacity <= 0 {
		return nil, errors.New("capacity must be > 0")
	}
	if perSecond <= 0 {
		return nil, errors.New("refill rate must be > 0")
	}
	return &Bucket{
		limiter:  rate.NewLimiter(rate.Limit(perSecond), capacity),
		capacity: capacity,
	}, nil
}

// Acquire debits one token, blocking until one is available or ctx is done.
func (b *Bucket) Acquire(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// Tokens returns the current, possibly fractional, token count without
// consuming anything. Observability only.
func (b *Bucket) Tokens() float64 {
	t := b.limiter.Tokens()
	if t < 0 {
		return 0
	}
	if t > float64(b.capacity) {
		return float64(b.capacity)
	}
	return t
}

// Capacity returns the configured burst capacity.
func (b *Bucket) Capacity() int {
	return b.capacity
}
