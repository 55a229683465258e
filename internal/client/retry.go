package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lcwong/smspanel/internal/ratelimit"
)

// RetryPolicy bounds how a failed gateway call is attempted again: at most
// MaxAttempts tries, with the delay doubling from BaseDelay up to MaxDelay
// between them.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Backoff returns the sleep before the given attempt (1-based). Attempt 1
// has no delay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := p.BaseDelay
	for i := 2; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// SendError is the terminal failure of a delivery: every allowed attempt
// was used up (or the error was not retryable). It is the condition that
// triggers dead-lettering.
type SendError struct {
	Attempts int
	LastErr  error
	Raw      string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed after %d attempt(s): %v", e.Attempts, e.LastErr)
}

func (e *SendError) Unwrap() error {
	return e.LastErr
}

// Client wraps a Gateway with rate limiting and bounded retry. Every
// attempt, successful or not, acquires a rate-limiter token before the
// network call.
type Client struct {
	gateway Gateway
	bucket  *ratelimit.Bucket
	policy  RetryPolicy
	sleep   func(time.Duration)
}

func New(gateway Gateway, bucket *ratelimit.Bucket, policy RetryPolicy) *Client {
	return &Client{
		gateway: gateway,
		bucket:  bucket,
		policy:  policy,
		sleep:   time.Sleep,
	}
}

// Send delivers one message to one phone number. A *SendError return means
// the delivery is terminally failed and should be dead-lettered.
func (c *Client) Send(ctx context.Context, phone, content string) (string, error) {
	if !ValidPhone(phone) {
		return "", &SendError{
			Attempts: 0,
			LastErr:  &GatewayError{Message: fmt.Sprintf("invalid phone number: %q", phone), Retryable: false},
		}
	}

	var lastErr error
	var lastRaw string

	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if d := c.policy.Backoff(attempt); d > 0 {
			c.sleep(d)
		}

		if err := c.bucket.Acquire(ctx); err != nil {
			return "", &SendError{Attempts: attempt, LastErr: err}
		}

		raw, err := c.gateway.Send(ctx, phone, content)
		if err == nil {
			return raw, nil
		}
		lastErr = err

		var gwErr *GatewayError
		if errors.As(err, &gwErr) {
			lastRaw = gwErr.Raw
			if !gwErr.Retryable {
				return "", &SendError{Attempts: attempt, LastErr: err, Raw: lastRaw}
			}
		}

		slog.Warn("gateway attempt failed",
			"phone", phone,
			"attempt", attempt,
			"max_attempts", c.policy.MaxAttempts,
			"error", err,
		)
	}

	return "", &SendError{Attempts: c.policy.MaxAttempts, LastErr: lastErr, Raw: lastRaw}
}
