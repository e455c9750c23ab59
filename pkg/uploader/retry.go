package uploader

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the attempts made for a single part.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the wait after the first failure.
	BaseDelay time.Duration
	// Multiplier scales the wait after each further failure.
	Multiplier float64
}

// DefaultRetryPolicy makes 3 attempts with waits of 500ms then 1s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	return p
}

// newBackOff returns a jitter-free exponential schedule capped at
// MaxAttempts-1 retries and bound to ctx.
func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	p = p.normalized()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
}

// do runs op until it succeeds, returns a permanent error, or the policy is
// exhausted. timer may be nil to use real time.
func (p RetryPolicy) do(ctx context.Context, timer backoff.Timer, op backoff.Operation, notify backoff.Notify) error {
	return backoff.RetryNotifyWithTimer(op, p.newBackOff(ctx), notify, timer)
}
