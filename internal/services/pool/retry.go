package pool

import (
	"context"
	"math"
	"time"
)

// RetryPolicy defines launch retry behaviour with exponential backoff
type RetryPolicy struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// NewRetryPolicy creates the default launch policy: 3 retries after 1s, 2s, 4s
func NewRetryPolicy(maxRetries int, initial time.Duration) *RetryPolicy {
	if initial <= 0 {
		initial = time.Second
	}
	return &RetryPolicy{
		MaxRetries:        maxRetries,
		InitialBackoff:    initial,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Backoff returns the wait before retry n (0-based)
func (p *RetryPolicy) Backoff(retry int) time.Duration {
	backoff := float64(p.InitialBackoff) * math.Pow(p.BackoffMultiplier, float64(retry))
	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}
	return time.Duration(backoff)
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
