// Package backoff provides exponential backoff with jitter for transient
// failures, primarily network fetches during registry source loads.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy parameterizes the exponential backoff curve.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max caps the delay between attempts.
	Max time.Duration

	// Factor multiplies the delay after each attempt.
	Factor float64

	// Jitter randomizes the delay by up to this fraction (0.0 to 1.0).
	Jitter float64
}

// DefaultPolicy covers typical HTTP fetch retries: 250ms initial, 10s cap.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 250 * time.Millisecond,
		Max:     10 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Delay computes the backoff for an attempt. Attempts are 1-indexed.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter needs no cryptographic randomness
}

func (p Policy) delayWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*random
	return time.Duration(math.Min(float64(p.Max), total))
}

// Sleep blocks for the attempt's delay or until the context is done.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs fn up to maxAttempts times, sleeping per the policy between
// failures. The last error is returned once attempts are exhausted.
func Retry[T any](ctx context.Context, policy Policy, maxAttempts int, fn func(attempt int) (T, error)) (T, error) {
	var (
		value   T
		lastErr error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return value, err
		}
		value, lastErr = fn(attempt)
		if lastErr == nil {
			return value, nil
		}
		if attempt < maxAttempts {
			if err := policy.Sleep(ctx, attempt); err != nil {
				return value, err
			}
		}
	}
	return value, lastErr
}
