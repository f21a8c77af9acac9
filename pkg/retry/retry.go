package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy is a reusable bounded-exponential-backoff policy injected into every
// source-adapter call site instead of per-call retry loops.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fraction of the delay randomized, 0..1
}

// Default mirrors the batch contract: 3 attempts, 500ms base, 5s cap.
func Default() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: 0.2}
}

// Retryable lets callers restrict which errors are worth another attempt.
type Retryable func(error) bool

// Do runs fn up to MaxAttempts times, sleeping between attempts. It returns
// the last error when all attempts fail, and respects ctx cancellation
// between attempts.
func (p Policy) Do(ctx context.Context, fn func() error, retryable Retryable) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.delay(i)):
		}
	}
	return err
}

func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 {
		j := float64(d) * p.Jitter
		d = time.Duration(float64(d) - j/2 + rand.Float64()*j)
	}
	return d
}
