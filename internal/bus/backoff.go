package bus

import (
	"context"
	"time"
)

// Backoff computes capped exponential retry delays.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff matches the transient-error policy: quick first retry,
// capped growth.
var DefaultBackoff = Backoff{Base: 200 * time.Millisecond, Max: 5 * time.Second}

// Duration returns the delay before retry attempt (1-based).
func (b Backoff) Duration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Retry runs op up to attempts times, sleeping per the backoff between
// failures. Returns the last error, or ctx.Err() when cancelled mid-wait.
func Retry(ctx context.Context, attempts int, b Backoff, op func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-time.After(b.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
