package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Policy is the queue-wide backoff schedule. Every deferred retry, whether it
// comes from a transient error, a hook delivery failure or an engine
// shutdown, derives its delay from the same Policy.
type Policy struct {
	// Base is the delay for the first attempt. Delay = Base * attempt².
	Base time.Duration
	// Max caps the delay. Zero means no cap.
	Max time.Duration
}

// DefaultPolicy waits one minute after the first attempt and at most an hour.
var DefaultPolicy = Policy{Base: time.Minute, Max: time.Hour}

// Backoff returns how long to wait before the next attempt, given how many
// attempts have already been made. attempt < 1 is treated as 1.
//
// With Base=1m:
//
//	attempt 1 → 1m
//	attempt 2 → 4m
//	attempt 3 → 9m
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	n := int64(attempt)
	if p.Base > 0 && n > 0 && n > math.MaxInt64/n/int64(p.Base) {
		if p.Max > 0 {
			return p.Max
		}
		return time.Duration(math.MaxInt64)
	}
	d := p.Base * time.Duration(n*n)
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Backoff applies DefaultPolicy.
func Backoff(attempt int) time.Duration { return DefaultPolicy.Backoff(attempt) }

// Config controls in-process retry behaviour.
type Config struct {
	// MaxAttempts is the total number of calls including the first attempt.
	MaxAttempts int
	// BaseDelay is the base for the wait schedule. Wait = BaseDelay * attempt².
	BaseDelay time.Duration
	// OnRetry is called after a failed attempt and before the next delay.
	// attempt is 1-indexed (1 = first attempt just failed).
	OnRetry func(attempt int, err error)
}

// Do calls fn up to cfg.MaxAttempts times, sleeping between attempts on the
// same schedule as Policy.Backoff.
//
// Returns nil on first success, or the last error after all attempts.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	p := Policy{Base: cfg.BaseDelay}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		select {
		case <-time.After(p.Backoff(attempt)):
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
	}
	return lastErr
}
