package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ramiqadoumi/stageflow/internal/domain"
)

// Config controls retry behaviour.
type Config struct {
	// MaxAttempts is the total number of calls including the first attempt.
	MaxAttempts int
	// BaseDelay is the first wait; each following wait doubles.
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration
	// OnRetry is called after a failed attempt and before the next delay.
	// attempt is 1-indexed (1 = first attempt just failed).
	OnRetry func(attempt int, err error)
}

// Backoff returns the wait before retry number attempt: base * 2^attempt, capped at max.
//
// With base=1s, max=30s:
//
//	attempt 1 → 2s
//	attempt 2 → 4s
//	attempt 5 → 30s (capped)
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
		if d <= 0 { // overflow
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Do calls fn up to cfg.MaxAttempts times with exponential backoff between attempts.
// Errors wrapped with domain.Permanent stop the loop immediately.
//
// Returns nil on first success, the last error after all attempts, or the context
// error if ctx is cancelled while waiting.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.BaseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	if cfg.MaxDelay > 0 {
		eb.MaxInterval = cfg.MaxDelay
	} else {
		eb.MaxInterval = time.Duration(1<<63 - 1)
	}
	eb.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(cfg.MaxAttempts-1)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := fn()
		var perm *domain.PermanentError
		if errors.As(err, &perm) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, _ time.Duration) {
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
	}
	return backoff.RetryNotify(op, policy, notify)
}
