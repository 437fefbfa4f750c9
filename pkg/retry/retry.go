package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Config controls how many times an operation is attempted and how long to
// wait between attempts.
type Config struct {
	Enabled      bool
	MaxAttempts  int // total attempts, including the first
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is the +/- fraction applied to each delay, in [0, 1].
	Jitter float64

	// ShouldRetry decides whether a failed attempt is worth repeating. Nil
	// retries every error that is not marked Permanent.
	ShouldRetry func(error) bool
}

// DefaultConfig returns the default retry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so that Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is done. The last error is returned wrapped so errors.Is
// still matches it.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a result.
func DoValue[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if !cfg.Enabled || cfg.MaxAttempts <= 1 {
		v, err := fn(ctx)
		return v, unwrapPermanent(err)
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(cfg.Backoff(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("retry cancelled after %d attempts: %w", attempt, errors.Join(ctx.Err(), lastErr))
			case <-timer.C:
			}
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !cfg.retryable(err) {
			return zero, unwrapPermanent(err)
		}
		if ctx.Err() != nil {
			return zero, err
		}
	}

	return zero, fmt.Errorf("gave up after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// Backoff returns the delay before retry number n (0-based).
func (c Config) Backoff(n int) time.Duration {
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(c.InitialDelay) * math.Pow(mult, float64(n))
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if c.Jitter > 0 {
		j := math.Min(c.Jitter, 1)
		delay *= 1 + j*(2*rand.Float64()-1)
	}
	return time.Duration(delay)
}

func (c Config) retryable(err error) bool {
	if IsPermanent(err) {
		return false
	}
	if c.ShouldRetry != nil {
		return c.ShouldRetry(err)
	}
	return true
}

func unwrapPermanent(err error) error {
	var p *permanentError
	if errors.As(err, &p) {
		return p.err
	}
	return err
}
