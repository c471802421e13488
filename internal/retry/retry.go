// Package retry runs remote calls with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid retry configuration")

// Config configures retry behavior with exponential backoff.
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first one.
	MaxAttempts int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between retries.
	MaxBackoff time.Duration

	// BackoffFactor multiplies the wait after every retry.
	BackoffFactor float64

	// JitterFactor is the maximum jitter as a fraction of the wait (0-1).
	JitterFactor float64
}

// DefaultConfig returns the retry settings used for lookup requests.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    4,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return ErrInvalidConfig
	case c.InitialBackoff < 0:
		return ErrInvalidConfig
	case c.MaxBackoff < c.InitialBackoff:
		return ErrInvalidConfig
	case c.BackoffFactor < 1.0:
		return ErrInvalidConfig
	case c.JitterFactor < 0 || c.JitterFactor > 1:
		return ErrInvalidConfig
	}
	return nil
}

// Result describes a finished retry loop.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int

	// TotalDuration includes the time spent waiting.
	TotalDuration time.Duration
}

// Func is one attempt. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether err should trigger another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var p *permanentError
	return !errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done. The returned error is the last one fn gave,
// or the context error.
func Do(ctx context.Context, cfg Config, fn Func) (Result, error) {
	start := time.Now()
	res := Result{}
	backoff := cfg.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt

		if err := ctx.Err(); err != nil {
			res.TotalDuration = time.Since(start)
			return res, err
		}

		err := fn(ctx, attempt)
		if err == nil {
			res.TotalDuration = time.Since(start)
			return res, nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(withJitter(backoff, cfg.JitterFactor))
		select {
		case <-ctx.Done():
			timer.Stop()
			res.TotalDuration = time.Since(start)
			return res, ctx.Err()
		case <-timer.C:
		}
		backoff = nextBackoff(backoff, cfg.BackoffFactor, cfg.MaxBackoff)
	}

	res.TotalDuration = time.Since(start)
	return res, lastErr
}

// withJitter spreads base over [base*(1-jitter), base*(1+jitter)].
func withJitter(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || base <= 0 {
		return base
	}
	m := 1.0 + (rand.Float64()*2-1)*jitter //nolint:gosec // jitter does not need a secure source
	return time.Duration(float64(base) * m)
}

func nextBackoff(current time.Duration, factor float64, limit time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > limit {
		return limit
	}
	return next
}
