package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errFlaky = errors.New("flaky")

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

// TestDoSucceedsAfterRetries tests that transient errors are retried.
func TestDoSucceedsAfterRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	res, err := Do(context.Background(), fastConfig(4), func(_ context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errFlaky
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if res.Attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d, calls = %d, expected 3", res.Attempts, calls)
	}
}

// TestDoExhaustsAttempts tests that the last error is returned after all attempts.
func TestDoExhaustsAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	res, err := Do(context.Background(), fastConfig(4), func(context.Context, int) error {
		calls++
		return errFlaky
	})
	if !errors.Is(err, errFlaky) {
		t.Errorf("expected errFlaky, got %v", err)
	}
	if res.Attempts != 4 || calls != 4 {
		t.Errorf("attempts = %d, calls = %d, expected 4", res.Attempts, calls)
	}
}

// TestDoPermanent tests that permanent errors stop the loop.
func TestDoPermanent(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := Do(context.Background(), fastConfig(4), func(context.Context, int) error {
		calls++
		return Permanent(errFlaky)
	})
	if !errors.Is(err, errFlaky) {
		t.Errorf("expected errFlaky, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, expected 1", calls)
	}
}

// TestDoCancelled tests that a cancelled context stops the loop.
func TestDoCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Do(ctx, fastConfig(4), func(context.Context, int) error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, expected 0", calls)
	}
}

// TestConfigValidate tests configuration validation.
func TestConfigValidate(t *testing.T) {
	t.Parallel()

	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() error: %v", err)
	}

	testCases := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }},
		{"max below initial", func(c *Config) { c.MaxBackoff = 0 }},
		{"shrinking factor", func(c *Config) { c.BackoffFactor = 0.5 }},
		{"jitter above one", func(c *Config) { c.JitterFactor = 2 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tc.modify(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

// TestNextBackoff tests the backoff cap.
func TestNextBackoff(t *testing.T) {
	t.Parallel()

	if got := nextBackoff(time.Second, 2, 3*time.Second); got != 2*time.Second {
		t.Errorf("nextBackoff() = %v", got)
	}
	if got := nextBackoff(2*time.Second, 2, 3*time.Second); got != 3*time.Second {
		t.Errorf("nextBackoff() = %v", got)
	}
	if got := withJitter(time.Second, 0); got != time.Second {
		t.Errorf("withJitter() = %v", got)
	}
}
