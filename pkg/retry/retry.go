package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// NonRetryableError marks a failure that ends the retry loop at once
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return "non-retryable: " + e.Err.Error()
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable marks err so Do returns it without another attempt. nil stays nil.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err carries the NonRetryable mark
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config describes an exponential backoff schedule
type Config struct {
	// MaxAttempts counts the first try; zero or less still runs once
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// AddJitter stretches each wait by up to a quarter
	AddJitter bool

	// Sleep replaces the timer; tests use it to record delays
	Sleep SleepFunc
	// OnRetry sees the failed attempt (1-based) and the wait that follows it
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultConfig is three jittered attempts starting at 100ms
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		AddJitter:    true,
	}
}

// Backoff is the exact schedule for remote calls: maxRetries retries after the first
// attempt, waiting min(base*2^k, max) after failure k (0-based).
func Backoff(maxRetries int, base, max time.Duration) Config {
	return Config{
		MaxAttempts:  maxRetries + 1,
		InitialDelay: base,
		MaxDelay:     max,
		Multiplier:   2,
	}
}

// Delay returns the wait after failure k (0-based), without jitter
func (cfg Config) Delay(k int) time.Duration {
	d := cfg.InitialDelay
	for ; k > 0 && d < cfg.MaxDelay; k-- {
		d = cfg.grow(d)
	}
	return min(d, cfg.MaxDelay)
}

func (cfg Config) grow(d time.Duration) time.Duration {
	next := float64(d) * cfg.Multiplier
	if next >= float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(next)
}

// normalized fills zero fields with defaults and rejects impossible schedules
func (cfg Config) normalized() (Config, error) {
	if cfg.InitialDelay < 0 || cfg.MaxDelay < 0 || cfg.Multiplier < 0 {
		return cfg, errors.New("retry: delays and multiplier must not be negative")
	}

	def := DefaultConfig()
	cfg.MaxAttempts = max(cfg.MaxAttempts, 1)
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = def.Multiplier
	}
	cfg.Multiplier = min(cfg.Multiplier, 1000)
	if cfg.MaxDelay < cfg.InitialDelay {
		return cfg, errors.New("retry: MaxDelay must be >= InitialDelay")
	}
	if cfg.Sleep == nil {
		cfg.Sleep = timerSleep
	}
	return cfg, nil
}

func (cfg Config) jittered(d time.Duration) time.Duration {
	if !cfg.AddJitter || d < 4 {
		return d
	}
	return d + rand.N(d/4)
}

func timerSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn until it succeeds, returns a NonRetryable error, ctx ends or the attempts run
// out. The last failure is wrapped in the returned error.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg, err := cfg.normalized()
	if err != nil {
		return err
	}

	delay := cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		switch {
		case err == nil:
			return nil
		case IsNonRetryable(err):
			return err
		case ctx.Err() != nil:
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt+1, ctx.Err())
		case attempt >= cfg.MaxAttempts:
			return fmt.Errorf("retry failed after %d attempts: %w", attempt, err)
		}

		wait := cfg.jittered(delay)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, wait, err)
		}
		if serr := cfg.Sleep(ctx, wait); serr != nil {
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, serr)
		}
		delay = cfg.grow(delay)
	}
}

// DoWithResult is Do for functions that produce a value
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}
