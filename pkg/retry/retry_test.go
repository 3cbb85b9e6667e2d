package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects requested waits without sleeping
type recorder []time.Duration

func (r *recorder) sleep(ctx context.Context, d time.Duration) error {
	*r = append(*r, d)
	return ctx.Err()
}

// failing returns an fn that fails until it has been called n times
func failing(n int, calls *int) func() error {
	return func() error {
		*calls++
		if *calls <= n {
			return errors.New("unavailable")
		}
		return nil
	}
}

func TestDo_Schedules(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		failures  int
		wantCalls int
		wantErr   bool
		want      []time.Duration
	}{
		{
			name:      "succeeds on third attempt",
			cfg:       Config{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond},
			failures:  2,
			wantCalls: 3,
			want:      []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
		},
		{
			name:      "runs out of attempts",
			cfg:       Config{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond},
			failures:  10,
			wantCalls: 3,
			wantErr:   true,
			want:      []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
		},
		{
			name:      "remote call schedule is capped",
			cfg:       Backoff(6, time.Second, 10*time.Second),
			failures:  10,
			wantCalls: 7,
			wantErr:   true,
			want: []time.Duration{
				time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second,
			},
		},
		{
			name:      "zero retries never sleeps",
			cfg:       Backoff(0, time.Second, 10*time.Second),
			failures:  10,
			wantCalls: 1,
			wantErr:   true,
		},
		{
			name:      "zero attempts still runs once",
			cfg:       Config{},
			failures:  10,
			wantCalls: 1,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rec recorder
			tt.cfg.Sleep = rec.sleep

			calls := 0
			err := Do(context.Background(), tt.cfg, failing(tt.failures, &calls))

			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, tt.want, []time.Duration(rec))
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "failed after")
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestDo_WrapsLastError(t *testing.T) {
	var rec recorder
	last := errors.New("still down")

	err := Do(context.Background(), Config{MaxAttempts: 2, Sleep: rec.sleep}, func() error { return last })
	require.Error(t, err)
	assert.ErrorIs(t, err, last)
	assert.Contains(t, err.Error(), "failed after 2 attempts")
}

func TestDo_NonRetryable(t *testing.T) {
	var rec recorder
	calls := 0

	err := Do(context.Background(), Config{MaxAttempts: 5, Sleep: rec.sleep}, func() error {
		calls++
		return NonRetryable(errors.New("permission denied"))
	})

	require.Error(t, err)
	assert.True(t, IsNonRetryable(err))
	assert.Equal(t, "non-retryable: permission denied", err.Error())
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec)
	assert.NoError(t, NonRetryable(nil))
}

func TestDo_OnRetry(t *testing.T) {
	var rec recorder
	var seen []int
	cfg := Backoff(3, time.Second, 10*time.Second)
	cfg.Sleep = rec.sleep
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		seen = append(seen, attempt)
		assert.Equal(t, cfg.Delay(attempt-1), delay)
		assert.Error(t, err)
	}

	_ = Do(context.Background(), cfg, func() error { return errors.New("unavailable") })
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	calls := 0
	err := Do(ctx, Config{MaxAttempts: 5, InitialDelay: 200 * time.Millisecond, MaxDelay: time.Second}, func() error {
		calls++
		return errors.New("unavailable")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_Jitter(t *testing.T) {
	var rec recorder
	cfg := Config{MaxAttempts: 4, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, AddJitter: true, Sleep: rec.sleep}

	_ = Do(context.Background(), cfg, func() error { return errors.New("unavailable") })

	require.Len(t, rec, 3)
	for i, got := range rec {
		base := cfg.Delay(i)
		assert.GreaterOrEqual(t, got, base)
		assert.Less(t, got, base+base/4)
	}
}

func TestDo_InvalidConfig(t *testing.T) {
	noop := func() error { return nil }

	assert.Error(t, Do(context.Background(), Config{InitialDelay: time.Second, MaxDelay: time.Millisecond}, noop))
	assert.Error(t, Do(context.Background(), Config{InitialDelay: -time.Second}, noop))
	assert.Error(t, Do(context.Background(), Config{Multiplier: -2}, noop))
}

func TestDoWithResult(t *testing.T) {
	var rec recorder
	calls := 0

	got, err := DoWithResult(context.Background(), Config{MaxAttempts: 3, Sleep: rec.sleep}, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("not ready")
		}
		return "pong", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "pong", got)
	assert.Equal(t, 3, calls)
}

func TestConfig_Delay(t *testing.T) {
	cfg := Backoff(3, time.Second, 10*time.Second)
	assert.Equal(t, time.Second, cfg.Delay(0))
	assert.Equal(t, 2*time.Second, cfg.Delay(1))
	assert.Equal(t, 8*time.Second, cfg.Delay(3))
	assert.Equal(t, 10*time.Second, cfg.Delay(4))
	assert.Equal(t, 10*time.Second, cfg.Delay(40))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialDelay)
	assert.True(t, cfg.AddJitter)
}
