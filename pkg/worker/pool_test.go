package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cloudkit/metric"
)

func TestNewPool(t *testing.T) {
	pool := NewPool[int](4, 0, func(context.Context, int) error { return nil })

	stats := pool.Stats()
	assert.Equal(t, 4, stats.Workers)
	assert.Equal(t, 4, stats.QueueSize, "queue size defaults to the worker count")
}

func TestNewPool_NilProcessor(t *testing.T) {
	assert.PanicsWithValue(t, ErrNilProcessor, func() {
		NewPool[int](1, 1, nil)
	})
}

func TestPool_Lifecycle(t *testing.T) {
	pool := NewPool[int](2, 10, func(context.Context, int) error { return nil })

	assert.ErrorIs(t, pool.Submit(1), ErrPoolNotStarted)

	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)

	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit(1), ErrPoolStopped)
	assert.ErrorIs(t, pool.SubmitWait(context.Background(), 1), ErrPoolStopped)

	// Stopping twice is a no-op
	assert.NoError(t, pool.Stop(time.Second))
}

func TestPool_ProcessesAllQueuedWorkOnStop(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool[int](2, 100, func(context.Context, int) error {
		processed.Add(1)
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 50; i++ {
		require.NoError(t, pool.SubmitWait(context.Background(), i))
	}

	require.NoError(t, pool.Stop(5*time.Second))
	assert.Equal(t, int64(50), processed.Load())
	assert.Equal(t, int64(50), pool.Stats().Processed)
}

func TestPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool[int](1, 1, func(context.Context, int) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	defer func() {
		close(release)
		_ = pool.Stop(time.Second)
	}()

	require.NoError(t, pool.Submit(1))
	// Wait for the single worker to pick up the first item
	require.Eventually(t, func() bool { return pool.Stats().Active == 1 }, time.Second, time.Millisecond)
	require.NoError(t, pool.Submit(2))

	assert.ErrorIs(t, pool.Submit(3), ErrQueueFull)
	assert.Equal(t, int64(1), pool.Stats().Dropped)
}

func TestPool_SubmitWaitRespectsContext(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool[int](1, 1, func(context.Context, int) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	defer func() {
		close(release)
		_ = pool.Stop(time.Second)
	}()

	require.NoError(t, pool.Submit(1))
	require.Eventually(t, func() bool { return pool.Stats().Active == 1 }, time.Second, time.Millisecond)
	require.NoError(t, pool.Submit(2))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.SubmitWait(ctx, 3), context.DeadlineExceeded)
}

func TestPool_BoundsConcurrency(t *testing.T) {
	const workers = 3
	var current, peak atomic.Int64
	var wg sync.WaitGroup

	pool := NewPool[int](workers, 100, func(context.Context, int) error {
		defer wg.Done()
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	wg.Add(30)
	for i := 0; i < 30; i++ {
		require.NoError(t, pool.SubmitWait(context.Background(), i))
	}
	wg.Wait()
	require.NoError(t, pool.Stop(time.Second))

	assert.LessOrEqual(t, peak.Load(), int64(workers))
}

func TestPool_ProcessingErrors(t *testing.T) {
	pool := NewPool[int](2, 10, func(_ context.Context, n int) error {
		if n%2 == 0 {
			return errors.New("even")
		}
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.SubmitWait(context.Background(), i))
	}
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Processed)
	assert.Equal(t, int64(5), stats.Failed)
}

func TestPool_MetricsRegisteredAndReleased(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	pool := NewPool[int](1, 1, func(context.Context, int) error { return nil },
		WithMetricsRegistry[int](registry, "test_pool"))
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.SubmitWait(context.Background(), 1))
	require.NoError(t, pool.Stop(time.Second))

	// Metrics were released, so the prefix can be reused
	again := NewPool[int](1, 1, func(context.Context, int) error { return nil },
		WithMetricsRegistry[int](registry, "test_pool"))
	assert.NotNil(t, again.metrics)
}

func TestPool_MetricsReleasedOnStopTimeout(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	release := make(chan struct{})
	started := make(chan struct{})

	pool := NewPool[int](1, 1, func(context.Context, int) error {
		close(started)
		<-release
		return nil
	}, WithMetricsRegistry[int](registry, "stuck_pool"))
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(1))
	<-started
	defer close(release)

	assert.ErrorIs(t, pool.Stop(20*time.Millisecond), ErrStopTimeout)

	again := NewPool[int](1, 1, func(context.Context, int) error { return nil },
		WithMetricsRegistry[int](registry, "stuck_pool"))
	assert.NotNil(t, again.metrics)
}
