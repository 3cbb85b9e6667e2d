package functions_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cloudkit/errors"
	"github.com/c360/cloudkit/functions"
	"github.com/c360/cloudkit/metric"
	"github.com/c360/cloudkit/natsclient"
	mocks "github.com/c360/cloudkit/testutil"
)

type sumRequest struct {
	A int `json:"a"`
	B int `json:"b"`
}

type sumResult struct {
	Sum int `json:"sum"`
}

// recordedSleep captures backoff delays without waiting
type recordedSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordedSleep) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordedSleep) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func newFacade(t *testing.T, opts ...functions.Option) (*functions.Facade, *mocks.MockRequester, *recordedSleep) {
	t.Helper()
	requester := mocks.NewMockRequester()
	sleep := &recordedSleep{}
	opts = append([]functions.Option{functions.WithSleep(sleep.sleep)}, opts...)
	return functions.New(requester, opts...), requester, sleep
}

// failing answers with code for the first n requests, then with result
func failing(n int, code string, result []byte) mocks.RequestFunc {
	var mu sync.Mutex
	calls := 0
	return func(context.Context, string, []byte) (*nats.Msg, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= n {
			return mocks.ErrorReply(code, "attempt failed"), nil
		}
		return mocks.Reply(result), nil
	}
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "functions.us-central1.sum", functions.Subject("us-central1", "sum"))
}

func TestCall(t *testing.T) {
	f, requester, _ := newFacade(t)
	requester.Respond("functions.us-central1.sum", func(_ context.Context, _ string, data []byte) (*nats.Msg, error) {
		var req sumRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		out, _ := json.Marshal(sumResult{Sum: req.A + req.B})
		return mocks.Reply(out), nil
	})

	raw, err := f.Call(context.Background(), "sum", sumRequest{A: 2, B: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum":5}`, string(raw))

	res, err := functions.Invoke[sumResult](context.Background(), f, "sum", sumRequest{A: 1, B: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sum)

	reqs := requester.Requests()
	require.Len(t, reqs, 2)
	assert.JSONEq(t, `{"a":2,"b":3}`, string(reqs[0].Data))
	assert.Equal(t, "application/json", reqs[0].Header.Get("Content-Type"))
}

func TestCall_Region(t *testing.T) {
	f, requester, _ := newFacade(t, functions.WithDefaultRegion("eu-west1"))
	requester.Respond("functions.eu-west1.ping", func(context.Context, string, []byte) (*nats.Msg, error) {
		return mocks.Reply([]byte(`"pong-eu"`)), nil
	})
	requester.Respond("functions.asia-east1.ping", func(context.Context, string, []byte) (*nats.Msg, error) {
		return mocks.Reply([]byte(`"pong-asia"`)), nil
	})

	got, err := functions.Invoke[string](context.Background(), f, "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong-eu", got)

	got, err = functions.Invoke[string](context.Background(), f, "ping", nil, functions.WithRegion("asia-east1"))
	require.NoError(t, err)
	assert.Equal(t, "pong-asia", got)

	assert.Equal(t, []string{"asia-east1", "eu-west1"}, f.Regions())
}

func TestCaller_Cache(t *testing.T) {
	f, _, _ := newFacade(t)

	a := f.Caller("us-east1")
	b := f.Caller("us-east1")
	c := f.Caller("eu-west1")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, "us-east1", a.Region())
	assert.Equal(t, functions.DefaultRegion, f.Caller("").Region())

	f.Close()
	assert.Empty(t, f.Regions())
	assert.NotSame(t, a, f.Caller("us-east1"))
}

func TestCall_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		respond  mocks.RequestFunc
		register bool
		code     errors.Code
		message  string
	}{
		{
			name: "platform code with prefix",
			respond: func(context.Context, string, []byte) (*nats.Msg, error) {
				return mocks.ErrorReply("functions/permission-denied", "caller may not sum"), nil
			},
			register: true,
			code:     errors.CodePermissionDenied,
			message:  "function sum failed: caller may not sum",
		},
		{
			name: "code without prefix",
			respond: func(context.Context, string, []byte) (*nats.Msg, error) {
				return mocks.ErrorReply("not-found", "no such order"), nil
			},
			register: true,
			code:     errors.CodeNotFound,
			message:  "function sum failed: no such order",
		},
		{
			name: "bare prefix",
			respond: func(context.Context, string, []byte) (*nats.Msg, error) {
				return mocks.ErrorReply("functions/", "mystery"), nil
			},
			register: true,
			code:     errors.CodeUnknown,
			message:  "function sum failed: mystery",
		},
		{
			name:    "no responders",
			code:    errors.CodeUnavailable,
			message: "function sum failed",
		},
		{
			name: "timeout",
			respond: func(context.Context, string, []byte) (*nats.Msg, error) {
				return nil, nats.ErrTimeout
			},
			register: true,
			code:     errors.CodeDeadlineExceeded,
		},
		{
			name: "not connected",
			respond: func(context.Context, string, []byte) (*nats.Msg, error) {
				return nil, natsclient.ErrNotConnected
			},
			register: true,
			code:     errors.CodeUnavailable,
		},
		{
			name: "transport failure",
			respond: func(context.Context, string, []byte) (*nats.Msg, error) {
				return nil, fmt.Errorf("socket closed")
			},
			register: true,
			code:     errors.CodeInternal,
			message:  "function sum failed: socket closed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, requester, _ := newFacade(t)
			if tt.register {
				requester.Respond("functions.us-central1.sum", tt.respond)
			}

			_, err := f.Call(context.Background(), "sum", sumRequest{})
			require.Error(t, err)

			var pe *errors.PlatformError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, errors.KindFunction, pe.Kind)
			assert.Equal(t, tt.code, pe.Code)
			assert.Equal(t, "sum", pe.Target)
			assert.NotNil(t, pe.Err)
			assert.Contains(t, err.Error(), "sum")
			if tt.message != "" {
				assert.Contains(t, err.Error(), tt.message)
			}
		})
	}
}

func TestCall_InvalidPayload(t *testing.T) {
	f, requester, _ := newFacade(t)

	_, err := f.Call(context.Background(), "sum", make(chan int))
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidArgument, errors.CodeOf(err))
	assert.Empty(t, requester.Requests())

	_, err = f.Call(context.Background(), "bad.name", nil)
	assert.Equal(t, errors.CodeInvalidArgument, errors.CodeOf(err))
}

func TestCall_Cancelled(t *testing.T) {
	f, requester, _ := newFacade(t)
	requester.Respond("functions.us-central1.sum", func(context.Context, string, []byte) (*nats.Msg, error) {
		return mocks.Reply(nil), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Call(ctx, "sum", nil)
	assert.Equal(t, errors.CodeCancelled, errors.CodeOf(err))
}

func TestCall_Timeout(t *testing.T) {
	f, requester, _ := newFacade(t)
	requester.Respond("functions.us-central1.slow", func(ctx context.Context, _ string, _ []byte) (*nats.Msg, error) {
		deadline, ok := ctx.Deadline()
		if !ok || time.Until(deadline) > time.Second {
			return nil, fmt.Errorf("expected a short deadline")
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := f.Call(context.Background(), "slow", nil, functions.WithTimeout(20*time.Millisecond))
	assert.Equal(t, errors.CodeDeadlineExceeded, errors.CodeOf(err))
}

func TestCallWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	f, requester, sleep := newFacade(t)
	requester.Respond("functions.us-central1.sum", failing(2, "functions/unavailable", []byte(`{"sum":9}`)))

	res, err := functions.InvokeWithRetry[sumResult](context.Background(), f, "sum", sumRequest{A: 4, B: 5})
	require.NoError(t, err)
	assert.Equal(t, 9, res.Sum)

	assert.Equal(t, 3, requester.Count("functions.us-central1.sum"))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleep.recorded())
}

func TestCallWithRetry_NonRetryable(t *testing.T) {
	for _, code := range []string{"functions/permission-denied", "functions/invalid-argument", "functions/not-found"} {
		t.Run(code, func(t *testing.T) {
			f, requester, sleep := newFacade(t)
			requester.Respond("functions.us-central1.sum", failing(10, code, nil))

			_, err := f.CallWithRetry(context.Background(), "sum", nil)
			require.Error(t, err)
			assert.Equal(t, errors.NormalizeCode(code, functions.CodePrefix), errors.CodeOf(err))

			assert.Equal(t, 1, requester.Count("functions.us-central1.sum"))
			assert.Empty(t, sleep.recorded())
		})
	}
}

func TestCallWithRetry_Exhausted(t *testing.T) {
	f, requester, sleep := newFacade(t)
	requester.Respond("functions.us-central1.sum", failing(100, "functions/internal", nil))

	_, err := f.CallWithRetry(context.Background(), "sum", nil)
	require.Error(t, err)

	var pe *errors.PlatformError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, errors.CodeInternal, pe.Code)
	assert.Equal(t, "function sum failed: attempt failed", err.Error())

	// Default of three retries: four attempts, backoff 1s, 2s, 4s
	assert.Equal(t, 4, requester.Count("functions.us-central1.sum"))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleep.recorded())
}

func TestCallWithRetry_BackoffCap(t *testing.T) {
	f, requester, sleep := newFacade(t)
	requester.Respond("functions.us-central1.sum", failing(100, "functions/unavailable", nil))

	_, err := f.CallWithRetry(context.Background(), "sum", nil, functions.WithMaxRetries(6))
	require.Error(t, err)

	assert.Equal(t, 7, requester.Count("functions.us-central1.sum"))
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		10 * time.Second, 10 * time.Second,
	}, sleep.recorded())
}

func TestCallWithRetry_ZeroRetries(t *testing.T) {
	f, requester, sleep := newFacade(t, functions.WithDefaultMaxRetries(0))
	requester.Respond("functions.us-central1.sum", failing(100, "functions/unavailable", nil))

	_, err := f.CallWithRetry(context.Background(), "sum", nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeUnavailable, errors.CodeOf(err))
	assert.Equal(t, 1, requester.Count("functions.us-central1.sum"))
	assert.Empty(t, sleep.recorded())
}

func TestCallWithRetry_CancelledDuringBackoff(t *testing.T) {
	requester := mocks.NewMockRequester()
	requester.Respond("functions.us-central1.sum", failing(100, "functions/unavailable", nil))

	ctx, cancel := context.WithCancel(context.Background())
	f := functions.New(requester, functions.WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := f.CallWithRetry(ctx, "sum", nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeCancelled, errors.CodeOf(err))
	assert.Equal(t, 1, requester.Count("functions.us-central1.sum"))
}

func TestCallWithRetry_RealBackoff(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a real backoff")
	}
	requester := mocks.NewMockRequester()
	requester.Respond("functions.us-central1.sum", failing(1, "functions/unavailable", []byte(`{"sum":1}`)))
	f := functions.New(requester)

	start := time.Now()
	_, err := f.CallWithRetry(context.Background(), "sum", nil, functions.WithMaxRetries(1))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestInvoke_DecodeFailure(t *testing.T) {
	f, requester, _ := newFacade(t)
	requester.Respond("functions.us-central1.sum", func(context.Context, string, []byte) (*nats.Msg, error) {
		return mocks.Reply([]byte(`"not an object"`)), nil
	})

	_, err := functions.Invoke[sumResult](context.Background(), f, "sum", nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInternal, errors.CodeOf(err))
	assert.Equal(t, errors.KindFunction, errors.KindOf(err))
}

func TestMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	f, requester, _ := newFacade(t, functions.WithMetrics(registry.CoreMetrics()))
	requester.Respond("functions.us-central1.sum", failing(1, "functions/unavailable", []byte(`{}`)))

	_, err := f.CallWithRetry(context.Background(), "sum", nil)
	require.NoError(t, err)

	core := registry.CoreMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(core.FunctionCalls.WithLabelValues("sum", "us-central1", "unavailable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.FunctionCalls.WithLabelValues("sum", "us-central1", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.FunctionRetries.WithLabelValues("sum")))
}
