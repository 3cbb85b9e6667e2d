package natsclient

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cloudkit/metric"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestNewClient_OptionError(t *testing.T) {
	failing := func(*Client) error { return errors.New("bad option") }

	_, err := NewClient("nats://localhost:4222", failing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad option")
}

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	client, err := NewClient("nats://invalid:4222", WithCircuitBreakerThreshold(3))
	require.NoError(t, err)

	client.recordFailure()
	client.recordFailure()
	assert.NotEqual(t, StatusCircuitOpen, client.Status())

	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(3), client.Failures())

	// Operations fail fast while open
	_, err = client.Request(context.Background(), "functions.x", nil, nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, client.Connect(context.Background()), ErrCircuitOpen)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.resetCircuit()
	assert.Equal(t, int32(0), client.Failures())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestCircuitBreaker_BackoffDoublesAndCaps(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithMaxBackoff(3*time.Second))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 2*time.Second, client.Backoff())

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 3*time.Second, client.Backoff())

	for i := 0; i < 50; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 3*time.Second, client.Backoff())
}

func TestCircuitBreaker_HalfOpens(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.testCircuit()
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestCircuitBreaker_CallerDeadlinesKeepItClosed(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(2))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		client.observe(fmt.Errorf("kv get: %w", context.DeadlineExceeded))
	}
	assert.NotEqual(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(0), client.Failures())
}

func TestCircuitBreaker_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	client, err := NewClient("nats://localhost:4222", WithMetrics(registry))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().NATSCircuitBreaker))

	client.resetCircuit()
	assert.Equal(t, 0.0, testutil.ToFloat64(registry.CoreMetrics().NATSCircuitBreaker))
}

func TestOperations_NotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.Request(ctx, "functions.us-central1.echo", []byte("{}"), nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.CreateStream(ctx, jetstream.StreamConfig{Name: "topic_orders"})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.OpenKVStore(ctx, jetstream.KeyValueConfig{Bucket: "docs_users"})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.Consume(ctx, "topic_orders", "billing", 10, func(Delivery) {})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClose_Idempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithToken("secret"))
	require.NoError(t, err)

	require.NoError(t, client.Close(context.Background()))
	require.NoError(t, client.Close(context.Background()))
	assert.Empty(t, client.settings.token)
	assert.ErrorIs(t, client.Connect(context.Background()), ErrClientClosed)
}

func TestDialOptions(t *testing.T) {
	base, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	full, err := NewClient("nats://localhost:4222",
		WithCredentials("user", "pass"),
		WithToken("token"),
		WithTLS("cert.pem", "key.pem", "ca.pem"),
		WithName("cloudkit-test"),
	)
	require.NoError(t, err)

	// user info, token, client cert, root CAs and name
	assert.Len(t, full.dialOptions(), len(base.dialOptions())+5)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		err            error
		alreadyExists  bool
		infrastructure bool
	}{
		{nil, false, false},
		{jetstream.ErrStreamNameAlreadyInUse, true, false},
		{jetstream.ErrConsumerExists, true, false},
		{fmt.Errorf("create: %w", jetstream.ErrStreamNotFound), false, false},
		{jetstream.ErrKeyNotFound, false, false},
		{ErrKVRevisionMismatch, false, false},
		{context.Canceled, false, false},
		{fmt.Errorf("publish: %w", context.DeadlineExceeded), false, false},
		{errors.New("nats: connection closed"), false, true},
	}

	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.alreadyExists, isAlreadyExistsError(tt.err))
			assert.Equal(t, tt.infrastructure, isInfrastructureError(tt.err))
		})
	}
}

func TestKVErrorHelpers(t *testing.T) {
	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.True(t, IsKVNotFoundError(fmt.Errorf("get: %w", jetstream.ErrKeyNotFound)))
	assert.True(t, IsKVNotFoundError(errors.New("nats: key not found")))
	assert.False(t, IsKVNotFoundError(nil))

	assert.True(t, IsKVConflictError(ErrKVKeyExists))
	assert.True(t, IsKVConflictError(errors.New("nats: wrong last sequence: 4")))
	assert.False(t, IsKVConflictError(errors.New("timeout")))
}
