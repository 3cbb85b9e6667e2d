package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testImage = "nats:2.11.7-alpine"

// TestClient is a connected client against a throwaway NATS container
type TestClient struct {
	Client *Client
	URL    string
}

type testSetup struct {
	jetstream  bool
	clientOpts []ClientOption
}

// TestOption configures NewTestClient
type TestOption func(*testSetup)

// WithJetStream starts the server with JetStream so KV, streams and consumers work
func WithJetStream() TestOption {
	return func(s *testSetup) { s.jetstream = true }
}

// WithClientOptions passes extra options to the client
func WithClientOptions(opts ...ClientOption) TestOption {
	return func(s *testSetup) { s.clientOpts = append(s.clientOpts, opts...) }
}

// NewTestClient starts a NATS container and connects a client to it. Both are torn down
// by t.Cleanup. Skipped under -short.
func NewTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()
	if testing.Short() {
		t.Skip("NATS container test skipped in short mode")
	}

	var setup testSetup
	for _, opt := range opts {
		opt(&setup)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	url, terminate, err := startNATS(ctx, setup.jetstream)
	if err != nil {
		t.Fatalf("start NATS container: %v", err)
	}
	t.Cleanup(terminate)

	clientOpts := append([]ClientOption{
		WithTimeout(5 * time.Second),
		WithMaxReconnects(0),
		WithHealthInterval(0),
	}, setup.clientOpts...)
	client, err := NewClient(url, clientOpts...)
	if err != nil {
		t.Fatalf("create NATS client: %v", err)
	}
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect to %s: %v", url, err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	return &TestClient{Client: client, URL: url}
}

func startNATS(ctx context.Context, jetstream bool) (string, func(), error) {
	cmd := []string{"--port", "4222", "--http_port", "8222"}
	if jetstream {
		cmd = append(cmd, "--js")
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        testImage,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          cmd,
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/healthz").WithPort("8222/tcp"),
			),
		},
		Started: true,
	})
	if err != nil {
		return "", nil, err
	}
	terminate := func() { _ = container.Terminate(context.Background()) }

	endpoint, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	if err != nil {
		terminate()
		return "", nil, err
	}
	return endpoint, terminate, nil
}
