// Package natsclient manages the NATS connection behind every cloudkit facade.
//
// The client wraps nats.go with a circuit breaker and exposes the JetStream primitives the
// facades map onto:
//
//   - KV buckets (KVStore) for document collections, with CAS updates via UpdateWithRetry
//   - streams and durable pull consumers for topics and subscriptions
//   - request/reply (Request) and micro services (AddService) for function calls
//
// # Circuit Breaker
//
// After a threshold of consecutive infrastructure failures (default 5) the circuit opens and
// every operation fails fast with ErrCircuitOpen. After a backoff that doubles per round
// (capped by WithMaxBackoff) the circuit half-opens and the next Connect may try again.
// Application answers such as "key not found" or "stream already exists" do not count as
// failures.
//
// # Basic Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("orders-api"),
//	    natsclient.WithLogger(logger),
//	    natsclient.WithMetrics(registry),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	store, err := client.OpenKVStore(ctx, jetstream.KeyValueConfig{Bucket: "docs_users"})
//	rev, err := store.UpdateWithRetry(ctx, "alice", func(current []byte) ([]byte, error) {
//	    return mergeFields(current)
//	})
//
// # Consumers
//
// Consume starts pull delivery from a durable consumer and hands every message to the
// callback as a Delivery. The returned Stopper ends delivery; Close stops all consumers that
// are still running before draining the connection.
//
// # Testing
//
// NewTestClient starts a NATS server in a container with testcontainers-go and returns a
// connected client. Integration tests using it are skipped under -short.
package natsclient
