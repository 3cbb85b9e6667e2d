// Package metric provides Prometheus-based metrics collection and an HTTP server for
// cloudkit.
//
// The package offers a registry holding the core facade metrics (document operations,
// function calls and retries, message dispositions, NATS health) and accepts additional
// component metrics such as the worker pool's. Server exposes them in Prometheus format.
//
// # Basic Usage
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//
//	go func() {
//	    if err := server.Start(); err != nil {
//	        slog.Error("metrics server failed", "error", err)
//	    }
//	}()
//	defer server.Stop(context.Background())
//
// Facades receive registry.CoreMetrics(). Every Record method is a no-op on a nil
// *Metrics, so metrics stay optional.
//
// # Component Metrics
//
//	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "exports_total", Help: "..."})
//	err := registry.Register("exporter", "exports_total", counter)
//	defer registry.UnregisterOwner("exporter")
//
// RegisterAll registers a set of collectors for one owner, or none of them. Registering
// the same owner and name twice returns an invalid-class error.
package metric
