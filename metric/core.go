package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cloudkit"

// Metrics contains the facade-level metrics. All Record methods are safe on a nil
// receiver so facades built without a registry need no checks.
type Metrics struct {
	// Documents
	DocumentOps      *prometheus.CounterVec
	DocumentDuration *prometheus.HistogramVec

	// Functions
	FunctionCalls    *prometheus.CounterVec
	FunctionRetries  *prometheus.CounterVec
	FunctionDuration *prometheus.HistogramVec

	// Messaging
	MessagesPublished   *prometheus.CounterVec
	MessagesReceived    *prometheus.CounterVec
	MessageDispositions *prometheus.CounterVec
	HandlerDuration     *prometheus.HistogramVec
	ActiveSubscriptions prometheus.Gauge

	// NATS
	NATSConnected      prometheus.Gauge
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		DocumentOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "documents",
				Name:      "operations_total",
				Help:      "Total document operations by collection, operation and outcome",
			},
			[]string{"collection", "operation", "status"},
		),

		DocumentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "documents",
				Name:      "operation_duration_seconds",
				Help:      "Document operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		FunctionCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "functions",
				Name:      "calls_total",
				Help:      "Total function call attempts by function, region and result code",
			},
			[]string{"function", "region", "code"},
		),

		FunctionRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "functions",
				Name:      "retries_total",
				Help:      "Total function call retries",
			},
			[]string{"function"},
		),

		FunctionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "functions",
				Name:      "call_duration_seconds",
				Help:      "Function call attempt duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"function"},
		),

		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messaging",
				Name:      "published_total",
				Help:      "Total messages published by topic",
			},
			[]string{"topic"},
		),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messaging",
				Name:      "received_total",
				Help:      "Total messages delivered to handlers by subscription",
			},
			[]string{"subscription"},
		),

		MessageDispositions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messaging",
				Name:      "dispositions_total",
				Help:      "Total acknowledgements by subscription and disposition (ack, nack)",
			},
			[]string{"subscription", "disposition"},
		),

		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "messaging",
				Name:      "handler_duration_seconds",
				Help:      "Message handler duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"subscription", "status"},
		),

		ActiveSubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "messaging",
				Name:      "active_subscriptions",
				Help:      "Number of registered subscriptions",
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open)",
			},
		),
	}
}

func (c *Metrics) mustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		c.DocumentOps,
		c.DocumentDuration,
		c.FunctionCalls,
		c.FunctionRetries,
		c.FunctionDuration,
		c.MessagesPublished,
		c.MessagesReceived,
		c.MessageDispositions,
		c.HandlerDuration,
		c.ActiveSubscriptions,
		c.NATSConnected,
		c.NATSCircuitBreaker,
	)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordDocumentOp records one document operation and its duration
func (c *Metrics) RecordDocumentOp(collection, operation string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	c.DocumentOps.WithLabelValues(collection, operation, status(err)).Inc()
	c.DocumentDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordFunctionCall records one call attempt with its result code ("ok" on success)
func (c *Metrics) RecordFunctionCall(function, region, code string, duration time.Duration) {
	if c == nil {
		return
	}
	c.FunctionCalls.WithLabelValues(function, region, code).Inc()
	c.FunctionDuration.WithLabelValues(function).Observe(duration.Seconds())
}

// RecordFunctionRetry increments the retry counter
func (c *Metrics) RecordFunctionRetry(function string) {
	if c == nil {
		return
	}
	c.FunctionRetries.WithLabelValues(function).Inc()
}

// RecordMessagePublished increments published message counter
func (c *Metrics) RecordMessagePublished(topic string) {
	if c == nil {
		return
	}
	c.MessagesPublished.WithLabelValues(topic).Inc()
}

// RecordMessageReceived increments received message counter
func (c *Metrics) RecordMessageReceived(subscription string) {
	if c == nil {
		return
	}
	c.MessagesReceived.WithLabelValues(subscription).Inc()
}

// RecordDisposition increments the ack or nack counter
func (c *Metrics) RecordDisposition(subscription, disposition string) {
	if c == nil {
		return
	}
	c.MessageDispositions.WithLabelValues(subscription, disposition).Inc()
}

// RecordHandlerDuration records message handler time
func (c *Metrics) RecordHandlerDuration(subscription string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	c.HandlerDuration.WithLabelValues(subscription, status(err)).Observe(duration.Seconds())
}

// SetActiveSubscriptions updates the subscription gauge
func (c *Metrics) SetActiveSubscriptions(n int) {
	if c == nil {
		return
	}
	c.ActiveSubscriptions.Set(float64(n))
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(open bool) {
	if c == nil {
		return
	}
	value := 0.0
	if open {
		value = 1.0
	}
	c.NATSCircuitBreaker.Set(value)
}
