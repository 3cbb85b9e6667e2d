package natsclient

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/cloudkit/metric"
)

// jetstreamMetrics holds Prometheus metrics for the streams and consumers this client
// created or accessed. Server-side counters are exported as gauges since they are polled.
type jetstreamMetrics struct {
	streamMessages *prometheus.GaugeVec
	streamBytes    *prometheus.GaugeVec
	streamState    *prometheus.GaugeVec

	consumerPending     *prometheus.GaugeVec
	consumerAckPending  *prometheus.GaugeVec
	consumerDelivered   *prometheus.GaugeVec
	consumerRedelivered *prometheus.GaugeVec

	errors *prometheus.CounterVec

	mu        sync.RWMutex
	streams   map[string]jetstream.Stream
	consumers map[string]jetstream.Consumer

	registry *metric.MetricsRegistry
}

const jetstreamOwner = "jetstream"

func newJetStreamMetrics(registry *metric.MetricsRegistry) (*jetstreamMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cloudkit",
			Subsystem: "jetstream",
			Name:      name,
			Help:      help,
		}, labels)
	}

	m := &jetstreamMetrics{
		streamMessages:      gauge("stream_messages", "Current number of messages in stream", "stream"),
		streamBytes:         gauge("stream_bytes", "Storage bytes used by stream", "stream"),
		streamState:         gauge("stream_state", "Stream state (1=active, 0=unavailable)", "stream"),
		consumerPending:     gauge("consumer_pending_messages", "Messages not yet delivered to consumer", "stream", "consumer"),
		consumerAckPending:  gauge("consumer_ack_pending", "Delivered messages awaiting acknowledgement", "stream", "consumer"),
		consumerDelivered:   gauge("consumer_delivered", "Last stream sequence delivered to consumer", "stream", "consumer"),
		consumerRedelivered: gauge("consumer_redelivered", "Messages redelivered to consumer", "stream", "consumer"),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudkit",
			Subsystem: "jetstream",
			Name:      "operation_errors_total",
			Help:      "Total number of JetStream operation errors",
		}, []string{"operation"}),
		streams:   make(map[string]jetstream.Stream),
		consumers: make(map[string]jetstream.Consumer),
		registry:  registry,
	}

	if err := registry.RegisterAll(jetstreamOwner, map[string]prometheus.Collector{
		"stream_messages":      m.streamMessages,
		"stream_bytes":         m.streamBytes,
		"stream_state":         m.streamState,
		"consumer_pending":     m.consumerPending,
		"consumer_ack_pending": m.consumerAckPending,
		"consumer_delivered":   m.consumerDelivered,
		"consumer_redelivered": m.consumerRedelivered,
		"errors":               m.errors,
	}); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *jetstreamMetrics) trackStream(name string, stream jetstream.Stream) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[name] = stream
	m.streamState.WithLabelValues(name).Set(1)
}

func (m *jetstreamMetrics) untrackStream(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, name)
	m.streamMessages.DeleteLabelValues(name)
	m.streamBytes.DeleteLabelValues(name)
	m.streamState.DeleteLabelValues(name)
	for key, consumer := range m.consumers {
		if info := consumer.CachedInfo(); info != nil && info.Stream == name {
			delete(m.consumers, key)
		}
	}
}

func (m *jetstreamMetrics) trackConsumer(streamName, consumerName string, consumer jetstream.Consumer) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumers[consumerKey(streamName, consumerName)] = consumer
}

func (m *jetstreamMetrics) untrackConsumer(streamName, consumerName string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.consumers, consumerKey(streamName, consumerName))
	for _, vec := range []*prometheus.GaugeVec{
		m.consumerPending, m.consumerAckPending, m.consumerDelivered, m.consumerRedelivered,
	} {
		vec.DeleteLabelValues(streamName, consumerName)
	}
}

func (m *jetstreamMetrics) recordError(operation string) {
	if m != nil {
		m.errors.WithLabelValues(operation).Inc()
	}
}

// unregister frees the metric names so a later client can register them again
func (m *jetstreamMetrics) unregister() {
	if m != nil {
		m.registry.UnregisterOwner(jetstreamOwner)
	}
}

func (m *jetstreamMetrics) tracked() (map[string]jetstream.Stream, []jetstream.Consumer) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	streams := maps.Clone(m.streams)
	consumers := slices.Collect(maps.Values(m.consumers))
	return streams, consumers
}

// updateStats polls every tracked stream and consumer. A stream that cannot be read is
// reported with state 0; an unreadable consumer keeps its last values.
func (m *jetstreamMetrics) updateStats(ctx context.Context) {
	if m == nil {
		return
	}

	streams, consumers := m.tracked()
	for name, stream := range streams {
		info, err := stream.Info(ctx)
		if err != nil {
			m.streamState.WithLabelValues(name).Set(0)
			continue
		}
		m.streamState.WithLabelValues(name).Set(1)
		m.streamMessages.WithLabelValues(name).Set(float64(info.State.Msgs))
		m.streamBytes.WithLabelValues(name).Set(float64(info.State.Bytes))
	}

	for _, consumer := range consumers {
		info, err := consumer.Info(ctx)
		if err != nil {
			continue
		}
		labels := []string{info.Stream, info.Name}
		m.consumerPending.WithLabelValues(labels...).Set(float64(info.NumPending))
		m.consumerAckPending.WithLabelValues(labels...).Set(float64(info.NumAckPending))
		m.consumerDelivered.WithLabelValues(labels...).Set(float64(info.Delivered.Stream))
		m.consumerRedelivered.WithLabelValues(labels...).Set(float64(info.NumRedelivered))
	}
}

// startPoller polls stats every interval until the returned cancel func is called
func (m *jetstreamMetrics) startPoller(ctx context.Context, interval time.Duration) context.CancelFunc {
	if m == nil {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.updateStats(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	return cancel
}
