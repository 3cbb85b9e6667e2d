package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/cloudkit/errors"
)

// Delivery is the part of a JetStream message consumers act on. jetstream.Msg satisfies it.
type Delivery interface {
	Data() []byte
	Headers() nats.Header
	Subject() string
	Metadata() (*jetstream.MsgMetadata, error)
	Ack() error
	Nak() error
	Term() error
}

// Stopper stops message delivery for a consumer
type Stopper interface {
	Stop()
}

// CreateStream creates a JetStream stream
func (m *Client) CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := m.jetStream()
	if err != nil {
		return nil, err
	}

	stream, err := js.CreateStream(ctx, cfg)
	m.observe(err)
	if err != nil {
		m.jsMetrics.recordError("create_stream")
		return nil, err
	}

	m.jsMetrics.trackStream(cfg.Name, stream)
	m.logger.Info("Created stream", "stream", cfg.Name, "subjects", cfg.Subjects)
	return stream, nil
}

// StreamInfo returns the stream's current info. A missing stream yields
// jetstream.ErrStreamNotFound.
func (m *Client) StreamInfo(ctx context.Context, name string) (*jetstream.StreamInfo, error) {
	js, err := m.jetStream()
	if err != nil {
		return nil, err
	}

	stream, err := js.Stream(ctx, name)
	m.observe(err)
	if err != nil {
		if !stderrors.Is(err, jetstream.ErrStreamNotFound) {
			m.jsMetrics.recordError("get_stream")
		}
		return nil, err
	}

	m.jsMetrics.trackStream(name, stream)
	return stream.Info(ctx)
}

// DeleteStream deletes a stream and all consumers bound to it
func (m *Client) DeleteStream(ctx context.Context, name string) error {
	js, err := m.jetStream()
	if err != nil {
		return err
	}

	err = js.DeleteStream(ctx, name)
	m.observe(err)
	if err != nil {
		m.jsMetrics.recordError("delete_stream")
		return err
	}

	m.jsMetrics.untrackStream(name)
	m.logger.Info("Deleted stream", "stream", name)
	return nil
}

// ListStreams lists stream names, optionally restricted to streams capturing subjectFilter
func (m *Client) ListStreams(ctx context.Context, subjectFilter string) ([]string, error) {
	js, err := m.jetStream()
	if err != nil {
		return nil, err
	}

	var opts []jetstream.StreamListOpt
	if subjectFilter != "" {
		opts = append(opts, jetstream.WithStreamListSubject(subjectFilter))
	}

	names := []string{}
	lister := js.StreamNames(ctx, opts...)
	for name := range lister.Name() {
		names = append(names, name)
	}
	if err := lister.Err(); err != nil {
		m.recordFailure()
		return nil, err
	}

	m.resetCircuit()
	return names, nil
}

// PublishMsg publishes msg to JetStream and waits for the stream acknowledgement
func (m *Client) PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	js, err := m.jetStream()
	if err != nil {
		return nil, err
	}

	ack, err := js.PublishMsg(ctx, msg, opts...)
	if err != nil && !stderrors.Is(err, jetstream.ErrNoStreamResponse) {
		m.observe(err)
	}
	if err != nil {
		m.jsMetrics.recordError("publish")
		return nil, err
	}

	m.resetCircuit()
	return ack, nil
}

// ConsumerExists reports whether the durable consumer exists on stream
func (m *Client) ConsumerExists(ctx context.Context, stream, consumer string) (bool, error) {
	js, err := m.jetStream()
	if err != nil {
		return false, err
	}

	_, err = js.Consumer(ctx, stream, consumer)
	m.observe(err)
	switch {
	case err == nil:
		return true, nil
	case stderrors.Is(err, jetstream.ErrConsumerNotFound):
		return false, nil
	default:
		return false, err
	}
}

// CreateConsumer creates a durable pull consumer. An existing consumer with the same
// name is reported through jetstream.ErrConsumerExists.
func (m *Client) CreateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) error {
	js, err := m.jetStream()
	if err != nil {
		return err
	}

	consumer, err := js.CreateConsumer(ctx, stream, cfg)
	m.observe(err)
	if err != nil {
		if !isAlreadyExistsError(err) {
			m.jsMetrics.recordError("create_consumer")
		}
		return err
	}

	m.jsMetrics.trackConsumer(stream, cfg.Durable, consumer)
	m.logger.Info("Created consumer", "stream", stream, "consumer", cfg.Durable)
	return nil
}

// DeleteConsumer removes a durable consumer, stopping local delivery first
func (m *Client) DeleteConsumer(ctx context.Context, stream, consumer string) error {
	js, err := m.jetStream()
	if err != nil {
		return err
	}

	m.stopConsumer(consumerKey(stream, consumer))

	err = js.DeleteConsumer(ctx, stream, consumer)
	m.observe(err)
	if err != nil {
		m.jsMetrics.recordError("delete_consumer")
		return err
	}

	m.jsMetrics.untrackConsumer(stream, consumer)
	return nil
}

// Consume starts pull delivery from an existing durable consumer. maxMessages bounds the
// messages buffered client side. The returned Stopper ends delivery; Close stops every
// consumer still running.
func (m *Client) Consume(
	ctx context.Context, stream, consumer string, maxMessages int, handler func(Delivery),
) (Stopper, error) {
	js, err := m.jetStream()
	if err != nil {
		return nil, err
	}

	c, err := js.Consumer(ctx, stream, consumer)
	m.observe(err)
	if err != nil {
		return nil, err
	}

	opts := []jetstream.PullConsumeOpt{
		jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
			m.logger.Warn("Consume error", "stream", stream, "consumer", consumer, "error", err)
		}),
	}
	if maxMessages > 0 {
		opts = append(opts, jetstream.PullMaxMessages(maxMessages))
	}

	cc, err := c.Consume(func(msg jetstream.Msg) {
		handler(msg)
	}, opts...)
	if err != nil {
		m.recordFailure()
		return nil, err
	}

	m.consumersMu.Lock()
	defer m.consumersMu.Unlock()

	// Close may have run while Consume was starting
	if m.closed.Load() {
		cc.Stop()
		return nil, errors.WrapInvalid(ErrClientClosed, "Client", "Consume", "register consumer")
	}

	if m.consumers == nil {
		m.consumers = make(map[string]jetstream.ConsumeContext)
	}
	key := consumerKey(stream, consumer)
	if existing, ok := m.consumers[key]; ok {
		existing.Stop()
		m.logger.Debug("Replaced existing consumer", "consumer", key)
	}
	m.consumers[key] = cc

	m.jsMetrics.trackConsumer(stream, consumer, c)
	return &consumeHandle{client: m, key: key, cc: cc}, nil
}

func consumerKey(stream, consumer string) string {
	return fmt.Sprintf("%s:%s", stream, consumer)
}

func (m *Client) stopConsumer(key string) {
	m.consumersMu.Lock()
	defer m.consumersMu.Unlock()

	if cc, ok := m.consumers[key]; ok {
		cc.Stop()
		delete(m.consumers, key)
	}
}

type consumeHandle struct {
	client *Client
	key    string
	cc     jetstream.ConsumeContext
}

// Stop ends delivery and forgets the consumer. Safe to call more than once.
func (h *consumeHandle) Stop() {
	h.client.consumersMu.Lock()
	defer h.client.consumersMu.Unlock()

	h.cc.Stop()
	if current, ok := h.client.consumers[h.key]; ok && current == h.cc {
		delete(h.client.consumers, h.key)
	}
}
