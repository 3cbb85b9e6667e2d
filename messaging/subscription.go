package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/cloudkit/errors"
	"github.com/c360/cloudkit/metric"
	"github.com/c360/cloudkit/natsclient"
	"github.com/c360/cloudkit/pkg/worker"
)

// Handler processes one message. Returning an error nacks the message.
type Handler[T any] func(ctx context.Context, msg *Envelope[T]) error

// Defaults for SubscribeOptions
const (
	DefaultMaxInFlight = 100
	DefaultAckDeadline = 60 * time.Second
)

// SubscribeOptions controls delivery for a subscription
type SubscribeOptions struct {
	// MaxInFlight bounds unacknowledged messages and concurrent handlers
	MaxInFlight int
	// AckDeadline is how long the server waits for a disposition before redelivering
	AckDeadline time.Duration
	// AutoAck acks after the handler returns without error
	AutoAck bool
	// HandlerTimeout fails a handler that runs longer; zero means no limit
	HandlerTimeout time.Duration
}

func (o SubscribeOptions) withDefaults() SubscribeOptions {
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = DefaultMaxInFlight
	}
	if o.AckDeadline <= 0 {
		o.AckDeadline = DefaultAckDeadline
	}
	if o.HandlerTimeout < 0 {
		o.HandlerTimeout = 0
	}
	return o
}

// over fills the zero fields of o from base. AutoAck set on either side stays on.
func (o SubscribeOptions) over(base SubscribeOptions) SubscribeOptions {
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = base.MaxInFlight
	}
	if o.AckDeadline <= 0 {
		o.AckDeadline = base.AckDeadline
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = base.HandlerTimeout
	}
	o.AutoAck = o.AutoAck || base.AutoAck
	return o.withDefaults()
}

// SubscriptionStats counts deliveries and outcomes for a subscription
type SubscriptionStats struct {
	Received   int64
	Acked      int64
	Nacked     int64
	Terminated int64
	Failed     int64
	TimedOut   int64
	InFlight   int64
	Queued     int
}

// Subscription is a registered consumer of a topic
type Subscription struct {
	name   string
	topic  string
	opts   SubscribeOptions
	broker Broker

	dispatch func(ctx context.Context, d natsclient.Delivery) error

	logger   *slog.Logger
	metrics  *metric.Metrics
	registry *metric.MetricsRegistry

	mu      sync.Mutex
	active  bool
	pool    *worker.Pool[natsclient.Delivery]
	stopper natsclient.Stopper
	cancel  context.CancelFunc

	received   atomic.Int64
	acked      atomic.Int64
	nacked     atomic.Int64
	terminated atomic.Int64
	failed     atomic.Int64
	timedOut   atomic.Int64
}

// Name returns the subscription name
func (s *Subscription) Name() string { return s.name }

// Topic returns the subscribed topic
func (s *Subscription) Topic() string { return s.topic }

// Options returns the effective options
func (s *Subscription) Options() SubscribeOptions { return s.opts }

// IsActive reports whether messages are being delivered
func (s *Subscription) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Stats returns delivery counters
func (s *Subscription) Stats() SubscriptionStats {
	stats := SubscriptionStats{
		Received:   s.received.Load(),
		Acked:      s.acked.Load(),
		Nacked:     s.nacked.Load(),
		Terminated: s.terminated.Load(),
		Failed:     s.failed.Load(),
		TimedOut:   s.timedOut.Load(),
	}
	s.mu.Lock()
	if s.pool != nil {
		ps := s.pool.Stats()
		stats.InFlight = ps.Active
		stats.Queued = ps.QueueDepth
	}
	s.mu.Unlock()
	return stats
}

func poolMetricsPrefix(name string) string {
	return "cloudkit_subscription_" + strings.ReplaceAll(name, "-", "_")
}

// Start begins delivery. ctx bounds setup only; delivery continues until Stop. Starting an
// active subscription is a no-op.
func (s *Subscription) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	var poolOpts []worker.Option[natsclient.Delivery]
	if s.registry != nil {
		poolOpts = append(poolOpts,
			worker.WithMetricsRegistry[natsclient.Delivery](s.registry, poolMetricsPrefix(s.name)))
	}
	pool := worker.NewPool(s.opts.MaxInFlight, s.opts.MaxInFlight, s.process, poolOpts...)
	if err := pool.Start(runCtx); err != nil {
		cancel()
		return errors.Wrap(err, "Subscription", "Start", "start worker pool")
	}

	stopper, err := s.broker.Consume(ctx, StreamName(s.topic), s.name, s.opts.MaxInFlight,
		func(d natsclient.Delivery) {
			// Blocks while every worker is busy so the server keeps the backlog
			if err := pool.SubmitWait(runCtx, d); err != nil {
				s.logger.Debug("Delivery not processed, returning for redelivery",
					"subscription", s.name, "error", err)
				_ = d.Nak()
			}
		})
	if err != nil {
		cancel()
		_ = pool.Stop(time.Second)
		return wrapError("subscribe", s.name, err)
	}

	s.pool = pool
	s.stopper = stopper
	s.cancel = cancel
	s.active = true

	s.logger.Info("Subscription started", "subscription", s.name, "topic", s.topic,
		"max_in_flight", s.opts.MaxInFlight, "auto_ack", s.opts.AutoAck)
	return nil
}

// Stop ends delivery and waits for running handlers up to the ack deadline. Safe to call
// more than once.
func (s *Subscription) Stop() {
	if err := s.stop(); err != nil {
		s.logger.Warn("Subscription did not stop cleanly", "subscription", s.name, "error", err)
	}
}

func (s *Subscription) stop() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	stopper, pool, cancel := s.stopper, s.pool, s.cancel
	s.mu.Unlock()

	stopper.Stop()
	err := pool.Stop(s.opts.AckDeadline)
	cancel()

	s.logger.Info("Subscription stopped", "subscription", s.name, "topic", s.topic)
	return err
}

func (s *Subscription) process(ctx context.Context, d natsclient.Delivery) error {
	s.received.Add(1)
	s.metrics.RecordMessageReceived(s.name)
	return s.dispatch(ctx, d)
}

func (s *Subscription) recordDisposition(d Disposition, err error) {
	switch d {
	case Acked:
		s.acked.Add(1)
	case Nacked:
		s.nacked.Add(1)
	case Terminated:
		s.terminated.Add(1)
	}
	s.metrics.RecordDisposition(s.name, d.String())
	if err != nil {
		s.logger.Warn("Failed to send disposition", "subscription", s.name,
			"disposition", d.String(), "error", err)
	}
}

var errHandlerTimeout = errors.New("handler timed out")

// invoke runs handler, converting a panic into an error and enforcing timeout. A handler
// that times out keeps running but its later Ack or Nack is ignored.
func invoke[T any](ctx context.Context, handler Handler[T], env *Envelope[T], timeout time.Duration) error {
	run := func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return handler(ctx, env)
	}

	if timeout <= 0 {
		return run(ctx)
	}

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(hctx) }()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errHandlerTimeout
	}
}

// Subscribe registers handler for topic under the durable subscription name, creating the
// subscription on the server if it does not exist, and starts delivery. Fields left zero
// in opts take the facade's subscribe defaults.
func Subscribe[T any](ctx context.Context, f *Facade, topic, name string, handler Handler[T],
	opts ...SubscribeOptions) (*Subscription, error) {
	if err := validateName("subscribe", "topic", topic); err != nil {
		return nil, err
	}
	if err := validateName("subscribe", "subscription", name); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.NewMessagingError(errors.CodeInvalidArgument, "subscribe", name,
			"subscription handler cannot be nil", nil)
	}

	o := f.defaults
	if len(opts) > 0 {
		o = opts[0].over(f.defaults)
	}

	f.mu.Lock()
	_, registered := f.subs[name]
	f.mu.Unlock()
	if registered {
		return nil, errors.NewMessagingError(errors.CodeAlreadyExists, "subscribe", name,
			fmt.Sprintf("subscription %s is already registered", name), nil)
	}

	if err := f.ensureSubscription(ctx, topic, name, o); err != nil {
		return nil, err
	}

	sub := &Subscription{
		name:     name,
		topic:    topic,
		opts:     o,
		broker:   f.broker,
		logger:   f.logger,
		metrics:  f.metrics,
		registry: f.registry,
	}
	sub.dispatch = func(ctx context.Context, d natsclient.Delivery) error {
		return deliver(ctx, sub, d, handler)
	}

	f.mu.Lock()
	if _, ok := f.subs[name]; ok {
		f.mu.Unlock()
		return nil, errors.NewMessagingError(errors.CodeAlreadyExists, "subscribe", name,
			fmt.Sprintf("subscription %s is already registered", name), nil)
	}
	f.subs[name] = sub
	f.metrics.SetActiveSubscriptions(len(f.subs))
	f.mu.Unlock()

	if err := sub.Start(ctx); err != nil {
		f.mu.Lock()
		delete(f.subs, name)
		f.metrics.SetActiveSubscriptions(len(f.subs))
		f.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

// ensureSubscription creates the durable consumer when it does not exist
func (f *Facade) ensureSubscription(ctx context.Context, topic, name string, o SubscribeOptions) error {
	stream := StreamName(topic)

	exists, err := f.broker.ConsumerExists(ctx, stream, name)
	if err != nil {
		return wrapError("subscribe", topic, err)
	}
	if exists {
		return nil
	}

	err = f.broker.CreateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       name,
		Description:   "cloudkit subscription " + name + " on " + topic,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       o.AckDeadline,
		MaxAckPending: o.MaxInFlight,
		FilterSubject: Subject(topic),
	})
	if err != nil && !errors.Is(err, jetstream.ErrConsumerExists) {
		return wrapError("subscribe", topic, err)
	}
	f.logger.Info("Created subscription", "subscription", name, "topic", topic)
	return nil
}

// deliver decodes d, runs the handler and records exactly one disposition for failures
func deliver[T any](ctx context.Context, s *Subscription, d natsclient.Delivery, handler Handler[T]) error {
	env, err := newEnvelope[T](d, s.name)
	if err != nil {
		// Redelivery cannot fix an undecodable payload
		s.logger.Error("Dropping undecodable message", "subscription", s.name,
			"subject", d.Subject(), "error", err)
		s.recordDisposition(Terminated, d.Term())
		return err
	}
	env.onDispose = s.recordDisposition

	start := time.Now()
	err = invoke(ctx, handler, env, s.opts.HandlerTimeout)
	s.metrics.RecordHandlerDuration(s.name, time.Since(start), err)

	if err != nil {
		s.failed.Add(1)
		if errors.Is(err, errHandlerTimeout) {
			s.timedOut.Add(1)
		}
		s.logger.Error("Message handler failed", "subscription", s.name,
			"message_id", env.ID, "attempt", env.DeliveryAttempt, "error", err)
		_ = env.Nack()
		return err
	}

	if s.opts.AutoAck {
		_ = env.Ack()
	}
	return nil
}
