package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/time/rate"

	"github.com/c360/cloudkit/errors"
	"github.com/c360/cloudkit/metric"
	"github.com/c360/cloudkit/natsclient"
)

// Broker is the JetStream surface the facade needs. *natsclient.Client implements it. The
// stream returned by CreateStream is not used.
type Broker interface {
	CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	StreamInfo(ctx context.Context, name string) (*jetstream.StreamInfo, error)
	DeleteStream(ctx context.Context, name string) error
	ListStreams(ctx context.Context, subjectFilter string) ([]string, error)
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
	ConsumerExists(ctx context.Context, stream, consumer string) (bool, error)
	CreateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) error
	DeleteConsumer(ctx context.Context, stream, consumer string) error
	Consume(ctx context.Context, stream, consumer string, maxMessages int,
		handler func(natsclient.Delivery)) (natsclient.Stopper, error)
}

// Header names used on the wire
const (
	HeaderOrderingKey = "Cloudkit-Ordering-Key"
	HeaderContentType = "Content-Type"

	subjectPrefix = "topics."
	streamPrefix  = "topic_"
)

var namePattern = regexp.MustCompile(`^[-_a-zA-Z0-9]+$`)

// StreamName returns the JetStream stream backing topic
func StreamName(topic string) string {
	return streamPrefix + topic
}

// Subject returns the subject messages for topic are published on
func Subject(topic string) string {
	return subjectPrefix + topic
}

// Topic describes an existing topic
type Topic struct {
	Name     string
	Stream   string
	Subject  string
	Messages uint64
	Created  time.Time
}

// PublishOptions controls a single publish
type PublishOptions struct {
	// Attributes travel as message headers
	Attributes map[string]string
	// OrderingKey is carried opaquely for subscribers
	OrderingKey string
	// MessageID defaults to a new UUID; repeated ids within the stream's duplicate window
	// are dropped by the server
	MessageID string
}

// Facade manages topics, publishing and subscriptions
type Facade struct {
	broker   Broker
	logger   *slog.Logger
	metrics  *metric.Metrics
	registry *metric.MetricsRegistry
	limiter  *rate.Limiter
	defaults SubscribeOptions
	maxAge   time.Duration
	replicas int

	mu   sync.Mutex
	subs map[string]*Subscription
}

// Option configures a Facade
type Option func(*Facade)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(f *Facade) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithMetrics records facade metrics and per-subscription worker pool metrics
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(f *Facade) {
		f.registry = registry
		f.metrics = registry.CoreMetrics()
	}
}

// WithPublishRateLimit limits publishes per second; zero disables the limit
func WithPublishRateLimit(perSecond float64, burst int) Option {
	return func(f *Facade) {
		if perSecond <= 0 {
			f.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithSubscribeDefaults sets the options used when Subscribe is called without any, and
// for the fields a caller leaves zero
func WithSubscribeDefaults(opts SubscribeOptions) Option {
	return func(f *Facade) {
		f.defaults = opts.withDefaults()
	}
}

// WithTopicRetention sets the max age and replica count of newly created topic streams
func WithTopicRetention(maxAge time.Duration, replicas int) Option {
	return func(f *Facade) {
		f.maxAge = maxAge
		f.replicas = replicas
	}
}

// New creates a messaging facade over broker
func New(broker Broker, opts ...Option) *Facade {
	f := &Facade{
		broker:   broker,
		logger:   slog.Default(),
		defaults: SubscribeOptions{}.withDefaults(),
		replicas: 1,
		subs:     make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "messaging")
	return f
}

func validateName(operation, kind, name string) error {
	if !namePattern.MatchString(name) {
		return errors.NewMessagingError(errors.CodeInvalidArgument, operation, name,
			fmt.Sprintf("invalid %s name %q", kind, name), nil)
	}
	return nil
}

// wrapError maps broker failures onto messaging errors
func wrapError(operation, target string, err error) error {
	if err == nil {
		return nil
	}
	var pe *errors.PlatformError
	if errors.As(err, &pe) {
		return err
	}

	code := errors.CodeUnknown
	switch {
	case errors.Is(err, jetstream.ErrStreamNotFound), errors.Is(err, jetstream.ErrNoStreamResponse):
		return errors.NewMessagingError(errors.CodeNotFound, operation, target,
			fmt.Sprintf("topic %s does not exist", target), err)
	case errors.Is(err, jetstream.ErrConsumerNotFound):
		return errors.NewMessagingError(errors.CodeNotFound, operation, target,
			fmt.Sprintf("subscription %s does not exist", target), err)
	case errors.Is(err, jetstream.ErrStreamNameAlreadyInUse), errors.Is(err, jetstream.ErrConsumerExists):
		code = errors.CodeAlreadyExists
	case errors.Is(err, context.DeadlineExceeded):
		code = errors.CodeDeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = errors.CodeCancelled
	case errors.Is(err, natsclient.ErrNotConnected),
		errors.Is(err, natsclient.ErrCircuitOpen),
		errors.Is(err, natsclient.ErrClientClosed):
		code = errors.CodeUnavailable
	}

	return errors.NewMessagingError(code, operation, target,
		fmt.Sprintf("messaging %s %s failed: %v", operation, target, err), err)
}

func topicFromInfo(name string, info *jetstream.StreamInfo) *Topic {
	t := &Topic{Name: name, Stream: StreamName(name), Subject: Subject(name)}
	if info != nil {
		t.Messages = info.State.Msgs
		t.Created = info.Created
	}
	return t
}

// CreateTopic creates the topic. An existing topic is returned without error.
func (f *Facade) CreateTopic(ctx context.Context, name string) (*Topic, error) {
	if err := validateName("create-topic", "topic", name); err != nil {
		return nil, err
	}

	cfg := jetstream.StreamConfig{
		Name:        StreamName(name),
		Description: "cloudkit topic " + name,
		Subjects:    []string{Subject(name)},
		Retention:   jetstream.InterestPolicy,
		Storage:     jetstream.FileStorage,
		MaxAge:      f.maxAge,
		Replicas:    max(f.replicas, 1),
	}

	_, err := f.broker.CreateStream(ctx, cfg)
	switch {
	case err == nil:
		f.logger.Info("Created topic", "topic", name)
	case errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) || strings.Contains(err.Error(), "already in use"):
		f.logger.Debug("Topic already exists", "topic", name)
	default:
		return nil, wrapError("create-topic", name, err)
	}

	return f.Topic(ctx, name)
}

// Topic returns an existing topic or a not-found error
func (f *Facade) Topic(ctx context.Context, name string) (*Topic, error) {
	if err := validateName("get-topic", "topic", name); err != nil {
		return nil, err
	}
	info, err := f.broker.StreamInfo(ctx, StreamName(name))
	if err != nil {
		return nil, wrapError("get-topic", name, err)
	}
	return topicFromInfo(name, info), nil
}

// TopicExists reports whether the topic exists
func (f *Facade) TopicExists(ctx context.Context, name string) (bool, error) {
	_, err := f.Topic(ctx, name)
	switch {
	case err == nil:
		return true, nil
	case errors.IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// DeleteTopic deletes the topic together with its subscriptions. Local subscriptions on the
// topic are stopped first.
func (f *Facade) DeleteTopic(ctx context.Context, name string) error {
	if err := validateName("delete-topic", "topic", name); err != nil {
		return err
	}

	f.mu.Lock()
	var stopped []*Subscription
	for key, sub := range f.subs {
		if sub.topic == name {
			stopped = append(stopped, sub)
			delete(f.subs, key)
		}
	}
	f.metrics.SetActiveSubscriptions(len(f.subs))
	f.mu.Unlock()

	for _, sub := range stopped {
		sub.Stop()
	}

	if err := f.broker.DeleteStream(ctx, StreamName(name)); err != nil {
		return wrapError("delete-topic", name, err)
	}
	f.logger.Info("Deleted topic", "topic", name)
	return nil
}

// ListTopics lists topic names in lexical order
func (f *Facade) ListTopics(ctx context.Context) ([]string, error) {
	streams, err := f.broker.ListStreams(ctx, subjectPrefix+">")
	if err != nil {
		return nil, wrapError("list-topics", "topics", err)
	}
	topics := make([]string, 0, len(streams))
	for _, s := range streams {
		if name, ok := strings.CutPrefix(s, streamPrefix); ok {
			topics = append(topics, name)
		}
	}
	sort.Strings(topics)
	return topics, nil
}

// encodePayload sends strings and byte slices raw and JSON-encodes everything else
func encodePayload(data any) ([]byte, string, error) {
	switch v := data.(type) {
	case nil:
		return nil, "", fmt.Errorf("payload cannot be nil")
	case string:
		return []byte(v), "text/plain", nil
	case json.RawMessage:
		return v, "application/json", nil
	case []byte:
		return v, "application/octet-stream", nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, "", err
		}
		return b, "application/json", nil
	}
}

// Publish sends data to topic and returns the message id
func (f *Facade) Publish(ctx context.Context, topic string, data any, opts ...PublishOptions) (string, error) {
	payload, contentType, err := encodePayload(data)
	if err != nil {
		return "", errors.NewMessagingError(errors.CodeInvalidArgument, "publish", topic,
			fmt.Sprintf("encode message for topic %s: %v", topic, err), err)
	}
	return f.publish(ctx, topic, payload, contentType, opts...)
}

// PublishJSON JSON-encodes data, including strings and byte slices, and publishes it
func (f *Facade) PublishJSON(ctx context.Context, topic string, data any, opts ...PublishOptions) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", errors.NewMessagingError(errors.CodeInvalidArgument, "publish", topic,
			fmt.Sprintf("encode message for topic %s: %v", topic, err), err)
	}
	return f.publish(ctx, topic, payload, "application/json", opts...)
}

// PublishBatch publishes items in order. On failure it returns the ids published so far.
func (f *Facade) PublishBatch(ctx context.Context, topic string, items []any, opts ...PublishOptions) ([]string, error) {
	var o PublishOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		// Message ids must differ per item
		itemOpts := o
		itemOpts.MessageID = ""
		id, err := f.Publish(ctx, topic, item, itemOpts)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *Facade) publish(ctx context.Context, topic string, payload []byte, contentType string,
	opts ...PublishOptions) (string, error) {
	if err := validateName("publish", "topic", topic); err != nil {
		return "", err
	}

	var o PublishOptions
	if len(opts) > 0 {
		o = opts[0]
	}

	msg := nats.NewMsg(Subject(topic))
	msg.Data = payload
	for k, v := range o.Attributes {
		if k == "" || isReservedHeader(k) {
			return "", errors.NewMessagingError(errors.CodeInvalidArgument, "publish", topic,
				fmt.Sprintf("attribute name %q is reserved", k), nil)
		}
		msg.Header.Set(k, v)
	}
	if contentType != "" {
		msg.Header.Set(HeaderContentType, contentType)
	}
	if o.OrderingKey != "" {
		msg.Header.Set(HeaderOrderingKey, o.OrderingKey)
	}
	id := o.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	msg.Header.Set(nats.MsgIdHdr, id)

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return "", errors.NewMessagingError(errors.CodeResourceExhausted, "publish", topic,
				fmt.Sprintf("publish rate limit for topic %s: %v", topic, err), err)
		}
	}

	if _, err := f.broker.PublishMsg(ctx, msg); err != nil {
		return "", wrapError("publish", topic, err)
	}

	f.metrics.RecordMessagePublished(topic)
	return id, nil
}

func isReservedHeader(name string) bool {
	canonical := strings.ToLower(name)
	return strings.HasPrefix(canonical, "nats-") ||
		strings.HasPrefix(canonical, "cloudkit-") ||
		canonical == strings.ToLower(HeaderContentType)
}

// Subscriptions lists the registered subscription names in lexical order
func (f *Facade) Subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	names := make([]string, 0, len(f.subs))
	for name := range f.subs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscription returns a registered subscription
func (f *Facade) Subscription(name string) (*Subscription, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[name]
	return sub, ok
}

// Unsubscribe stops delivery for name and forgets it. The durable subscription is kept on
// the server; see DeleteSubscription.
func (f *Facade) Unsubscribe(name string) error {
	f.mu.Lock()
	sub, ok := f.subs[name]
	if ok {
		delete(f.subs, name)
	}
	f.metrics.SetActiveSubscriptions(len(f.subs))
	f.mu.Unlock()

	if !ok {
		return errors.NewMessagingError(errors.CodeNotFound, "unsubscribe", name,
			fmt.Sprintf("subscription %s is not registered", name), nil)
	}

	sub.Stop()
	f.logger.Info("Unsubscribed", "subscription", name, "topic", sub.topic)
	return nil
}

// DeleteSubscription unsubscribes locally if needed and removes the durable subscription
func (f *Facade) DeleteSubscription(ctx context.Context, topic, name string) error {
	if err := validateName("delete-subscription", "subscription", name); err != nil {
		return err
	}

	if _, ok := f.Subscription(name); ok {
		if err := f.Unsubscribe(name); err != nil {
			return err
		}
	}

	if err := f.broker.DeleteConsumer(ctx, StreamName(topic), name); err != nil {
		if errors.Is(err, jetstream.ErrConsumerNotFound) {
			return wrapError("delete-subscription", name, err)
		}
		return wrapError("delete-subscription", topic, err)
	}
	f.logger.Info("Deleted subscription", "subscription", name, "topic", topic)
	return nil
}

// Close stops every subscription
func (f *Facade) Close() error {
	f.mu.Lock()
	subs := make([]*Subscription, 0, len(f.subs))
	for _, sub := range f.subs {
		subs = append(subs, sub)
	}
	f.subs = make(map[string]*Subscription)
	f.metrics.SetActiveSubscriptions(0)
	f.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(subs))
	for i, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = sub.stop()
		}()
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return errors.Wrap(err, "messaging", "Close", "stop subscriptions")
	}
	f.logger.Info("Messaging facade closed", "subscriptions", len(subs))
	return nil
}
