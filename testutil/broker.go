package testutil

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/cloudkit/natsclient"
)

// MockDelivery is an in-memory JetStream message. It satisfies natsclient.Delivery and
// counts the dispositions it receives.
type MockDelivery struct {
	data    []byte
	header  nats.Header
	subject string
	meta    jetstream.MsgMetadata

	acks  atomic.Int32
	naks  atomic.Int32
	terms atomic.Int32
	onNak func()
}

// NewMockDelivery builds a standalone delivery for handler tests
func NewMockDelivery(subject string, data []byte, header nats.Header) *MockDelivery {
	if header == nil {
		header = nats.Header{}
	}
	return &MockDelivery{
		data:    data,
		header:  header,
		subject: subject,
		meta:    jetstream.MsgMetadata{NumDelivered: 1, Timestamp: time.Now()},
	}
}

func (d *MockDelivery) Data() []byte         { return d.data }
func (d *MockDelivery) Headers() nats.Header { return d.header }
func (d *MockDelivery) Subject() string      { return d.subject }

// Metadata returns the stream position and delivery count
func (d *MockDelivery) Metadata() (*jetstream.MsgMetadata, error) {
	meta := d.meta
	return &meta, nil
}

// Ack records an acknowledgement
func (d *MockDelivery) Ack() error {
	d.acks.Add(1)
	return nil
}

// Nak records a negative acknowledgement and requeues the message when the broker redelivers
func (d *MockDelivery) Nak() error {
	d.naks.Add(1)
	if d.onNak != nil {
		d.onNak()
	}
	return nil
}

// Term records a termination
func (d *MockDelivery) Term() error {
	d.terms.Add(1)
	return nil
}

// Acks returns the number of Ack calls
func (d *MockDelivery) Acks() int { return int(d.acks.Load()) }

// Naks returns the number of Nak calls
func (d *MockDelivery) Naks() int { return int(d.naks.Load()) }

// Terms returns the number of Term calls
func (d *MockDelivery) Terms() int { return int(d.terms.Load()) }

type storedMsg struct {
	seq     uint64
	subject string
	data    []byte
	header  nats.Header
	time    time.Time
}

type mockStream struct {
	cfg     jetstream.StreamConfig
	created time.Time
	msgs    []*storedMsg
	ids     map[string]struct{}
}

type mockConsumer struct {
	cfg        jetstream.ConsumerConfig
	next       int
	redeliver  []*storedMsg
	delivered  map[uint64]uint64
	deliveries []*MockDelivery
	seq        uint64
	run        *mockConsume
}

type mockConsume struct {
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Stop ends delivery without waiting for a running handler
func (c *mockConsume) Stop() {
	c.once.Do(func() { close(c.done) })
}

func (c *mockConsume) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// MockBroker is an in-memory JetStream with streams, durable consumers and pull delivery.
// It satisfies messaging.Broker. Handlers run one message at a time per consumer.
// Thread-safe for concurrent use from multiple goroutines.
type MockBroker struct {
	mu        sync.Mutex
	streams   map[string]*mockStream
	consumers map[string]map[string]*mockConsumer
	failures  map[string]error

	// RedeliverOnNak requeues nacked messages for the same consumer
	RedeliverOnNak bool
}

// NewMockBroker creates an empty broker
func NewMockBroker() *MockBroker {
	return &MockBroker{
		streams:   make(map[string]*mockStream),
		consumers: make(map[string]map[string]*mockConsumer),
		failures:  make(map[string]error),
	}
}

// FailOn makes every call of method return err until cleared with a nil err
func (b *MockBroker) FailOn(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, method)
		return
	}
	b.failures[method] = err
}

func (b *MockBroker) enter(ctx context.Context, method string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.failures[method]
}

// SubjectMatches reports whether subject matches filter with NATS * and > wildcards
func SubjectMatches(filter, subject string) bool {
	ft := strings.Split(filter, ".")
	st := strings.Split(subject, ".")
	for i, tok := range ft {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) || (tok != "*" && tok != st[i]) {
			return false
		}
	}
	return len(ft) == len(st)
}

func (s *mockStream) captures(subject string) bool {
	for _, f := range s.cfg.Subjects {
		if SubjectMatches(f, subject) {
			return true
		}
	}
	return false
}

// CreateStream creates a stream. The returned stream is always nil.
func (b *MockBroker) CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.enter(ctx, "CreateStream"); err != nil {
		return nil, err
	}
	if _, ok := b.streams[cfg.Name]; ok {
		return nil, jetstream.ErrStreamNameAlreadyInUse
	}
	b.streams[cfg.Name] = &mockStream{cfg: cfg, created: time.Now(), ids: make(map[string]struct{})}
	b.consumers[cfg.Name] = make(map[string]*mockConsumer)
	return nil, nil
}

// StreamInfo returns the stream config and message count
func (b *MockBroker) StreamInfo(ctx context.Context, name string) (*jetstream.StreamInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.enter(ctx, "StreamInfo"); err != nil {
		return nil, err
	}
	s, ok := b.streams[name]
	if !ok {
		return nil, jetstream.ErrStreamNotFound
	}
	return &jetstream.StreamInfo{
		Config:  s.cfg,
		Created: s.created,
		State:   jetstream.StreamState{Msgs: uint64(len(s.msgs)), Consumers: len(b.consumers[name])},
	}, nil
}

// DeleteStream removes the stream and stops its consumers
func (b *MockBroker) DeleteStream(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.enter(ctx, "DeleteStream"); err != nil {
		return err
	}
	if _, ok := b.streams[name]; !ok {
		return jetstream.ErrStreamNotFound
	}
	for _, c := range b.consumers[name] {
		if c.run != nil {
			c.run.Stop()
		}
	}
	delete(b.streams, name)
	delete(b.consumers, name)
	return nil
}

// ListStreams lists streams with a subject matching subjectFilter
func (b *MockBroker) ListStreams(ctx context.Context, subjectFilter string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.enter(ctx, "ListStreams"); err != nil {
		return nil, err
	}
	names := []string{}
	for name, s := range b.streams {
		if subjectFilter == "" {
			names = append(names, name)
			continue
		}
		for _, subj := range s.cfg.Subjects {
			if SubjectMatches(subjectFilter, subj) {
				names = append(names, name)
				break
			}
		}
	}
	return names, nil
}

// PublishMsg stores msg in the stream capturing its subject. A repeated Nats-Msg-Id is
// acknowledged as a duplicate and not stored.
func (b *MockBroker) PublishMsg(ctx context.Context, msg *nats.Msg, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.enter(ctx, "PublishMsg"); err != nil {
		return nil, err
	}

	for name, s := range b.streams {
		if !s.captures(msg.Subject) {
			continue
		}

		id := msg.Header.Get(nats.MsgIdHdr)
		if id != "" {
			if _, dup := s.ids[id]; dup {
				return &jetstream.PubAck{Stream: name, Sequence: uint64(len(s.msgs)), Duplicate: true}, nil
			}
			s.ids[id] = struct{}{}
		}

		header := nats.Header{}
		for k, v := range msg.Header {
			header[k] = append([]string(nil), v...)
		}
		stored := &storedMsg{
			seq:     uint64(len(s.msgs) + 1),
			subject: msg.Subject,
			data:    append([]byte(nil), msg.Data...),
			header:  header,
			time:    time.Now(),
		}
		s.msgs = append(s.msgs, stored)

		for _, c := range b.consumers[name] {
			if c.run != nil {
				c.run.wake()
			}
		}
		return &jetstream.PubAck{Stream: name, Sequence: stored.seq}, nil
	}
	return nil, jetstream.ErrNoStreamResponse
}

// ConsumerExists reports whether the durable consumer exists
func (b *MockBroker) ConsumerExists(ctx context.Context, stream, consumer string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.enter(ctx, "ConsumerExists"); err != nil {
		return false, err
	}
	cs, ok := b.consumers[stream]
	if !ok {
		return false, jetstream.ErrStreamNotFound
	}
	_, ok = cs[consumer]
	return ok, nil
}

// CreateConsumer creates a durable consumer positioned at the start of the stream
func (b *MockBroker) CreateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.enter(ctx, "CreateConsumer"); err != nil {
		return err
	}
	cs, ok := b.consumers[stream]
	if !ok {
		return jetstream.ErrStreamNotFound
	}
	if _, ok := cs[cfg.Durable]; ok {
		return jetstream.ErrConsumerExists
	}
	cs[cfg.Durable] = &mockConsumer{cfg: cfg, delivered: make(map[uint64]uint64)}
	return nil
}

// Consumer returns the config of a durable consumer
func (b *MockBroker) Consumer(stream, consumer string) (jetstream.ConsumerConfig, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.consumers[stream][consumer]
	if !ok {
		return jetstream.ConsumerConfig{}, false
	}
	return c.cfg, true
}

// DeleteConsumer stops and removes a durable consumer
func (b *MockBroker) DeleteConsumer(ctx context.Context, stream, consumer string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.enter(ctx, "DeleteConsumer"); err != nil {
		return err
	}
	cs, ok := b.consumers[stream]
	if !ok {
		return jetstream.ErrStreamNotFound
	}
	c, ok := cs[consumer]
	if !ok {
		return jetstream.ErrConsumerNotFound
	}
	if c.run != nil {
		c.run.Stop()
	}
	delete(cs, consumer)
	return nil
}

// Consume delivers pending and future messages of the consumer to handler
func (b *MockBroker) Consume(
	ctx context.Context, stream, consumer string, _ int, handler func(natsclient.Delivery),
) (natsclient.Stopper, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.enter(ctx, "Consume"); err != nil {
		return nil, err
	}
	c, ok := b.consumers[stream][consumer]
	if !ok {
		return nil, jetstream.ErrConsumerNotFound
	}
	if c.run != nil {
		c.run.Stop()
	}

	run := &mockConsume{notify: make(chan struct{}, 1), done: make(chan struct{})}
	c.run = run
	run.wake()

	go func() {
		for {
			select {
			case <-run.done:
				return
			case <-run.notify:
			}
			for {
				select {
				case <-run.done:
					return
				default:
				}
				d := b.next(stream, consumer, run)
				if d == nil {
					break
				}
				handler(d)
			}
		}
	}()

	return run, nil
}

// next returns the consumer's next delivery, or nil when it has caught up
func (b *MockBroker) next(stream, consumer string, run *mockConsume) *MockDelivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[stream]
	if !ok {
		return nil
	}
	c, ok := b.consumers[stream][consumer]
	if !ok || c.run != run {
		return nil
	}

	var msg *storedMsg
	if len(c.redeliver) > 0 {
		msg, c.redeliver = c.redeliver[0], c.redeliver[1:]
	} else {
		for c.next < len(s.msgs) {
			candidate := s.msgs[c.next]
			c.next++
			if c.cfg.FilterSubject == "" || SubjectMatches(c.cfg.FilterSubject, candidate.subject) {
				msg = candidate
				break
			}
		}
	}
	if msg == nil {
		return nil
	}

	c.seq++
	c.delivered[msg.seq]++
	d := &MockDelivery{
		data:    msg.data,
		header:  msg.header,
		subject: msg.subject,
		meta: jetstream.MsgMetadata{
			Sequence:     jetstream.SequencePair{Stream: msg.seq, Consumer: c.seq},
			NumDelivered: c.delivered[msg.seq],
			Stream:       stream,
			Consumer:     consumer,
			Timestamp:    msg.time,
		},
	}
	if b.RedeliverOnNak {
		d.onNak = func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if cur, ok := b.consumers[stream][consumer]; ok && cur == c {
				c.redeliver = append(c.redeliver, msg)
				if c.run != nil {
					c.run.wake()
				}
			}
		}
	}
	c.deliveries = append(c.deliveries, d)
	return d
}

// Deliveries returns every delivery made to the consumer so far
func (b *MockBroker) Deliveries(stream, consumer string) []*MockDelivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.consumers[stream][consumer]
	if !ok {
		return nil
	}
	return append([]*MockDelivery(nil), c.deliveries...)
}

// Messages returns the payloads stored in the stream
func (b *MockBroker) Messages(stream string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[stream]
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, m.data)
	}
	return out
}

// Headers returns the headers of the n-th (0-based) message in the stream
func (b *MockBroker) Headers(stream string, n int) nats.Header {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[stream]
	if !ok || n < 0 || n >= len(s.msgs) {
		return nil
	}
	return s.msgs[n].header
}
