package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/cloudkit/errors"
	"github.com/c360/cloudkit/metric"
)

// ConnectionStatus is where a Client is in its connection lifecycle
type ConnectionStatus int32

// Connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

var statusNames = map[ConnectionStatus]string{
	StatusDisconnected: "disconnected",
	StatusConnecting:   "connecting",
	StatusConnected:    "connected",
	StatusReconnecting: "reconnecting",
	StatusCircuitOpen:  "circuit_open",
}

func (s ConnectionStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// Client errors. The connection ones match errors.IsTransient.
var (
	ErrNotConnected = fmt.Errorf("nats: %w", errors.ErrNoConnection)
	ErrCircuitOpen  = fmt.Errorf("nats: %w", errors.ErrCircuitOpen)
	ErrClientClosed = fmt.Errorf("nats: client %w", errors.ErrClosed)
)

// Client owns one NATS connection and the JetStream context on top of it. Every
// operation goes through a circuit breaker: once enough infrastructure failures pile up
// calls fail fast with ErrCircuitOpen until the backoff elapses.
type Client struct {
	url      string
	settings settings
	breaker  *breaker
	status   atomic.Int32
	closed   atomic.Bool
	logger   *slog.Logger

	mu       sync.RWMutex
	conn     *nats.Conn
	js       jetstream.JetStream
	watchers []context.CancelFunc

	// running consumers keyed by consumerKey
	consumersMu sync.Mutex
	consumers   map[string]jetstream.ConsumeContext

	jsMetrics   *jetstreamMetrics
	coreMetrics *metric.Metrics

	closeMu sync.Mutex
}

// NewClient prepares a client for url. Nothing is dialed until Connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:      url,
		settings: defaultSettings(),
		breaker:  newBreaker(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("component", "natsclient", "url", url)
	return c, nil
}

// URL returns the server URL the client dials
func (m *Client) URL() string {
	return m.url
}

// Status returns the current connection status
func (m *Client) Status() ConnectionStatus {
	return ConnectionStatus(m.status.Load())
}

// IsHealthy reports whether the client is connected
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

// Failures returns the failures counted since the last success
func (m *Client) Failures() int32 {
	return m.breaker.total.Load()
}

// Backoff returns how long the circuit stays open the next time it trips
func (m *Client) Backoff() time.Duration {
	return m.breaker.wait()
}

func (m *Client) setStatus(s ConnectionStatus) {
	m.status.Store(int32(s))
	m.coreMetrics.RecordNATSStatus(s == StatusConnected)
	m.coreMetrics.RecordCircuitBreakerState(s == StatusCircuitOpen)
}

func (m *Client) recordFailure() {
	if !m.breaker.fail() {
		return
	}

	current := m.Status()
	if current == StatusCircuitOpen {
		m.breaker.escalate()
		m.logger.Warn("Circuit breaker still open", "backoff", m.breaker.wait())
		return
	}
	if !m.status.CompareAndSwap(int32(current), int32(StatusCircuitOpen)) {
		return
	}
	m.coreMetrics.RecordNATSStatus(false)
	m.coreMetrics.RecordCircuitBreakerState(true)

	wait := m.breaker.escalate()
	m.logger.Warn("Circuit breaker opened", "failures", m.Failures(), "backoff", wait)
	time.AfterFunc(wait, m.testCircuit)
}

func (m *Client) resetCircuit() {
	m.breaker.reset()
	if m.Status() == StatusCircuitOpen {
		m.setStatus(m.settled())
	}
}

// testCircuit half-opens the circuit. A live connection goes straight back to connected;
// otherwise the next Connect may dial again.
func (m *Client) testCircuit() {
	next := m.settled()
	if m.status.CompareAndSwap(int32(StatusCircuitOpen), int32(next)) {
		m.coreMetrics.RecordNATSStatus(next == StatusConnected)
		m.coreMetrics.RecordCircuitBreakerState(false)
		m.logger.Info("Circuit breaker half-open", "status", next.String())
	}
}

// settled is the status to leave an open circuit for
func (m *Client) settled() ConnectionStatus {
	if conn := m.connection(); conn != nil && conn.IsConnected() {
		return StatusConnected
	}
	return StatusDisconnected
}

func (m *Client) dialOptions() []nats.Option {
	return m.settings.dialOptions(
		nats.DisconnectErrHandler(m.onDisconnect),
		nats.ReconnectHandler(m.onReconnect),
		nats.ClosedHandler(m.onClosed),
		nats.ErrorHandler(m.onAsyncError),
	)
}

type dialResult struct {
	conn *nats.Conn
	js   jetstream.JetStream
	err  error
}

func (m *Client) dial() dialResult {
	conn, err := nats.Connect(m.url, m.dialOptions()...)
	if err != nil {
		return dialResult{err: err}
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return dialResult{err: err}
	}
	return dialResult{conn: conn, js: js}
}

// Connect dials the server and sets up JetStream. It fails fast while the circuit is open.
func (m *Client) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClientClosed
	}
	if m.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}

	m.setStatus(StatusConnecting)
	m.logger.Info("Connecting to NATS")

	done := make(chan dialResult, 1)
	go func() { done <- m.dial() }()

	var res dialResult
	select {
	case res = <-done:
	case <-ctx.Done():
		// A dial finishing after the caller gave up must not leak its connection
		go func() {
			if late := <-done; late.conn != nil {
				late.conn.Close()
			}
		}()
		return m.connectFailed(errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled"))
	}
	if res.err != nil {
		return m.connectFailed(errors.WrapTransient(res.err, "Client", "Connect", "establish connection"))
	}

	m.mu.Lock()
	m.conn = res.conn
	m.js = res.js
	if every := m.settings.healthInterval; every > 0 {
		m.watchers = append(m.watchers, m.watchHealth(every))
	}
	if m.jsMetrics != nil && m.settings.metricsInterval > 0 {
		m.watchers = append(m.watchers, m.jsMetrics.startPoller(context.Background(), m.settings.metricsInterval))
	}
	m.mu.Unlock()

	m.resetCircuit()
	m.setStatus(StatusConnected)
	m.logger.Info("Connected to NATS")
	return nil
}

func (m *Client) connectFailed(err error) error {
	m.recordFailure()
	if m.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	m.setStatus(StatusDisconnected)
	return err
}

// Close stops consumers and watchers, drains the connection within ctx and the drain
// timeout, and forgets the credentials. Later calls are no-ops.
func (m *Client) Close(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.consumersMu.Lock()
	for key, cc := range m.consumers {
		cc.Stop()
		m.logger.Debug("Stopped consumer", "consumer", key)
	}
	m.consumers = nil
	m.consumersMu.Unlock()

	m.mu.Lock()
	for _, stop := range m.watchers {
		stop()
	}
	m.watchers = nil
	m.jsMetrics.unregister()
	conn := m.conn
	m.conn, m.js = nil, nil
	m.settings.forgetSecrets()
	m.mu.Unlock()

	var err error
	if conn != nil {
		err = m.drain(ctx, conn)
		conn.Close()
	}
	m.setStatus(StatusDisconnected)

	if err != nil {
		m.logger.Error("NATS close finished with errors", "error", err)
		return err
	}
	m.logger.Info("NATS connection closed")
	return nil
}

func (m *Client) drain(ctx context.Context, conn *nats.Conn) error {
	limit := m.settings.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left > 0 && left < limit {
			limit = left
		}
	}

	done := make(chan error, 1)
	go func() { done <- conn.Drain() }()

	select {
	case err := <-done:
		if err != nil {
			return errors.Wrap(err, "Client", "Close", "drain connection")
		}
		return nil
	case <-time.After(limit):
		return errors.WrapTransient(fmt.Errorf("drain timeout after %v", limit), "Client", "Close", "drain connection")
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "Client", "Close", "drain connection")
	}
}

// JetStream returns the JetStream context of the live connection
func (m *Client) JetStream() (jetstream.JetStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.js == nil {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "JetStream", "get JetStream context")
	}
	return m.js, nil
}

func (m *Client) connection() *nats.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

// ready fails fast unless the client is connected with a closed circuit
func (m *Client) ready() error {
	switch {
	case m.closed.Load():
		return ErrClientClosed
	case m.Status() == StatusCircuitOpen:
		return ErrCircuitOpen
	case m.Status() != StatusConnected:
		return ErrNotConnected
	}
	return nil
}

func (m *Client) jetStream() (jetstream.JetStream, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	js, err := m.JetStream()
	if err != nil {
		m.recordFailure()
		return nil, err
	}
	return js, nil
}

// observe feeds a server answer into the breaker. Application answers such as not found
// or wrong revision prove the server is reachable.
func (m *Client) observe(err error) {
	if isInfrastructureError(err) {
		m.recordFailure()
		return
	}
	m.resetCircuit()
}

// Request sends data to subject and waits for one reply. The deadline comes from ctx.
func (m *Client) Request(ctx context.Context, subject string, data []byte, hdr nats.Header) (*nats.Msg, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	conn := m.connection()
	if conn == nil {
		return nil, ErrNotConnected
	}

	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	for key, values := range hdr {
		for _, v := range values {
			msg.Header.Add(key, v)
		}
	}

	resp, err := conn.RequestMsgWithContext(ctx, msg)
	switch {
	case err == nil:
		m.resetCircuit()
	case stderrors.Is(err, nats.ErrNoResponders),
		stderrors.Is(err, context.DeadlineExceeded),
		stderrors.Is(err, context.Canceled):
		// says nothing about the connection
	default:
		m.recordFailure()
	}
	return resp, err
}

func (m *Client) onDisconnect(_ *nats.Conn, err error) {
	if m.closed.Load() {
		return
	}
	m.setStatus(StatusReconnecting)
	if err != nil {
		m.logger.Warn("NATS disconnected", "error", err)
	}
}

func (m *Client) onReconnect(_ *nats.Conn) {
	m.resetCircuit()
	m.setStatus(StatusConnected)
	m.logger.Info("NATS reconnected")
}

func (m *Client) onClosed(_ *nats.Conn) {
	m.setStatus(StatusDisconnected)
}

func (m *Client) onAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		m.logger.Error("NATS async error", "error", err, "subject", sub.Subject)
		return
	}
	m.logger.Error("NATS async error", "error", err)
}

// watchHealth probes the connection every interval until the returned func is called
func (m *Client) watchHealth(every time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probe()
			}
		}
	}()
	return cancel
}

func (m *Client) probe() {
	conn := m.connection()
	if conn == nil {
		return
	}
	_, err := conn.RTT()
	healthy := err == nil && conn.IsConnected()

	switch status := m.Status(); {
	case healthy && status == StatusReconnecting:
		m.setStatus(StatusConnected)
	case !healthy && status == StatusConnected:
		m.logger.Warn("NATS health probe failed", "error", err)
		m.setStatus(StatusReconnecting)
	}
}

// isAlreadyExistsError reports a bucket, stream or consumer that is already there
func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrStreamNameAlreadyInUse) ||
		stderrors.Is(err, jetstream.ErrConsumerExists) ||
		stderrors.Is(err, jetstream.ErrBucketExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "already in use") || strings.Contains(msg, "already exists")
}

// isInfrastructureError reports whether err points at the connection rather than the request
func isInfrastructureError(err error) bool {
	switch {
	case err == nil,
		stderrors.Is(err, jetstream.ErrStreamNotFound),
		stderrors.Is(err, jetstream.ErrConsumerNotFound),
		stderrors.Is(err, jetstream.ErrBucketNotFound),
		stderrors.Is(err, jetstream.ErrKeyNotFound),
		stderrors.Is(err, jetstream.ErrKeyExists),
		stderrors.Is(err, context.Canceled),
		stderrors.Is(err, context.DeadlineExceeded),
		isAlreadyExistsError(err),
		IsKVConflictError(err):
		return false
	}
	return true
}
