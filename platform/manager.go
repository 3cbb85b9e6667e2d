package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/c360/cloudkit/config"
	"github.com/c360/cloudkit/document"
	"github.com/c360/cloudkit/errors"
	"github.com/c360/cloudkit/functions"
	"github.com/c360/cloudkit/health"
	"github.com/c360/cloudkit/messaging"
	"github.com/c360/cloudkit/metric"
	"github.com/c360/cloudkit/natsclient"
	"github.com/c360/cloudkit/pkg/retry"
)

// Conn is the connection the facades share. *natsclient.Client implements it.
type Conn interface {
	messaging.Broker
	functions.Requester
	functions.ServiceAdder
	Close(ctx context.Context) error
}

// Connector dials the platform
type Connector func(ctx context.Context, cfg config.NATSConfig) (Conn, error)

// Manager builds the facades on first use and tears them down on Cleanup
type Manager struct {
	cfg       config.Config
	logger    *slog.Logger
	registry  *metric.MetricsRegistry
	connector Connector
	opener    func(Conn) (document.Opener, error)
	sleep     retry.SleepFunc

	mu        sync.Mutex
	conn      Conn
	documents *document.Facade
	functions *functions.Facade
	messaging *messaging.Facade
	host      *functions.Host
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger handed to every facade
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records facade and connection metrics in registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(m *Manager) {
		m.registry = registry
	}
}

// WithConnector replaces the NATS dialer
func WithConnector(connector Connector) Option {
	return func(m *Manager) {
		if connector != nil {
			m.connector = connector
		}
	}
}

// WithDocumentOpener sets how collections are opened on the connection. By default the
// connection must be a *natsclient.Client and collections live in JetStream KV buckets.
func WithDocumentOpener(fn func(Conn) (document.Opener, error)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.opener = fn
		}
	}
}

// WithRetrySleep replaces the wait between function-call retries
func WithRetrySleep(sleep retry.SleepFunc) Option {
	return func(m *Manager) {
		m.sleep = sleep
	}
}

// NewManager returns a Manager for cfg. Nothing connects until a facade is requested.
func NewManager(cfg config.Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.connector == nil {
		m.connector = NATSConnector(m.logger, m.registry)
	}
	if m.opener == nil {
		m.opener = m.natsOpener
	}
	m.logger = m.logger.With("component", "platform")
	return m
}

// NATSConnector dials the configured NATS server
func NATSConnector(logger *slog.Logger, registry *metric.MetricsRegistry) Connector {
	return func(ctx context.Context, cfg config.NATSConfig) (Conn, error) {
		opts := []natsclient.ClientOption{
			natsclient.WithLogger(logger),
			natsclient.WithMaxReconnects(cfg.MaxReconnects),
			natsclient.WithMetrics(registry),
		}
		if cfg.Name != "" {
			opts = append(opts, natsclient.WithName(cfg.Name))
		}
		if cfg.ReconnectWait > 0 {
			opts = append(opts, natsclient.WithReconnectWait(cfg.ReconnectWait))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, natsclient.WithTimeout(cfg.Timeout))
		}
		if cfg.Username != "" {
			opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
		}
		if cfg.Token != "" {
			opts = append(opts, natsclient.WithToken(cfg.Token))
		}
		if cfg.TLS.Enabled {
			opts = append(opts, natsclient.WithTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile))
		}

		client, err := natsclient.NewClient(cfg.URL, opts...)
		if err != nil {
			return nil, err
		}
		if err := client.Connect(ctx); err != nil {
			// releases the client's metric names for the next attempt
			_ = client.Close(context.Background())
			return nil, err
		}
		return client, nil
	}
}

func (m *Manager) natsOpener(conn Conn) (document.Opener, error) {
	client, ok := conn.(*natsclient.Client)
	if !ok {
		return nil, fmt.Errorf("documents need a NATS client connection, got %T", conn)
	}
	return document.NATSOpener(client, m.cfg.Documents), nil
}

// Config returns the configuration the Manager was built with
func (m *Manager) Config() config.Config {
	return m.cfg
}

// connect dials once; callers hold m.mu
func (m *Manager) connect(ctx context.Context) (Conn, error) {
	if m.conn != nil {
		return m.conn, nil
	}
	conn, err := m.connector(ctx, m.cfg.NATS)
	if err != nil {
		return nil, errors.WrapTransient(err, "Manager", "connect", "connect to "+m.cfg.NATS.URL)
	}
	m.conn = conn
	m.logger.Info("Connected to platform", "url", m.cfg.NATS.URL, "project", m.cfg.Platform.Project)
	return conn, nil
}

// Connect opens the connection without building a facade
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.connect(ctx)
	return err
}

// IsInitialized reports whether a connection is open
func (m *Manager) IsInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Documents returns the document facade, connecting on first use
func (m *Manager) Documents(ctx context.Context) (*document.Facade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.documents != nil {
		return m.documents, nil
	}
	conn, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	opener, err := m.opener(conn)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Manager", "Documents", "open collections")
	}

	cfg := m.cfg.Documents
	opts := []document.Option{
		document.WithLogger(m.logger),
		document.WithMetrics(m.registry.CoreMetrics()),
	}
	if cfg.QueryConcurrency > 0 {
		opts = append(opts, document.WithQueryConcurrency(cfg.QueryConcurrency))
	}
	docs := document.New(opener, opts...)
	if err := docs.LoadSchemas(cfg.Schemas); err != nil {
		return nil, errors.WrapInvalid(err, "Manager", "Documents", "load schemas")
	}

	m.documents = docs
	return docs, nil
}

// Functions returns the function-call facade, connecting on first use
func (m *Manager) Functions(ctx context.Context) (*functions.Facade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.functions != nil {
		return m.functions, nil
	}
	conn, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}

	cfg := m.cfg.Functions
	opts := []functions.Option{
		functions.WithLogger(m.logger),
		functions.WithMetrics(m.registry.CoreMetrics()),
		functions.WithDefaultRegion(cfg.Region),
		functions.WithDefaultMaxRetries(cfg.MaxRetries),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, functions.WithDefaultTimeout(cfg.Timeout))
	}
	if m.sleep != nil {
		opts = append(opts, functions.WithSleep(m.sleep))
	}

	m.functions = functions.New(conn, opts...)
	return m.functions, nil
}

// Messaging returns the messaging facade, connecting on first use
func (m *Manager) Messaging(ctx context.Context) (*messaging.Facade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.messaging != nil {
		return m.messaging, nil
	}
	conn, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}

	cfg := m.cfg.Messaging
	opts := []messaging.Option{
		messaging.WithLogger(m.logger),
		messaging.WithMetrics(m.registry),
		messaging.WithSubscribeDefaults(messaging.SubscribeOptions{
			MaxInFlight:    cfg.MaxInFlight,
			AckDeadline:    cfg.AckDeadline,
			AutoAck:        cfg.AutoAck,
			HandlerTimeout: cfg.HandlerTimeout,
		}),
		messaging.WithTopicRetention(cfg.RetentionMaxAge, cfg.Replicas),
	}
	if cfg.PublishRateLimit > 0 {
		opts = append(opts, messaging.WithPublishRateLimit(cfg.PublishRateLimit, cfg.PublishBurst))
	}

	m.messaging = messaging.New(conn, opts...)
	return m.messaging, nil
}

// Host returns a function host serving the configured region, connecting on first use
func (m *Manager) Host(ctx context.Context) (*functions.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.host != nil {
		return m.host, nil
	}
	conn, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}

	opts := []functions.HostOption{functions.WithHostLogger(m.logger)}
	if m.cfg.Functions.Region != "" {
		opts = append(opts, functions.WithHostRegion(m.cfg.Functions.Region))
	}
	m.host = functions.NewHost(conn, opts...)
	return m.host, nil
}

// Cleanup stops subscriptions and served functions, drops cached callers and buckets, and
// closes the connection. Facades requested afterwards are new instances.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	conn := m.conn
	docs, fns, msgs, host := m.documents, m.functions, m.messaging, m.host
	m.conn = nil
	m.documents, m.functions, m.messaging, m.host = nil, nil, nil, nil
	m.mu.Unlock()

	if conn == nil {
		m.logger.Info("Platform cleanup complete", "connected", false)
		return nil
	}

	var g errgroup.Group
	var mu sync.Mutex
	var errs []error
	collect := func(err error) {
		if err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	}

	if msgs != nil {
		g.Go(func() error {
			collect(msgs.Close())
			return nil
		})
	}
	if host != nil {
		g.Go(func() error {
			collect(host.Stop())
			return nil
		})
	}
	if fns != nil {
		fns.Close()
	}
	if docs != nil {
		docs.Close()
	}
	_ = g.Wait()

	if err := conn.Close(ctx); err != nil {
		collect(errors.WrapTransient(err, "Manager", "Cleanup", "close connection"))
	}

	if len(errs) > 0 {
		m.logger.Warn("Platform cleanup finished with errors", "errors", len(errs))
		return errors.Join(errs...)
	}
	m.logger.Info("Platform cleanup complete")
	return nil
}

// Health reports the connection, every registered subscription and the function host
func (m *Manager) Health() health.Status {
	m.mu.Lock()
	conn, msgs, host := m.conn, m.messaging, m.host
	m.mu.Unlock()

	if conn == nil {
		return health.Aggregate("platform", health.Degraded("connection", "not connected"))
	}

	checks := []health.Status{connectionHealth(conn)}
	if msgs != nil {
		for _, name := range msgs.Subscriptions() {
			sub, ok := msgs.Subscription(name)
			if !ok {
				continue
			}
			component := "subscription " + name
			if !sub.IsActive() {
				checks = append(checks, health.Degraded(component, "stopped"))
				continue
			}
			stats := sub.Stats()
			checks = append(checks, health.Healthy(component,
				fmt.Sprintf("topic %s, %d received, %d failed", sub.Topic(), stats.Received, stats.Failed)))
		}
	}
	if host != nil {
		checks = append(checks, health.Healthy("functions",
			fmt.Sprintf("serving %d functions in %s", len(host.Functions()), host.Region())))
	}
	return health.Aggregate("platform", checks...)
}

func connectionHealth(conn Conn) health.Status {
	checker, ok := conn.(interface{ IsHealthy() bool })
	if !ok || checker.IsHealthy() {
		return health.Healthy("connection", "connected")
	}
	if s, ok := conn.(interface{ Status() natsclient.ConnectionStatus }); ok {
		return health.Unhealthy("connection", "connection "+s.Status().String())
	}
	return health.Unhealthy("connection", "connection unhealthy")
}
