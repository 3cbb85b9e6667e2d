package natsclient

import (
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/cloudkit/metric"
)

// ClientOption configures a Client in NewClient
type ClientOption func(*Client) error

// settings is the dial configuration a Client is built from
type settings struct {
	name          string
	timeout       time.Duration
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	drainTimeout  time.Duration

	// zero disables the watcher
	healthInterval  time.Duration
	metricsInterval time.Duration

	user, password, token string

	tls                   bool
	certFile, keyFile, ca string
}

func defaultSettings() settings {
	return settings{
		timeout:         5 * time.Second,
		maxReconnects:   -1,
		reconnectWait:   2 * time.Second,
		pingInterval:    30 * time.Second,
		drainTimeout:    30 * time.Second,
		healthInterval:  10 * time.Second,
		metricsInterval: 30 * time.Second,
	}
}

// dialOptions turns s into nats.go options; handlers come from the client
func (s settings) dialOptions(handlers ...nats.Option) []nats.Option {
	opts := append([]nats.Option{
		nats.Timeout(s.timeout),
		nats.MaxReconnects(s.maxReconnects),
		nats.ReconnectWait(s.reconnectWait),
		nats.PingInterval(s.pingInterval),
		nats.DrainTimeout(s.drainTimeout),
	}, handlers...)

	if s.name != "" {
		opts = append(opts, nats.Name(s.name))
	}
	if s.user != "" && s.password != "" {
		opts = append(opts, nats.UserInfo(s.user, s.password))
	}
	if s.token != "" {
		opts = append(opts, nats.Token(s.token))
	}
	if s.tls {
		if s.certFile != "" && s.keyFile != "" {
			opts = append(opts, nats.ClientCert(s.certFile, s.keyFile))
		}
		if s.ca != "" {
			opts = append(opts, nats.RootCAs(s.ca))
		}
	}
	return opts
}

func (s *settings) forgetSecrets() {
	s.user, s.password, s.token = "", "", ""
}

// WithName sets the connection name shown by the server
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.settings.name = name
		return nil
	}
}

// WithTimeout bounds the initial dial
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.settings.timeout = d
		return nil
	}
}

// WithMaxReconnects caps reconnect attempts after a lost connection; -1 retries forever
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) error {
		c.settings.maxReconnects = n
		return nil
	}
}

// WithReconnectWait sets the pause between reconnect attempts
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.settings.reconnectWait = d
		return nil
	}
}

// WithHealthInterval sets how often the connection is probed; zero turns probing off
func WithHealthInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.settings.healthInterval = d
		return nil
	}
}

// WithCredentials authenticates with a user and password
func WithCredentials(user, password string) ClientOption {
	return func(c *Client) error {
		c.settings.user = user
		c.settings.password = password
		return nil
	}
}

// WithToken authenticates with a bearer token
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.settings.token = token
		return nil
	}
}

// WithTLS turns on TLS. Empty paths fall back to the system roots and no client cert.
func WithTLS(certFile, keyFile, caFile string) ClientOption {
	return func(c *Client) error {
		c.settings.tls = true
		c.settings.certFile = certFile
		c.settings.keyFile = keyFile
		c.settings.ca = caFile
		return nil
	}
}

// WithCircuitBreakerThreshold sets how many failures in a row open the circuit
func WithCircuitBreakerThreshold(n int32) ClientOption {
	return func(c *Client) error {
		if n > 0 {
			c.breaker.threshold = n
		}
		return nil
	}
}

// WithMaxBackoff caps the open-circuit backoff. Values under a second are ignored.
func WithMaxBackoff(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d >= time.Second {
			c.breaker.maxBackoff = d
		}
		return nil
	}
}

// WithLogger sets the logger; nil keeps slog.Default()
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithMetrics reports connection state, breaker state and JetStream stream and consumer
// stats to registry. A nil registry leaves metrics off.
func WithMetrics(registry *metric.MetricsRegistry) ClientOption {
	return func(c *Client) error {
		if registry == nil {
			return nil
		}
		js, err := newJetStreamMetrics(registry)
		if err != nil {
			return err
		}
		c.jsMetrics = js
		c.coreMetrics = registry.CoreMetrics()
		return nil
	}
}
