package metric

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/cloudkit/errors"
)

const (
	defaultPort = 9090
	defaultPath = "/metrics"
)

// Server serves a registry over HTTP in Prometheus and OpenMetrics format, with a
// plain liveness probe on /health.
type Server struct {
	port     int
	path     string
	registry *MetricsRegistry

	mu  sync.Mutex
	srv *http.Server
}

// NewServer returns a stopped server; zero port and empty path take the defaults
func NewServer(port int, path string, registry *MetricsRegistry) *Server {
	if port == 0 {
		port = defaultPort
	}
	if path == "" {
		path = defaultPath
	}
	return &Server{port: port, path: path, registry: registry}
}

// Handler builds the mux Start serves
func (s *Server) Handler() (http.Handler, error) {
	if s.registry == nil {
		return nil, errors.WrapFatal(stderrors.New("nil registry"), "Server", "Handler", "build metrics handler")
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.registry.PrometheusRegistry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	return mux, nil
}

// Start binds the port and serves until Stop. It blocks; a failed bind returns at once.
func (s *Server) Start() error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.srv != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(stderrors.New("server already running"), "Server", "Start", "start metrics server")
	}
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.port))
	if err != nil {
		s.mu.Unlock()
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on port %d", s.port))
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	s.srv = srv
	s.mu.Unlock()

	if err := srv.Serve(ln); !stderrors.Is(err, http.ErrServerClosed) {
		return errors.WrapFatal(err, "Server", "Start", "serve metrics")
	}
	return nil
}

// Stop shuts the server down within ctx. A stopped server may be started again.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shut down metrics server")
	}
	return nil
}

// Address is the scrape URL on this host
func (s *Server) Address() string {
	return "http://localhost:" + strconv.Itoa(s.port) + s.path
}
