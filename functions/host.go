package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go/micro"

	"github.com/c360/cloudkit/errors"
)

// ServiceAdder registers a micro service. *natsclient.Client implements it.
type ServiceAdder interface {
	AddService(cfg micro.Config) (micro.Service, error)
}

// HandlerFunc serves one function. The returned value is JSON-encoded unless it is a
// json.RawMessage or []byte.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Host serves Go handlers as functions in one region
type Host struct {
	adder   ServiceAdder
	logger  *slog.Logger
	region  string
	name    string
	version string
	timeout time.Duration

	mu        sync.Mutex
	svc       micro.Service
	group     micro.Group
	endpoints []string
}

// HostOption configures a Host
type HostOption func(*Host)

// WithHostLogger sets the host logger
func WithHostLogger(logger *slog.Logger) HostOption {
	return func(h *Host) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithHostRegion sets the region the host serves
func WithHostRegion(region string) HostOption {
	return func(h *Host) {
		if region != "" {
			h.region = region
		}
	}
}

// WithServiceName sets the micro service name and version
func WithServiceName(name, version string) HostOption {
	return func(h *Host) {
		if name != "" {
			h.name = name
		}
		if version != "" {
			h.version = version
		}
	}
}

// WithHandlerTimeout bounds the context passed to handlers
func WithHandlerTimeout(d time.Duration) HostOption {
	return func(h *Host) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// NewHost creates a function host. The micro service is registered with the first handler.
func NewHost(adder ServiceAdder, opts ...HostOption) *Host {
	h := &Host{
		adder:   adder,
		logger:  slog.Default(),
		region:  DefaultRegion,
		name:    "cloudkit-functions",
		version: "1.0.0",
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "function-host", "region", h.region)
	return h
}

// Region returns the region served
func (h *Host) Region() string {
	return h.region
}

// Register serves fn as the function name
func (h *Host) Register(name string, fn HandlerFunc) error {
	if !namePattern.MatchString(name) {
		return errors.NewFunctionError(errors.CodeInvalidArgument, "register", name,
			fmt.Sprintf("invalid function name %q", name), nil)
	}
	if fn == nil {
		return errors.NewFunctionError(errors.CodeInvalidArgument, "register", name,
			"function handler cannot be nil", nil)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.svc == nil {
		svc, err := h.adder.AddService(micro.Config{
			Name:        h.name,
			Version:     h.version,
			Description: "cloudkit functions for " + h.region,
		})
		if err != nil {
			return errors.WrapTransient(err, "Host", "Register", "add service")
		}
		h.svc = svc
		h.group = svc.AddGroup("functions." + h.region)
	}

	err := h.group.AddEndpoint(name, micro.HandlerFunc(func(req micro.Request) {
		h.serve(name, fn, req)
	}), micro.WithEndpointMetadata(map[string]string{"region": h.region}))
	if err != nil {
		return errors.WrapInvalid(err, "Host", "Register", "add endpoint "+name)
	}

	h.endpoints = append(h.endpoints, name)
	h.logger.Info("Registered function", "function", name, "subject", Subject(h.region, name))
	return nil
}

// Handle registers a typed handler; the payload is decoded into Req
func Handle[Req, Res any](h *Host, name string, fn func(ctx context.Context, req Req) (Res, error)) error {
	return h.Register(name, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req Req
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, errors.NewFunctionError(errors.CodeInvalidArgument, "serve", name,
					fmt.Sprintf("decode request: %v", err), err)
			}
		}
		return fn(ctx, req)
	})
}

func (h *Host) serve(name string, fn HandlerFunc, req micro.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	result, err := func() (res any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return fn(ctx, json.RawMessage(req.Data()))
	}()

	if err != nil {
		code := errors.CodeInternal
		if c := errors.CodeOf(err); c != errors.CodeUnknown {
			code = c
		}
		h.logger.Warn("Function failed", "function", name, "code", code, "error", err)
		if rerr := req.Error(CodePrefix+string(code), err.Error(), nil); rerr != nil {
			h.logger.Error("Failed to send function error", "function", name, "error", rerr)
		}
		return
	}

	data, err := encodePayload(result)
	if err != nil {
		h.logger.Error("Failed to encode function result", "function", name, "error", err)
		_ = req.Error(CodePrefix+string(errors.CodeInternal), "encode result: "+err.Error(), nil)
		return
	}
	if err := req.Respond(data); err != nil {
		h.logger.Error("Failed to send function result", "function", name, "error", err)
	}
}

// Functions lists the registered function names
func (h *Host) Functions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := append([]string(nil), h.endpoints...)
	sort.Strings(names)
	return names
}

// Stop unregisters every function
func (h *Host) Stop() error {
	h.mu.Lock()
	svc := h.svc
	h.svc = nil
	h.group = nil
	h.endpoints = nil
	h.mu.Unlock()

	if svc == nil {
		return nil
	}
	if err := svc.Stop(); err != nil {
		return errors.Wrap(err, "Host", "Stop", "stop service")
	}
	h.logger.Info("Function host stopped")
	return nil
}
