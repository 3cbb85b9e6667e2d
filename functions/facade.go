package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"

	"github.com/c360/cloudkit/errors"
	"github.com/c360/cloudkit/metric"
	"github.com/c360/cloudkit/natsclient"
	"github.com/c360/cloudkit/pkg/retry"
)

// Defaults applied when neither the facade nor the call sets a value
const (
	DefaultRegion     = "us-central1"
	DefaultTimeout    = 70 * time.Second
	DefaultMaxRetries = 3

	// CodePrefix is the platform prefix on error codes in responses
	CodePrefix = "functions/"

	retryBase = time.Second
	retryMax  = 10 * time.Second
)

var namePattern = regexp.MustCompile(`^[-_a-zA-Z0-9]+$`)

// Requester sends a request and waits for the reply. *natsclient.Client implements it.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte, hdr nats.Header) (*nats.Msg, error)
}

// Subject returns the request subject for a function in region
func Subject(region, name string) string {
	return "functions." + region + "." + name
}

// Facade calls remote functions
type Facade struct {
	requester  Requester
	logger     *slog.Logger
	metrics    *metric.Metrics
	region     string
	timeout    time.Duration
	maxRetries int
	sleep      retry.SleepFunc

	mu      sync.Mutex
	callers map[string]*Caller
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

// WithMetrics records call metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(f *Facade) {
		f.metrics = m
	}
}

// WithDefaultRegion sets the region used by calls without WithRegion
func WithDefaultRegion(region string) Option {
	return func(f *Facade) {
		if region != "" {
			f.region = region
		}
	}
}

// WithDefaultTimeout sets the timeout used by calls without WithTimeout
func WithDefaultTimeout(d time.Duration) Option {
	return func(f *Facade) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithDefaultMaxRetries sets the retry count used by calls without WithMaxRetries
func WithDefaultMaxRetries(n int) Option {
	return func(f *Facade) {
		if n >= 0 {
			f.maxRetries = n
		}
	}
}

// WithSleep replaces the backoff wait between retries
func WithSleep(sleep retry.SleepFunc) Option {
	return func(f *Facade) {
		f.sleep = sleep
	}
}

// New creates a functions facade over requester
func New(requester Requester, opts ...Option) *Facade {
	f := &Facade{
		requester:  requester,
		logger:     slog.Default(),
		region:     DefaultRegion,
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
		callers:    make(map[string]*Caller),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "functions")
	return f
}

// CallOption configures a single call
type CallOption func(*callOptions)

type callOptions struct {
	region     string
	timeout    time.Duration
	maxRetries int
}

// WithRegion selects the region to call
func WithRegion(region string) CallOption {
	return func(o *callOptions) {
		o.region = region
	}
}

// WithTimeout bounds each attempt
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
	}
}

// WithMaxRetries sets how many times CallWithRetry retries after the first attempt
func WithMaxRetries(n int) CallOption {
	return func(o *callOptions) {
		o.maxRetries = n
	}
}

func (f *Facade) resolve(opts []CallOption) callOptions {
	o := callOptions{region: f.region, timeout: f.timeout, maxRetries: f.maxRetries}
	for _, opt := range opts {
		opt(&o)
	}
	if o.region == "" {
		o.region = f.region
	}
	if o.timeout <= 0 {
		o.timeout = f.timeout
	}
	if o.maxRetries < 0 {
		o.maxRetries = 0
	}
	return o
}

// Caller returns the cached caller for region, creating it on first use
func (f *Facade) Caller(region string) *Caller {
	if region == "" {
		region = f.region
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.callers[region]; ok {
		return c
	}
	c := &Caller{facade: f, region: region}
	f.callers[region] = c
	f.logger.Debug("Created function caller", "region", region)
	return c
}

// Regions lists the regions with a cached caller
func (f *Facade) Regions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	regions := make([]string, 0, len(f.callers))
	for r := range f.callers {
		regions = append(regions, r)
	}
	sort.Strings(regions)
	return regions
}

// Close drops the cached callers
func (f *Facade) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callers = make(map[string]*Caller)
}

// Call invokes name once and returns the raw JSON result
func (f *Facade) Call(ctx context.Context, name string, payload any, opts ...CallOption) (json.RawMessage, error) {
	o := f.resolve(opts)
	return f.Caller(o.region).Call(ctx, name, payload, o.timeout)
}

// CallWithRetry invokes name, retrying failures other than permission-denied,
// invalid-argument and not-found. The delay before retry k (0-based) is
// min(1s*2^k, 10s). The last failure is returned.
func (f *Facade) CallWithRetry(ctx context.Context, name string, payload any, opts ...CallOption) (json.RawMessage, error) {
	o := f.resolve(opts)
	caller := f.Caller(o.region)

	cfg := retry.Backoff(o.maxRetries, retryBase, retryMax)
	cfg.Sleep = f.sleep
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		f.metrics.RecordFunctionRetry(name)
		f.logger.Warn("Function call failed, retrying",
			"function", name, "region", o.region, "attempt", attempt, "delay", delay, "error", err)
	}

	var last error
	result, err := retry.DoWithResult(ctx, cfg, func() (json.RawMessage, error) {
		res, err := caller.Call(ctx, name, payload, o.timeout)
		if err != nil {
			last = err
			if !errors.IsRetryableCode(errors.CodeOf(err)) {
				return nil, retry.NonRetryable(err)
			}
			return nil, err
		}
		return res, nil
	})
	if err == nil {
		return result, nil
	}

	// Cancelled while waiting between attempts
	if ctx.Err() != nil && !errors.Is(last, ctx.Err()) {
		return nil, callError(name, ctx.Err())
	}
	if last != nil {
		return nil, last
	}
	return nil, callError(name, err)
}

// Invoke calls name once and decodes the result into Res
func Invoke[Res any](ctx context.Context, f *Facade, name string, payload any, opts ...CallOption) (Res, error) {
	raw, err := f.Call(ctx, name, payload, opts...)
	if err != nil {
		var zero Res
		return zero, err
	}
	return decodeResult[Res](name, raw)
}

// InvokeWithRetry calls name with retry and decodes the result into Res
func InvokeWithRetry[Res any](ctx context.Context, f *Facade, name string, payload any, opts ...CallOption) (Res, error) {
	raw, err := f.CallWithRetry(ctx, name, payload, opts...)
	if err != nil {
		var zero Res
		return zero, err
	}
	return decodeResult[Res](name, raw)
}

func decodeResult[Res any](name string, raw json.RawMessage) (Res, error) {
	var out Res
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, errors.NewFunctionError(errors.CodeInternal, "call", name,
			fmt.Sprintf("function %s failed: decode result: %v", name, err), err)
	}
	return out, nil
}

// Caller invokes functions in one region
type Caller struct {
	facade *Facade
	region string
}

// Region returns the caller's region
func (c *Caller) Region() string {
	return c.region
}

// Call invokes name once with the given per-attempt timeout; zero uses the facade default
func (c *Caller) Call(ctx context.Context, name string, payload any, timeout time.Duration) (json.RawMessage, error) {
	f := c.facade
	start := time.Now()

	res, err := c.call(ctx, name, payload, timeout)

	code := "ok"
	if err != nil {
		code = string(errors.CodeOf(err))
		f.logger.Debug("Function call failed", "function", name, "region", c.region, "error", err)
	}
	f.metrics.RecordFunctionCall(name, c.region, code, time.Since(start))
	return res, err
}

func (c *Caller) call(ctx context.Context, name string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if !namePattern.MatchString(name) {
		return nil, errors.NewFunctionError(errors.CodeInvalidArgument, "call", name,
			fmt.Sprintf("function %s failed: invalid function name", name), nil)
	}

	data, err := encodePayload(payload)
	if err != nil {
		return nil, errors.NewFunctionError(errors.CodeInvalidArgument, "call", name,
			fmt.Sprintf("function %s failed: encode payload: %v", name, err), err)
	}

	if timeout <= 0 {
		timeout = c.facade.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hdr := nats.Header{}
	hdr.Set("Content-Type", "application/json")

	msg, err := c.facade.requester.Request(ctx, Subject(c.region, name), data, hdr)
	if err != nil {
		return nil, callError(name, err)
	}

	if raw := msg.Header.Get(micro.ErrorCodeHeader); raw != "" {
		code := errors.NormalizeCode(raw, CodePrefix)
		description := msg.Header.Get(micro.ErrorHeader)
		if description == "" {
			description = string(code)
		}
		return nil, errors.NewFunctionError(code, "call", name,
			fmt.Sprintf("function %s failed: %s", name, description),
			fmt.Errorf("%s: %s", raw, description))
	}

	return json.RawMessage(msg.Data), nil
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

// callError maps a transport failure onto a function error
func callError(name string, err error) error {
	var pe *errors.PlatformError
	if errors.As(err, &pe) {
		return err
	}

	code := errors.CodeInternal
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		code = errors.CodeUnavailable
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code = errors.CodeDeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = errors.CodeCancelled
	case errors.Is(err, natsclient.ErrNotConnected),
		errors.Is(err, natsclient.ErrCircuitOpen),
		errors.Is(err, natsclient.ErrClientClosed):
		code = errors.CodeUnavailable
	}
	return errors.NewFunctionError(code, "call", name,
		fmt.Sprintf("function %s failed: %v", name, err), err)
}
