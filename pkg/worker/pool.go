package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/cloudkit/metric"
)

// Pool runs a fixed number of workers over a bounded queue of T
type Pool[T any] struct {
	workers int
	process func(context.Context, T) error
	queue   chan T
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool

	counts  counters
	metrics *poolMetrics

	registry *metric.MetricsRegistry
	prefix   string
}

type counters struct {
	submitted, processed, failed, dropped, active atomic.Int64
}

// Option configures a Pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry exports the pool's counters to registry as <prefix>_* metrics.
// They are removed again by Stop, also when it times out.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.registry = registry
		p.prefix = prefix
	}
}

// NewPool builds a stopped pool. workers defaults to 10 and queueSize to workers. A nil
// process func panics with ErrNilProcessor.
func NewPool[T any](workers, queueSize int, process func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if process == nil {
		panic(ErrNilProcessor)
	}
	if workers <= 0 {
		workers = 10
	}
	if queueSize <= 0 {
		queueSize = workers
	}

	p := &Pool[T]{
		workers: workers,
		process: process,
		queue:   make(chan T, queueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registry != nil && p.prefix != "" {
		p.metrics = registerPoolMetrics(p.registry, p.prefix)
	}
	return p
}

// Start launches the workers. They exit when ctx ends or after Stop drains the queue.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrPoolAlreadyStarted
	}
	p.started = true

	p.wg.Add(p.workers)
	for range p.workers {
		go p.run(ctx)
	}
	return nil
}

// Stop closes the pool to new work and waits up to timeout for the queue to drain.
// Stopping a pool that never started, or twice, is a no-op.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.done)
	p.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(idle)
	}()

	// metric names are released either way so a replacement pool can claim them
	defer p.releaseMetrics()

	select {
	case <-idle:
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

func (p *Pool[T]) releaseMetrics() {
	if p.metrics != nil {
		p.registry.UnregisterOwner(poolOwner(p.prefix))
	}
}

// Submit queues work without blocking and fails with ErrQueueFull when there is no room
func (p *Pool[T]) Submit(work T) error {
	if err := p.accepting(); err != nil {
		return err
	}
	select {
	case p.queue <- work:
		p.queued()
		return nil
	default:
		p.rejected()
		return ErrQueueFull
	}
}

// SubmitWait queues work, waiting for room until ctx ends or the pool stops
func (p *Pool[T]) SubmitWait(ctx context.Context, work T) error {
	if err := p.accepting(); err != nil {
		return err
	}
	select {
	case p.queue <- work:
		p.queued()
		return nil
	case <-p.done:
		p.rejected()
		return ErrPoolStopped
	case <-ctx.Done():
		p.rejected()
		return ctx.Err()
	}
}

func (p *Pool[T]) accepting() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case !p.started:
		return ErrPoolNotStarted
	case p.stopped:
		return ErrPoolStopped
	}
	return nil
}

// PoolStats is a snapshot of a pool's counters
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Active     int64 `json:"active"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// Stats returns the current counters
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  cap(p.queue),
		QueueDepth: len(p.queue),
		Active:     p.counts.active.Load(),
		Submitted:  p.counts.submitted.Load(),
		Processed:  p.counts.processed.Load(),
		Failed:     p.counts.failed.Load(),
		Dropped:    p.counts.dropped.Load(),
	}
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case work := <-p.queue:
			p.handle(ctx, work)
		case <-p.done:
			// finish what is already queued, then exit
			for {
				select {
				case work := <-p.queue:
					p.handle(ctx, work)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool[T]) handle(ctx context.Context, work T) {
	p.counts.active.Add(1)
	p.metrics.begin(len(p.queue))

	start := time.Now()
	err := p.process(ctx, work)

	p.counts.active.Add(-1)
	p.counts.processed.Add(1)
	if err != nil {
		p.counts.failed.Add(1)
	}
	p.metrics.end(time.Since(start), err)
}

func (p *Pool[T]) queued() {
	p.counts.submitted.Add(1)
	p.metrics.submit(len(p.queue))
}

func (p *Pool[T]) rejected() {
	p.counts.dropped.Add(1)
	p.metrics.drop()
}

// poolMetrics mirrors the counters in Prometheus; every method is a no-op on nil
type poolMetrics struct {
	queueDepth prometheus.Gauge
	busy       prometheus.Gauge
	submitted  prometheus.Counter
	processed  prometheus.Counter
	failed     prometheus.Counter
	dropped    prometheus.Counter
	duration   *prometheus.HistogramVec
}

func poolOwner(prefix string) string {
	return "worker_pool." + prefix
}

// registerPoolMetrics returns nil when the names are taken, leaving the pool unmetered
func registerPoolMetrics(registry *metric.MetricsRegistry, prefix string) *poolMetrics {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: prefix + "_" + name, Help: help})
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: prefix + "_" + name, Help: help})
	}

	m := &poolMetrics{
		queueDepth: gauge("queue_depth", "Items waiting in the queue"),
		busy:       gauge("busy_workers", "Workers handling an item"),
		submitted:  counter("submitted_total", "Items accepted into the queue"),
		processed:  counter("processed_total", "Items handled"),
		failed:     counter("failed_total", "Items whose handler returned an error"),
		dropped:    counter("dropped_total", "Items refused by a full or stopped pool"),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_processing_duration_seconds",
			Help:    "Time spent handling one item",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"status"}),
	}

	if err := registry.RegisterAll(poolOwner(prefix), map[string]prometheus.Collector{
		"queue_depth":                 m.queueDepth,
		"busy_workers":                m.busy,
		"submitted_total":             m.submitted,
		"processed_total":             m.processed,
		"failed_total":                m.failed,
		"dropped_total":               m.dropped,
		"processing_duration_seconds": m.duration,
	}); err != nil {
		return nil
	}
	return m
}

func (m *poolMetrics) submit(depth int) {
	if m != nil {
		m.submitted.Inc()
		m.queueDepth.Set(float64(depth))
	}
}

func (m *poolMetrics) drop() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *poolMetrics) begin(depth int) {
	if m != nil {
		m.busy.Inc()
		m.queueDepth.Set(float64(depth))
	}
}

func (m *poolMetrics) end(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.busy.Dec()
	m.processed.Inc()
	status := "success"
	if err != nil {
		m.failed.Inc()
		status = "error"
	}
	m.duration.WithLabelValues(status).Observe(elapsed.Seconds())
}
