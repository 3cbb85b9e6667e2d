package metric

import (
	stderrors "errors"
	"fmt"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/cloudkit/errors"
)

// MetricsRegistry is the Prometheus registry behind a process. It always carries the core
// facade metrics and the Go runtime collectors; components add their own collectors
// under an owner name and remove them when they shut down.
type MetricsRegistry struct {
	prom *prometheus.Registry
	core *Metrics

	mu    sync.Mutex
	owned map[string]map[string]prometheus.Collector
}

// NewMetricsRegistry returns a registry with the core cloudkit metrics registered
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prom:  prometheus.NewRegistry(),
		core:  NewMetrics(),
		owned: make(map[string]map[string]prometheus.Collector),
	}
	r.core.mustRegister(r.prom)
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry exposes the registry for gathering and serving
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prom
}

// CoreMetrics returns the facade metrics, or nil on a nil registry
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	if r == nil {
		return nil
	}
	return r.core
}

// Register adds c as owner's metric called name. Registering a name twice for the same
// owner, or a collector Prometheus already knows, is an invalid-class error.
func (r *MetricsRegistry) Register(owner, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.register(owner, name, c)
}

// RegisterAll registers every collector in named for owner, or none of them
func (r *MetricsRegistry) RegisterAll(owner string, named map[string]prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	slices.Sort(names)

	for i, name := range names {
		if err := r.register(owner, name, named[name]); err != nil {
			for _, done := range names[:i] {
				r.unregister(owner, done)
			}
			return err
		}
	}
	return nil
}

func (r *MetricsRegistry) register(owner, name string, c prometheus.Collector) error {
	if _, dup := r.owned[owner][name]; dup {
		return errors.WrapInvalid(fmt.Errorf("metric %s already registered for %s", name, owner),
			"MetricsRegistry", "Register", "duplicate metric")
	}

	if err := r.prom.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.WrapInvalid(err, "MetricsRegistry", "Register", "prometheus conflict for "+name)
		}
		return errors.WrapFatal(err, "MetricsRegistry", "Register", "register "+name)
	}

	if r.owned[owner] == nil {
		r.owned[owner] = make(map[string]prometheus.Collector)
	}
	r.owned[owner][name] = c
	return nil
}

// Unregister removes owner's metric called name and reports whether it was there
func (r *MetricsRegistry) Unregister(owner, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unregister(owner, name)
}

// UnregisterOwner removes every metric owner registered and returns how many went
func (r *MetricsRegistry) UnregisterOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for name := range r.owned[owner] {
		if r.unregister(owner, name) {
			removed++
		}
	}
	return removed
}

func (r *MetricsRegistry) unregister(owner, name string) bool {
	c, ok := r.owned[owner][name]
	if !ok || !r.prom.Unregister(c) {
		return false
	}
	delete(r.owned[owner], name)
	if len(r.owned[owner]) == 0 {
		delete(r.owned, owner)
	}
	return true
}
