// Package metrics holds the process-wide Prometheus registry for the
// parameter server runtime. Metrics are created on first access (get-or-create
// semantics) so callers never need a separate registration step, mirroring
// the teacher pack's own metrics.Registry shape but backed by
// client_golang instead of hand-rolled atomic counters.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every counter, gauge and histogram registered by the
// runtime, keyed by name.
type Registry struct {
	reg *prometheus.Registry

	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// DefaultRegistry is the process-wide registry used by every component
// unless a test supplies its own.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty Registry backed by a fresh prometheus.Registry.
func NewRegistry() *Registry {
	return &Registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Prometheus returns the underlying prometheus.Registry for wiring into an
// HTTP exposition handler.
func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }

// Counter returns the CounterVec registered under name, creating it
// (with the given label names) if it does not exist yet.
func (r *Registry) Counter(name, help string, labels ...string) *prometheus.CounterVec {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; ok {
		return c
	}
	c = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	r.reg.MustRegister(c)
	r.counters[name] = c
	return c
}

// Gauge returns the GaugeVec registered under name, creating it if it does
// not exist yet.
func (r *Registry) Gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	r.mu.RLock()
	g, ok := r.gauges[name]
	r.mu.RUnlock()
	if ok {
		return g
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok = r.gauges[name]; ok {
		return g
	}
	g = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	r.reg.MustRegister(g)
	r.gauges[name] = g
	return g
}

// Histogram returns the HistogramVec registered under name, creating it if
// it does not exist yet.
func (r *Registry) Histogram(name, help string, labels ...string) *prometheus.HistogramVec {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; ok {
		return h
	}
	h = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help}, labels)
	r.reg.MustRegister(h)
	r.histograms[name] = h
	return h
}
