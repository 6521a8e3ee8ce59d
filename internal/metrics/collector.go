package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector owns the process-wide Prometheus registry. The pipeline
// metric set, the HTTP endpoint, and the snapshot view all go through
// it, so nothing in the daemon touches the global default registry.
type Collector struct {
	registry *prometheus.Registry
}

// NewCollector creates a collector backed by a fresh registry
func NewCollector() *Collector {
	return &Collector{
		registry: prometheus.NewRegistry(),
	}
}

// NewCounter registers and returns a counter
func (c *Collector) NewCounter(name, help string) prometheus.Counter {
	return promauto.With(c.registry).NewCounter(prometheus.CounterOpts{
		Name: name,
		Help: help,
	})
}

// NewCounterVec registers and returns a counter partitioned by labels
func (c *Collector) NewCounterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(c.registry).NewCounterVec(prometheus.CounterOpts{
		Name: name,
		Help: help,
	}, labels)
}

// NewGauge registers and returns a gauge
func (c *Collector) NewGauge(name, help string) prometheus.Gauge {
	return promauto.With(c.registry).NewGauge(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	})
}

// NewHistogram registers and returns a histogram. A nil bucket slice
// falls back to the prometheus defaults.
func (c *Collector) NewHistogram(name, help string, buckets []float64) prometheus.Histogram {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	return promauto.With(c.registry).NewHistogram(prometheus.HistogramOpts{
		Name:    name,
		Help:    help,
		Buckets: buckets,
	})
}

// Registry exposes the registry for the HTTP handler and for snapshot
// gathering
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
