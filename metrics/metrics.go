// Package metrics registers the gateway's Prometheus collectors. Every
// collector lives in one registry so the CLI and tests can gather them
// without touching the process-global default registerer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "storagevm"

// Registry holds all collectors created through this package, plus the Go
// runtime and process collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// NewCounter registers and returns a counter named Namespace_subsystem_name.
// It panics on duplicate registration, so call it from package-level vars.
func NewCounter(subsystem, name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
	Registry.MustRegister(c)
	return c
}

// NewCounterVec registers and returns a labelled counter.
func NewCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
	Registry.MustRegister(c)
	return c
}

// NewGauge registers and returns a gauge.
func NewGauge(subsystem, name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
	Registry.MustRegister(g)
	return g
}

// NewHistogram registers and returns a histogram. Nil buckets select the
// Prometheus defaults.
func NewHistogram(subsystem, name, help string, buckets []float64) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	})
	Registry.MustRegister(h)
	return h
}

// Handler serves Registry in the Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
