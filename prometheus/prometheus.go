// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package prometheus exposes the lattice runtime's stats through the
// Prometheus default registry.
package prometheus

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/molecula/lattice"
	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "lattice"

// Ensure PrometheusClient implements the interface.
var _ lattice.StatsClient = (*PrometheusClient)(nil)

// PrometheusClient is a lattice.StatsClient backed by the Prometheus
// default registerer. Collectors are created on first use of each metric
// name and shared by all derived (tagged) clients.
type PrometheusClient struct {
	shared *sharedCollectors
	tags   []string
}

type sharedCollectors struct {
	mu         sync.Mutex
	counters   map[string]prom.Counter
	gauges     map[string]prom.Gauge
	histograms map[string]prom.Histogram
}

// NewPrometheusClient returns a client registering metrics under the
// lattice namespace.
func NewPrometheusClient() *PrometheusClient {
	return &PrometheusClient{
		shared: &sharedCollectors{
			counters:   make(map[string]prom.Counter),
			gauges:     make(map[string]prom.Gauge),
			histograms: make(map[string]prom.Histogram),
		},
	}
}

// Tags returns the tags on the client.
func (c *PrometheusClient) Tags() []string { return c.tags }

// WithTags returns a new client sharing this client's collectors with
// additional tags appended. Prometheus metrics are not tag-scoped; tags
// only distinguish clients handed to subcomponents.
func (c *PrometheusClient) WithTags(tags ...string) lattice.StatsClient {
	return &PrometheusClient{
		shared: c.shared,
		tags:   append(append([]string(nil), c.tags...), tags...),
	}
}

func (s *sharedCollectors) counter(name string) prom.Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctr, ok := s.counters[name]; ok {
		return ctr
	}
	ctr := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      sanitize(name),
	})
	if err := prom.Register(ctr); err != nil {
		if are, ok := err.(prom.AlreadyRegisteredError); ok {
			ctr = are.ExistingCollector.(prom.Counter)
		}
	}
	s.counters[name] = ctr
	return ctr
}

func (s *sharedCollectors) gauge(name string) prom.Gauge {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gauges[name]; ok {
		return g
	}
	g := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      sanitize(name),
	})
	if err := prom.Register(g); err != nil {
		if are, ok := err.(prom.AlreadyRegisteredError); ok {
			g = are.ExistingCollector.(prom.Gauge)
		}
	}
	s.gauges[name] = g
	return g
}

func (s *sharedCollectors) histogram(name string) prom.Histogram {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.histograms[name]; ok {
		return h
	}
	h := prom.NewHistogram(prom.HistogramOpts{
		Namespace: namespace,
		Name:      sanitize(name),
	})
	if err := prom.Register(h); err != nil {
		if are, ok := err.(prom.AlreadyRegisteredError); ok {
			h = are.ExistingCollector.(prom.Histogram)
		}
	}
	s.histograms[name] = h
	return h
}

// Count tracks the number of times something occurs.
func (c *PrometheusClient) Count(name string, value int64, rate float64) {
	c.shared.counter(name).Add(float64(value))
}

// CountWithCustomTags tracks the number of times something occurs; the
// tags select a distinct metric name.
func (c *PrometheusClient) CountWithCustomTags(name string, value int64, rate float64, tags []string) {
	if len(tags) > 0 {
		name = name + "_" + strings.Join(tags, "_")
	}
	c.shared.counter(name).Add(float64(value))
}

// Gauge sets the value of a metric.
func (c *PrometheusClient) Gauge(name string, value float64, rate float64) {
	c.shared.gauge(name).Set(value)
}

// Histogram tracks the statistical distribution of a metric.
func (c *PrometheusClient) Histogram(name string, value float64, rate float64) {
	c.shared.histogram(name).Observe(value)
}

// Set is not supported by Prometheus; unique-element tracking is dropped.
func (c *PrometheusClient) Set(name string, value string, rate float64) {}

// Timing tracks timing information as a histogram in seconds.
func (c *PrometheusClient) Timing(name string, value time.Duration, rate float64) {
	c.shared.histogram(name).Observe(value.Seconds())
}

// SetLogger is a no-op; the default registerer reports its own errors.
func (c *PrometheusClient) SetLogger(logger io.Writer) {}

// Open is a no-op.
func (c *PrometheusClient) Open() {}

// Close is a no-op.
func (c *PrometheusClient) Close() error { return nil }

// sanitize maps stat names with tag separators onto valid Prometheus
// metric names.
func sanitize(name string) string {
	return strings.NewReplacer(":", "_", ",", "_", "-", "_", ".", "_").Replace(name)
}
