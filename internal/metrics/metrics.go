// Package metrics wires the cache and allocator hooks described in
// SPEC_FULL.md §2 (component 10) and §4.8 to Prometheus counters. It is
// grounded in the teacher repo's pkg/telemetry, scaled down from a full
// OpenTelemetry SDK (which assumes a trace/metric exporter destination
// this embedded library has no business owning) to plain
// github.com/prometheus/client_golang counters a caller can scrape from
// its own process, e.g. via the demo CLI's promhttp handler.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds one store instance's counters, all tagged with its uuid
// so several stores opened in one process don't collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	NodeCacheHits      prometheus.Counter
	NodeCacheMisses    prometheus.Counter
	NodeCacheEvictions prometheus.Counter
	DataCacheHits      prometheus.Counter
	DataCacheMisses    prometheus.Counter
	DataCacheEvictions prometheus.Counter
	ChunkAllocFailures prometheus.Counter
	FileAllocFailures  prometheus.Counter
	UsedNodePages      prometheus.Gauge
	UsedDataPages      prometheus.Gauge
}

// New registers a fresh set of counters into registry (creating one if nil)
// labeled with storeID, and returns them.
func New(registry *prometheus.Registry, storeID string) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	labels := prometheus.Labels{"store_id": storeID}

	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help, ConstLabels: labels})
		registry.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: labels})
		registry.MustRegister(g)
		return g
	}

	return &Metrics{
		registry:           registry,
		NodeCacheHits:       counter("bkv_node_cache_hits_total", "node file page/chunk cache hits"),
		NodeCacheMisses:     counter("bkv_node_cache_misses_total", "node file page/chunk cache misses"),
		NodeCacheEvictions:  counter("bkv_node_cache_evictions_total", "node file page/chunk cache LRU evictions"),
		DataCacheHits:       counter("bkv_data_cache_hits_total", "data file page/chunk cache hits"),
		DataCacheMisses:     counter("bkv_data_cache_misses_total", "data file page/chunk cache misses"),
		DataCacheEvictions:  counter("bkv_data_cache_evictions_total", "data file page/chunk cache LRU evictions"),
		ChunkAllocFailures:  counter("bkv_chunk_alloc_failures_total", "bitmap.Get calls that found no free run"),
		FileAllocFailures:   counter("bkv_file_alloc_failures_total", "allocations that found no chunk with room"),
		UsedNodePages:       gauge("bkv_used_node_pages", "index pages currently allocated across all chunks"),
		UsedDataPages:       gauge("bkv_used_data_pages", "data pages currently allocated across all chunks"),
	}
}

// Registry returns the Prometheus registry these metrics are registered
// into, for a caller to scrape (e.g. via promhttp.HandlerFor).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Hooks for a lrucache.Cache covering node-file entries.
func (m *Metrics) NodeCacheHooks() (onHit, onMiss, onEvict func()) {
	return m.NodeCacheHits.Inc, m.NodeCacheMisses.Inc, m.NodeCacheEvictions.Inc
}

// Hooks for a lrucache.Cache covering data-file entries.
func (m *Metrics) DataCacheHooks() (onHit, onMiss, onEvict func()) {
	return m.DataCacheHits.Inc, m.DataCacheMisses.Inc, m.DataCacheEvictions.Inc
}
