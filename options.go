package bkv

import (
	"github.com/abbycin/bkv/internal/btree"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Comparator orders two keys; the default is bytes.Compare.
type Comparator = btree.Comparator

// Option configures a Store at Open time.
type Option func(*config)

type config struct {
	cmp      Comparator
	logger   *zap.Logger
	registry *prometheus.Registry
}

// WithComparator overrides the default byte-lexicographic key ordering.
func WithComparator(cmp Comparator) Option {
	return func(c *config) { c.cmp = cmp }
}

// WithLogger sets the zap.Logger used for diagnostics and fatal aborts.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithMetricsRegistry registers the store's counters/gauges into an
// existing Prometheus registry instead of a fresh private one.
func WithMetricsRegistry(registry *prometheus.Registry) Option {
	return func(c *config) { c.registry = registry }
}
