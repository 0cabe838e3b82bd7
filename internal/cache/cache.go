// Package cache holds named key/value caches used to keep recently loaded documents.
package cache

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// Cache is a named cache of encoded values. A missing entry is reported by ok=false, never by an error.
type Cache interface {
	Name() string
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	HasEntry(ctx context.Context, key string) (bool, error)
	Invalidate(ctx context.Context, keys ...string) error
	InvalidateAll(ctx context.Context) error
}

// Metrics counts hits and misses per cache name.
type Metrics struct {
	hits   *prometheus.CounterVec
	misses *prometheus.CounterVec
}

// NewMetrics registers the cache counters on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ecm_cache_hits_total",
			Help: "Total number of cache lookups that found an entry.",
		}, []string{"cache"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ecm_cache_misses_total",
			Help: "Total number of cache lookups that found nothing.",
		}, []string{"cache"}),
	}
	for _, c := range []prometheus.Collector{m.hits, m.misses} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Instrument wraps c so its lookups are counted. A nil m returns c unchanged.
func Instrument(c Cache, m *Metrics) Cache {
	if m == nil {
		return c
	}
	return &instrumented{Cache: c, metrics: m}
}

type instrumented struct {
	Cache
	metrics *Metrics
}

func (i *instrumented) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := i.Cache.Get(ctx, key)
	if err == nil {
		if ok {
			i.metrics.hits.WithLabelValues(i.Name()).Inc()
		} else {
			i.metrics.misses.WithLabelValues(i.Name()).Inc()
		}
	}
	return v, ok, err
}
