// ttlkv keeps every value until an absolute deadline. This module bundles an expiring.Store with the lock that
// guards it, so callers pass a single handle around (including to the purge loop) instead of a store plus a mutex.

package cache

import (
	"context"
	"errors"
	"time"

	"github.com/nobletooth/ttlkv/pkg/expiring"
	"github.com/nobletooth/ttlkv/pkg/purge"
	"github.com/nobletooth/ttlkv/pkg/shared"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lookupsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_lookups_total",
		Help: "Total number of cache lookups.",
	}, []string{"cache", "status" /* hit | miss */})
	entriesMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cache_entries",
		Help: "Entries physically held by the cache, including expired ones not swept yet.",
	}, []string{"cache"})
)

// instrumentedStore refreshes the entries gauge whenever the purge loop sweeps the store.
type instrumentedStore[K comparable, V any] struct { // Implements purge.Sweeper.
	*expiring.Store[K, V]
	entries prometheus.Gauge
}

func (s *instrumentedStore[K, V]) Sweep() int {
	removed := s.Store.Sweep()
	s.entries.Set(float64(s.Len()))
	return removed
}

// TTL is a concurrency-safe handle on an expiring store.
type TTL[K comparable, V any] struct {
	name   string // Used as the metric label.
	guard  *shared.Guarded[*instrumentedStore[K, V]]
	hits   prometheus.Counter
	misses prometheus.Counter
}

// NewTTL creates an empty cache; `name` tells caches apart in metrics.
func NewTTL[K comparable, V any](name string) (*TTL[K, V], error) {
	if name == "" {
		return nil, errors.New("expected a non-empty cache name")
	}
	entries := entriesMetric.WithLabelValues(name)
	entries.Set(0)
	return &TTL[K, V]{
		name:   name,
		guard:  shared.New(&instrumentedStore[K, V]{Store: expiring.NewStore[K, V](), entries: entries}),
		hits:   lookupsMetric.WithLabelValues(name, "hit"),
		misses: lookupsMetric.WithLabelValues(name, "miss"),
	}, nil
}

// Name returns the metric label of the cache.
func (c *TTL[K, V]) Name() string {
	return c.name
}

// Insert stores `value` under `key` until `expiresAt`, replacing any previous entry.
func (c *TTL[K, V]) Insert(key K, value V, expiresAt time.Time) error {
	return c.Update(func(store *expiring.Store[K, V]) { store.Insert(key, value, expiresAt) })
}

// Get returns the live value of `key`.
func (c *TTL[K, V]) Get(key K) (V, bool /*found*/, error) {
	value, _, found, err := c.GetWithExpiration(key)
	return value, found, err
}

// GetWithExpiration returns the live value of `key` along with its deadline.
func (c *TTL[K, V]) GetWithExpiration(key K) (V, /*expiresAt*/ time.Time, bool /*found*/, error) {
	var (
		value     V
		expiresAt time.Time
		found     bool
	)
	if err := c.guard.Read(func(store *instrumentedStore[K, V]) {
		value, expiresAt, found = store.GetWithExpiration(key)
	}); err != nil {
		return *new(V), time.Time{}, false, err
	}
	if found {
		c.hits.Inc()
	} else {
		c.misses.Inc()
	}
	return value, expiresAt, found, nil
}

// Len returns the number of physically held entries, expired or not.
func (c *TTL[K, V]) Len() (int, error) {
	var held int
	err := c.guard.Read(func(store *instrumentedStore[K, V]) { held = store.Len() })
	return held, err
}

// View runs `fn` with shared access to the store. `fn` must only read.
func (c *TTL[K, V]) View(fn func(store *expiring.Store[K, V])) error {
	return c.guard.Read(func(store *instrumentedStore[K, V]) { fn(store.Store) })
}

// Update runs `fn` with exclusive access to the store, so reads and writes inside it happen atomically.
func (c *TTL[K, V]) Update(fn func(store *expiring.Store[K, V])) error {
	return c.guard.Write(func(store *instrumentedStore[K, V]) {
		fn(store.Store)
		store.entries.Set(float64(store.Len()))
	})
}

// Sweep removes expired entries right away instead of waiting for the purge loop.
func (c *TTL[K, V]) Sweep() ( /*removed*/ int, error) {
	var removed int
	err := c.guard.Write(func(store *instrumentedStore[K, V]) { removed = store.Sweep() })
	return removed, err
}

// StartPurging starts a purge loop sweeping this cache every `interval` until `ctx` is done.
func (c *TTL[K, V]) StartPurging(ctx context.Context, interval time.Duration) (*purge.Loop, error) {
	return purge.Start(ctx, c.guard, interval)
}
