// Package expiring holds keys whose entries carry an absolute expiration instant.
//
// Expiration is checked lazily on every read: an entry whose deadline is not strictly after "now" is treated as if
// it was never inserted. Reads never mutate the store, so expired entries stay physically resident until Sweep
// removes them (usually from the purge loop) or an Insert overwrites them.
//
// A Store is not safe for concurrent use on its own. Share it through shared.Guarded, which hands out read access
// for lookups and exclusive access for inserts and sweeps.

package expiring

import (
	"iter"
	"time"
)

// entry is a stored value along with the instant it stops being live.
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// live reports whether the entry is still visible at `now`. An entry expiring exactly at `now` is already gone.
func (e entry[V]) live(now time.Time) bool {
	return e.expiresAt.After(now)
}

// Store maps keys to values that expire at an absolute deadline.
type Store[K comparable, V any] struct { // Implements purge.Sweeper.
	entries map[K]entry[V]
	// now is the clock the store checks deadlines against. Deadlines built from time.Now() carry a monotonic
	// reading, so comparisons against this clock ignore wall clock adjustments.
	now func() time.Time
}

// NewStore returns an empty store.
func NewStore[K comparable, V any]() *Store[K, V] {
	return &Store[K, V]{entries: make(map[K]entry[V]), now: time.Now}
}

// DeadlineIn returns the instant `d` from now. Prefer it over building deadlines from wall clock values (e.g.
// time.Unix), since only times read from time.Now() keep the monotonic clock reading.
func DeadlineIn(d time.Duration) time.Time {
	return time.Now().Add(d)
}

// Insert stores `value` under `key` until `expiresAt`, replacing whatever entry the key had before, live or not.
// It never removes other entries.
func (s *Store[K, V]) Insert(key K, value V, expiresAt time.Time) {
	s.entries[key] = entry[V]{value: value, expiresAt: expiresAt}
}

// Get returns the value for `key` if it exists and is still live.
func (s *Store[K, V]) Get(key K) (V, bool /*found*/) {
	value, _, found := s.GetWithExpiration(key)
	return value, found
}

// GetWithExpiration is like Get but also returns the deadline of the entry.
func (s *Store[K, V]) GetWithExpiration(key K) (V, /*expiresAt*/ time.Time, bool /*found*/) {
	e, exists := s.entries[key]
	if !exists || !e.live(s.now()) {
		return *new(V), time.Time{}, false
	}
	return e.value, e.expiresAt, true
}

// Sweep removes every entry that is no longer live and returns how many were removed. All entries are judged
// against a single instant captured when the sweep starts.
func (s *Store[K, V]) Sweep() /*removed*/ int {
	now := s.now()
	removed := 0
	for key, e := range s.entries {
		if !e.live(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of physically held entries, including expired ones that were not swept yet.
func (s *Store[K, V]) Len() int {
	return len(s.entries)
}

// All yields the live entries, judged against a single instant captured when iteration starts. The store must not
// be written to while iterating.
func (s *Store[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		now := s.now()
		for key, e := range s.entries {
			if !e.live(now) {
				continue
			}
			if !yield(key, e.value) {
				return
			}
		}
	}
}

// contains reports whether `key` physically has a slot, regardless of liveness.
func (s *Store[K, V]) contains(key K) bool {
	_, exists := s.entries[key]
	return exists
}
