// Package shared hands a single value to many goroutines through one reader/writer lock.
//
// Readers share access and run concurrently; writers get exclusive access. The lock is sync.RWMutex, which is
// write-preferring: once a writer is waiting in Lock, new readers block until that writer is done, so a periodic
// writer such as the purge loop cannot be starved by a steady stream of lookups.
//
// A Guarded value is poisoned when a writer panics while holding exclusive access, since the value may have been
// left half-mutated. Every later access fails with ErrPoisoned instead of exposing that value.

package shared

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrPoisoned is returned by every access to a guard whose previous writer panicked.
var ErrPoisoned = errors.New("guarded value is poisoned")

var poisonedGuards = promauto.NewCounter(prometheus.CounterOpts{
	Name: "shared_poisoned_guards_total",
	Help: "Total number of guards poisoned by a panicking writer.",
})

// Guarded owns a value of type T and serializes access to it.
type Guarded[T any] struct {
	mux      sync.RWMutex
	value    T
	poisoned atomic.Bool // Set under the write lock, read by both readers and writers.
}

// New wraps `value`; the caller must not keep using `value` directly afterwards.
func New[T any](value T) *Guarded[T] {
	return &Guarded[T]{value: value}
}

// Read runs `fn` with shared access. `fn` must not retain the value or write to it.
// A panic inside `fn` is returned as an error and does not poison the guard.
func (g *Guarded[T]) Read(fn func(T)) (err error) {
	g.mux.RLock()
	defer g.mux.RUnlock()
	if g.poisoned.Load() {
		return ErrPoisoned
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("reader panicked: %v", recovered)
		}
	}()
	fn(g.value)
	return nil
}

// Write runs `fn` with exclusive access. If `fn` panics, the guard is poisoned and the panic is returned as an error
// wrapping ErrPoisoned.
func (g *Guarded[T]) Write(fn func(T)) (err error) {
	g.mux.Lock()
	defer g.mux.Unlock()
	if g.poisoned.Load() {
		return ErrPoisoned
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			g.poisoned.Store(true)
			poisonedGuards.Inc()
			slog.Error("Writer panicked while holding exclusive access; poisoning the guard.", "panic", recovered)
			err = fmt.Errorf("%w: writer panicked: %v", ErrPoisoned, recovered)
		}
	}()
	fn(g.value)
	return nil
}

// Poisoned reports whether a writer has panicked while holding exclusive access.
func (g *Guarded[T]) Poisoned() bool {
	return g.poisoned.Load()
}
