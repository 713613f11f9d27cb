// Package purge runs the background loop that keeps expired entries from piling up in memory.
//
// The loop knows nothing about keys or values. It repeatedly takes exclusive access to a Sweeper through its
// shared.Guarded handle and asks it to drop whatever is no longer live. The first sweep happens as soon as the loop
// starts; later sweeps follow a fixed ticker cadence. Sweeps never overlap: a sweep slower than the interval simply
// delays the next one until the write lock is released.

package purge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nobletooth/ttlkv/pkg/shared"
	"github.com/nobletooth/ttlkv/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "purge_sweeps_total",
		Help: "Total number of sweeps attempted by purge loops.",
	}, []string{"status" /* ok | poisoned */})
	sweptEntriesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "purge_swept_entries_total",
		Help: "Total number of expired entries removed by purge loops.",
	})
	sweepDurationMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "purge_sweep_duration_seconds",
		Help:    "Time spent holding exclusive access during a sweep.",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12), // 1µs .. ~4s.
	})
)

// Sweeper removes every entry that is no longer live.
type Sweeper interface {
	// Sweep removes expired entries and returns how many it removed.
	Sweep() /*removed*/ int
}

// Loop is a handle on a running purge loop. Dropping it is fine; the loop then lives until its context is done.
type Loop struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error // Written once before `done` is closed.
}

// Start launches a purge loop over `target` that sweeps right away and then every `interval`, until `ctx` is
// cancelled, Stop is called, or the guard turns out to be poisoned.
func Start[S Sweeper](ctx context.Context, target *shared.Guarded[S], interval time.Duration) (*Loop, error) {
	if target == nil {
		return nil, errors.New("expected a non-nil sweep target")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("expected a positive purge interval, got %s", interval)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	loop := &Loop{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(loop.done)
		loop.err = run(loopCtx, target, interval)
	}()
	return loop, nil
}

// run owns the ticker; it returns nil on cancellation and the guard's error if a sweep could not get access.
func run[S Sweeper](ctx context.Context, target *shared.Guarded[S], interval time.Duration) error {
	// The ticker is created before the first sweep so the cadence is anchored at start, not at sweep completion.
	// Ticks missed during a sweep longer than `interval` collapse into a single pending tick.
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Debug("Purge loop started.", "interval", interval)
	for {
		if err := sweepOnce(target); err != nil {
			slog.Error("Purge loop stopped; the sweep target is unusable.", "error", err)
			return err
		}
		select {
		case <-ctx.Done():
			slog.Debug("Purge loop cancelled.")
			return nil
		case <-ticker.C:
		}
	}
}

// sweepOnce performs one acquire -> sweep -> release cycle.
func sweepOnce[S Sweeper](target *shared.Guarded[S]) error {
	var removed int
	var held time.Duration
	err := target.Write(func(sweeper S) {
		start := time.Now()
		removed = sweeper.Sweep()
		held = time.Since(start)
	})
	if err != nil {
		sweepsMetric.WithLabelValues("poisoned").Inc()
		return fmt.Errorf("failed to sweep: %w", err)
	}
	if removed < 0 {
		utils.RaiseInvariant("purge", "negative_swept_count", "Sweeper reported a negative removal count.",
			"removed", removed)
		removed = 0
	}

	sweepsMetric.WithLabelValues("ok").Inc()
	sweptEntriesMetric.Add(float64(removed))
	sweepDurationMetric.Observe(held.Seconds())
	if removed > 0 {
		slog.Debug("Swept expired entries.", "removed", removed, "held", held)
	}
	return nil
}

// Stop cancels the loop and waits for it to exit. A sweep in progress is allowed to finish first.
// It returns the error that stopped the loop on its own, if any.
func (l *Loop) Stop() error {
	l.once.Do(l.cancel)
	<-l.done
	return l.err
}

// Done is closed once the loop has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Err returns the error that stopped the loop; it is only meaningful once Done is closed.
func (l *Loop) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}
