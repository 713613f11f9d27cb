// Invariants are conditions that must hold unless there is a bug in ttlkv itself, e.g. a purge loop being
// started with a non-positive interval by our own wiring, or a store reporting more swept entries than it held.
// A violation is logged, counted on `invariants_total` so it can be alerted on, and panics in test-mode builds.
// The caller still has to handle the broken case itself, usually with an early return.
//
// Do not raise invariants for conditions caused by the outside world: a client sending a malformed SET is an
// error reply, not an invariant.

package utils

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	promclient "github.com/prometheus/client_model/go"
)

var invariantsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "invariants_total",
	Help: "The total number of invariant violations",
}, []string{
	"module", // The package in which this invariant occurred.
	"type",   // The type of the invariant that occurred.
})

// RaiseInvariant records a violated invariant of `invariantType` in `module`.
func RaiseInvariant(module, invariantType, msg string, args ...any) {
	invariantsMetric.WithLabelValues(module, invariantType).Inc()
	slog.With("invariant", invariantType, "module", module).Error(msg, args...)
	if IsTestMode {
		panic("invariant violated: " + invariantType)
	}
}

// GetMetricValue returns the current value of the invariant counter for `module` and `invariantType`.
func GetMetricValue(module, invariantType string) int {
	return int(CounterValue(invariantsMetric.WithLabelValues(module, invariantType)))
}

// CounterValue reads back the current value of a prometheus counter; it is meant for tests and debug endpoints.
func CounterValue(counter prometheus.Counter) float64 {
	metric := &promclient.Metric{}
	if err := counter.Write(metric); err != nil {
		slog.Error("Failed to read counter value.", "error", err)
		return 0
	}
	return metric.GetCounter().GetValue()
}

// GaugeValue reads back the current value of a prometheus gauge.
func GaugeValue(gauge prometheus.Gauge) float64 {
	metric := &promclient.Metric{}
	if err := gauge.Write(metric); err != nil {
		slog.Error("Failed to read gauge value.", "error", err)
		return 0
	}
	return metric.GetGauge().GetValue()
}
