// Package metrics exposes the operator-facing Prometheus instruments
// for the two-phase-commit core: slab occupancy, finish latency, and
// PANIC escalations. Grounded on the independent choice made by three
// WAL/storage-engine repos in the retrieved pack to ship Prometheus
// metrics for exactly this kind of subsystem (see DESIGN.md).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every instrument this module emits, built on a
// private prometheus.Registry so embedding applications choose whether
// and how to expose it, rather than reaching for the global default
// registry.
type Registry struct {
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	ActiveGXacts     prometheus.Gauge
	ReservedGXacts   prometheus.Gauge
	FreelistDepth    prometheus.Gauge
	FinishLatency    prometheus.Histogram
	PanicEscalations prometheus.Counter
	PrepareTotal     *prometheus.CounterVec
	FinishTotal      *prometheus.CounterVec
}

// New constructs and registers every instrument on a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		Registerer: reg,
		Gatherer:   reg,
		ActiveGXacts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "twopc",
			Name:      "gxact_active",
			Help:      "Number of GXact slab entries currently active (reserved or prepared).",
		}),
		ReservedGXacts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "twopc",
			Name:      "gxact_valid",
			Help:      "Number of GXact slab entries currently valid (prepared).",
		}),
		FreelistDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "twopc",
			Name:      "gxact_freelist_depth",
			Help:      "Number of free slots remaining in the GXact slab.",
		}),
		FinishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "twopc",
			Name:      "finish_prepared_seconds",
			Help:      "Latency of finish_prepared from lock acquisition to recycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		PanicEscalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "twopc",
			Name:      "critical_failures_total",
			Help:      "Number of PANIC escalations raised inside a critical section.",
		}),
		PrepareTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "twopc",
			Name:      "prepare_total",
			Help:      "Count of PREPARE TRANSACTION attempts by outcome.",
		}, []string{"outcome"}),
		FinishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "twopc",
			Name:      "finish_total",
			Help:      "Count of finish_prepared attempts by outcome and disposition.",
		}, []string{"outcome", "disposition"}),
	}

	reg.MustRegister(
		m.ActiveGXacts,
		m.ReservedGXacts,
		m.FreelistDepth,
		m.FinishLatency,
		m.PanicEscalations,
		m.PrepareTotal,
		m.FinishTotal,
	)
	return m
}

// ObserveOccupancy updates the slab gauges from a capacity and a
// current active/valid count pair. internal/twophase calls it after it
// reserves, prepares, finishes or reaps entries; the recovery driver and
// the backend cleanup hook change the table without calling it.
func (m *Registry) ObserveOccupancy(capacity, active, valid int) {
	m.ActiveGXacts.Set(float64(active))
	m.ReservedGXacts.Set(float64(valid))
	m.FreelistDepth.Set(float64(capacity - active))
}
