package lattice

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	entanglements = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mneme",
		Subsystem: "lattice",
		Name:      "entanglements_total",
		Help:      "Total number of vectors written to the lattice",
	})

	evictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mneme",
		Subsystem: "lattice",
		Name:      "evictions_total",
		Help:      "Total number of entries overwritten by ring-buffer eviction",
	})

	retrievals = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mneme",
		Subsystem: "lattice",
		Name:      "retrievals_total",
		Help:      "Total number of retrieval operations",
	})

	corruptionDetected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mneme",
		Subsystem: "lattice",
		Name:      "corruption_detected_total",
		Help:      "Total number of checksum mismatches detected",
	})

	recoveredSlots = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mneme",
		Subsystem: "lattice",
		Name:      "recovered_slots_total",
		Help:      "Total number of slots cleared by auto-recovery",
	})

	lockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mneme",
		Subsystem: "lattice",
		Name:      "lock_timeouts_total",
		Help:      "Total number of lock acquisitions that timed out",
	})

	entriesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mneme",
		Subsystem: "lattice",
		Name:      "entries",
		Help:      "Current number of occupied lattice slots",
	})
)
