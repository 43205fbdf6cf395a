package governor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	processDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mneme",
		Subsystem: "governor",
		Name:      "process_duration_seconds",
		Help:      "Duration of Process calls in seconds",
		Buckets:   prometheus.DefBuckets,
	})

	// Labels: reason (validation, moral_reject, sleep_reject, circuit_open,
	// generation_failed, shutdown)
	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mneme",
		Subsystem: "governor",
		Name:      "rejections_total",
		Help:      "Total number of rejected Process calls by reason",
	}, []string{"reason"})

	acceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mneme",
		Subsystem: "governor",
		Name:      "accepted_total",
		Help:      "Total number of accepted Process calls",
	})

	generationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mneme",
		Subsystem: "governor",
		Name:      "generation_failures_total",
		Help:      "Total number of generate calls that failed after retries",
	})

	statelessGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mneme",
		Subsystem: "governor",
		Name:      "stateless_mode",
		Help:      "Whether the governor is in stateless degraded mode (1) or not (0)",
	})

	consolidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mneme",
		Subsystem: "governor",
		Name:      "consolidations_total",
		Help:      "Total number of sleep-phase consolidation passes",
	})

	pendingFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mneme",
		Subsystem: "governor",
		Name:      "pending_flushes_total",
		Help:      "Total number of pending-buffer flushes to memory",
	})
)
