package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters exported by the ingestion pipeline and the sweeper.
var (
	BatchesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classtrack_batches_processed_total",
		Help: "Detection batches accepted by the ingestion pipeline.",
	})

	PingsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classtrack_pings_written_total",
		Help: "Pings persisted, by detected status.",
	}, []string{"status"})

	Consolidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classtrack_consolidations_total",
		Help: "Attendance records produced by consolidation, by final status.",
	}, []string{"status"})

	ConsolidationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classtrack_consolidation_failures_total",
		Help: "Consolidation attempts that returned an error.",
	})

	SweptPings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classtrack_swept_pings_total",
		Help: "Ping rows deleted by the retention sweeper.",
	})

	SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classtrack_sweep_runs_total",
		Help: "Retention sweeper executions, periodic and manual.",
	})
)
