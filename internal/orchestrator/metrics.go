package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	cyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "cycle",
		Name:      "runs_total",
		Help:      "Analysis cycles by trigger source and result (ok, error).",
	}, []string{"source", "result"})

	cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sentinel",
		Subsystem: "cycle",
		Name:      "duration_seconds",
		Help:      "Duration of analysis cycles in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	cycleRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel",
		Subsystem: "cycle",
		Name:      "running",
		Help:      "1 while a cycle is in progress.",
	})

	cycleSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "cycle",
		Name:      "skipped_total",
		Help:      "Triggers refused because a cycle was already running.",
	}, []string{"source"})

	userOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "cycle",
		Name:      "user_outcomes_total",
		Help:      "Per-user evaluation outcomes by outcome and failure kind.",
	}, []string{"outcome", "kind"})

	lastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel",
		Subsystem: "cycle",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last cycle that completed without a cycle-level error.",
	})
)

func init() {
	prometheus.MustRegister(
		cyclesTotal,
		cycleDuration,
		cycleRunning,
		cycleSkipped,
		userOutcomes,
		lastSuccess,
	)
}
