package audit

import "github.com/prometheus/client_golang/prometheus"

var (
	ledgerLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sentinel",
		Subsystem: "audit",
		Name:      "ledger_submit_seconds",
		Help:      "Time from ledger submission to confirmed receipt.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	escalationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "audit",
		Name:      "escalations_total",
		Help:      "Escalation attempts by result (recorded, confirmed, duplicate, recovered, unconfirmed, submission_failed, store_failed).",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(ledgerLatency, escalationsTotal)
}
