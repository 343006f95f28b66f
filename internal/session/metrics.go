package session

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sessionpay",
		Subsystem: "session",
		Name:      "created_total",
		Help:      "Total sessions created.",
	})

	sessionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessionpay",
		Subsystem: "session",
		Name:      "transitions_total",
		Help:      "Total status transitions by edge.",
	}, []string{"from", "to"})

	sessionsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessionpay",
		Subsystem: "session",
		Name:      "finished_total",
		Help:      "Total sessions reaching a terminal status.",
	}, []string{"status"})

	settlementAmount = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sessionpay",
		Subsystem: "session",
		Name:      "settlement_amount_tokens",
		Help:      "Distribution of individual settlement amounts in tokens.",
		Buckets:   []float64{0.001, 0.01, 0.1, 1, 10, 100, 1000},
	})

	sessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sessionpay",
		Subsystem: "session",
		Name:      "duration_seconds",
		Help:      "Time from session creation to a terminal status in seconds.",
		Buckets:   []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800, 86400},
	})

	recoveriesExecuted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessionpay",
		Subsystem: "session",
		Name:      "recoveries_total",
		Help:      "Total recovery remedies executed by method and outcome.",
	}, []string{"method", "outcome"})

	disputesOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sessionpay",
		Subsystem: "session",
		Name:      "disputes_opened_total",
		Help:      "Total disputes raised.",
	})

	disputesResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessionpay",
		Subsystem: "session",
		Name:      "disputes_resolved_total",
		Help:      "Total disputes resolved by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		sessionsCreated,
		sessionTransitions,
		sessionsFinished,
		settlementAmount,
		sessionDuration,
		recoveriesExecuted,
		disputesOpened,
		disputesResolved,
	)
}
