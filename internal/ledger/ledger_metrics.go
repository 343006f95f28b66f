package ledger

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type and outcome.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionpay",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	// LedgerSettledTokens accumulates tokens paid to counterparties.
	LedgerSettledTokens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sessionpay",
			Name:      "ledger_settled_tokens_total",
			Help:      "Total tokens settled to counterparties.",
		},
	)

	// LedgerFeeTokens accumulates platform fees collected.
	LedgerFeeTokens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sessionpay",
			Name:      "ledger_fee_tokens_total",
			Help:      "Total platform fee tokens collected.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerSettledTokens,
		LedgerFeeTokens,
	)
}

func recordOp(opType, outcome string) {
	LedgerOpsTotal.WithLabelValues(opType, outcome).Inc()
}

func recordSettlement(releaseAmount, feeAmount string) {
	if v, err := strconv.ParseFloat(releaseAmount, 64); err == nil && v > 0 {
		LedgerSettledTokens.Add(v)
	}
	if v, err := strconv.ParseFloat(feeAmount, 64); err == nil && v > 0 {
		LedgerFeeTokens.Add(v)
	}
}
