package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ledger
	CreditDeductions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_deductions_total",
			Help: "Ledger deductions by outcome",
		},
		[]string{"outcome"},
	)

	CreditsDeductedUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_deducted_usd_total",
			Help: "Credit drawn per pool in USD",
		},
		[]string{"pool"},
	)

	CreditsGrantedUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_granted_usd_total",
			Help: "Credit added by entry type in USD",
		},
		[]string{"entry_type"},
	)

	UnbilledUsage = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "credit_unbilled_usage_total",
			Help: "Completed operations whose charge could not be recorded",
		},
	)

	DailyRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_daily_refreshes_total",
			Help: "Daily refresh attempts by result",
		},
		[]string{"result"},
	)

	BalanceCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_balance_cache_lookups_total",
			Help: "Balance cache lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	// Gate
	PreflightDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_preflight_decisions_total",
			Help: "Preflight decisions by outcome and reason",
		},
		[]string{"decision", "reason"},
	)

	// Provider
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_provider_calls_total",
			Help: "Payment provider calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "payment_provider_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"breaker"},
	)

	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_webhook_events_total",
			Help: "Webhook events by type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	// Reconciliation
	ReconciliationFindings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_reconciliation_findings_total",
			Help: "Reconciliation findings by sweep and kind",
		},
		[]string{"sweep", "kind"},
	)

	ReconciliationRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_reconciliation_runs_total",
			Help: "Reconciliation sweep runs by outcome",
		},
		[]string{"sweep", "outcome"},
	)
)

// RecordDeduction records a successful deduction and its per-pool split.
func RecordDeduction(fromDaily, fromExpiring, fromNonExpiring float64) {
	CreditDeductions.WithLabelValues("success").Inc()
	CreditsDeductedUSD.WithLabelValues("daily").Add(fromDaily)
	CreditsDeductedUSD.WithLabelValues("expiring").Add(fromExpiring)
	CreditsDeductedUSD.WithLabelValues("non_expiring").Add(fromNonExpiring)
}

// RecordGrant records credit added to an account. Negative amounts such as
// admin debits are not counted.
func RecordGrant(entryType string, amount float64) {
	if amount > 0 {
		CreditsGrantedUSD.WithLabelValues(entryType).Add(amount)
	}
}

// SetBreakerState publishes a breaker's state.
func SetBreakerState(name string, state int) {
	BreakerState.WithLabelValues(name).Set(float64(state))
}
