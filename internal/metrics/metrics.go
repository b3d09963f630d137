package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reconciliation routine counters and histograms, partitioned by coin.

var (
	RoutineTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "braavos",
		Subsystem: "routine",
		Name:      "ticks_total",
		Help:      "Total routine invocations",
	}, []string{"coin", "routine"})

	RoutineTickErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "braavos",
		Subsystem: "routine",
		Name:      "tick_errors_total",
		Help:      "Total routine invocations aborted by a transient error",
	}, []string{"coin", "routine"})

	RoutineTickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "braavos",
		Subsystem: "routine",
		Name:      "tick_duration_seconds",
		Help:      "Routine invocation duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"coin", "routine"})

	RoutineHalted = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "braavos",
		Subsystem: "routine",
		Name:      "halted",
		Help:      "1 while a routine is halted pending operator intervention",
	}, []string{"coin", "routine"})

	DepositsSeen = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "braavos",
		Subsystem: "deposit",
		Name:      "seen_total",
		Help:      "Deposits inserted on first sighting",
	}, []string{"coin"})

	DepositsCredited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "braavos",
		Subsystem: "deposit",
		Name:      "credited_total",
		Help:      "Deposits confirmed and credited to client balances",
	}, []string{"coin"})

	WithdrawalsBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "braavos",
		Subsystem: "withdrawal",
		Name:      "broadcast_total",
		Help:      "Withdrawal transactions broadcast to the chain",
	}, []string{"coin"})

	WithdrawalsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "braavos",
		Subsystem: "withdrawal",
		Name:      "settled_total",
		Help:      "Withdrawal rows marked finished",
	}, []string{"coin"})

	FeeRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "braavos",
		Subsystem: "fee",
		Name:      "refreshes_total",
		Help:      "Successful fee quote refreshes",
	}, []string{"coin"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "braavos",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "RPC calls delayed by the client-side rate limiter",
	}, []string{"coin"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "braavos",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Deposit-created events published",
	}, []string{"coin"})

	EventPublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "braavos",
		Subsystem: "events",
		Name:      "publish_errors_total",
		Help:      "Deposit-created event publish failures",
	}, []string{"coin"})

	LedgerAuditMismatch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "braavos",
		Subsystem: "ledger",
		Name:      "audit_mismatch",
		Help:      "1 while the confirmed-deposit and balance totals diverge",
	}, []string{"coin"})

	AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "braavos",
		Subsystem: "alerts",
		Name:      "sent_total",
		Help:      "Operator alerts dispatched",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "braavos",
		Subsystem: "alerts",
		Name:      "cooldown_skipped_total",
		Help:      "Operator alerts suppressed by cooldown",
	}, []string{"channel", "type"})
)
