package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Charging
	ChargesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_charges_total",
			Help: "Charge attempts by outcome",
		},
		[]string{"outcome"},
	)

	CreditsCharged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_charged_total",
			Help: "Credits charged by app and skill",
		},
		[]string{"app_id", "skill_id"},
	)

	ChargeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "credit_charge_duration_seconds",
			Help:    "Time to complete a charge, including the durable write",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Durable store
	DurableWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_durable_write_failures_total",
			Help: "Durable writes that exhausted their retries",
		},
	)

	ReconciledAccounts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_reconciled_accounts_total",
			Help: "Accounts whose lagging balance was persisted by the reconciler",
		},
	)

	// Auto top-up
	TopUpAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auto_topup_attempts_total",
			Help: "Auto top-up evaluations by result",
		},
		[]string{"result"},
	)

	// Storage billing
	StorageBillingUsers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_billing_users_total",
			Help: "Users processed by the storage billing job by result",
		},
		[]string{"result"},
	)

	StorageBillingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storage_billing_run_duration_seconds",
			Help:    "Duration of storage billing runs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)

	// Detached tasks
	TaskResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detached_task_results_total",
			Help: "Detached task completions by task and result",
		},
		[]string{"task", "result"},
	)

	// Webhooks
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stripe_webhook_events_total",
			Help: "Stripe webhook events by type and result",
		},
		[]string{"type", "result"},
	)
)

// RecordTask counts a finished detached task
func RecordTask(task string, err error, panicked bool) {
	result := "ok"
	switch {
	case panicked:
		result = "panic"
	case err != nil:
		result = "error"
	}
	TaskResults.WithLabelValues(task, result).Inc()
}

// RecordStorageRun records the totals of one storage billing run
func RecordStorageRun(billed, failed int, seconds float64) {
	StorageBillingUsers.WithLabelValues("billed").Add(float64(billed))
	StorageBillingUsers.WithLabelValues("failed").Add(float64(failed))
	StorageBillingDuration.Observe(seconds)
}
