// Package metrics exposes Prometheus counters/gauges/histograms for every
// background loop and external call the core makes, grounded on the
// teacher's pkg/metrics/metrics.go package-level promauto vars + Update*
// helper-function style.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Provider adapter calls (§4.1).
	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_call_duration_seconds",
			Help:    "Duration of provider adapter calls by provider and operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	ProviderCallErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_call_errors_total",
			Help: "Provider adapter call failures by provider, operation, and error kind",
		},
		[]string{"provider", "operation", "kind"},
	)

	// Sync Loop (C5).
	SyncRoundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_rounds_total",
			Help: "Completed sync rounds by outcome",
		},
		[]string{"outcome"},
	)

	SyncBytesTransferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_bytes_transferred_total",
			Help: "Total bytes moved by the sync loop across all rounds",
		},
	)

	// Standby Manager (C6).
	StandbyAssociationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "standby_associations_active",
			Help: "Number of currently active GPU/CPU standby associations",
		},
	)

	FailoversTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "standby_failovers_total",
			Help: "Total number of failovers triggered",
		},
	)

	RecoveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "standby_recovery_attempts_total",
			Help: "Recovery loop attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Serverless Scheduler (C7).
	ServerlessBindingsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "serverless_bindings_active",
			Help: "Number of serverless bindings by state",
		},
		[]string{"state"},
	)

	ScaleDownTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "serverless_scale_down_total",
			Help: "Total scale-down (pause) events",
		},
	)

	ScaleUpTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "serverless_scale_up_total",
			Help: "Total scale-up (resume) events",
		},
	)

	ServerlessSavingsUSD = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "serverless_savings_usd_total",
			Help: "Cumulative savings credited from idle pause time",
		},
	)

	// Machine-History/Blacklist Engine (C2).
	BlacklistedMachines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "history_blacklisted_machines",
			Help: "Number of currently active blacklist entries",
		},
	)

	// Agent Ingress (C10).
	HeartbeatsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_heartbeats_received_total",
			Help: "Agent heartbeats received by resulting action",
		},
		[]string{"action"},
	)
)

// ObserveProviderCall records a provider adapter call's duration and, on
// error, its failure kind.
func ObserveProviderCall(provider, operation string, duration time.Duration, errKind string) {
	ProviderCallDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
	if errKind != "" {
		ProviderCallErrors.WithLabelValues(provider, operation, errKind).Inc()
	}
}

// RecordSyncRound increments the sync round counter and, on success, the
// byte-transfer counter.
func RecordSyncRound(success bool, bytesMoved int64) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	SyncRoundsTotal.WithLabelValues(outcome).Inc()
	if success {
		SyncBytesTransferred.Add(float64(bytesMoved))
	}
}

// RecordFailover increments the failover counter.
func RecordFailover() { FailoversTotal.Inc() }

// RecordRecoveryAttempt increments the recovery-attempt counter by outcome.
func RecordRecoveryAttempt(outcome string) { RecoveryAttemptsTotal.WithLabelValues(outcome).Inc() }

// RecordScaleDown increments the scale-down counter.
func RecordScaleDown() { ScaleDownTotal.Inc() }

// RecordScaleUp increments the scale-up counter.
func RecordScaleUp() { ScaleUpTotal.Inc() }

// RecordSavings adds usd to the cumulative serverless savings counter.
func RecordSavings(usd float64) {
	if usd > 0 {
		ServerlessSavingsUSD.Add(usd)
	}
}

// SetBlacklistedMachines sets the current active-blacklist-entry count.
func SetBlacklistedMachines(n int) { BlacklistedMachines.Set(float64(n)) }

// RecordHeartbeat increments the heartbeat counter by the action the
// ingress path returned.
func RecordHeartbeat(action string) { HeartbeatsReceivedTotal.WithLabelValues(action).Inc() }
