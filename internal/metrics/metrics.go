// Package metrics holds the Prometheus collectors the agent updates while running.
//
//   - perp_gate_decisions_total{allowed,reason_code}  gate outcomes
//   - perp_gate_size_multiplier                        last size multiplier handed out
//   - perp_heartbeat_ticks_total{outcome}              heartbeat ticks by journal outcome
//   - perp_heartbeat_triggers_total{trigger}           fired exit triggers
//   - perp_heartbeat_tick_seconds                      tick latency
//   - perp_retry_attempts_total{op,result}             retry utility activity
//   - perp_scan_candidates_total{stage}                candidates surviving each scan stage
//   - perp_scan_orders_total{outcome}                  entry orders by outcome
//   - perp_journal_append_errors_total{kind}           failed journal writes
//   - perp_loop_panics_total{loop}                     recovered panics in scheduled loops
//   - perp_instance_lease_held                         1 while this process holds the active lease
//
// Collectors are registered in init() and served at /metrics by the operator API.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	GateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perp_gate_decisions_total",
			Help: "Trade gate decisions",
		},
		[]string{"allowed", "reason_code"},
	)

	GateSizeMultiplier = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "perp_gate_size_multiplier",
			Help: "Size multiplier of the most recent allowed gate decision",
		},
	)

	HeartbeatTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perp_heartbeat_ticks_total",
			Help: "Position heartbeat ticks by journal outcome",
		},
		[]string{"outcome"},
	)

	HeartbeatTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perp_heartbeat_triggers_total",
			Help: "Exit triggers fired by the heartbeat",
		},
		[]string{"trigger"},
	)

	HeartbeatTickSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "perp_heartbeat_tick_seconds",
			Help:    "Wall time of one heartbeat tick, poll through journal",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	RetryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perp_retry_attempts_total",
			Help: "Retry utility results per operation",
		},
		[]string{"op", "result"}, // result: success|retryable|terminal|exhausted
	)

	ScanCandidates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perp_scan_candidates_total",
			Help: "Scan candidates remaining after each stage",
		},
		[]string{"stage"},
	)

	ScanOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perp_scan_orders_total",
			Help: "Entry orders submitted by the scan loop",
		},
		[]string{"outcome"},
	)

	JournalAppendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perp_journal_append_errors_total",
			Help: "Decision journal writes that failed",
		},
		[]string{"kind"},
	)

	LoopPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perp_loop_panics_total",
			Help: "Panics recovered inside scheduled loops",
		},
		[]string{"loop"},
	)

	LeaseHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "perp_instance_lease_held",
			Help: "1 while this process holds the active-instance lease",
		},
	)
)

func init() {
	prometheus.MustRegister(
		GateDecisions,
		GateSizeMultiplier,
		HeartbeatTicks,
		HeartbeatTriggers,
		HeartbeatTickSeconds,
		RetryAttempts,
		ScanCandidates,
		ScanOrders,
		JournalAppendErrors,
		LoopPanics,
		LeaseHeld,
	)
}

// BoolLabel renders a bool as a label value.
func BoolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
