// Package metrics exposes the Prometheus collectors for the safety core.
// Collectors are registered on the default registry at import time and
// served by the HTTP API's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Risk gate metrics.

// DecisionsTotal counts every gate decision by result and rejection reason.
// Approved decisions use reason="".
var DecisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "risk",
		Name:      "decisions_total",
		Help:      "Total number of risk gate decisions",
	},
	[]string{"result", "reason"},
)

// DecisionLatency observes the time spent inside a single gate evaluation,
// including the audit append. Buckets sized for sub-millisecond decisions.
var DecisionLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "tradeguard",
		Subsystem: "risk",
		Name:      "decision_latency_seconds",
		Help:      "Latency of a single risk gate evaluation",
		Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	},
)

// KillSwitchActive is 1 while the kill switch blocks new entries.
var KillSwitchActive = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tradeguard",
		Subsystem: "risk",
		Name:      "kill_switch_active",
		Help:      "Kill switch state (1=active, 0=inactive)",
	},
)

// OpenPositions tracks open positions plus outstanding reservations.
var OpenPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tradeguard",
		Subsystem: "risk",
		Name:      "open_positions",
		Help:      "Current number of open positions including reservations",
	},
)

// DailyLossFraction is the share of the daily loss limit already consumed,
// 0 when flat or profitable, 1 at the limit.
var DailyLossFraction = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tradeguard",
		Subsystem: "risk",
		Name:      "daily_loss_fraction",
		Help:      "Fraction of the daily loss limit consumed (0..1+)",
	},
)

// Circuit breaker metrics.

// BreakerState reports each breaker's state (0=closed, 1=half_open, 2=open).
var BreakerState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "tradeguard",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
	},
	[]string{"dependency"},
)

// BreakerTrips counts transitions to OPEN per dependency.
var BreakerTrips = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "breaker",
		Name:      "trips_total",
		Help:      "Total number of circuit breaker trips",
	},
	[]string{"dependency"},
)

// Feed supervisor metrics.

// FeedConnected is 1 while the streaming connection is up.
var FeedConnected = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tradeguard",
		Subsystem: "feed",
		Name:      "connected",
		Help:      "Feed connection status (1=connected, 0=disconnected)",
	},
)

// FeedReconnects counts completed reconnect attempts, successful or not.
var FeedReconnects = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "feed",
		Name:      "reconnects_total",
		Help:      "Total number of feed reconnect attempts",
	},
)

// FeedOverflow counts ticks dropped because the inbound queue was full.
var FeedOverflow = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "feed",
		Name:      "queue_overflow_total",
		Help:      "Total number of ticks dropped on queue overflow",
	},
)

// FeedQueueDepth is the current number of ticks waiting in the inbound queue.
var FeedQueueDepth = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tradeguard",
		Subsystem: "feed",
		Name:      "queue_depth",
		Help:      "Current depth of the inbound tick queue",
	},
)

// Audit trail metrics.

// AuditWriteFailures counts appends that could not be made durable.
var AuditWriteFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "audit",
		Name:      "write_failures_total",
		Help:      "Total number of failed audit trail writes",
	},
)

// AuditRecordsWritten counts durable audit records by event kind.
var AuditRecordsWritten = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "audit",
		Name:      "records_written_total",
		Help:      "Total number of audit records written",
	},
	[]string{"kind"},
)

// RecordDecision updates the decision counter and latency histogram in one
// place so the gate's two exit paths stay consistent.
func RecordDecision(approved bool, reason string, seconds float64) {
	result := "rejected"
	if approved {
		result = "approved"
	}
	DecisionsTotal.WithLabelValues(result, reason).Inc()
	DecisionLatency.Observe(seconds)
}

// SetKillSwitch mirrors the kill switch state into its gauge.
func SetKillSwitch(active bool) {
	if active {
		KillSwitchActive.Set(1)
	} else {
		KillSwitchActive.Set(0)
	}
}

// SetFeedConnected mirrors the supervisor's connection state into its gauge.
func SetFeedConnected(connected bool) {
	if connected {
		FeedConnected.Set(1)
	} else {
		FeedConnected.Set(0)
	}
}
