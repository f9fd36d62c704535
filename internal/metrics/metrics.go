// Package metrics exposes Prometheus instrumentation for the agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "webpilot"

var (
	// decisions counts engine decisions by source
	// (llm, fallback, read_mode, loop_break, cooldown, guard, escalation, done).
	decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "decisions_total",
		Help:      "Total decisions by source",
	}, []string{"source"})

	// badOutputs counts model replies that could not be used.
	// Labels: reason (parse, schema, policy)
	badOutputs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "bad_outputs_total",
		Help:      "Model replies rejected by the parser or validator",
	}, []string{"reason"})

	llmLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "latency_seconds",
		Help:      "Language model call latency in seconds",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30},
	}, []string{"provider", "status"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "active",
		Help:      "Sessions currently held in the registry",
	})

	// messages counts protocol frames.
	// Labels: direction (in, out), type
	messages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "protocol",
		Name:      "messages_total",
		Help:      "Protocol messages by direction and type",
	}, []string{"direction", "type"})

	deduped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "protocol",
		Name:      "proposals_deduped_total",
		Help:      "Proposals suppressed by the de-duplication window",
	})

	dropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "dropped_total",
		Help:      "Messages dropped because a subscriber queue was full",
	}, []string{"role"})

	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "connection",
		Name:      "reconnects_total",
		Help:      "Reconnect attempts scheduled by the connection manager",
	})

	connections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "connections",
		Help:      "Attached stream connections by role",
	}, []string{"role"})

	executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "actions_total",
		Help:      "Executed actions by kind and outcome",
	}, []string{"kind", "status"})
)

// RecordDecision counts one decision.
func RecordDecision(source string) { decisions.WithLabelValues(source).Inc() }

// RecordBadOutput counts one rejected model reply.
func RecordBadOutput(reason string) { badOutputs.WithLabelValues(reason).Inc() }

// RecordLLMCall records the latency of a model call.
func RecordLLMCall(provider, status string, seconds float64) {
	llmLatency.WithLabelValues(provider, status).Observe(seconds)
}

// SetActiveSessions sets the session gauge.
func SetActiveSessions(n int) { activeSessions.Set(float64(n)) }

// RecordMessage counts one protocol frame.
func RecordMessage(direction, msgType string) { messages.WithLabelValues(direction, msgType).Inc() }

// RecordDeduped counts one suppressed proposal.
func RecordDeduped() { deduped.Inc() }

// RecordDropped counts one message dropped for a slow subscriber.
func RecordDropped(role string) { dropped.WithLabelValues(role).Inc() }

// ConnectionChanged tracks one stream connection attaching or detaching.
func ConnectionChanged(role string, attached bool) {
	if attached {
		connections.WithLabelValues(role).Inc()
		return
	}
	connections.WithLabelValues(role).Dec()
}

// RecordReconnect counts one scheduled reconnect.
func RecordReconnect() { reconnects.Inc() }

// RecordExecution counts one executed action.
func RecordExecution(kind string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	executions.WithLabelValues(kind, status).Inc()
}
