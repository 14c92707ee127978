package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposed by the core subsystems. Registered on the default
// registry so `orbit serve` can export them at /metrics.
var (
	// EventsPublished counts events accepted by the stream, by type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orbit",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events published to the stream.",
	}, []string{"type"})

	// EventsDropped counts per-subscriber drops caused by slow consumers.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orbit",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped for slow subscribers.",
	})

	// ToolExecutions counts tool executions by tool name and outcome
	// (ok, error, denied, cancelled).
	ToolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orbit",
		Subsystem: "tools",
		Name:      "executions_total",
		Help:      "Tool executions by outcome.",
	}, []string{"tool", "outcome"})

	// ToolDuration observes wall time of tool executions.
	ToolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orbit",
		Subsystem: "tools",
		Name:      "duration_seconds",
		Help:      "Tool execution duration.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"tool"})

	// ModelCalls counts model generate calls by outcome (ok, error).
	ModelCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orbit",
		Subsystem: "model",
		Name:      "calls_total",
		Help:      "Model generate calls by outcome.",
	}, []string{"outcome"})

	// TurnDuration observes wall time of full agent turns (one Run call).
	TurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orbit",
		Subsystem: "agent",
		Name:      "run_duration_seconds",
		Help:      "Agent run duration.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 3, 10),
	})
)
