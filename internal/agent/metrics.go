package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// turnsTotal counts finished turns by outcome: completed,
	// awaiting_confirmation, out_of_scope or error.
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quill",
		Subsystem: "agent",
		Name:      "turns_total",
		Help:      "Total turns processed by outcome",
	}, []string{"outcome"})

	turnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "quill",
		Subsystem: "agent",
		Name:      "turn_duration_seconds",
		Help:      "Wall-clock duration of a turn",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	})

	modelCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quill",
		Subsystem: "agent",
		Name:      "model_calls_total",
		Help:      "Successful model calls by provider",
	}, []string{"provider"})

	// toolCalls counts dispatched calls. Labels: tool, status (success,
	// error, reused, pending).
	toolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quill",
		Subsystem: "agent",
		Name:      "tool_calls_total",
		Help:      "Tool calls by tool and status",
	}, []string{"tool", "status"})

	toolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "quill",
		Subsystem: "agent",
		Name:      "tool_duration_seconds",
		Help:      "Tool handler latency",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"tool"})

	providerFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quill",
		Subsystem: "llm",
		Name:      "fallbacks_total",
		Help:      "Provider fallbacks after a transient failure",
	}, []string{"from", "to"})
)

// ObserveFallback records a provider fallback. It matches the signature
// of llm.WithFallbackHook.
func ObserveFallback(from, to string, _ error) {
	providerFallbacks.WithLabelValues(from, to).Inc()
}
