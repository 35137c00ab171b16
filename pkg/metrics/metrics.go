// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ChatTurnDuration tracks the wall time of a chat turn from submit to finalization.
	ChatTurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_turn_duration_seconds",
			Help:    "Chat turn duration from submit to finalization",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"backend", "status"},
	)

	// ChatTurnsTotal counts chat turns by terminal status.
	ChatTurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_turns_total",
			Help: "Chat turns by terminal status",
		},
		[]string{"status"},
	)

	// FragmentsTotal counts assistant fragments relayed to clients.
	FragmentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_fragments_total",
			Help: "Assistant output fragments relayed",
		},
	)

	// ChatStreamsActive tracks chat responses currently streaming.
	ChatStreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_streams_active",
			Help: "Number of chat responses currently streaming",
		},
	)

	// PersistRetriesTotal counts retried durable turn writes.
	PersistRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_persist_retries_total",
			Help: "Retried durable turn writes",
		},
	)

	// ReconciledTurnsTotal counts pending turns replayed by the reconciler.
	ReconciledTurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_reconciled_turns_total",
			Help: "Pending turns processed by the reconciler",
		},
		[]string{"result"},
	)

	// ConversationsTotal tracks total conversations created.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Tokens reported by chat-completion providers",
		},
		[]string{"provider", "direction"},
	)

	ConversationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordTurn records metrics for a finished chat turn.
func RecordTurn(backend, status string, duration float64) {
	ChatTurnDuration.WithLabelValues(backend, status).Observe(duration)
	ChatTurnsTotal.WithLabelValues(status).Inc()
}

// RecordTokens adds provider-reported token usage.
func RecordTokens(provider string, in, out int) {
	if in > 0 {
		LLMTokensTotal.WithLabelValues(provider, "in").Add(float64(in))
	}
	if out > 0 {
		LLMTokensTotal.WithLabelValues(provider, "out").Add(float64(out))
	}
}

// IncrementChatStreams increments the active chat stream count.
func IncrementChatStreams() {
	ChatStreamsActive.Inc()
}

// DecrementChatStreams decrements the active chat stream count.
func DecrementChatStreams() {
	ChatStreamsActive.Dec()
}
