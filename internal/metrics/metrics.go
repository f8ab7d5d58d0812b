// Package metrics exposes Prometheus counters and histograms for the
// turn-taking pipeline, served on /metrics by cmd/server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsActive tracks the number of open session pipelines: incremented
	// by pipeline Start, decremented by pipeline Close.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "voxturn",
		Name:      "sessions_active",
		Help:      "Number of session pipelines currently open.",
	})

	// TurnsCompleted counts turns that reached TURN_END and were transcribed
	// and routed, labeled by the router's action (including CLARIFY/REJECT).
	TurnsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voxturn",
		Name:      "turns_completed_total",
		Help:      "Number of completed turns, labeled by router action.",
	}, []string{"action"})

	// NudgesEmitted counts NUDGE events emitted by the turn-taking engine.
	NudgesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voxturn",
		Name:      "nudges_emitted_total",
		Help:      "Number of NUDGE events emitted across all sessions.",
	})

	// BargeIns counts detected barge-in triggers.
	BargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voxturn",
		Name:      "barge_ins_total",
		Help:      "Number of barge-in triggers detected while the bot was speaking.",
	})

	// AdapterLatency observes per-call latency of the ASR/LLM/TTS adapters.
	AdapterLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "voxturn",
		Name:      "adapter_latency_seconds",
		Help:      "Latency of external adapter calls, labeled by adapter name.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"adapter"})

	// AdapterErrors counts adapter failures, labeled by adapter and error class.
	AdapterErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voxturn",
		Name:      "adapter_errors_total",
		Help:      "Number of adapter call failures, labeled by adapter and error class.",
	}, []string{"adapter", "class"})

	// SessionsClosed counts sessions closed, labeled by close reason.
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voxturn",
		Name:      "sessions_closed_total",
		Help:      "Number of sessions closed, labeled by reason.",
	}, []string{"reason"})
)

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
