// Package metrics exposes Prometheus instrumentation for the saga pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stage outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeRequeue = "requeue"
	OutcomeSkipped = "skipped"
)

var (
	// StageMessages counts processed bus messages per stage and outcome.
	StageMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querylens_stage_messages_total",
		Help: "Bus messages processed, by stage and outcome.",
	}, []string{"stage", "outcome"})

	// StageDuration observes stage wall-clock seconds.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "querylens_stage_duration_seconds",
		Help:    "Stage processing duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"stage"})

	// LLMTokens counts tokens consumed, by stage and direction.
	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querylens_llm_tokens_total",
		Help: "LLM tokens consumed, by stage and direction.",
	}, []string{"stage", "direction"})

	// SagasTerminal counts sagas reaching a terminal status.
	SagasTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querylens_sagas_terminal_total",
		Help: "Sagas reaching a terminal status, by status and error code.",
	}, []string{"status", "error_code"})

	// DocumentsIngested counts knowledge-base documents processed.
	DocumentsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querylens_kb_documents_total",
		Help: "Knowledge-base ingestion operations, by action.",
	}, []string{"action"})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
