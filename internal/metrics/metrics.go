package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Monitoring pipeline metrics for production observability
var (
	// Pipeline metrics
	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_pipeline_runs_total",
			Help: "Total number of monitoring pipeline executions",
		},
		[]string{"result"}, // result: success/failure/error
	)

	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_pipeline_duration_seconds",
			Help:    "Full pipeline execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)

	// HTTP executor metrics
	ExecutorAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_executor_attempts_total",
			Help: "Total number of HTTP execution attempts",
		},
		[]string{"outcome"}, // outcome: response/transport_error
	)

	ExecutorResponseTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_executor_response_seconds",
			Help:    "Observed endpoint response time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
	)

	// LLM gateway metrics
	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_llm_requests_total",
			Help: "Total number of LLM API requests",
		},
		[]string{"status"}, // status: success/failure/retry
	)

	LLMTokensUsed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_llm_tokens_total",
			Help: "Total number of LLM tokens consumed",
		},
	)

	LLMRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
	)

	// Anomaly classification metrics
	AnomaliesDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_anomalies_detected_total",
			Help: "Total number of anomalies detected",
		},
		[]string{"source"}, // source: ai/fallback
	)

	AnomalyGateSkipsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_anomaly_gate_skips_total",
			Help: "Total number of runs where the cost gate suppressed AI analysis",
		},
	)

	// Risk scoring metrics
	RiskLevelTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_risk_level_total",
			Help: "Total number of computed risk scores by level",
		},
		[]string{"level"},
	)

	// Webhook dispatch metrics
	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts",
		},
		[]string{"result"}, // result: delivered/rejected/failed/skipped
	)

	// Scheduler metrics
	SchedulerJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_scheduler_jobs_total",
			Help: "Total number of scheduler job ticks",
		},
		[]string{"result"}, // result: completed/failed
	)

	SchedulerJobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_scheduler_jobs_active",
			Help: "Number of scheduler jobs currently executing",
		},
	)

	SchedulerEndpoints = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_scheduler_endpoints",
			Help: "Number of endpoints with an active monitoring job",
		},
	)
)
