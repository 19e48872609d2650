// Package metrics defines the Prometheus metrics the orchestrator
// exposes on its /metrics endpoint.
//
// Metric naming follows Prometheus conventions:
//   - langorch_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the registry every metric below is registered against.
// Callers serve it via promhttp.HandlerFor(metrics.Registry, ...) instead
// of relying on the global prometheus.DefaultRegisterer, so a process
// that embeds the orchestrator alongside other Prometheus-instrumented
// code never collides on metric names.
var Registry = prometheus.NewRegistry()

var (
	// RunsStartedTotal counts runs started by procedure and trigger type.
	RunsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "langorch_run_started_total",
			Help: "Total number of runs started, by procedure and trigger type.",
		},
		[]string{"procedure_id", "trigger_type"},
	)

	// RunsCompletedTotal counts runs reaching a terminal state, by status.
	RunsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "langorch_run_completed_total",
			Help: "Total number of runs reaching a terminal state, by procedure and status.",
		},
		[]string{"procedure_id", "status"},
	)

	// RunDurationSeconds is a histogram of end-to-end run duration.
	RunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "langorch_run_duration_seconds",
			Help:    "Duration of a run from start to terminal state, by status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		},
		[]string{"status"},
	)

	// StepExecutionTotal counts individual step executions by node and outcome.
	StepExecutionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "langorch_step_execution_total",
			Help: "Total step executions, by node id and status.",
		},
		[]string{"node_id", "status"},
	)

	// RetryAttemptsTotal counts retry attempts by node/step.
	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "langorch_retry_attempts_total",
			Help: "Total retry attempts, by node id and step id.",
		},
		[]string{"node_id", "step_id"},
	)

	// StepTimeoutTotal counts steps that hit their configured timeout.
	StepTimeoutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "langorch_step_timeout_total",
			Help: "Total steps that exceeded their configured timeout, by node id and step id.",
		},
		[]string{"node_id", "step_id"},
	)

	// TokensUsedTotal counts LLM tokens consumed, by model and kind (prompt/completion).
	TokensUsedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "langorch_tokens_used_total",
			Help: "Total LLM tokens consumed, by model and token kind.",
		},
		[]string{"model", "kind"},
	)

	// WebhookDeliveryDurationSeconds times outbound alert webhook deliveries.
	WebhookDeliveryDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "langorch_webhook_delivery_duration_seconds",
			Help:    "Duration of outbound alert webhook deliveries.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)

	// ActiveRuns is the number of runs currently executing across the
	// fleet, as observed by this worker process.
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "langorch_active_runs",
			Help: "Number of runs currently executing.",
		},
	)

	// IsLeader is 1 if this process currently holds the leader lease.
	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "langorch_is_leader",
			Help: "1 if this worker process currently holds the leader lease, else 0.",
		},
	)

	// ScheduleLagSeconds is the delay between a cron-triggered run's
	// scheduled time and its actual enqueue time.
	ScheduleLagSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "langorch_schedule_lag_seconds",
			Help: "Seconds between a scheduled trigger's fire time and actual enqueue time.",
		},
		[]string{"procedure_id"},
	)
)

func init() {
	Registry.MustRegister(
		RunsStartedTotal,
		RunsCompletedTotal,
		RunDurationSeconds,
		StepExecutionTotal,
		RetryAttemptsTotal,
		StepTimeoutTotal,
		TokensUsedTotal,
		WebhookDeliveryDurationSeconds,
		ActiveRuns,
		IsLeader,
		ScheduleLagSeconds,
	)
}

// RecordRunStarted records a run entering the running state.
func RecordRunStarted(procedureID, triggerType string) {
	RunsStartedTotal.WithLabelValues(procedureID, triggerType).Inc()
	ActiveRuns.Inc()
}

// RecordRunCompleted records a run reaching a terminal state.
func RecordRunCompleted(procedureID, status string, duration time.Duration) {
	RunsCompletedTotal.WithLabelValues(procedureID, status).Inc()
	RunDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
	ActiveRuns.Dec()
}

// RecordStepExecution records a single step's outcome.
func RecordStepExecution(nodeID, status string) {
	StepExecutionTotal.WithLabelValues(nodeID, status).Inc()
}

// RecordRetryAttempt records a step retry.
func RecordRetryAttempt(nodeID, stepID string) {
	RetryAttemptsTotal.WithLabelValues(nodeID, stepID).Inc()
}

// RecordStepTimeout records a step exceeding its configured timeout.
func RecordStepTimeout(nodeID, stepID string) {
	StepTimeoutTotal.WithLabelValues(nodeID, stepID).Inc()
}

// RecordTokenUsage records prompt/completion tokens consumed by a
// completion call.
func RecordTokenUsage(model string, promptTokens, completionTokens int64) {
	TokensUsedTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	TokensUsedTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
}

// RecordWebhookDelivery records an outbound alert webhook attempt.
func RecordWebhookDelivery(status string, duration time.Duration) {
	WebhookDeliveryDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// SetLeader sets the is_leader gauge.
func SetLeader(isLeader bool) {
	if isLeader {
		IsLeader.Set(1)
	} else {
		IsLeader.Set(0)
	}
}

// RecordScheduleLag records the delay between a trigger's scheduled fire
// time and the moment its run was actually enqueued.
func RecordScheduleLag(procedureID string, lag time.Duration) {
	ScheduleLagSeconds.WithLabelValues(procedureID).Set(lag.Seconds())
}
