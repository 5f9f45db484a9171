package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the control plane's Prometheus metrics.
//
// Tracked families:
//   - Task lifecycle outcomes and durations
//   - Tool invocations by kind and outcome
//   - Approval creation and resolution
//   - Registry build outcomes
//   - HTTP request latency on the public API
type Metrics struct {
	// TasksCompleted counts terminal task transitions.
	// Labels: status (completed|failed|timed_out|denied)
	TasksCompleted *prometheus.CounterVec

	// TaskDuration measures wall time from claim to terminal state.
	// Labels: status
	// Buckets: 0.1s, 0.5s, 1s, 5s, 15s, 60s, 300s, 900s
	TaskDuration *prometheus.HistogramVec

	// ToolCalls counts settled tool invocations. A call suspended on an
	// approval is counted once it settles, not while pending.
	// Labels: kind, outcome (completed|failed|denied)
	ToolCalls *prometheus.CounterVec

	// ToolCallDuration measures tool execution time in seconds.
	// Labels: kind
	ToolCallDuration *prometheus.HistogramVec

	// ApprovalsCreated counts approvals opened by the invocation pipeline.
	ApprovalsCreated prometheus.Counter

	// ApprovalsResolved counts resolutions by decision.
	// Labels: decision (approved|denied)
	ApprovalsResolved *prometheus.CounterVec

	// RegistryBuilds counts registry builds by result.
	// Labels: result (committed|failed|skipped)
	RegistryBuilds *prometheus.CounterVec

	// HTTPRequestDuration measures public API latency in seconds.
	// Labels: route, method, code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		TasksCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "executor_tasks_completed_total",
			Help: "Terminal task transitions by status",
		}, []string{"status"}),

		TaskDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "executor_task_duration_seconds",
			Help:    "Task wall time from claim to terminal state",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"status"}),

		ToolCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "executor_tool_calls_total",
			Help: "Tool invocations by kind and outcome",
		}, []string{"kind", "outcome"}),

		ToolCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "executor_tool_call_duration_seconds",
			Help:    "Tool execution time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"kind"}),

		ApprovalsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "executor_approvals_created_total",
			Help: "Approvals opened by the invocation pipeline",
		}),

		ApprovalsResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "executor_approvals_resolved_total",
			Help: "Approval resolutions by decision",
		}, []string{"decision"}),

		RegistryBuilds: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "executor_registry_builds_total",
			Help: "Registry builds by result",
		}, []string{"result"}),

		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "executor_http_request_duration_seconds",
			Help:    "Public API request latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
		}, []string{"route", "method", "code"}),
	}
}
