package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bus metrics
	busMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhub_bus_messages_total",
			Help: "Total number of messages published on the bus",
		},
		[]string{"type", "destination"},
	)

	busDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhub_bus_dropped_total",
			Help: "Messages published to a destination with no subscriber",
		},
		[]string{"destination"},
	)

	busHandlerPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhub_bus_handler_panics_total",
			Help: "Subscriber handler panics caught by the bus",
		},
	)

	// Task metrics
	tasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhub_tasks_submitted_total",
			Help: "Tasks accepted by the orchestrator",
		},
		[]string{"task_type", "priority"},
	)

	tasksFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhub_tasks_finished_total",
			Help: "Tasks that reached a terminal status",
		},
		[]string{"task_type", "status"},
	)

	taskExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhub_task_execution_duration_seconds",
			Help:    "Wall-clock time from submission to terminal status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "webhub_task_queue_depth",
			Help: "Tasks waiting for dispatch",
		},
	)

	// Circuit breaker metrics
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "webhub_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"destination"},
	)

	breakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhub_breaker_rejections_total",
			Help: "Calls rejected while a breaker was open",
		},
		[]string{"destination"},
	)

	// Agent metrics
	agentRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhub_agent_restarts_total",
			Help: "Agent restarts triggered by the lifecycle manager",
		},
		[]string{"agent"},
	)

	initOnce sync.Once
)

// InitMetrics registers all Prometheus collectors. Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			busMessagesTotal,
			busDroppedTotal,
			busHandlerPanics,
			tasksSubmittedTotal,
			tasksFinishedTotal,
			taskExecutionDuration,
			queueDepth,
			breakerState,
			breakerRejections,
			agentRestartsTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordBusMessage records a published bus message.
func RecordBusMessage(msgType, destination string) {
	busMessagesTotal.WithLabelValues(msgType, destination).Inc()
}

// RecordBusDrop records a direct message with no subscriber.
func RecordBusDrop(destination string) {
	busDroppedTotal.WithLabelValues(destination).Inc()
}

// RecordHandlerPanic records a recovered subscriber panic.
func RecordHandlerPanic() {
	busHandlerPanics.Inc()
}

// RecordTaskSubmitted records an accepted task.
func RecordTaskSubmitted(taskType, priority string) {
	tasksSubmittedTotal.WithLabelValues(taskType, priority).Inc()
}

// RecordTaskFinished records a task reaching a terminal status.
func RecordTaskFinished(taskType, status string, elapsed time.Duration) {
	tasksFinishedTotal.WithLabelValues(taskType, status).Inc()
	taskExecutionDuration.WithLabelValues(taskType).Observe(elapsed.Seconds())
}

// SetQueueDepth sets the dispatch queue depth gauge.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// SetBreakerState sets the breaker state gauge for a destination.
func SetBreakerState(destination string, state int) {
	breakerState.WithLabelValues(destination).Set(float64(state))
}

// RecordBreakerRejection records a call rejected by an open breaker.
func RecordBreakerRejection(destination string) {
	breakerRejections.WithLabelValues(destination).Inc()
}

// RecordAgentRestart records a lifecycle-manager restart.
func RecordAgentRestart(agent string) {
	agentRestartsTotal.WithLabelValues(agent).Inc()
}
