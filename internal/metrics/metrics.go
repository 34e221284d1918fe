package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxbpm_workflows_started_total",
			Help: "Total number of workflow instances started",
		},
		[]string{"definition"},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxbpm_workflows_completed_total",
			Help: "Total number of workflow instances completed",
		},
		[]string{"definition", "outcome"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fluxbpm_workflow_duration_seconds",
			Help:    "Workflow instance duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"definition"},
	)

	ActiveInstances = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fluxbpm_active_instances",
			Help: "Number of currently running workflow instances",
		},
	)

	// Element metrics
	ElementsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxbpm_elements_executed_total",
			Help: "Total number of elements executed",
		},
		[]string{"type", "status"},
	)

	ElementDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fluxbpm_element_duration_seconds",
			Help:    "Element execution duration in seconds",
			Buckets: []float64{.005, .05, .25, 1, 5, 30, 120, 600, 3600},
		},
		[]string{"type"},
	)

	TasksCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxbpm_tasks_cancelled_total",
			Help: "Total number of cooperative task cancellations",
		},
		[]string{"reason"},
	)

	// Message bus metrics
	BusQueuedMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fluxbpm_bus_queued_messages",
			Help: "Messages queued on the bus awaiting a consumer",
		},
	)

	BusWaitingTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fluxbpm_bus_waiting_tasks",
			Help: "Tasks blocked on the bus awaiting a message",
		},
	)

	// Event stream metrics
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxbpm_events_emitted_total",
			Help: "Execution events emitted, by type",
		},
		[]string{"type"},
	)

	EventStoreErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fluxbpm_event_store_errors_total",
			Help: "Failed event store writes",
		},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fluxbpm_stream_subscribers",
			Help: "Live event stream subscribers",
		},
	)

	// HTTP surface metrics
	WebhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxbpm_webhooks_received_total",
			Help: "Inbound webhook deliveries, by message ref and disposition",
		},
		[]string{"message_ref", "disposition"},
	)

	CompensationsTriggered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fluxbpm_compensations_triggered_total",
			Help: "Compensation scope triggers",
		},
	)
)
