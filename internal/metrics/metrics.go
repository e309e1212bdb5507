package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stream metrics
	MessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unistream_messages_appended_total",
			Help: "Total number of stream messages appended",
		},
		[]string{"backend"},
	)

	AppendBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "unistream_append_batch_size",
			Help:    "Number of messages per append call",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		},
	)

	CommandsMarkedProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unistream_commands_marked_processed_total",
			Help: "Total number of output commands claimed",
		},
		[]string{"backend"},
	)

	// Consumer metrics
	ConsumeCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unistream_consume_cycles_total",
			Help: "Total number of consumer processing cycles",
		},
		[]string{"workflow", "status"},
	)

	ConsumeCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unistream_consume_cycle_duration_seconds",
			Help:    "Duration of one consumer processing cycle",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow"},
	)

	InputsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unistream_inputs_processed_total",
			Help: "Total number of inputs driven through deciders",
		},
		[]string{"workflow"},
	)

	InstancesHalted = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "unistream_instances_halted",
			Help: "Number of instances halted by a fatal decider error",
		},
	)

	// Output processor metrics
	PendingCommandsSeen = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "unistream_pending_commands_per_poll",
			Help:    "Pending output commands returned per poll",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
		},
	)

	CommandsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unistream_commands_dispatched_total",
			Help: "Total number of output commands dispatched to handlers",
		},
		[]string{"command", "status"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unistream_dispatch_duration_seconds",
			Help:    "Handler dispatch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	ClaimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unistream_claim_conflicts_total",
			Help: "Mark-processed attempts lost to a concurrent worker",
		},
	)

	// Router and trigger metrics
	InputsRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unistream_inputs_routed_total",
			Help: "Total number of external inputs appended by the router",
		},
		[]string{"workflow"},
	)

	TriggersPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unistream_triggers_published_total",
			Help: "Total number of processing triggers published",
		},
		[]string{"transport"},
	)

	SweepRetriggers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unistream_sweep_retriggers_total",
			Help: "Instances re-triggered by the periodic sweep",
		},
	)

	// Scheduler metrics
	ScheduledDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unistream_scheduled_deliveries_total",
			Help: "Deferred messages delivered back through the router",
		},
		[]string{"status"},
	)
)
