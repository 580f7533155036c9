package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Ingest ──────────────────────────────────────────────────────────────────

	EventsReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "ingest",
		Name:      "events_received_total",
		Help:      "Worker reports decoded into events, labelled by transport and kind.",
	}, []string{"transport", "kind"})

	EventsInvalidTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "ingest",
		Name:      "events_invalid_total",
		Help:      "Worker reports dropped by validation.",
	}, []string{"transport"})

	IngestRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "ingest",
		Name:      "rate_limited_total",
		Help:      "Worker frames rejected by the per-worker rate limiter.",
	})

	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskflow",
		Subsystem: "ingest",
		Name:      "connections_active",
		Help:      "Registered worker connections.",
	}, []string{"transport"})

	// ─── Queue ───────────────────────────────────────────────────────────────────

	EventsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "queue",
		Name:      "events_enqueued_total",
		Help:      "Events accepted by the partitioned queue.",
	}, []string{"kind"})

	QueueSaturatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "queue",
		Name:      "saturated_total",
		Help:      "Enqueue attempts that timed out on a full partition.",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskflow",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Buffered events per partition, sampled by the consumer.",
	}, []string{"partition"})

	// ─── Engine ──────────────────────────────────────────────────────────────────

	EventsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "engine",
		Name:      "events_processed_total",
		Help:      "Events processed, labelled by kind and outcome.",
	}, []string{"kind", "outcome"})

	EventDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskflow",
		Subsystem: "engine",
		Name:      "event_duration_seconds",
		Help:      "Time spent processing one event.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"kind"})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "engine",
		Name:      "transitions_total",
		Help:      "Applied status transitions.",
	}, []string{"from", "to"})

	RedispatchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "engine",
		Name:      "redispatch_total",
		Help:      "Instances sent to another worker after a rejection.",
	})

	RetryExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "engine",
		Name:      "retry_exhausted_total",
		Help:      "Instances failed because the redispatch cap was reached.",
	})

	PanicsRecoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "engine",
		Name:      "panics_recovered_total",
		Help:      "Panics recovered inside the dispatch loop.",
	})

	TerminalNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "engine",
		Name:      "terminal_notifications_total",
		Help:      "Terminal outcomes reported to the workflow engine.",
	}, []string{"status"})

	// ─── Submit / cache ──────────────────────────────────────────────────────────

	TasksSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "submit",
		Name:      "tasks_submitted_total",
		Help:      "Task instances created through the submit path.",
	})

	CacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "submit",
		Name:      "cache_lookups_total",
		Help:      "Result cache lookups, labelled hit or miss.",
	}, []string{"result"})

	// ─── Ack ─────────────────────────────────────────────────────────────────────

	AcksSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "ack",
		Name:      "sent_total",
		Help:      "Acks delivered to workers.",
	}, []string{"kind"})

	AckFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "ack",
		Name:      "failures_total",
		Help:      "Acks dropped because the reply handle was gone or broken.",
	})
)
