package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Publisher ───────────────────────────────────────────────────────────────

	TasksPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskqueue",
		Subsystem: "publisher",
		Name:      "tasks_published_total",
		Help:      "Tasks created, labelled by channel and whether they were deferred.",
	}, []string{"channel", "deferred"})

	PublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskqueue",
		Subsystem: "publisher",
		Name:      "publish_errors_total",
		Help:      "Failed transport publishes, labelled by channel.",
	}, []string{"channel"})

	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskqueue",
		Subsystem: "tasks",
		Name:      "transitions_total",
		Help:      "State transitions written to the store, labelled by target state.",
	}, []string{"state"})

	// ─── Manager ─────────────────────────────────────────────────────────────────

	ManagerRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskqueue",
		Subsystem: "manager",
		Name:      "tasks_running",
		Help:      "Tasks currently executing in this process.",
	})

	ManagerPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskqueue",
		Subsystem: "manager",
		Name:      "tasks_pending",
		Help:      "Tasks accepted by this process and waiting for a slot.",
	})

	ManagerTaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskqueue",
		Subsystem: "manager",
		Name:      "task_duration_seconds",
		Help:      "Handler execution time in seconds, labelled by channel and outcome.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"channel", "outcome"})

	ManagerEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskqueue",
		Subsystem: "manager",
		Name:      "events_total",
		Help:      "Pub/sub messages received, labelled by kind.",
	}, []string{"kind"})

	ManagerDuplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskqueue",
		Subsystem: "manager",
		Name:      "duplicates_total",
		Help:      "Submissions dropped because the task was already tracked.",
	})

	// ─── Sweeper ─────────────────────────────────────────────────────────────────

	SweeperRequeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskqueue",
		Subsystem: "sweeper",
		Name:      "requeued_total",
		Help:      "Deferred tasks flipped back to scheduled.",
	})

	SweeperStaleTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskqueue",
		Subsystem: "sweeper",
		Name:      "stale_total",
		Help:      "Deferred tasks failed because their deadline passed.",
	})

	SweeperDeletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskqueue",
		Subsystem: "sweeper",
		Name:      "deleted_total",
		Help:      "Tasks removed by retention cleanup, labelled by rule.",
	}, []string{"rule"})

	Backlog = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskqueue",
		Subsystem: "sweeper",
		Name:      "backlog",
		Help:      "Scheduled tasks waiting for a manager, labelled by channel.",
	}, []string{"channel"})
)
