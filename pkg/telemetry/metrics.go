package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── API ─────────────────────────────────────────────────────────────────────

	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imageflow",
		Subsystem: "api",
		Name:      "generation_requests_total",
		Help:      "Generation requests accepted by the API, labelled by kind and response mode.",
	}, []string{"kind", "mode"})

	APIRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imageflow",
		Subsystem: "api",
		Name:      "rejected_total",
		Help:      "Generation requests rejected before queueing, labelled by reason.",
	}, []string{"reason"})

	// ─── Queue ───────────────────────────────────────────────────────────────────

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "imageflow",
		Subsystem: "queue",
		Name:      "pending",
		Help:      "Tasks waiting in the admission queue.",
	})

	QueueSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imageflow",
		Subsystem: "queue",
		Name:      "submitted_total",
		Help:      "Tasks admitted to the queue.",
	}, []string{"kind"})

	QueueFullTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "imageflow",
		Subsystem: "queue",
		Name:      "full_total",
		Help:      "Submissions refused because the queue was at capacity.",
	})

	QueueTasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imageflow",
		Subsystem: "queue",
		Name:      "tasks_finished_total",
		Help:      "Tasks that reached a terminal status.",
	}, []string{"status"})

	QueueTaskRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "imageflow",
		Subsystem: "queue",
		Name:      "task_running",
		Help:      "1 while a render holds the execution gate.",
	})

	RenderDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "imageflow",
		Subsystem: "queue",
		Name:      "render_duration_seconds",
		Help:      "Wall time of a single render in seconds.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"kind"})

	// ─── Side channels ───────────────────────────────────────────────────────────

	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imageflow",
		Subsystem: "notify",
		Name:      "webhook_deliveries_total",
		Help:      "Completion webhooks sent, labelled by outcome.",
	}, []string{"outcome"})

	IntakeMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imageflow",
		Subsystem: "intake",
		Name:      "messages_total",
		Help:      "Generation requests consumed from Kafka, labelled by outcome.",
	}, []string{"outcome"})

	RetentionRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "imageflow",
		Subsystem: "storage",
		Name:      "retention_removed_total",
		Help:      "Expired output directories removed by the sweeper.",
	})
)
