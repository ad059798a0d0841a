package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eventchain"

var (
	// EventsReceived — принятые доменные события.
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_received_total",
		Help:      "Domain events submitted to the trigger matcher",
	}, []string{"event_type"})

	// ExecutionsCreated — executions, созданные по событиям.
	ExecutionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_created_total",
		Help:      "Chain executions created by trigger matching",
	})

	// TriggerErrors — ошибки создания execution для отдельного определения.
	TriggerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trigger_errors_total",
		Help:      "Per-definition failures while creating executions",
	})

	// ExecutionsFinished — executions, достигшие финального статуса.
	ExecutionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_finished_total",
		Help:      "Chain executions that reached a terminal status",
	}, []string{"status"})

	// JobClaims — результаты попыток захвата job.
	JobClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_claims_total",
		Help:      "Scheduled job claim attempts by result (won, lost)",
	}, []string{"result"})

	// StepOutcomes — исходы попыток шагов.
	StepOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "step_outcomes_total",
		Help:      "Step attempts by outcome (completed, retry, failed, cancelled)",
	}, []string{"module", "outcome"})

	// StepDuration — длительность вызова действия.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "step_duration_seconds",
		Help:      "Duration of action invocations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"module"})

	// StaleRequeued — jobs, возвращённые в очередь sweep'ом.
	StaleRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_jobs_requeued_total",
		Help:      "Stale jobs returned to the queue by the sweeper",
	})

	// Compensations — исходы компенсаций шагов.
	Compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compensations_total",
		Help:      "Step compensations by result (compensated, failed)",
	}, []string{"result"})

	// StalledResumed — executions, перезапущенные после сбоя.
	StalledResumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stalled_executions_resumed_total",
		Help:      "Stalled executions re-driven by the scheduler",
	})

	// JobsGauge — состояние очереди (ready, stale, in_flight, deferred).
	JobsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs",
		Help:      "Scheduled jobs by state",
	}, []string{"state"})

	// ExecutionsGauge — executions по статусам.
	ExecutionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "executions",
		Help:      "Chain executions by status",
	}, []string{"status"})

	// RetentionDeleted — executions, удалённые retention.
	RetentionDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retention_deleted_total",
		Help:      "Finished executions deleted by the retention job",
	})

	// HTTPRequests — запросы к API.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_http_requests_total",
		Help:      "Total HTTP requests handled by the API",
	}, []string{"method", "code"})

	// MQDeliveries — доставки RabbitMQ по очереди и исходу (ack, requeue, dead_letter).
	MQDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mq_deliveries_total",
		Help:      "RabbitMQ deliveries by queue and outcome",
	}, []string{"queue", "outcome"})
)
