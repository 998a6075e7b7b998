package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StageExecutions — выполнения стадий по исходу.
	StageExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docflow_stage_executions_total",
		Help: "Stage executions by outcome",
	}, []string{"stage", "outcome"})

	// StageDuration — длительность вызова обработчика стадии.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docflow_stage_duration_seconds",
		Help:    "Stage handler duration",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"stage"})

	// StageRetries — запланированные повторы по классу ошибки.
	StageRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docflow_stage_retries_total",
		Help: "Scheduled stage retries by error class",
	}, []string{"stage", "class"})

	// CacheLookups — обращения к кэшу результатов.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docflow_cache_lookups_total",
		Help: "Result cache lookups by result (hit, miss, error)",
	}, []string{"result"})

	// LockContention — попытки взять занятую блокировку стадии.
	LockContention = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docflow_stage_lock_contention_total",
		Help: "Stage lock acquisitions rejected because the lock was held",
	}, []string{"stage"})

	// DocumentsFinished — документы, дошедшие до финального статуса.
	DocumentsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docflow_documents_finished_total",
		Help: "Documents reaching a terminal status",
	}, []string{"status"})

	// TasksPublished — задачи, опубликованные в очереди.
	TasksPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docflow_tasks_published_total",
		Help: "Stage tasks published by priority and reason",
	}, []string{"priority", "reason"})

	// MaintenanceRequeues — задачи, выданные maintenance заданиями.
	MaintenanceRequeues = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docflow_maintenance_requeues_total",
		Help: "Tasks re-enqueued by maintenance jobs",
	}, []string{"job"})

	// WorkersBusy — занятые воркеры по приоритету.
	WorkersBusy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "docflow_workers_busy",
		Help: "Busy workers per priority partition",
	}, []string{"priority"})

	// HTTPRequests — запросы к operator API.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docflow_http_requests_total",
		Help: "Operator API requests by method and status",
	}, []string{"method", "status"})
)

// Handler возвращает HTTP handler для /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
