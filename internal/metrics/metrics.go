package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_operations_total",
			Help: "Total number of blob store operations",
		},
		[]string{"operation", "status"},
	)

	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storage_operation_duration_seconds",
			Help:    "Duration of blob store operations in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)

	StorageBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_bytes_total",
			Help: "Total bytes transferred to/from the blob store",
		},
		[]string{"operation"},
	)

	QueueOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_operations_total",
			Help: "Total number of work queue operations",
		},
		[]string{"operation", "status"},
	)

	QueueMessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_messages_received_total",
			Help: "Total number of messages handed to workers",
		},
	)

	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processing_claims_total",
			Help: "Claim attempts by outcome (claimed, lost, not_due, missing)",
		},
		[]string{"outcome"},
	)

	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processing_attempts_total",
			Help: "Finished processing attempts by outcome (completed, retry, failed)",
		},
		[]string{"outcome", "kind"},
	)

	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "processing_duration_seconds",
			Help:    "Duration of video processing stages in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)

	WatermarkFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "processing_watermark_fallbacks_total",
			Help: "Processed videos delivered without the watermark overlay",
		},
	)

	StaleClaimsReleased = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processing_stale_claims_released_total",
			Help: "Abandoned processing claims released by the sweeper",
		},
		[]string{"result"},
	)

	WorkerPoolActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_pool_active_items",
			Help: "Number of items currently being processed",
		},
	)

	WorkerPoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_pool_size",
			Help: "Size of the worker pool",
		},
	)

	WorkerPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_panics_total",
			Help: "Panics recovered while processing an item",
		},
	)

	RankingRecomputeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ranking_recompute_duration_seconds",
			Help:    "Duration of a season ranking recompute",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	RankingRecomputesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ranking_recomputes_total",
			Help: "Ranking recomputes by trigger and status",
		},
		[]string{"trigger", "status"},
	)

	RankingEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ranking_entries",
			Help: "Ranking rows written for a season by the last recompute",
		},
		[]string{"season"},
	)

	CacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ranking_cache_requests_total",
			Help: "Ranking cache lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	CacheInvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ranking_cache_invalidations_total",
			Help: "Prefix invalidations by status",
		},
		[]string{"status"},
	)

	VotesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "votes_total",
			Help: "Vote attempts by result",
		},
		[]string{"result"},
	)

	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_info",
			Help: "Application information",
		},
		[]string{"version", "environment", "service"},
	)

	AppUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "app_up",
			Help: "Application is up and running",
		},
	)
)

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func RecordQueueOperation(operation string, err error) {
	QueueOperationsTotal.WithLabelValues(operation, status(err)).Inc()
}

func RecordClaim(outcome string) {
	ClaimsTotal.WithLabelValues(outcome).Inc()
}

func RecordAttempt(outcome, kind string) {
	AttemptsTotal.WithLabelValues(outcome, kind).Inc()
}

func RecordStage(stage string, d time.Duration) {
	ProcessingDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func RecordRecompute(trigger, season string, entries int, d time.Duration, err error) {
	RankingRecomputesTotal.WithLabelValues(trigger, status(err)).Inc()
	if err == nil {
		RankingRecomputeDuration.Observe(d.Seconds())
		RankingEntries.WithLabelValues(season).Set(float64(entries))
	}
}

func RecordCacheLookup(result string) {
	CacheRequestsTotal.WithLabelValues(result).Inc()
}

func RecordCacheInvalidation(err error) {
	CacheInvalidationsTotal.WithLabelValues(status(err)).Inc()
}

func RecordVote(result string) {
	VotesTotal.WithLabelValues(result).Inc()
}

func SetAppInfo(version, environment, service string) {
	AppInfo.WithLabelValues(version, environment, service).Set(1)
	AppUp.Set(1)
}

func SetWorkerPoolSize(size int) {
	WorkerPoolSize.Set(float64(size))
}

func Handler() http.Handler {
	return promhttp.Handler()
}
