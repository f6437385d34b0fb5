package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	BatchFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batcher_flushes_total",
			Help: "Total number of batch flushes (count)",
		},
		[]string{"batcher", "status"},
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batcher_batch_size",
			Help:    "Number of distinct rows written per flush (count)",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		},
		[]string{"batcher"},
	)

	BatchFlushDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batcher_flush_duration_ms",
			Help:    "Duration of a batch flush including the store call in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"batcher"},
	)

	BatchQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "batcher_queue_depth",
			Help: "Items waiting for the next flush (count)",
		},
		[]string{"batcher"},
	)

	RetryQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "retry_queue_depth",
			Help: "Items held by the durable retry queue (count)",
		},
	)

	RetryQueueEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_queue_events_total",
			Help: "Retry queue events by kind: enqueued, evicted, replayed, dropped, deferred (count)",
		},
		[]string{"event"},
	)

	RetryQueueCooldownsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "retry_queue_cooldowns_total",
			Help: "Number of times the store was marked unavailable (count)",
		},
	)

	StreamEnqueueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_enqueue_total",
			Help: "Entries appended to the distributed stream (count)",
		},
		[]string{"status"},
	)

	StreamEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_entries_processed_total",
			Help: "Entries consumed from the distributed stream by outcome (count)",
		},
		[]string{"status"},
	)

	StreamReadErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_read_errors_total",
			Help: "Failed stream group reads (count)",
		},
	)

	StreamReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_reclaimed_total",
			Help: "Pending entries reclaimed from idle consumers (count)",
		},
	)

	StreamProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stream_processing_duration_ms",
			Help:    "Duration of processing a single stream entry in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
	)

	MessagesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_processed_total",
			Help: "Inbound messages handled by the processor by outcome (count)",
		},
		[]string{"source", "status"},
	)

	AgentsNotifyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agents_notify_total",
			Help: "Agents service notifications by outcome (count)",
		},
		[]string{"status"},
	)

	RealtimePublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_publish_total",
			Help: "Realtime events published by event name and outcome (count)",
		},
		[]string{"event", "status"},
	)

	MediaUploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_uploads_total",
			Help: "Attachment uploads by outcome (count)",
		},
		[]string{"status"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	DatabaseQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_queries_total",
			Help: "Total number of database queries (count)",
		},
		[]string{"table", "operation", "status"},
	)

	DatabaseQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_query_duration_ms",
			Help:    "Duration of database queries in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"table", "operation"},
	)
)

var registerOnce sync.Once

// RegisterAll registers every collector with the default registry. Safe to call more than once.
func RegisterAll() {
	registerOnce.Do(func() {
		RegisterBatcherMetrics()
		RegisterQueueMetrics()
		RegisterPipelineMetrics()
		RegisterCircuitBreakerMetrics()
		RegisterDatabaseMetrics()
	})
}

func RegisterBatcherMetrics() {
	prometheus.MustRegister(BatchFlushesTotal)
	prometheus.MustRegister(BatchSize)
	prometheus.MustRegister(BatchFlushDuration)
	prometheus.MustRegister(BatchQueueDepth)
}

func RegisterQueueMetrics() {
	prometheus.MustRegister(RetryQueueDepth)
	prometheus.MustRegister(RetryQueueEventsTotal)
	prometheus.MustRegister(RetryQueueCooldownsTotal)
	prometheus.MustRegister(StreamEnqueueTotal)
	prometheus.MustRegister(StreamEntriesTotal)
	prometheus.MustRegister(StreamReadErrorsTotal)
	prometheus.MustRegister(StreamReclaimedTotal)
	prometheus.MustRegister(StreamProcessingDuration)
}

func RegisterPipelineMetrics() {
	prometheus.MustRegister(MessagesProcessedTotal)
	prometheus.MustRegister(RealtimePublishTotal)
	prometheus.MustRegister(AgentsNotifyTotal)
	prometheus.MustRegister(MediaUploadsTotal)
	prometheus.MustRegister(RateLimitRequestsTotal)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerRequests)
	prometheus.MustRegister(CircuitBreakerFailures)
}

func RegisterDatabaseMetrics() {
	prometheus.MustRegister(DatabaseQueriesTotal)
	prometheus.MustRegister(DatabaseQueryDuration)
}

func ObserveBatchFlush(batcher string, size int, duration time.Duration, status string) {
	BatchFlushesTotal.WithLabelValues(batcher, status).Inc()
	BatchSize.WithLabelValues(batcher).Observe(float64(size))
	BatchFlushDuration.WithLabelValues(batcher).Observe(float64(duration.Milliseconds()))
}

func SetBatchQueueDepth(batcher string, depth int) {
	BatchQueueDepth.WithLabelValues(batcher).Set(float64(depth))
}

func SetRetryQueueDepth(depth int) {
	RetryQueueDepth.Set(float64(depth))
}

func IncRetryQueueEvent(event string) {
	RetryQueueEventsTotal.WithLabelValues(event).Inc()
}

func IncRetryQueueCooldown() {
	RetryQueueCooldownsTotal.Inc()
}

func IncStreamEnqueue(status string) {
	StreamEnqueueTotal.WithLabelValues(status).Inc()
}

func IncStreamEntry(status string) {
	StreamEntriesTotal.WithLabelValues(status).Inc()
}

func IncStreamReadError() {
	StreamReadErrorsTotal.Inc()
}

func AddStreamReclaimed(n int) {
	StreamReclaimedTotal.Add(float64(n))
}

func ObserveStreamProcessing(duration time.Duration) {
	StreamProcessingDuration.Observe(float64(duration.Milliseconds()))
}

func IncMessagesProcessed(source, status string) {
	MessagesProcessedTotal.WithLabelValues(source, status).Inc()
}

func IncRealtimePublish(event, status string) {
	RealtimePublishTotal.WithLabelValues(event, status).Inc()
}

func IncAgentsNotify(status string) {
	AgentsNotifyTotal.WithLabelValues(status).Inc()
}

func IncMediaUpload(status string) {
	MediaUploadsTotal.WithLabelValues(status).Inc()
}

func ObserveDatabaseQuery(table, operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	DatabaseQueriesTotal.WithLabelValues(table, operation, status).Inc()
	DatabaseQueryDuration.WithLabelValues(table, operation).Observe(float64(duration.Milliseconds()))
}
