package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchgate_exports_total",
		Help: "Export attempts by outcome",
	}, []string{"outcome"})

	IngestItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchgate_ingest_items_total",
		Help: "Ingested records by item status",
	}, []string{"status"})

	RateLimitRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchgate_rate_limit_rejects_total",
		Help: "Daily quota rejections by operation class",
	}, []string{"class"})

	AnomalyFlags = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchgate_anomaly_flags_total",
		Help: "Advisory anomaly flags raised",
	}, []string{"flag"})

	AuditWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchgate_audit_write_failures_total",
		Help: "Audit records that could not be persisted",
	}, []string{"classification"})

	ChunkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "batchgate_chunk_duration_seconds",
		Help:    "Wall time spent processing one chunk",
		Buckets: prometheus.DefBuckets,
	})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batchgate_latency_bucket",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)
