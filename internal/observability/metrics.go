package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the indexer.
type Metrics struct {
	// --- Upstream fetch ---
	FetchPages   *prometheus.CounterVec
	FetchRetries *prometheus.CounterVec
	FetchErrors  *prometheus.CounterVec
	FetchPageDur *prometheus.HistogramVec

	// --- Normalization ---
	NormalizeRecords  *prometheus.CounterVec
	NormalizeRejected *prometheus.CounterVec

	// --- Reconciliation ---
	ReconcileApplied   *prometheus.CounterVec
	ReconcileDiscarded *prometheus.CounterVec
	BookSize           *prometheus.GaugeVec
	StreamState        *prometheus.GaugeVec

	// --- Ingestion cycles ---
	CyclesTotal   *prometheus.CounterVec
	CycleDuration *prometheus.HistogramVec
	CursorLedger  *prometheus.GaugeVec

	// --- Persistence ---
	PersistBatchDur  prometheus.Histogram
	PersistBatchSize prometheus.Histogram
	PersistWrites    *prometheus.CounterVec
	PersistErrors    *prometheus.CounterVec

	// --- Cycle event publishing ---
	PublishDrops prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	httpBuckets := []float64{
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0,
	}

	dbBuckets := []float64{
		0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	}

	return &Metrics{
		// Upstream fetch
		FetchPages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_fetch_pages_total",
			Help: "Pages fetched from the upstream ledger API",
		}, []string{"stream"}),

		FetchRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_fetch_retries_total",
			Help: "Fetch attempts retried after a transient failure",
		}, []string{"stream"}),

		FetchErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_fetch_errors_total",
			Help: "Fetch failures after retry exhaustion",
		}, []string{"stream", "kind"}),

		FetchPageDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dex_fetch_page_duration_seconds",
			Help:    "Upstream page fetch latency including retries",
			Buckets: httpBuckets,
		}, []string{"stream"}),

		// Normalization
		NormalizeRecords: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_normalize_records_total",
			Help: "Raw records successfully normalized",
		}, []string{"stream"}),

		NormalizeRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_normalize_rejected_total",
			Help: "Raw records rejected during normalization",
		}, []string{"stream", "reason"}),

		// Reconciliation
		ReconcileApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_reconcile_applied_total",
			Help: "Entities applied to the in-memory view",
		}, []string{"stream", "kind"}),

		ReconcileDiscarded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_reconcile_discarded_total",
			Help: "Entities discarded as stale duplicates",
		}, []string{"stream"}),

		BookSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dex_book_size",
			Help: "Open offers currently held in the order-book view",
		}, []string{"stream"}),

		StreamState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dex_stream_state",
			Help: "Stream lifecycle state (0=initializing 1=steady 2=resyncing 3=degraded)",
		}, []string{"stream"}),

		// Ingestion cycles
		CyclesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_ingest_cycles_total",
			Help: "Ingestion cycles completed by result",
		}, []string{"stream", "result"}),

		CycleDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dex_ingest_cycle_duration_seconds",
			Help:    "End-to-end fetch/normalize/reconcile/persist cycle duration",
			Buckets: httpBuckets,
		}, []string{"stream"}),

		CursorLedger: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dex_cursor_ledger",
			Help: "Ledger sequence of the last committed cursor",
		}, []string{"stream"}),

		// Persistence
		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dex_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: dbBuckets,
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dex_persist_batch_size",
			Help:    "Entities per persisted batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 200, 500},
		}),

		PersistWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_persist_writes_total",
			Help: "Batches committed to Postgres",
		}, []string{"stream"}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_persist_errors_total",
			Help: "Persistence errors by operation",
		}, []string{"op"}),

		// Cycle event publishing
		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dex_publish_drops_total",
			Help: "Cycle events dropped because the publisher was unavailable",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_query_requests_total",
			Help: "Query requests by endpoint and status",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dex_query_duration_seconds",
			Help:    "Query latency",
			Buckets: dbBuckets,
		}, []string{"endpoint"}),
	}
}
