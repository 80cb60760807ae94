// Package metrics provides Prometheus metrics for the evidence service.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all evidencelog metrics.
var Registry = prometheus.NewRegistry()

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// Commit results used as label values.
const (
	ResultCommitted   = "committed"
	ResultUploadFail  = "upload_failed"
	ResultInvalidID   = "invalid_identifier"
	ResultDuplicate   = "duplicate_content"
	ResultRejected    = "ledger_rejected"
	ResultUnconfirmed = "ledger_unconfirmed"
	ResultOK          = "ok"
	ResultError       = "error"
)

// Metrics holds all Prometheus metrics for the evidence service. All methods
// are safe to call on a nil receiver so components can run without metrics.
type Metrics struct {
	// Commit pipeline
	CommitsTotal   *prometheus.CounterVec   // evidencelog_commits_total{result}
	CommitDuration *prometheus.HistogramVec // evidencelog_commit_duration_seconds{result}
	BytesUploaded  prometheus.Counter       // evidencelog_bytes_uploaded_total

	// Ledger
	LedgerRecords prometheus.Gauge       // evidencelog_ledger_records
	LedgerReads   *prometheus.CounterVec // evidencelog_ledger_reads_total{result}

	// Read path
	AggregationFailures prometheus.Counter // evidencelog_aggregation_failures_total

	// Client blob cache
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter

	// Change feed
	Subscribers prometheus.Gauge

	Info *prometheus.GaugeVec // labels: version
}

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Init registers the service metrics on Registry. Subsequent calls return
// the same instance.
func Init(version string) *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = New(Registry)
		metricsInstance.Info.WithLabelValues(version).Set(1)
	})
	return metricsInstance
}

// Get returns the metrics registered by Init, or nil.
func Get() *Metrics {
	return metricsInstance
}

// New registers a fresh set of metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		CommitsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "evidencelog_commits_total",
			Help: "Evidence commits by result",
		}, []string{"result"}),
		CommitDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evidencelog_commit_duration_seconds",
			Help:    "Time from upload start to ledger confirmation",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"result"}),
		BytesUploaded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "evidencelog_bytes_uploaded_total",
			Help: "Total bytes uploaded to content storage",
		}),
		LedgerRecords: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "evidencelog_ledger_records",
			Help: "Number of records on the ledger at last observation",
		}),
		LedgerReads: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "evidencelog_ledger_reads_total",
			Help: "Ledger record reads by result",
		}, []string{"result"}),
		AggregationFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "evidencelog_aggregation_failures_total",
			Help: "Full-list reads abandoned because a record read failed",
		}),
		CacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "evidencelog_blob_cache_hits_total",
			Help: "Blob cache hits",
		}),
		CacheMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "evidencelog_blob_cache_misses_total",
			Help: "Blob cache misses",
		}),
		CacheEvictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "evidencelog_blob_cache_evictions_total",
			Help: "Blob cache entries removed by clear",
		}),
		Subscribers: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "evidencelog_event_subscribers",
			Help: "Connected change feed subscribers",
		}),
		Info: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "evidencelog_info",
			Help: "Build information",
		}, []string{"version"}),
	}
}

// RecordCommit records the outcome and duration of one commit.
func (m *Metrics) RecordCommit(result string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.CommitsTotal.WithLabelValues(result).Inc()
	m.CommitDuration.WithLabelValues(result).Observe(durationSeconds)
}

// RecordUpload records bytes uploaded.
func (m *Metrics) RecordUpload(bytes int64) {
	if m == nil {
		return
	}
	m.BytesUploaded.Add(float64(bytes))
}

// SetLedgerRecords records the observed ledger count.
func (m *Metrics) SetLedgerRecords(n uint64) {
	if m == nil {
		return
	}
	m.LedgerRecords.Set(float64(n))
}

// RecordLedgerRead records one record read.
func (m *Metrics) RecordLedgerRead(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.LedgerReads.WithLabelValues(ResultOK).Inc()
		return
	}
	m.LedgerReads.WithLabelValues(ResultError).Inc()
}

// RecordAggregationFailure records an abandoned full-list read.
func (m *Metrics) RecordAggregationFailure() {
	if m == nil {
		return
	}
	m.AggregationFailures.Inc()
}

// RecordCacheHit records a blob cache hit.
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

// RecordCacheMiss records a blob cache miss.
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
}

// RecordCacheEvictions records n entries removed from the blob cache.
func (m *Metrics) RecordCacheEvictions(n int) {
	if m == nil {
		return
	}
	m.CacheEvictions.Add(float64(n))
}

// SetSubscribers records the number of change feed subscribers.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}
