// Package metrics provides Prometheus metrics collection for the pipeline.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the bridge.
type Metrics struct {
	// Collector
	SamplesIngestedTotal  *prometheus.CounterVec
	ConnectFailuresTotal  *prometheus.CounterVec
	ReconnectsTotal       *prometheus.CounterVec
	SubscribeFailuresTotal *prometheus.CounterVec
	QuarantinedAssets     prometheus.Gauge

	// Analytics
	AnalyticsErrorsTotal *prometheus.CounterVec
	KpiRecordsTotal      *prometheus.CounterVec
	AnomalyRecordsTotal  *prometheus.CounterVec

	// Buffer
	BufferAppendFailuresTotal *prometheus.CounterVec
	BufferEvictedRowsTotal    *prometheus.CounterVec
	BufferBytesUsed           prometheus.Gauge
	BufferBytesCap            prometheus.Gauge
	BufferSampleCount         prometheus.Gauge
	BufferAnalyticsCount      prometheus.Gauge

	// Upload
	BatchesSentTotal   *prometheus.CounterVec
	BatchUploadRetries *prometheus.CounterVec
	UploadDuration     prometheus.Histogram
	UploadReachable    prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance registered against the default registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry, following the
// teacher's pattern of constructing every collector up front and registering them in one pass.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		SamplesIngestedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_samples_ingested_total",
				Help: "Total number of samples received from field assets",
			},
			[]string{"asset"},
		),
		ConnectFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_connect_failures_total",
				Help: "Total number of asset session connect failures",
			},
			[]string{"asset"},
		),
		ReconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_reconnects_total",
				Help: "Total number of successful asset session reconnects",
			},
			[]string{"asset"},
		),
		SubscribeFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_subscribe_failures_total",
				Help: "Total number of per-tag subscribe failures",
			},
			[]string{"asset", "tag"},
		),
		QuarantinedAssets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_quarantined_assets",
				Help: "Current number of assets in quarantine",
			},
		),

		AnalyticsErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_analytics_errors_total",
				Help: "Total number of per-sample analytics errors",
			},
			[]string{"asset", "processor"},
		),
		KpiRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_kpi_records_total",
				Help: "Total number of KPI records emitted",
			},
			[]string{"asset", "category"},
		),
		AnomalyRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_anomaly_records_total",
				Help: "Total number of anomaly records emitted",
			},
			[]string{"asset", "tag"},
		),

		BufferAppendFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_buffer_append_failures_total",
				Help: "Total number of rows that failed to append to the durable buffer",
			},
			[]string{"kind"},
		),
		BufferEvictedRowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_buffer_evicted_rows_total",
				Help: "Total number of rows evicted from the buffer under size-cap pressure",
			},
			[]string{"reason"},
		),
		BufferBytesUsed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_buffer_bytes_used",
				Help: "Current on-disk size of the durable buffer in bytes",
			},
		),
		BufferBytesCap: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_buffer_bytes_cap",
				Help: "Configured on-disk size cap for the durable buffer in bytes, 0 if uncapped",
			},
		),
		BufferSampleCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_buffer_sample_count",
				Help: "Current number of sample rows in the durable buffer",
			},
		),
		BufferAnalyticsCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_buffer_analytics_count",
				Help: "Current number of analytics rows in the durable buffer",
			},
		),

		BatchesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_batches_sent_total",
				Help: "Total number of batches shipped to the remote store, by outcome",
			},
			[]string{"status"},
		),
		BatchUploadRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_batch_upload_retries_total",
				Help: "Total number of batch upload retry attempts",
			},
			[]string{"asset"},
		),
		UploadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bridge_upload_duration_seconds",
				Help:    "Duration of a single batch upload attempt, in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		UploadReachable: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_upload_reachable",
				Help: "Whether the last remote store liveness probe succeeded (1) or failed (0)",
			},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bridge_info",
				Help: "Bridge process information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.SamplesIngestedTotal,
			m.ConnectFailuresTotal,
			m.ReconnectsTotal,
			m.SubscribeFailuresTotal,
			m.QuarantinedAssets,
			m.AnalyticsErrorsTotal,
			m.KpiRecordsTotal,
			m.AnomalyRecordsTotal,
			m.BufferAppendFailuresTotal,
			m.BufferEvictedRowsTotal,
			m.BufferBytesUsed,
			m.BufferBytesCap,
			m.BufferSampleCount,
			m.BufferAnalyticsCount,
			m.BatchesSentTotal,
			m.BatchUploadRetries,
			m.UploadDuration,
			m.UploadReachable,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordSample records a sample ingested from an asset session.
func (m *Metrics) RecordSample(asset string) {
	m.SamplesIngestedTotal.WithLabelValues(asset).Inc()
}

// RecordConnectFailure records a failed connect attempt for an asset.
func (m *Metrics) RecordConnectFailure(asset string) {
	m.ConnectFailuresTotal.WithLabelValues(asset).Inc()
}

// RecordReconnect records a successful reconnect for an asset.
func (m *Metrics) RecordReconnect(asset string) {
	m.ReconnectsTotal.WithLabelValues(asset).Inc()
}

// RecordSubscribeFailure records a per-tag subscribe failure.
func (m *Metrics) RecordSubscribeFailure(asset, tag string) {
	m.SubscribeFailuresTotal.WithLabelValues(asset, tag).Inc()
}

// SetQuarantinedAssets sets the current quarantined asset count.
func (m *Metrics) SetQuarantinedAssets(n int) {
	m.QuarantinedAssets.Set(float64(n))
}

// RecordAnalyticsError records a per-sample analytics error.
func (m *Metrics) RecordAnalyticsError(asset, processor string) {
	m.AnalyticsErrorsTotal.WithLabelValues(asset, processor).Inc()
}

// RecordKpiRecord records a KPI record emission.
func (m *Metrics) RecordKpiRecord(asset, category string) {
	m.KpiRecordsTotal.WithLabelValues(asset, category).Inc()
}

// RecordAnomalyRecord records an anomaly record emission.
func (m *Metrics) RecordAnomalyRecord(asset, tag string) {
	m.AnomalyRecordsTotal.WithLabelValues(asset, tag).Inc()
}

// RecordBufferAppendFailure records a row that failed to append to the buffer.
func (m *Metrics) RecordBufferAppendFailure(kind string) {
	m.BufferAppendFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordBufferEviction records rows evicted under size-cap pressure.
func (m *Metrics) RecordBufferEviction(reason string, rows int64) {
	m.BufferEvictedRowsTotal.WithLabelValues(reason).Add(float64(rows))
}

// SetBufferStatus sets the buffer's current size/row-count gauges.
func (m *Metrics) SetBufferStatus(bytesUsed, bytesCap, sampleCount, analyticsCount int64) {
	m.BufferBytesUsed.Set(float64(bytesUsed))
	m.BufferBytesCap.Set(float64(bytesCap))
	m.BufferSampleCount.Set(float64(sampleCount))
	m.BufferAnalyticsCount.Set(float64(analyticsCount))
}

// SetUploadReachable sets the upload connectivity gauge from the maintenance
// loop's liveness probe.
func (m *Metrics) SetUploadReachable(reachable bool) {
	if reachable {
		m.UploadReachable.Set(1)
	} else {
		m.UploadReachable.Set(0)
	}
}

// RecordBatchSent records the outcome of a batch upload.
func (m *Metrics) RecordBatchSent(status string, duration time.Duration) {
	m.BatchesSentTotal.WithLabelValues(status).Inc()
	m.UploadDuration.Observe(duration.Seconds())
}

// RecordBatchRetry records a batch upload retry attempt.
func (m *Metrics) RecordBatchRetry(asset string) {
	m.BatchUploadRetries.WithLabelValues(asset).Inc()
}

// UpdateUptime updates the process uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

func getEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("ENVIRONMENT")))
	if env == "" {
		return "development"
	}
	return env
}

// Enabled returns whether Prometheus metrics should be exposed.
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return true
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("edge-telemetry-bridge")
	}
	return globalMetrics
}
