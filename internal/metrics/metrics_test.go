package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestRecordSampleIncrementsPerAsset(t *testing.T) {
	m := NewWithRegistry("bridge-test", prometheus.NewRegistry())
	m.RecordSample("press-1")
	m.RecordSample("press-1")
	m.RecordSample("press-2")

	if got := counterValue(t, m.SamplesIngestedTotal.WithLabelValues("press-1")); got != 2 {
		t.Errorf("expected press-1 count 2, got %v", got)
	}
	if got := counterValue(t, m.SamplesIngestedTotal.WithLabelValues("press-2")); got != 1 {
		t.Errorf("expected press-2 count 1, got %v", got)
	}
}

func TestSetQuarantinedAssetsSetsGauge(t *testing.T) {
	m := NewWithRegistry("bridge-test", prometheus.NewRegistry())
	m.SetQuarantinedAssets(3)
	if got := gaugeValue(t, m.QuarantinedAssets); got != 3 {
		t.Errorf("expected quarantined gauge 3, got %v", got)
	}
}

func TestSetBufferStatusUpdatesAllGauges(t *testing.T) {
	m := NewWithRegistry("bridge-test", prometheus.NewRegistry())
	m.SetBufferStatus(4096, 10*1024*1024, 10, 5)

	if got := gaugeValue(t, m.BufferBytesUsed); got != 4096 {
		t.Errorf("expected buffer bytes 4096, got %v", got)
	}
	if got := gaugeValue(t, m.BufferBytesCap); got != 10*1024*1024 {
		t.Errorf("expected buffer bytes cap 10MB, got %v", got)
	}
	if got := gaugeValue(t, m.BufferSampleCount); got != 10 {
		t.Errorf("expected sample count 10, got %v", got)
	}
	if got := gaugeValue(t, m.BufferAnalyticsCount); got != 5 {
		t.Errorf("expected analytics count 5, got %v", got)
	}
}

func TestSetUploadReachableSetsGauge(t *testing.T) {
	m := NewWithRegistry("bridge-test", prometheus.NewRegistry())
	m.SetUploadReachable(true)
	if got := gaugeValue(t, m.UploadReachable); got != 1 {
		t.Errorf("expected upload reachable gauge 1, got %v", got)
	}
	m.SetUploadReachable(false)
	if got := gaugeValue(t, m.UploadReachable); got != 0 {
		t.Errorf("expected upload reachable gauge 0, got %v", got)
	}
}

func TestRecordBatchSentRecordsStatusAndDuration(t *testing.T) {
	m := NewWithRegistry("bridge-test", prometheus.NewRegistry())
	m.RecordBatchSent("success", 250*time.Millisecond)

	if got := counterValue(t, m.BatchesSentTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("expected batches sent success count 1, got %v", got)
	}
}

func TestUpdateUptimeReflectsElapsedTime(t *testing.T) {
	m := NewWithRegistry("bridge-test", prometheus.NewRegistry())
	start := time.Now().Add(-5 * time.Second)
	m.UpdateUptime(start)

	if got := gaugeValue(t, m.ServiceUptime); got < 4.9 {
		t.Errorf("expected uptime gauge >= ~5s, got %v", got)
	}
}

func TestNewWithRegistryNilSkipsRegistration(t *testing.T) {
	m := NewWithRegistry("bridge-test", nil)
	if m == nil {
		t.Fatal("expected a non-nil Metrics even with a nil registerer")
	}
	m.RecordSample("press-1")
	if got := counterValue(t, m.SamplesIngestedTotal.WithLabelValues("press-1")); got != 1 {
		t.Errorf("expected sample count 1 even without registration, got %v", got)
	}
}
