package buffer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/globalcorp/edge-telemetry-bridge/internal/logging"
	"github.com/globalcorp/edge-telemetry-bridge/internal/metrics"
	"github.com/globalcorp/edge-telemetry-bridge/internal/model"
)

func newTestStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "buffer.db")
	log := logging.New("bridge-test", "error", "text")
	met := metrics.NewWithRegistry("bridge-test", nil)

	store, err := Open(context.Background(), dbPath, maxBytes, log, met)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleAt(ts time.Time, tag string, v float64) model.Sample {
	return model.Sample{
		Timestamp: ts,
		Hierarchy: model.Hierarchy{Enterprise: "globalcorp", Site: "site-a", Area: "area-1", Line: "line-1", Machine: "press-1"},
		Tag:       tag,
		Value:     model.FloatValue(v),
		Unit:      "C",
		Quality:   model.QualityGood,
	}
}

func TestAppendSampleAndNextBatch(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		s := sampleAt(now.Add(time.Duration(i)*time.Millisecond), "temperature", float64(i))
		if err := store.AppendSample(ctx, s); err != nil {
			t.Fatalf("append sample %d: %v", i, err)
		}
	}

	batch, err := store.NextBatch(ctx, 3, 0)
	if err != nil {
		t.Fatalf("next_batch: %v", err)
	}
	if batch == nil || len(batch.Samples) != 3 {
		t.Fatalf("expected a batch of 3 samples, got %+v", batch)
	}
	if batch.Samples[0].Value.F != 0 {
		t.Errorf("expected oldest sample first, got value %v", batch.Samples[0].Value.F)
	}

	second, err := store.NextBatch(ctx, 3, 0)
	if err != nil {
		t.Fatalf("next_batch (second): %v", err)
	}
	if second == nil || len(second.Samples) != 2 {
		t.Fatalf("expected remaining 2 samples, got %+v", second)
	}

	if batch.ID == second.ID {
		t.Errorf("expected distinct batch ids, got the same id twice")
	}
}

func TestNextBatchDoesNotDoubleAssign(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()
	now := time.Now()

	if err := store.AppendSample(ctx, sampleAt(now, "pressure", 1.0)); err != nil {
		t.Fatalf("append sample: %v", err)
	}

	first, err := store.NextBatch(ctx, 10, 10)
	if err != nil {
		t.Fatalf("next_batch: %v", err)
	}
	if first.IsEmpty() {
		t.Fatalf("expected the single sample to be claimed")
	}

	again, err := store.NextBatch(ctx, 10, 10)
	if err != nil {
		t.Fatalf("next_batch (again): %v", err)
	}
	if !again.IsEmpty() {
		t.Fatalf("expected no rows left to claim, got %+v", again)
	}
}

func TestMarkProcessedThenDeleteBatch(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()
	now := time.Now()

	if err := store.AppendSample(ctx, sampleAt(now, "vibration", 3.3)); err != nil {
		t.Fatalf("append sample: %v", err)
	}

	batch, err := store.NextBatch(ctx, 10, 10)
	if err != nil || batch.IsEmpty() {
		t.Fatalf("next_batch: batch=%+v err=%v", batch, err)
	}

	if err := store.MarkProcessed(ctx, batch.ID); err != nil {
		t.Fatalf("mark_processed: %v", err)
	}
	if err := store.DeleteBatch(ctx, batch.ID); err != nil {
		t.Fatalf("delete_batch: %v", err)
	}

	status, err := store.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.SampleCount != 0 {
		t.Errorf("expected 0 samples after delete_batch, got %d", status.SampleCount)
	}
}

func TestUnassignBatchMakesRowsEligibleAgain(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()
	now := time.Now()

	if err := store.AppendSample(ctx, sampleAt(now, "current", 12.5)); err != nil {
		t.Fatalf("append sample: %v", err)
	}

	batch, err := store.NextBatch(ctx, 10, 10)
	if err != nil || batch.IsEmpty() {
		t.Fatalf("next_batch: batch=%+v err=%v", batch, err)
	}

	// Simulate an upload failure: unassign instead of marking processed.
	if err := store.UnassignBatch(ctx, batch.ID); err != nil {
		t.Fatalf("unassign_batch: %v", err)
	}

	retry, err := store.NextBatch(ctx, 10, 10)
	if err != nil {
		t.Fatalf("next_batch (retry): %v", err)
	}
	if retry.IsEmpty() {
		t.Fatalf("expected the unassigned row to be claimable again")
	}
}

func TestAppendKPIAndAnomalyRoundTrip(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()
	now := time.Now()

	kpi := model.KpiRecord{
		Timestamp: now,
		AssetName: "press-1",
		Category:  model.CategoryOEE,
		Metrics:   map[string]float64{"overall_oee": 84.2, "availability": 91.0},
	}
	if err := store.AppendKPI(ctx, kpi); err != nil {
		t.Fatalf("append kpi: %v", err)
	}

	anomaly := model.AnomalyRecord{
		Timestamp:    now,
		AssetName:    "press-1",
		Tag:          "vibration",
		CurrentValue: 9.9,
		BaselineMean: 4.1,
		ZScore:       3.2,
		IsAnomaly:    true,
	}
	if err := store.AppendAnomaly(ctx, anomaly); err != nil {
		t.Fatalf("append anomaly: %v", err)
	}

	batch, err := store.NextBatch(ctx, 0, 10)
	if err != nil {
		t.Fatalf("next_batch: %v", err)
	}
	if len(batch.KPIs) != 1 || len(batch.Anomalies) != 1 {
		t.Fatalf("expected 1 kpi and 1 anomaly, got %d/%d", len(batch.KPIs), len(batch.Anomalies))
	}
	if batch.KPIs[0].Metrics["overall_oee"] != 84.2 {
		t.Errorf("kpi metrics did not round-trip: %+v", batch.KPIs[0].Metrics)
	}
	if !batch.Anomalies[0].IsAnomaly || batch.Anomalies[0].Tag != "vibration" {
		t.Errorf("anomaly did not round-trip: %+v", batch.Anomalies[0])
	}
}

func TestDeleteProcessedOlderThan(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)

	if err := store.AppendSample(ctx, sampleAt(old, "temperature", 20.0)); err != nil {
		t.Fatalf("append sample: %v", err)
	}
	batch, err := store.NextBatch(ctx, 10, 10)
	if err != nil || batch.IsEmpty() {
		t.Fatalf("next_batch: batch=%+v err=%v", batch, err)
	}
	if err := store.MarkProcessed(ctx, batch.ID); err != nil {
		t.Fatalf("mark_processed: %v", err)
	}

	// created_at is stamped by SQLite at insert time (now), not by our
	// sample timestamp, so a zero age is what puts this processed row
	// before the cutoff.
	if _, err := store.DeleteProcessedOlderThan(ctx, 0); err != nil {
		t.Fatalf("delete_processed_older_than: %v", err)
	}

	status, err := store.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.SampleCount != 0 {
		t.Errorf("expected the processed row to be deleted with a zero cutoff, got %d", status.SampleCount)
	}
}

func TestEnforceCapLeavesBufferAloneUnderGenerousByteCap(t *testing.T) {
	store := newTestStore(t, 10*1024*1024) // 10MB, per spec.md's scenario 4
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 8; i++ {
		s := sampleAt(now.Add(time.Duration(i)*time.Millisecond), "pressure", float64(i))
		if err := store.AppendSample(ctx, s); err != nil {
			t.Fatalf("append sample %d: %v", i, err)
		}
	}

	status, err := store.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.SampleCount != 8 {
		t.Errorf("expected no eviction under a 10MB cap for 8 tiny rows, got %d samples", status.SampleCount)
	}
	if status.BytesCap != 10*1024*1024 {
		t.Errorf("expected status to report the configured byte cap, got %d", status.BytesCap)
	}
}

func TestEnforceCapEvictsWhenOnDiskSizeExceedsByteCap(t *testing.T) {
	// A 1-byte cap is exceeded the instant the SQLite file exists, so every
	// append immediately drives enforceCap's unprocessed sweep -- this
	// exercises the real os.Stat-based size check rather than a row count.
	store := newTestStore(t, 1)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 8; i++ {
		s := sampleAt(now.Add(time.Duration(i)*time.Millisecond), "pressure", float64(i))
		if err := store.AppendSample(ctx, s); err != nil {
			t.Fatalf("append sample %d: %v", i, err)
		}
	}

	status, err := store.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.SampleCount != 0 {
		t.Errorf("expected a 1-byte cap to evict every unprocessed row, got %d remaining", status.SampleCount)
	}
}
