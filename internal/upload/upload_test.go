package upload

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/globalcorp/edge-telemetry-bridge/internal/buffer"
	"github.com/globalcorp/edge-telemetry-bridge/internal/logging"
	"github.com/globalcorp/edge-telemetry-bridge/internal/metrics"
	"github.com/globalcorp/edge-telemetry-bridge/internal/model"
	"github.com/globalcorp/edge-telemetry-bridge/internal/resilience"
)

// fakeWriteAPI stands in for api.WriteAPIBlocking so Tick can be exercised
// without a live InfluxDB server; failN governs how many WritePoint calls
// fail before it starts succeeding.
type fakeWriteAPI struct {
	failN   int32
	calls   int32
	lastLen int
}

func (f *fakeWriteAPI) WritePoint(ctx context.Context, points ...*write.Point) error {
	atomic.AddInt32(&f.calls, 1)
	f.lastLen = len(points)
	if atomic.LoadInt32(&f.calls) <= f.failN {
		return errors.New("simulated remote store failure")
	}
	return nil
}

func (f *fakeWriteAPI) WriteRecord(ctx context.Context, line ...string) error { return nil }
func (f *fakeWriteAPI) EnsureBucket(ctx context.Context) error                { return nil }

func newTestPump(t *testing.T, fake *fakeWriteAPI) (*Pump, *buffer.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "buffer.db")
	log := logging.New("bridge-test", "error", "text")
	met := metrics.NewWithRegistry("bridge-test", nil)

	store, err := buffer.Open(context.Background(), dbPath, 0, log, met)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	pump := &Pump{
		store:    store,
		writeAPI: fake,
		breaker:  resilience.New(resilience.DefaultConfig()),
		prefix:   "bridge",
		cfg: Config{
			MaxSamples:       10,
			MaxAnalytics:     10,
			MaxRetryAttempts: 3,
			RetryDelay:       time.Millisecond,
		},
		log: log,
		met: met,
	}
	return pump, store
}

func sampleAt(ts time.Time) model.Sample {
	return model.Sample{
		Timestamp: ts,
		Hierarchy: model.Hierarchy{Enterprise: "globalcorp", Site: "site-a", Area: "area-1", Line: "line-1", Machine: "press-1"},
		Tag:       "temperature",
		Value:     model.FloatValue(21.5),
		Unit:      "C",
		Quality:   model.QualityGood,
	}
}

func TestTickNoOpOnEmptyBuffer(t *testing.T) {
	fake := &fakeWriteAPI{}
	pump, _ := newTestPump(t, fake)

	if err := pump.Tick(context.Background()); err != nil {
		t.Fatalf("expected no-op tick to succeed, got %v", err)
	}
	if fake.calls != 0 {
		t.Errorf("expected no WritePoint call on an empty buffer, got %d", fake.calls)
	}
}

func TestTickSuccessMarksProcessedAndDeletes(t *testing.T) {
	fake := &fakeWriteAPI{}
	pump, store := newTestPump(t, fake)
	ctx := context.Background()

	if err := store.AppendSample(ctx, sampleAt(time.Now())); err != nil {
		t.Fatalf("append sample: %v", err)
	}

	if err := pump.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if fake.calls != 1 || fake.lastLen != 1 {
		t.Errorf("expected one WritePoint call with one point, got calls=%d lastLen=%d", fake.calls, fake.lastLen)
	}

	status, err := store.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.SampleCount != 0 {
		t.Errorf("expected the acknowledged batch to be deleted, got %d samples remaining", status.SampleCount)
	}
}

func TestTickFailureUnassignsBatchForRetry(t *testing.T) {
	// Fail every attempt within this tick so the batch is unassigned rather
	// than acknowledged, and the sample remains claimable by a later tick.
	fake := &fakeWriteAPI{failN: 10}
	pump, store := newTestPump(t, fake)
	ctx := context.Background()

	if err := store.AppendSample(ctx, sampleAt(time.Now())); err != nil {
		t.Fatalf("append sample: %v", err)
	}

	if err := pump.Tick(ctx); err == nil {
		t.Fatalf("expected tick to report the upload failure")
	}
	if fake.calls != int32(pump.cfg.MaxRetryAttempts) {
		t.Errorf("expected %d send attempts, got %d", pump.cfg.MaxRetryAttempts, fake.calls)
	}

	status, err := store.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.SampleCount != 1 {
		t.Fatalf("expected the sample to remain buffered after a failed tick, got %d", status.SampleCount)
	}

	// The row must be claimable again now that the batch was unassigned.
	retryBatch, err := store.NextBatch(ctx, 10, 10)
	if err != nil {
		t.Fatalf("next_batch after failure: %v", err)
	}
	if retryBatch.IsEmpty() {
		t.Fatalf("expected the unassigned sample to be claimable on retry")
	}
}

func TestTickFailsAttemptWhenLivenessPingFails(t *testing.T) {
	fake := &fakeWriteAPI{}
	pump, store := newTestPump(t, fake)
	ctx := context.Background()

	var pingCalls int32
	pump.pingFunc = func(ctx context.Context) (bool, error) {
		atomic.AddInt32(&pingCalls, 1)
		return false, nil
	}

	if err := store.AppendSample(ctx, sampleAt(time.Now())); err != nil {
		t.Fatalf("append sample: %v", err)
	}

	if err := pump.Tick(ctx); err == nil {
		t.Fatal("expected tick to fail when every liveness ping reports unhealthy")
	}
	if fake.calls != 0 {
		t.Errorf("expected WritePoint never called once the ping fails, got %d calls", fake.calls)
	}
	if int(pingCalls) != pump.cfg.MaxRetryAttempts {
		t.Errorf("expected one ping per retry attempt (%d), got %d", pump.cfg.MaxRetryAttempts, pingCalls)
	}
}

func TestTickSendsOnceLivenessPingRecovers(t *testing.T) {
	fake := &fakeWriteAPI{}
	pump, store := newTestPump(t, fake)
	ctx := context.Background()

	var pingCalls int32
	pump.pingFunc = func(ctx context.Context) (bool, error) {
		n := atomic.AddInt32(&pingCalls, 1)
		return n > 1, nil
	}

	if err := store.AppendSample(ctx, sampleAt(time.Now())); err != nil {
		t.Fatalf("append sample: %v", err)
	}

	if err := pump.Tick(ctx); err != nil {
		t.Fatalf("expected tick to recover once the ping succeeds, got %v", err)
	}
	if fake.calls != 1 {
		t.Errorf("expected exactly one WritePoint call after the ping recovered, got %d", fake.calls)
	}
}

func TestPingSkipsWhenPingFuncUnset(t *testing.T) {
	fake := &fakeWriteAPI{}
	pump, _ := newTestPump(t, fake)
	if err := pump.Ping(context.Background()); err != nil {
		t.Errorf("expected a nil pingFunc to be treated as always-healthy, got %v", err)
	}
}

func TestTickRecoversAfterTransientFailure(t *testing.T) {
	// Fails once, succeeds on the second attempt within the same tick.
	fake := &fakeWriteAPI{failN: 1}
	pump, store := newTestPump(t, fake)
	ctx := context.Background()

	if err := store.AppendSample(ctx, sampleAt(time.Now())); err != nil {
		t.Fatalf("append sample: %v", err)
	}

	if err := pump.Tick(ctx); err != nil {
		t.Fatalf("expected tick to recover within its retry budget, got %v", err)
	}
	if fake.calls != 2 {
		t.Errorf("expected exactly 2 send attempts, got %d", fake.calls)
	}

	status, err := store.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.SampleCount != 0 {
		t.Errorf("expected the batch to be acknowledged after recovery, got %d samples remaining", status.SampleCount)
	}
}
