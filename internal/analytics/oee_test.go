package analytics

import (
	"testing"
	"time"

	"github.com/globalcorp/edge-telemetry-bridge/internal/model"
)

func sampleWithValue(tag string, v model.Value) model.Sample {
	return model.Sample{Timestamp: time.Now(), Tag: tag, Value: v, Quality: model.QualityGood}
}

func TestOEEProcessorEmitsNothingBeforeMinPoints(t *testing.T) {
	cfg := &model.OEEConfig{AvailabilityTags: []string{"running"}}
	p := NewOEEProcessor(cfg)

	for i := 0; i < oeeMinPointsForEmission; i++ {
		kpi, err := p.Process(time.Now(), "press-1", sampleWithValue("running", model.BoolValue(true)))
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if kpi != nil {
			t.Fatalf("expected no emission before %d points, got one at point %d", oeeMinPointsForEmission, i)
		}
	}
}

func TestOEEProcessorEmitsAfterMinPointsWithFullAvailability(t *testing.T) {
	cfg := &model.OEEConfig{AvailabilityTags: []string{"running"}}
	p := NewOEEProcessor(cfg)

	var kpi *model.KpiRecord
	var err error
	for i := 0; i <= oeeMinPointsForEmission; i++ {
		kpi, err = p.Process(time.Now(), "press-1", sampleWithValue("running", model.BoolValue(true)))
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	if kpi == nil {
		t.Fatal("expected a KpiRecord once past the minimum point threshold")
	}
	if kpi.Category != model.CategoryOEE {
		t.Errorf("expected category oee, got %v", kpi.Category)
	}
	if kpi.Metrics["availability"] != 100 {
		t.Errorf("expected availability 100, got %v", kpi.Metrics["availability"])
	}
	// No quality/performance tags pushed: quality defaults to 100, performance to 0.
	if kpi.Metrics["quality"] != 100 {
		t.Errorf("expected default quality 100, got %v", kpi.Metrics["quality"])
	}
	if kpi.Metrics["overall_oee"] != 0 {
		t.Errorf("expected overall_oee 0 with no performance signal, got %v", kpi.Metrics["overall_oee"])
	}
}

func TestOEEProcessorRejectsNonNumericPerformanceTag(t *testing.T) {
	cfg := &model.OEEConfig{PerformanceTags: []string{"rate"}}
	p := NewOEEProcessor(cfg)
	if _, err := p.Process(time.Now(), "press-1", sampleWithValue("rate", model.StringValue("fast"))); err == nil {
		t.Fatal("expected an error for a non-numeric performance value")
	}
}

func TestIsAvailabilityTrueAndIsQualityGoodWords(t *testing.T) {
	for _, word := range []string{"running", "RUNNING", "on", "1", "true"} {
		if !isAvailabilityTrue(model.StringValue(word)) {
			t.Errorf("expected %q to be availability-true", word)
		}
	}
	if isAvailabilityTrue(model.StringValue("stopped")) {
		t.Error("expected stopped to be availability-false")
	}
	for _, word := range []string{"good", "GOOD", "ok", "1", "true"} {
		if !isQualityGood(model.StringValue(word)) {
			t.Errorf("expected %q to be quality-good", word)
		}
	}
}
