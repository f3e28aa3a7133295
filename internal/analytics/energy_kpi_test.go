package analytics

import (
	"testing"
	"time"

	"github.com/globalcorp/edge-telemetry-bridge/internal/model"
)

func TestEnergyKPIProcessorComputesRenewableShareAndIndependence(t *testing.T) {
	start := time.Now()
	cfg := &model.EnergyAnalyticsConfig{
		RenewableTags:       []string{"solar_kw"},
		LoadTags:            []string{"load_kw"},
		AggregationInterval: 1,
	}
	p := NewEnergyKPIProcessor(cfg, start)

	now := start
	var last *model.KpiRecord
	for i := 0; i < 3; i++ {
		now = now.Add(2 * time.Second)
		// The tick fires on the first sample after the interval elapses (the
		// solar sample here), so both calls' results are collected.
		kpi, err := p.Process(now, "site-a", sampleWithValue("solar_kw", model.FloatValue(5)))
		if err != nil {
			t.Fatalf("Process solar: %v", err)
		}
		if kpi != nil {
			last = kpi
		}
		kpi, err = p.Process(now, "site-a", sampleWithValue("load_kw", model.FloatValue(10)))
		if err != nil {
			t.Fatalf("Process load: %v", err)
		}
		if kpi != nil {
			last = kpi
		}
	}
	if last == nil {
		t.Fatal("expected at least one tick")
	}
	if last.Category != model.CategoryEnergyKPIs {
		t.Errorf("expected category energy_kpis, got %v", last.Category)
	}
	if share, ok := last.Metrics["renewable_share"]; !ok || share <= 0 {
		t.Errorf("expected a positive renewable_share, got %v (present=%v)", share, ok)
	}
	if _, ok := last.Metrics["energy_independence"]; !ok {
		t.Error("expected energy_independence metric once load has accumulated")
	}
}

func TestEnergyKPIProcessorBatteryMetricsOnlyWhenBatteryTagConfigured(t *testing.T) {
	start := time.Now()
	cfg := &model.EnergyAnalyticsConfig{BatteryTags: []string{"battery_soc"}, AggregationInterval: 1}
	p := NewEnergyKPIProcessor(cfg, start)

	kpi, err := p.Process(start.Add(2*time.Second), "site-a", sampleWithValue("battery_soc", model.FloatValue(80)))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if kpi == nil {
		t.Fatal("expected a tick")
	}
	if _, ok := kpi.Metrics["battery_avg_soc"]; !ok {
		t.Error("expected battery_avg_soc metric")
	}
	if _, ok := kpi.Metrics["renewable_share"]; ok {
		t.Error("did not expect renewable_share without a renewable tag configured")
	}
}
