package analytics

import (
	"fmt"
	"time"

	"github.com/globalcorp/edge-telemetry-bridge/internal/model"
)

const (
	energyWindowCapacity  = 7200 // 2h at 1Hz
	energyPowerLookback   = 300
	energyFactorLookback  = 60
	defaultPowerFactor    = 0.95
)

// EnergyProcessor computes avg/peak/min power, energy consumption, and
// power factor on a wall-clock aggregation tick. total_energy_kwh is an
// in-memory-only accumulator that resets on restart — preserved per
// spec.md §9 (design note 4).
type EnergyProcessor struct {
	cfg             *model.EnergyMonitoringConfig
	power           *Window
	voltage         *Window
	current         *Window
	totalEnergyKwh  float64
	lastAggregation time.Time
}

// NewEnergyProcessor constructs an Energy sub-processor. now seeds the
// wall-clock aggregation timer so the first tick fires one interval after
// construction, not immediately.
func NewEnergyProcessor(cfg *model.EnergyMonitoringConfig, now time.Time) *EnergyProcessor {
	return &EnergyProcessor{
		cfg:             cfg,
		power:           NewWindow(energyWindowCapacity),
		voltage:         NewWindow(energyWindowCapacity),
		current:         NewWindow(energyWindowCapacity),
		lastAggregation: now,
	}
}

// Process consumes one Sample and emits a KpiRecord when the aggregation
// interval has elapsed since the last tick.
func (p *EnergyProcessor) Process(now time.Time, assetName string, s model.Sample) (*model.KpiRecord, error) {
	if containsString(p.cfg.PowerTags, s.Tag) {
		v, ok := s.Value.AsFloat()
		if !ok {
			return nil, fmt.Errorf("non-numeric value for power tag %s", s.Tag)
		}
		p.power.Push(v)
	}
	if containsString(p.cfg.VoltageTags, s.Tag) {
		v, ok := s.Value.AsFloat()
		if !ok {
			return nil, fmt.Errorf("non-numeric value for voltage tag %s", s.Tag)
		}
		p.voltage.Push(v)
	}
	if containsString(p.cfg.CurrentTags, s.Tag) {
		v, ok := s.Value.AsFloat()
		if !ok {
			return nil, fmt.Errorf("non-numeric value for current tag %s", s.Tag)
		}
		p.current.Push(v)
	}

	interval := time.Duration(p.cfg.AggregationInterval) * time.Second
	if interval <= 0 {
		interval = 300 * time.Second
	}
	if now.Sub(p.lastAggregation) < interval {
		return nil, nil
	}
	p.lastAggregation = now

	return p.computeTick(now, assetName, float64(p.cfg.AggregationInterval)), nil
}

func (p *EnergyProcessor) computeTick(now time.Time, assetName string, aggregationIntervalSeconds float64) *model.KpiRecord {
	recentPower := p.power.Last(energyPowerLookback)
	avgPower := Mean(recentPower)
	energyConsumption := avgPower * aggregationIntervalSeconds / 3600
	p.totalEnergyKwh += energyConsumption

	peak := Max(recentPower)
	min := Min(recentPower)

	powerFactor := defaultPowerFactor
	if p.power.Len() >= energyFactorLookback && p.voltage.Len() >= energyFactorLookback && p.current.Len() >= energyFactorLookback {
		pv := p.power.Last(energyFactorLookback)
		vv := p.voltage.Last(energyFactorLookback)
		cv := p.current.Last(energyFactorLookback)
		apparent := make([]float64, len(pv))
		for i := range apparent {
			apparent[i] = vv[i] * cv[i]
		}
		meanApparent := Mean(apparent)
		if meanApparent > 0 {
			powerFactor = clamp(Mean(pv)/meanApparent, 0, 1)
		}
	}

	return &model.KpiRecord{
		Timestamp: now,
		AssetName: assetName,
		Category:  model.CategoryEnergy,
		Metrics: map[string]float64{
			"avg_power_kw":           round3(avgPower),
			"energy_consumption_kwh": round3(energyConsumption),
			"total_energy_kwh":       round3(p.totalEnergyKwh),
			"peak_power_kw":          round3(peak),
			"min_power_kw":           round3(min),
			"power_factor":           round3(powerFactor),
		},
	}
}
