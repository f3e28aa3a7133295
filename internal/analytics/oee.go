package analytics

import (
	"fmt"
	"strings"
	"time"

	"github.com/globalcorp/edge-telemetry-bridge/internal/model"
)

const (
	oeeWindowCapacity       = 3600 // ~1h at 1Hz
	oeeCycleWindowCapacity  = 100
	oeeMinPointsForEmission = 10
	oeePerformanceLookback  = 60
)

// OEEProcessor computes availability/performance/quality/overall_oee KPI
// records. Its performance definition is circular by design (the ideal rate
// is derived from the actual rate) — preserved unchanged per spec.md §9.
type OEEProcessor struct {
	cfg         *model.OEEConfig
	availability *Window
	performance  *Window
	quality      *Window
	cycleCount   *Window
}

// NewOEEProcessor constructs an OEE sub-processor for the given config.
func NewOEEProcessor(cfg *model.OEEConfig) *OEEProcessor {
	return &OEEProcessor{
		cfg:          cfg,
		availability: NewWindow(oeeWindowCapacity),
		performance:  NewWindow(oeeWindowCapacity),
		quality:      NewWindow(oeeWindowCapacity),
		cycleCount:   NewWindow(oeeCycleWindowCapacity),
	}
}

// Process consumes one Sample, updating whichever windows the tag feeds,
// and emits a KpiRecord whenever the availability window was updated and
// now holds more than 10 points.
func (p *OEEProcessor) Process(now time.Time, assetName string, s model.Sample) (*model.KpiRecord, error) {
	availabilityUpdated := false

	if containsString(p.cfg.AvailabilityTags, s.Tag) {
		p.availability.Push(boolToFloat(isAvailabilityTrue(s.Value)))
		availabilityUpdated = true
	}
	if containsString(p.cfg.PerformanceTags, s.Tag) {
		v, ok := s.Value.AsFloat()
		if !ok {
			return nil, fmt.Errorf("non-numeric value for performance tag %s", s.Tag)
		}
		p.performance.Push(v)
	}
	if containsString(p.cfg.QualityTags, s.Tag) {
		p.quality.Push(boolToFloat(isQualityGood(s.Value)))
	}
	if p.cfg.CycleCountTag != "" && s.Tag == p.cfg.CycleCountTag {
		if v, ok := s.Value.AsFloat(); ok {
			p.cycleCount.Push(v)
		}
	}

	if !availabilityUpdated || p.availability.Len() <= oeeMinPointsForEmission {
		return nil, nil
	}

	availability := Mean(p.availability.All()) * 100

	performance := 0.0
	if p.performance.Len() > 0 {
		recent := p.performance.Last(oeePerformanceLookback)
		avg := Mean(recent)
		idealRate := avg * 1.2
		if idealRate > 0 {
			performance = clamp(avg/idealRate*100, 0, 100)
		}
	}

	quality := 100.0
	if p.quality.Len() > 0 {
		quality = Mean(p.quality.All()) * 100
	}

	overallOEE := availability * performance * quality / 10000

	return &model.KpiRecord{
		Timestamp: now,
		AssetName: assetName,
		Category:  model.CategoryOEE,
		Metrics: map[string]float64{
			"availability":             round2(availability),
			"performance":              round2(performance),
			"quality":                  round2(quality),
			"overall_oee":              round2(overallOEE),
			"running_time_percentage":  round2(availability),
		},
	}, nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// isAvailabilityTrue maps {running, on, 1, true} (case-insensitive) to true.
func isAvailabilityTrue(v model.Value) bool {
	return matchesTruthyWord(v, "running", "on", "1", "true")
}

// isQualityGood maps {good, ok, 1, true} (case-insensitive) to true.
func isQualityGood(v model.Value) bool {
	return matchesTruthyWord(v, "good", "ok", "1", "true")
}

func matchesTruthyWord(v model.Value, words ...string) bool {
	switch v.Kind {
	case model.ValueBool:
		return v.B
	case model.ValueInt:
		return v.I != 0
	case model.ValueFloat:
		return v.F != 0
	case model.ValueString:
		for _, w := range words {
			if strings.EqualFold(v.S, w) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
