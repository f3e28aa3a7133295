package analytics

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/globalcorp/edge-telemetry-bridge/internal/model"
)

const (
	predictiveWindowCapacity = 1800
	baselineSampleCount      = 900
	trendLookback            = 30
	trendMinSamples          = 10
	anomalyZThreshold        = 2.5
)

type baseline struct {
	mean, stdev, min, max, median, q25, q75 float64
}

type tagState struct {
	window   *Window
	baseline *baseline
}

// PredictiveProcessor learns a per-tag baseline from the first 900 samples
// and, once every monitored tag has one, scores subsequent samples for
// anomalies. The baseline is frozen forever after — there is no re-baseline
// path, preserved per spec.md §9 (design note 2).
type PredictiveProcessor struct {
	cfg           *model.PredictiveMaintenanceConfig
	tags          map[string]*tagState
	monitoredTags []string
	baselineReady bool
}

// NewPredictiveProcessor constructs a Predictive sub-processor over the
// union of vibration/temperature/pressure tags.
func NewPredictiveProcessor(cfg *model.PredictiveMaintenanceConfig) *PredictiveProcessor {
	seen := map[string]struct{}{}
	var monitored []string
	add := func(tags []string) {
		for _, t := range tags {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			monitored = append(monitored, t)
		}
	}
	add(cfg.VibrationTags)
	add(cfg.TemperatureTags)
	add(cfg.PressureTags)

	tags := make(map[string]*tagState, len(monitored))
	for _, t := range monitored {
		tags[t] = &tagState{window: NewWindow(predictiveWindowCapacity)}
	}

	return &PredictiveProcessor{cfg: cfg, tags: tags, monitoredTags: monitored}
}

// Process consumes one Sample. It returns nil if the tag isn't monitored or
// baseline learning for the asset hasn't completed yet (spec.md §8 boundary
// behaviour: "Baseline not yet ready -> predictive sub-processor emits
// nothing").
func (p *PredictiveProcessor) Process(now time.Time, assetName string, s model.Sample) (*model.AnomalyRecord, error) {
	state, monitored := p.tags[s.Tag]
	if !monitored {
		return nil, nil
	}

	v, ok := s.Value.AsFloat()
	if !ok {
		return nil, fmt.Errorf("non-numeric value for predictive tag %s", s.Tag)
	}
	state.window.Push(v)

	if state.baseline == nil && state.window.Len() >= baselineSampleCount {
		state.baseline = computeBaseline(state.window.All())
		if p.allBaselinesReady() {
			p.baselineReady = true
		}
	}

	if !p.baselineReady || state.baseline == nil {
		return nil, nil
	}

	b := state.baseline
	z := 0.0
	if b.stdev != 0 {
		z = math.Abs(v-b.mean) / b.stdev
	}
	isAnomaly := z > anomalyZThreshold

	threshold, hasThreshold := p.cfg.MaintenanceThresholds[s.Tag]
	thresholdAnomaly := hasThreshold && v > threshold

	trend := calculateTrend(state.window.Last(trendLookback))

	score := maintenanceScore(z, trend, v, threshold, hasThreshold, s.Tag)

	record := &model.AnomalyRecord{
		Timestamp:        now,
		AssetName:        assetName,
		Tag:              s.Tag,
		CurrentValue:     v,
		BaselineMean:     b.mean,
		ZScore:           round3(z),
		IsAnomaly:        isAnomaly,
		ThresholdAnomaly: thresholdAnomaly,
		Trend:            round3(trend),
		MaintenanceScore: score,
	}

	if anomalies := domainAnomalies(s.Tag, b.mean, state.window.All()); len(anomalies) > 0 {
		record.EnergyAnomalies = anomalies
	}

	return record, nil
}

func (p *PredictiveProcessor) allBaselinesReady() bool {
	for _, t := range p.monitoredTags {
		if p.tags[t].baseline == nil {
			return false
		}
	}
	return len(p.monitoredTags) > 0
}

func computeBaseline(vals []float64) *baseline {
	return &baseline{
		mean:   Mean(vals),
		stdev:  StdDev(vals),
		min:    Min(vals),
		max:    Max(vals),
		median: Median(vals),
		q25:    Percentile(vals, 25),
		q75:    Percentile(vals, 75),
	}
}

// calculateTrend is the slope of an ordinary-least-squares fit over vals,
// with x = index. Returns 0 if fewer than 10 samples are present.
func calculateTrend(vals []float64) float64 {
	n := len(vals)
	if n < trendMinSamples {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range vals {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	nf := float64(n)
	denom := nf*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (nf*sumXY - sumX*sumY) / denom
}

// maintenanceScore sums the z-band, trend-band, threshold-band, and
// criticality-band point table from spec.md §9, capped at 100.
func maintenanceScore(z, trend, value, threshold float64, hasThreshold bool, tag string) float64 {
	score := 0.0

	switch {
	case z > 3:
		score += 30
	case z > 2:
		score += 25
	case z > 1:
		score += 15
	case z > 0.5:
		score += 10
	}

	absTrend := math.Abs(trend)
	switch {
	case absTrend > 0.1:
		score += 25
	case absTrend > 0.05:
		score += 18
	case absTrend > 0.01:
		score += 12
	}

	if hasThreshold && threshold > 0 {
		switch {
		case value > threshold:
			score += 25
		case value > 0.9*threshold:
			score += 18
		case value > 0.8*threshold:
			score += 12
		}
	}

	lowerTag := strings.ToLower(tag)
	switch {
	case strings.Contains(lowerTag, "battery"), strings.Contains(lowerTag, "soc"), strings.Contains(lowerTag, "temperature"):
		switch {
		case value > 80:
			score += 20
		case value > 70:
			score += 15
		case value > 60:
			score += 10
		}
	case strings.Contains(lowerTag, "efficiency"):
		switch {
		case value < 70:
			score += 20
		case value < 80:
			score += 15
		case value < 85:
			score += 10
		}
	}

	return round2(math.Min(score, 100))
}

// domainAnomalies detects the battery/power/efficiency/voltage domain-specific
// anomalies gated by substring match on the tag name (spec.md §4.3).
func domainAnomalies(tag string, baselineMean float64, vals []float64) map[string]model.EnergyAnomaly {
	lowerTag := strings.ToLower(tag)
	result := map[string]model.EnergyAnomaly{}

	switch {
	case strings.Contains(lowerTag, "battery"), strings.Contains(lowerTag, "soc"):
		if a, ok := batterySocDropAnomaly(vals); ok {
			result["battery_soc_drop"] = a
		}
	case strings.Contains(lowerTag, "power"):
		if a, ok := powerSpikeAnomaly(vals); ok {
			result["power_spike"] = a
		}
	case strings.Contains(lowerTag, "efficiency"):
		if a, ok := efficiencyDropAnomaly(vals); ok {
			result["efficiency_drop"] = a
		}
	case strings.Contains(lowerTag, "voltage"):
		if a, ok := voltageDeviationAnomaly(baselineMean, vals); ok {
			result["voltage_deviation"] = a
		}
	}

	return result
}

// trailingPair splits vals into (prior, recent) where recent is the last
// `recentN` entries and prior is the `priorN` entries immediately before
// them. Returns ok=false if there isn't enough history for both.
func trailingPair(vals []float64, recentN, priorN int) (prior, recent []float64, ok bool) {
	if len(vals) < recentN+priorN {
		return nil, nil, false
	}
	recent = vals[len(vals)-recentN:]
	prior = vals[len(vals)-recentN-priorN : len(vals)-recentN]
	return prior, recent, true
}

func batterySocDropAnomaly(vals []float64) (model.EnergyAnomaly, bool) {
	prior, recent, ok := trailingPair(vals, 300, 300)
	if !ok {
		return model.EnergyAnomaly{}, false
	}
	drop := Mean(prior) - Mean(recent)
	if drop <= 20 {
		return model.EnergyAnomaly{}, false
	}
	severity := "normal"
	if drop > 30 {
		severity = "high"
	}
	return model.EnergyAnomaly{Kind: "battery_soc_drop", Severity: severity, Delta: round3(drop)}, true
}

func powerSpikeAnomaly(vals []float64) (model.EnergyAnomaly, bool) {
	prior, recent, ok := trailingPair(vals, 60, 240)
	if !ok {
		return model.EnergyAnomaly{}, false
	}
	priorMean := Mean(prior)
	if priorMean == 0 {
		return model.EnergyAnomaly{}, false
	}
	ratio := Max(recent) / priorMean
	if ratio <= 2 {
		return model.EnergyAnomaly{}, false
	}
	severity := "normal"
	if ratio > 3 {
		severity = "high"
	}
	return model.EnergyAnomaly{Kind: "power_spike", Severity: severity, Delta: round3(ratio)}, true
}

func efficiencyDropAnomaly(vals []float64) (model.EnergyAnomaly, bool) {
	prior, recent, ok := trailingPair(vals, 300, 300)
	if !ok {
		return model.EnergyAnomaly{}, false
	}
	drop := Mean(prior) - Mean(recent)
	if drop <= 15 {
		return model.EnergyAnomaly{}, false
	}
	severity := "normal"
	if drop > 25 {
		severity = "high"
	}
	return model.EnergyAnomaly{Kind: "efficiency_drop", Severity: severity, Delta: round3(drop)}, true
}

func voltageDeviationAnomaly(baselineMean float64, vals []float64) (model.EnergyAnomaly, bool) {
	prior, recent, ok := trailingPair(vals, 120, 480)
	if !ok || baselineMean == 0 {
		return model.EnergyAnomaly{}, false
	}
	deviation := math.Abs(Mean(recent)-Mean(prior)) / math.Abs(baselineMean) * 100
	if deviation <= 10 {
		return model.EnergyAnomaly{}, false
	}
	severity := "normal"
	if deviation > 15 {
		severity = "high"
	}
	return model.EnergyAnomaly{Kind: "voltage_deviation", Severity: severity, Delta: round3(deviation)}, true
}
