package analytics

import (
	"context"
	"time"

	"github.com/globalcorp/edge-telemetry-bridge/internal/logging"
	"github.com/globalcorp/edge-telemetry-bridge/internal/metrics"
	"github.com/globalcorp/edge-telemetry-bridge/internal/model"
)

// AssetAnalytics composes up to four independent sub-processors for one
// asset. Each sub-processor is pure in the sense that it consumes Samples
// and emits KpiRecords/AnomalyRecords; they share no state (spec.md §4.3).
type AssetAnalytics struct {
	assetName  string
	oee        *OEEProcessor
	energy     *EnergyProcessor
	energyKPIs *EnergyKPIProcessor
	predictive *PredictiveProcessor

	log *logging.Logger
	met *metrics.Metrics
}

// NewAssetAnalytics constructs the sub-processors configured for asset.
// now seeds the wall-clock aggregation timers.
func NewAssetAnalytics(asset *model.AssetConfig, now time.Time, log *logging.Logger, met *metrics.Metrics) *AssetAnalytics {
	a := &AssetAnalytics{assetName: asset.AssetName, log: log, met: met}
	if asset.OEE != nil {
		a.oee = NewOEEProcessor(asset.OEE)
	}
	if asset.Energy != nil {
		a.energy = NewEnergyProcessor(asset.Energy, now)
	}
	if asset.EnergyAnalytics != nil {
		a.energyKPIs = NewEnergyKPIProcessor(asset.EnergyAnalytics, now)
	}
	if asset.Predictive != nil {
		a.predictive = NewPredictiveProcessor(asset.Predictive)
	}
	return a
}

// Process runs s through every configured sub-processor, returning whichever
// KpiRecords and AnomalyRecord resulted. A sub-processor error (e.g. a
// non-numeric value on a numeric analytics tag) is logged and counted but
// never propagated — the sample itself is still buffered by the caller
// (spec.md §7: "per-sample analytics error... logged, sample still
// buffered, analytics output skipped").
func (a *AssetAnalytics) Process(ctx context.Context, now time.Time, s model.Sample) ([]model.KpiRecord, *model.AnomalyRecord) {
	var kpis []model.KpiRecord

	if a.oee != nil {
		kpi, err := a.oee.Process(now, a.assetName, s)
		if err != nil {
			a.recordError(ctx, "oee", s.Tag, err)
		} else if kpi != nil {
			a.met.RecordKpiRecord(a.assetName, string(kpi.Category))
			kpis = append(kpis, *kpi)
		}
	}

	if a.energy != nil {
		kpi, err := a.energy.Process(now, a.assetName, s)
		if err != nil {
			a.recordError(ctx, "energy", s.Tag, err)
		} else if kpi != nil {
			a.met.RecordKpiRecord(a.assetName, string(kpi.Category))
			kpis = append(kpis, *kpi)
		}
	}

	if a.energyKPIs != nil {
		kpi, err := a.energyKPIs.Process(now, a.assetName, s)
		if err != nil {
			a.recordError(ctx, "energy_kpis", s.Tag, err)
		} else if kpi != nil {
			a.met.RecordKpiRecord(a.assetName, string(kpi.Category))
			kpis = append(kpis, *kpi)
		}
	}

	var anomaly *model.AnomalyRecord
	if a.predictive != nil {
		rec, err := a.predictive.Process(now, a.assetName, s)
		if err != nil {
			a.recordError(ctx, "predictive", s.Tag, err)
		} else if rec != nil {
			a.met.RecordAnomalyRecord(a.assetName, rec.Tag)
			anomaly = rec
		}
	}

	return kpis, anomaly
}

func (a *AssetAnalytics) recordError(ctx context.Context, processor, tag string, err error) {
	a.met.RecordAnalyticsError(a.assetName, processor)
	a.log.Warn(ctx, "analytics error", map[string]interface{}{
		"asset":     a.assetName,
		"processor": processor,
		"tag":       tag,
		"error":     err.Error(),
	})
}

// Engine holds one AssetAnalytics per configured asset.
type Engine struct {
	byAsset map[string]*AssetAnalytics
}

// NewEngine constructs the analytics engine for every asset across every site.
func NewEngine(sites []*model.SiteConfig, now time.Time, log *logging.Logger, met *metrics.Metrics) *Engine {
	e := &Engine{byAsset: map[string]*AssetAnalytics{}}
	for _, site := range sites {
		for _, asset := range site.Assets {
			e.byAsset[asset.AssetName] = NewAssetAnalytics(asset, now, log, met)
		}
	}
	return e
}

// Process routes s to the analytics for the configured asset named assetName
// (the caller passes it explicitly since Hierarchy alone doesn't carry it). An
// unknown asset name yields nil, nil.
func (e *Engine) Process(ctx context.Context, assetName string, now time.Time, s model.Sample) ([]model.KpiRecord, *model.AnomalyRecord) {
	aa, ok := e.byAsset[assetName]
	if !ok {
		return nil, nil
	}
	return aa.Process(ctx, now, s)
}
