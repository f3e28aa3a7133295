// Package upload drives the batch upload pump: it claims batches from the
// durable buffer on a fixed cadence, maps them to InfluxDB points using the
// ISA-95 field convention, and ships them to the remote time-series store
// behind a circuit breaker and retry loop.
package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/globalcorp/edge-telemetry-bridge/internal/buffer"
	"github.com/globalcorp/edge-telemetry-bridge/internal/config"
	"github.com/globalcorp/edge-telemetry-bridge/internal/logging"
	"github.com/globalcorp/edge-telemetry-bridge/internal/metrics"
	"github.com/globalcorp/edge-telemetry-bridge/internal/model"
	"github.com/globalcorp/edge-telemetry-bridge/internal/resilience"
)

// Config governs batch sizing and the upload pump's cadence.
type Config struct {
	SendInterval     time.Duration // default 30s
	MaxSamples       int           // default 100
	MaxAnalytics     int           // default 50
	MaxRetryAttempts int           // default 3
	RetryDelay       time.Duration // default 5s
}

// DefaultConfig returns the upload pump defaults from spec.md §4.4/§6.
func DefaultConfig() Config {
	return Config{
		SendInterval:     30 * time.Second,
		MaxSamples:       100,
		MaxAnalytics:     50,
		MaxRetryAttempts: 3,
		RetryDelay:       5 * time.Second,
	}
}

// Pump owns the remote store client and drives NextBatch/send/ack cycles.
type Pump struct {
	store    *buffer.Store
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	breaker  *resilience.CircuitBreaker
	prefix   string
	cfg      Config
	log      *logging.Logger
	met      *metrics.Metrics

	// pingFunc performs the cheap liveness probe ahead of each send attempt
	// and from the maintenance loop. nil (the zero value used by tests that
	// stub writeAPI directly) skips the probe rather than dereferencing a
	// nil client.
	pingFunc func(ctx context.Context) (bool, error)
}

// New constructs the upload pump's InfluxDB client and wraps it with a
// circuit breaker (internal/resilience, ported from the teacher) so a
// prolonged cloud outage stops hammering the endpoint between batches.
func New(remote config.RemoteStoreConfig, store *buffer.Store, cfg Config, log *logging.Logger, met *metrics.Metrics) *Pump {
	client := influxdb2.NewClientWithOptions(remote.URL, remote.Token,
		influxdb2.DefaultOptions().SetHTTPRequestTimeout(30))

	return &Pump{
		store:    store,
		client:   client,
		writeAPI: client.WriteAPIBlocking(remote.Org, remote.Bucket),
		breaker:  resilience.New(resilience.DefaultConfig()),
		prefix:   remote.Prefix,
		cfg:      cfg,
		log:      log,
		met:      met,
		pingFunc: client.Ping,
	}
}

// Close releases the InfluxDB client's connection pool.
func (p *Pump) Close() { p.client.Close() }

// Run ticks every SendInterval until ctx is cancelled, draining the buffer
// one batch at a time. A tick that finds nothing to send is a no-op; a tick
// whose upload fails logs and returns the batch to the buffer rather than
// blocking the next tick.
func (p *Pump) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				p.log.Error(ctx, "upload tick failed", err, nil)
			}
		}
	}
}

// Ping performs the cheap liveness probe against the remote store, used
// both ahead of each send attempt in Tick and once per cycle by the
// orchestrator's maintenance loop.
func (p *Pump) Ping(ctx context.Context) error {
	if p.pingFunc == nil {
		return nil
	}
	ok, err := p.pingFunc(ctx)
	if err != nil {
		return fmt.Errorf("remote store liveness ping: %w", err)
	}
	if !ok {
		return errors.New("remote store liveness ping reported unhealthy")
	}
	return nil
}

// Tick claims one batch and attempts to ship it, exposed separately from
// Run so tests can drive it on demand. A liveness ping precedes every send attempt; a failed ping
// counts as a retry failure the same as a failed send.
func (p *Pump) Tick(ctx context.Context) error {
	batch, err := p.store.NextBatch(ctx, p.cfg.MaxSamples, p.cfg.MaxAnalytics)
	if err != nil {
		return fmt.Errorf("claim next batch: %w", err)
	}
	if batch.IsEmpty() {
		return nil
	}

	start := time.Now()
	maxAttempts := maxInt(p.cfg.MaxRetryAttempts, 1)
	retryCfg := resilience.RetryConfig{
		MaxAttempts:  maxAttempts,
		InitialDelay: p.cfg.RetryDelay,
		MaxDelay:     p.cfg.RetryDelay,
		Multiplier:   1,
	}

	attempt := 0
	sendErr := resilience.Retry(ctx, retryCfg, func() error {
		attempt++
		err := p.breaker.Execute(ctx, func() error {
			if pingErr := p.Ping(ctx); pingErr != nil {
				return pingErr
			}
			return p.send(ctx, batch)
		})
		if err != nil {
			p.log.LogUploadFailure(ctx, batch.ID, attempt, err)
			p.met.RecordBatchRetry("remote_store")
		}
		return err
	})
	duration := time.Since(start)

	if sendErr != nil {
		p.met.RecordBatchSent("failure", duration)
		// Unassign rather than leave batch_id dangling, so the rows are
		// eligible for a later NextBatch call (see UnassignBatch's doc
		// comment for why original_source got this wrong).
		if err := p.store.UnassignBatch(ctx, batch.ID); err != nil {
			return fmt.Errorf("unassign failed batch %s after upload error: %w", batch.ID, err)
		}
		return fmt.Errorf("upload batch %s: %w", batch.ID, sendErr)
	}

	p.met.RecordBatchSent("success", duration)
	p.log.LogUploadSuccess(ctx, batch.ID, len(batch.Samples), len(batch.KPIs)+len(batch.Anomalies), duration)

	if err := p.store.MarkProcessed(ctx, batch.ID); err != nil {
		return fmt.Errorf("mark batch %s processed: %w", batch.ID, err)
	}
	if err := p.store.DeleteBatch(ctx, batch.ID); err != nil {
		return fmt.Errorf("delete acknowledged batch %s: %w", batch.ID, err)
	}
	return nil
}

func (p *Pump) send(ctx context.Context, batch *buffer.Batch) error {
	points := make([]*write.Point, 0, len(batch.Samples)+len(batch.KPIs)+len(batch.Anomalies))
	for _, s := range batch.Samples {
		points = append(points, p.samplePoint(s))
	}
	for _, k := range batch.KPIs {
		points = append(points, p.kpiPoint(k))
	}
	for _, a := range batch.Anomalies {
		points = append(points, p.anomalyPoint(a))
	}
	if len(points) == 0 {
		return nil
	}
	return p.writeAPI.WritePoint(ctx, points...)
}

// samplePoint mirrors cloud_sender.py's telemetry_to_point: ISA-95 hierarchy
// and quality as tags, the value dispatched to the matching typed field.
func (p *Pump) samplePoint(s model.Sample) *write.Point {
	tags := map[string]string{
		"enterprise": s.Hierarchy.Enterprise,
		"site":       s.Hierarchy.Site,
		"area":       s.Hierarchy.Area,
		"line":       s.Hierarchy.Line,
		"machine":    s.Hierarchy.Machine,
		"tag":        s.Tag,
		"quality":    string(s.Quality),
	}
	if s.Unit != "" {
		tags["unit"] = s.Unit
	}

	fields := map[string]interface{}{}
	switch s.Value.Kind {
	case model.ValueFloat:
		fields["value_float"] = s.Value.F
	case model.ValueInt:
		fields["value_float"] = float64(s.Value.I)
	case model.ValueBool:
		fields["value_bool"] = s.Value.B
	case model.ValueString:
		fields["value_string"] = s.Value.S
	}

	return influxdb2.NewPoint(p.prefix+"_telemetry", tags, fields, s.Timestamp)
}

// kpiPoint mirrors analytics_to_point: one point per KpiRecord, one field
// per metric key (no nesting — KpiRecord.Metrics is already flat).
func (p *Pump) kpiPoint(k model.KpiRecord) *write.Point {
	tags := map[string]string{
		"asset_name":     k.AssetName,
		"analytics_type": string(k.Category),
	}
	fields := make(map[string]interface{}, len(k.Metrics))
	for key, v := range k.Metrics {
		fields[key] = v
	}
	return influxdb2.NewPoint(p.prefix+"_analytics", tags, fields, k.Timestamp)
}

// anomalyPoint mirrors analytics_to_point's nested-dict flattening
// (`<outer>_<inner>` field keys) for the EnergyAnomalies sub-map.
func (p *Pump) anomalyPoint(a model.AnomalyRecord) *write.Point {
	tags := map[string]string{
		"asset_name":     a.AssetName,
		"analytics_type": "predictive",
		"tag":            a.Tag,
	}
	fields := map[string]interface{}{
		"current_value":     a.CurrentValue,
		"baseline_mean":     a.BaselineMean,
		"z_score":           a.ZScore,
		"is_anomaly":        a.IsAnomaly,
		"threshold_anomaly": a.ThresholdAnomaly,
		"trend":             a.Trend,
		"maintenance_score": a.MaintenanceScore,
	}
	for kind, anomaly := range a.EnergyAnomalies {
		fields[kind+"_severity"] = anomaly.Severity
		fields[kind+"_delta"] = anomaly.Delta
	}
	return influxdb2.NewPoint(p.prefix+"_analytics", tags, fields, a.Timestamp)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
