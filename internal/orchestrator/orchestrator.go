// Package orchestrator owns every long-running task in the bridge process:
// the collector's asset sessions, the upload pump, and the health/maintenance
// loop, all sharing one cancellation context. It follows the teacher's
// services/automation shape (Start(ctx)/go s.runX(ctx)/ticker+select+stopCh)
// generalised to a single-service process instead of a multi-service TEE node.
package orchestrator

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/globalcorp/edge-telemetry-bridge/internal/buffer"
	"github.com/globalcorp/edge-telemetry-bridge/internal/collector"
	"github.com/globalcorp/edge-telemetry-bridge/internal/diag"
	"github.com/globalcorp/edge-telemetry-bridge/internal/healthcache"
	"github.com/globalcorp/edge-telemetry-bridge/internal/logging"
	"github.com/globalcorp/edge-telemetry-bridge/internal/metrics"
	"github.com/globalcorp/edge-telemetry-bridge/internal/upload"
)

// DefaultMaintenanceCron is the maintenance loop's "every 5 minutes" cadence
// as a cron expression, used when New is given an empty one. The upload
// pump's "every send_interval" cadence is not cron-scheduled: it is
// governed by upload.Config.SendInterval directly (a plain ticker, since
// that interval is already a first-class tunable); the orchestrator only
// schedules the maintenance sweep via cron so operators can retune it
// without a code change.
const DefaultMaintenanceCron = "*/5 * * * *"

// GracePeriod bounds how long Run waits for tasks to exit after ctx is
// cancelled before returning anyway.
const GracePeriod = 5 * time.Second

// Orchestrator wires the collector, analytics-consuming buffer writer,
// upload pump, and health/maintenance loop into one cooperatively
// scheduled process.
type Orchestrator struct {
	collector   *collector.Collector
	store       *buffer.Store
	pump        *upload.Pump
	cache       *healthcache.Publisher
	diagServer  *diag.Server
	diagAddr    string
	log         *logging.Logger
	met         *metrics.Metrics
	maintenance string

	consume func(ctx context.Context, as collector.AssetSample)
}

// New constructs an Orchestrator. consume is called for every AssetSample
// the collector produces (typically: run analytics, then append the sample
// and any resulting KPI/anomaly records to the buffer). diagServer/diagAddr
// may be nil/empty — the diagnostics listener is only started when both are
// set, per spec.md §6 ("off unless DIAG_LISTEN_ADDR is set").
func New(c *collector.Collector, store *buffer.Store, pump *upload.Pump, cache *healthcache.Publisher, diagServer *diag.Server, diagAddr, maintenanceCron string, log *logging.Logger, met *metrics.Metrics, consume func(ctx context.Context, as collector.AssetSample)) *Orchestrator {
	if maintenanceCron == "" {
		maintenanceCron = DefaultMaintenanceCron
	}
	return &Orchestrator{
		collector:   c,
		store:       store,
		pump:        pump,
		cache:       cache,
		diagServer:  diagServer,
		diagAddr:    diagAddr,
		log:         log,
		met:         met,
		maintenance: maintenanceCron,
		consume:     consume,
	}
}

// Run blocks until SIGINT/SIGTERM or ctx is cancelled, driving the
// collector, the sample-consumption pump, the upload pump, and the
// health/maintenance loop concurrently under one shared cancellation
// context. It returns once every task has exited or GracePeriod elapses,
// whichever comes first.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()

	sched := cron.New()
	if _, err := sched.AddFunc(o.maintenance, func() { o.runMaintenance(ctx, start) }); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.collector.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.consumeSamples(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.pump.Run(ctx)
	}()

	if o.diagServer != nil && o.diagAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.diagServer.ListenAndServe(ctx, o.diagAddr); err != nil {
				o.log.Error(ctx, "diagnostics listener stopped with an error", err, nil)
			}
		}()
	}

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(GracePeriod):
		o.log.Warn(ctx, "orchestrator shutdown grace period elapsed with tasks still running", nil)
	}

	o.pump.Close()
	return nil
}

// consumeSamples drains the collector's fan-in channel and hands each
// AssetSample to the caller-supplied consume func (analytics + buffer
// append) until the channel closes.
func (o *Orchestrator) consumeSamples(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case as, ok := <-o.collector.Samples():
			if !ok {
				return
			}
			o.consume(ctx, as)
		}
	}
}

// runMaintenance probes collector liveness, buffer status, and upload
// connectivity, evicts processed rows older than 24h, logs a rollup, and
// (if configured) publishes the snapshot to the site-local health cache.
func (o *Orchestrator) runMaintenance(ctx context.Context, startTime time.Time) {
	o.met.UpdateUptime(startTime)

	status, err := o.store.Status(ctx)
	if err != nil {
		o.log.Error(ctx, "maintenance: buffer status probe failed", err, nil)
		return
	}

	deleted, err := o.store.DeleteProcessedOlderThan(ctx, 24*time.Hour)
	if err != nil {
		o.log.Error(ctx, "maintenance: delete_processed_older_than failed", err, nil)
	}

	quarantined := o.collector.QuarantinedAssets()

	uploadReachable := true
	if pingErr := o.pump.Ping(ctx); pingErr != nil {
		uploadReachable = false
		o.log.Warn(ctx, "maintenance: upload connectivity probe failed", map[string]interface{}{"error": pingErr.Error()})
	}
	o.met.SetUploadReachable(uploadReachable)

	fields := map[string]interface{}{
		"sample_count":       status.SampleCount,
		"analytics_count":    status.AnalyticsCount,
		"unprocessed_count":  status.UnprocessedCount,
		"buffer_bytes":       status.BytesUsed,
		"buffer_bytes_cap":   status.BytesCap,
		"evicted_stale_rows": deleted,
		"quarantined_assets": quarantined,
		"quarantined_total":  len(quarantined),
		"upload_reachable":   uploadReachable,
		"uptime_seconds":     time.Since(startTime).Seconds(),
	}
	o.log.LogHealthRollup(ctx, fields)

	if o.cache != nil {
		if err := o.cache.Publish(ctx, fields); err != nil {
			o.log.Error(ctx, "maintenance: health cache publish failed", err, nil)
		}
	}
}
