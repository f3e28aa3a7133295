// Command bridge is the edge telemetry bridge process entrypoint: it loads
// configuration, wires the collector, analytics engine, durable buffer,
// upload pump, and optional diagnostics/health-cache surfaces, then runs
// until SIGINT/SIGTERM. No CLI flags — configuration is file+env only, per
// spec.md §6. Exit codes: 0 on a clean shutdown, non-zero on fatal init
// failure (invalid config, unreachable remote store, unopenable buffer).
package main

import (
	"context"
	"time"

	"github.com/globalcorp/edge-telemetry-bridge/internal/analytics"
	"github.com/globalcorp/edge-telemetry-bridge/internal/buffer"
	"github.com/globalcorp/edge-telemetry-bridge/internal/collector"
	"github.com/globalcorp/edge-telemetry-bridge/internal/config"
	"github.com/globalcorp/edge-telemetry-bridge/internal/diag"
	"github.com/globalcorp/edge-telemetry-bridge/internal/healthcache"
	"github.com/globalcorp/edge-telemetry-bridge/internal/logging"
	"github.com/globalcorp/edge-telemetry-bridge/internal/metrics"
	"github.com/globalcorp/edge-telemetry-bridge/internal/model"
	"github.com/globalcorp/edge-telemetry-bridge/internal/orchestrator"
	"github.com/globalcorp/edge-telemetry-bridge/internal/security"
	"github.com/globalcorp/edge-telemetry-bridge/internal/transport"
	"github.com/globalcorp/edge-telemetry-bridge/internal/upload"
)

const certDir = "data/certs"

func main() {
	log := logging.NewFromEnv("edge-telemetry-bridge")
	ctx := context.Background()

	cfg, remote, proc, err := config.Load()
	if err != nil {
		log.Fatal(ctx, "failed to load configuration", err)
	}

	met := metrics.Init("edge-telemetry-bridge")

	if _, err := security.EnsureClientCertificate(certDir, cfg.EnterpriseName); err != nil {
		log.Fatal(ctx, "failed to provision client certificate", err)
	}

	store, err := buffer.Open(ctx, proc.BufferPath, proc.BufferMaxBytes, log, met)
	if err != nil {
		log.Fatal(ctx, "failed to open durable buffer", err)
	}
	defer store.Close()

	newClient := func(asset *model.AssetConfig) transport.Client {
		return transport.NewSimClient([]transport.Endpoint{
			{
				URL:            asset.OPCUAEndpoint,
				SecurityPolicy: asset.SecuritySettings.SecurityPolicy,
				SecurityMode:   securityModeFor(asset.SecuritySettings.SecurityPolicy),
			},
		})
	}

	coll := collector.New(cfg.Sites, newClient, certDir, cfg.GlobalSettings.ConnectionTimeout, log, met)
	engine := analytics.NewEngine(cfg.Sites, time.Now(), log, met)
	pump := upload.New(remote, store, upload.DefaultConfig(), log, met)
	defer pump.Close()

	if err := pump.Ping(ctx); err != nil {
		log.Fatal(ctx, "remote store unreachable at startup", err)
	}

	cache :=healthcache.New(proc.HealthCacheAddr, log)
	if cache != nil {
		defer cache.Close()
	}

	var diagServer *diag.Server
	if proc.DiagListenAddr != "" {
		diagServer = diag.New(store, coll, 10, 20, log)
	}

	consume := func(ctx context.Context, as collector.AssetSample) {
		kpis, anomaly := engine.Process(ctx, as.AssetName, time.Now(), as.Sample)

		if err := store.AppendSample(ctx, as.Sample); err != nil {
			log.Error(ctx, "failed to append sample to buffer", err, map[string]interface{}{"asset": as.AssetName})
		}
		for _, kpi := range kpis {
			if err := store.AppendKPI(ctx, kpi); err != nil {
				log.Error(ctx, "failed to append kpi to buffer", err, map[string]interface{}{"asset": as.AssetName})
			}
		}
		if anomaly != nil {
			if err := store.AppendAnomaly(ctx, *anomaly); err != nil {
				log.Error(ctx, "failed to append anomaly to buffer", err, map[string]interface{}{"asset": as.AssetName})
			}
		}

		if diagServer != nil {
			diagServer.Broadcast(as)
		}
	}

	orch := orchestrator.New(coll, store, pump, cache, diagServer, proc.DiagListenAddr, proc.MaintenanceCron, log, met, consume)

	log.Info(ctx, "edge telemetry bridge starting", map[string]interface{}{
		"enterprise": cfg.EnterpriseName,
		"version":    cfg.Version,
		"sites":      len(cfg.Sites),
	})

	if err := orch.Run(ctx); err != nil {
		log.Fatal(ctx, "orchestrator exited with an error", err)
	}

	log.Info(ctx, "edge telemetry bridge shut down cleanly", nil)
}

// securityModeFor mirrors the field collector's own policy→mode mapping
// (spec.md §4.1): None negotiates no signing/encryption; every other
// supported policy negotiates SignAndEncrypt.
func securityModeFor(policy string) string {
	if policy == "None" || policy == "" {
		return "None"
	}
	return "SignAndEncrypt"
}
