package collector

import (
	"context"
	"sync"
	"time"

	"github.com/globalcorp/edge-telemetry-bridge/internal/logging"
	"github.com/globalcorp/edge-telemetry-bridge/internal/metrics"
	"github.com/globalcorp/edge-telemetry-bridge/internal/model"
)

// AssetSample pairs a Sample with the name of the asset session it came
// from. The wire-level Sample itself carries no asset identifier (only
// hierarchy/tag, per spec.md §3) — exactly as in original_source, where the
// owning session passes asset_name alongside each point rather than
// encoding it into the point itself.
type AssetSample struct {
	AssetName string
	Sample    model.Sample
}

// Collector owns one AssetSession per configured asset and fans their
// Sample streams into a single channel for downstream consumption by
// analytics and the buffer. Per spec.md §9, each asset's state is isolated
// by construction — one session per AssetConfig, no shared locks.
type Collector struct {
	sessions []*AssetSession
	out      chan AssetSample
	log      *logging.Logger
	met      *metrics.Metrics
}

// New constructs a Collector for every asset across every site in cfg.
func New(sites []*model.SiteConfig, newClient ClientFactory, certDir string, timeout time.Duration, log *logging.Logger, met *metrics.Metrics) *Collector {
	c := &Collector{
		out: make(chan AssetSample, sampleChannelCapacity),
		log: log,
		met: met,
	}
	for _, site := range sites {
		for _, asset := range site.Assets {
			c.sessions = append(c.sessions, NewAssetSession(asset, newClient, certDir, timeout, log, met))
		}
	}
	return c
}

// Samples returns the merged stream of AssetSamples from every asset session.
func (c *Collector) Samples() <-chan AssetSample { return c.out }

// Run starts every asset session and the fan-in pump; it blocks until ctx
// is cancelled and every session goroutine has exited.
func (c *Collector) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for _, session := range c.sessions {
		wg.Add(1)
		go func(s *AssetSession) {
			defer wg.Done()
			s.Run(ctx)
		}(session)

		wg.Add(1)
		go func(s *AssetSession) {
			defer wg.Done()
			c.pump(ctx, s)
		}(session)
	}

	wg.Wait()
	close(c.out)
	c.updateQuarantineGauge()
}

// pump forwards one session's samples onto the shared output channel until
// ctx is cancelled or the session's channel is closed. Sessions never close
// their channel, so a session that stops (e.g. quarantined) leaves its pump
// waiting on ctx.
func (c *Collector) pump(ctx context.Context, s *AssetSession) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-s.Samples():
			if !ok {
				return
			}
			select {
			case c.out <- AssetSample{AssetName: s.asset.AssetName, Sample: sample}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Collector) updateQuarantineGauge() {
	count := 0
	for _, s := range c.sessions {
		if s.Quarantined() {
			count++
		}
	}
	c.met.SetQuarantinedAssets(count)
}

// QuarantinedAssets returns the names of every currently quarantined asset,
// for the health/maintenance loop to surface.
func (c *Collector) QuarantinedAssets() []string {
	var names []string
	for _, s := range c.sessions {
		if s.Quarantined() {
			names = append(names, s.asset.AssetName)
		}
	}
	return names
}
