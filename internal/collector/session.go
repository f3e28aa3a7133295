// Package collector maintains one authenticated session per configured
// asset, subscribes to every mapped tag, and emits Samples on a bounded
// per-session channel. Ported from original_source's opcua_client.py.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/globalcorp/edge-telemetry-bridge/internal/logging"
	"github.com/globalcorp/edge-telemetry-bridge/internal/metrics"
	"github.com/globalcorp/edge-telemetry-bridge/internal/model"
	"github.com/globalcorp/edge-telemetry-bridge/internal/security"
	"github.com/globalcorp/edge-telemetry-bridge/internal/transport"
)

// securityPolicyPreference is the negotiation order from spec.md §4.1.
var securityPolicyPreference = []string{"Basic256Sha256", "Basic128Rsa15", "None"}

const (
	sampleChannelCapacity = 1024
	publishingInterval    = time.Second // 1 Hz, per spec.md §4.1
	livenessProbeInterval = 30 * time.Second
)

// ClientFactory constructs a fresh transport.Client for an asset session.
// No field-protocol driver ships in this repository: cmd/bridge and the
// tests both supply transport.NewSimClient.
type ClientFactory func(asset *model.AssetConfig) transport.Client

// AssetSession owns one asset's connection lifecycle: negotiation, connect,
// subscribe, reconnect backoff, and quarantine. It is the sole writer to
// its own state — no cross-asset synchronization is needed (spec.md §9).
type AssetSession struct {
	asset       *model.AssetConfig
	newClient   ClientFactory
	certDir     string
	timeout     time.Duration
	backoff     Backoff
	log         *logging.Logger
	met         *metrics.Metrics
	samples     chan model.Sample

	attempt     int
	quarantined bool
}

// NewAssetSession constructs a session for asset. certDir is where the
// client certificate/key pair is bootstrapped (internal/security).
func NewAssetSession(asset *model.AssetConfig, newClient ClientFactory, certDir string, timeout time.Duration, log *logging.Logger, met *metrics.Metrics) *AssetSession {
	return &AssetSession{
		asset:     asset,
		newClient: newClient,
		certDir:   certDir,
		timeout:   timeout,
		backoff:   DefaultBackoff(),
		log:       log,
		met:       met,
		samples:   make(chan model.Sample, sampleChannelCapacity),
	}
}

// Samples returns the channel samples are delivered on. The session never
// closes it, not even once quarantined; callers should select on
// ctx.Done() alongside this channel.
func (s *AssetSession) Samples() <-chan model.Sample { return s.samples }

// Quarantined reports whether the session has exhausted its reconnect budget.
func (s *AssetSession) Quarantined() bool { return s.quarantined }

// Run drives the session's connect/subscribe/liveness loop until ctx is
// cancelled or the asset is quarantined. It never returns an error; all
// failures are handled internally via backoff and logging, per spec.md §7
// ("per-asset connect failure: recovered locally... process continues").
func (s *AssetSession) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if s.quarantined {
			return
		}

		client, subErr := s.connectAndSubscribe(ctx)
		if subErr != nil {
			s.attempt++
			s.met.RecordConnectFailure(s.asset.AssetName)

			if s.attempt >= s.backoff.MaxAttempts {
				s.quarantined = true
				s.met.QuarantinedAssets.Inc()
				s.log.LogQuarantine(ctx, s.asset.AssetName, s.attempt)
				return
			}

			delay := s.backoff.Delay(s.attempt - 1)
			s.log.LogConnectFailure(ctx, s.asset.AssetName, s.attempt, delay, subErr)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		if s.attempt > 0 {
			s.met.RecordReconnect(s.asset.AssetName)
		}
		s.attempt = 0

		s.liveUntilFailure(ctx, client)

		_ = client.Disconnect(ctx)
		if ctx.Err() != nil {
			return
		}
		// Transport error during the live phase; fall through to reconnect.
	}
}

// connectAndSubscribe performs session establishment steps 1-5 from spec.md §4.1.
func (s *AssetSession) connectAndSubscribe(ctx context.Context) (transport.Client, error) {
	client := s.newClient(s.asset)

	policy, err := s.resolveSecurityPolicy(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("negotiate security policy: %w", err)
	}

	cert, err := security.EnsureClientCertificate(s.certDir, s.asset.AssetName)
	if err != nil {
		return nil, fmt.Errorf("ensure client certificate: %w", err)
	}

	profile := transport.SecurityProfile{
		Policy:     policy,
		Mode:       securityModeFor(policy),
		ClientCert: cert.CertFile,
		ClientKey:  cert.KeyFile,
		TrustStore: s.certDir,
	}

	connectCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := client.Connect(connectCtx, s.asset.OPCUAEndpoint, profile, s.timeout); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	nsIndex, err := client.ResolveNamespace(ctx, s.asset.AssetName)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("resolve namespace: %w", err)
	}

	sub, err := client.CreateSubscription(ctx, publishingInterval)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	subscribedAny := false
	for tag, nodeID := range s.asset.NodeMapping {
		node, err := client.ResolveNode(ctx, nsIndex, nodeID)
		if err != nil {
			s.log.LogSubscribeFailure(ctx, s.asset.AssetName, tag, err)
			s.met.RecordSubscribeFailure(s.asset.AssetName, tag)
			continue
		}
		tagCopy := tag
		if err := client.SubscribeDataChange(ctx, sub, node, tagCopy, func(n transport.Notification) {
			s.handleNotification(tagCopy, n)
		}); err != nil {
			s.log.LogSubscribeFailure(ctx, s.asset.AssetName, tag, err)
			s.met.RecordSubscribeFailure(s.asset.AssetName, tag)
			continue
		}
		subscribedAny = true
	}

	if !subscribedAny {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("no tags subscribed for asset %s", s.asset.AssetName)
	}

	return client, nil
}

// resolveSecurityPolicy: explicit per-asset override -> negotiated with
// server via a throwaway unsecured session -> preference order.
func (s *AssetSession) resolveSecurityPolicy(ctx context.Context, client transport.Client) (string, error) {
	if s.asset.SecuritySettings.SecurityPolicy != "" {
		return s.asset.SecuritySettings.SecurityPolicy, nil
	}

	endpoints, err := client.ListEndpoints(ctx, s.asset.OPCUAEndpoint)
	if err != nil {
		return "", err
	}

	offered := map[string]bool{}
	for _, ep := range endpoints {
		offered[ep.SecurityPolicy] = true
	}
	for _, candidate := range securityPolicyPreference {
		if offered[candidate] {
			return candidate, nil
		}
	}
	return "None", nil
}

func securityModeFor(policy string) string {
	if policy == "None" {
		return "None"
	}
	return "SignAndEncrypt"
}

// liveUntilFailure drains notifications and runs the liveness probe until
// the context is cancelled or the probe/transport fails.
func (s *AssetSession) liveUntilFailure(ctx context.Context, client transport.Client) {
	ticker := time.NewTicker(livenessProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.Probe(ctx); err != nil {
				s.log.LogConnectFailure(ctx, s.asset.AssetName, s.attempt, 0, fmt.Errorf("liveness probe failed: %w", err))
				return
			}
		}

		// liveUntilFailure only owns the probe cadence; notification delivery
		// happens asynchronously via handleNotification directly onto s.samples.
		if ctx.Err() != nil {
			return
		}
	}
}

// handleNotification is the synchronous callback invoked by the transport
// client. It never blocks: the channel send enqueues onto the bounded
// per-session channel, dropping the sample with a warning log only if the
// owning task has fallen behind, per spec.md §9 ("callback -> stream").
func (s *AssetSession) handleNotification(tag string, n transport.Notification) {
	sample := model.Sample{
		Timestamp: time.Now().UTC(),
		Hierarchy: s.asset.Hierarchy,
		Tag:       tag,
		Value:     valueFromNotification(n.Value),
		Quality:   qualityFromStatus(n.Status),
	}

	select {
	case s.samples <- sample:
		s.met.RecordSample(s.asset.AssetName)
	default:
		s.log.Warn(context.Background(), "sample channel full, dropping sample", map[string]interface{}{
			"asset": s.asset.AssetName,
			"tag":   tag,
		})
	}
}

func valueFromNotification(v any) model.Value {
	switch x := v.(type) {
	case float64:
		return model.FloatValue(x)
	case float32:
		return model.FloatValue(float64(x))
	case int:
		return model.IntValue(int64(x))
	case int64:
		return model.IntValue(x)
	case bool:
		return model.BoolValue(x)
	case string:
		return model.StringValue(x)
	default:
		return model.StringValue(fmt.Sprintf("%v", x))
	}
}

func qualityFromStatus(status transport.Status) model.Quality {
	switch status {
	case transport.StatusBad:
		return model.QualityBad
	case transport.StatusUncertain:
		return model.QualityUncertain
	default:
		return model.QualityGood
	}
}
