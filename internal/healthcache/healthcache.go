// Package healthcache optionally mirrors the maintenance loop's latest
// health snapshot into a local Redis instance, so other on-site processes
// (an HMI, a local dashboard) can read pipeline health without hitting the
// bridge's own loopback diagnostics port. It is nil-safe: when no address
// is configured, callers get a Publisher whose Publish is a no-op.
package healthcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/globalcorp/edge-telemetry-bridge/internal/logging"
)

// snapshotTTL bounds how long a published snapshot stays readable before
// expiring, so a crashed bridge doesn't leave stale "healthy" data behind.
const snapshotTTL = 15 * time.Minute

const snapshotKey = "edge_bridge:health"

// Publisher writes health snapshots to Redis. A nil *Publisher (or one
// constructed with an empty address) is safe to call Publish on.
type Publisher struct {
	client *redis.Client
	log    *logging.Logger
}

// New returns a Publisher for addr, or nil if addr is empty — the caller
// then has no cache wiring and every Publish call is skipped.
func New(addr string, log *logging.Logger) *Publisher {
	if addr == "" {
		return nil
	}
	return &Publisher{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		log:    log,
	}
}

// Close releases the Redis connection pool. Safe to call on a nil Publisher.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.client.Close()
}

// Publish serialises fields as JSON and stores it under a fixed key with a
// TTL. Safe to call on a nil Publisher (no-op).
func (p *Publisher) Publish(ctx context.Context, fields map[string]interface{}) error {
	if p == nil {
		return nil
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return p.client.Set(ctx, snapshotKey, payload, snapshotTTL).Err()
}
