// Package transport defines the narrow collaborator contract the field
// collector consumes (spec.md §4.2). No field-protocol wire implementation
// lives here; that is explicitly out of scope (spec.md §1). SimClient is a
// deterministic in-memory implementation used by tests and grounded on
// original_source/opcua-server-sim, itself a simulation server rather than
// a real driver.
package transport

import (
	"context"
	"time"
)

// SecurityProfile describes how a session should be secured.
type SecurityProfile struct {
	Policy     string // e.g. Basic256Sha256, Basic128Rsa15, None
	Mode       string // Sign, SignAndEncrypt, None
	ClientCert string // path
	ClientKey  string // path
	TrustStore string // path
}

// NodeRef identifies a resolved node on the server.
type NodeRef struct {
	NamespaceIndex int
	Identifier     string // numeric or string identifier, already resolved
}

// Status mirrors the wire-level quality/status code for a data-change notification.
type Status int

const (
	StatusGood Status = iota
	StatusBad
	StatusUncertain
)

// Notification is delivered by the client for each data change.
type Notification struct {
	TagHandle       string
	Value           any // float64 | int64 | bool | string
	Status          Status
	ServerTimestamp time.Time
}

// NotificationFunc is the callback a session registers to receive Notifications.
type NotificationFunc func(Notification)

// Endpoint describes one server endpoint as returned by ListEndpoints.
type Endpoint struct {
	URL             string
	SecurityPolicy  string
	SecurityMode    string
}

// SubscriptionHandle identifies an open subscription for later teardown.
type SubscriptionHandle interface {
	Unsubscribe(ctx context.Context) error
}

// Client is the field-protocol collaborator the collector depends on.
// Implementations must be safe for use by a single owning goroutine; the
// collector never shares a Client across asset sessions.
type Client interface {
	// Connect opens a session to endpoint with the given security profile and timeout.
	Connect(ctx context.Context, endpoint string, profile SecurityProfile, timeout time.Duration) error

	// ListEndpoints enumerates the server's advertised endpoints; used during
	// security policy negotiation via a throwaway unsecured session.
	ListEndpoints(ctx context.Context, endpoint string) ([]Endpoint, error)

	// ResolveNamespace resolves a namespace URI to its numeric index.
	ResolveNamespace(ctx context.Context, uri string) (int, error)

	// ResolveNode resolves a textual node ID (full "ns=n;i=id"/"ns=n;s=id", or
	// bare numeric/string requiring the namespace index) into a NodeRef.
	ResolveNode(ctx context.Context, namespaceIndex int, nodeID string) (NodeRef, error)

	// CreateSubscription opens a subscription with the given publishing interval.
	CreateSubscription(ctx context.Context, publishingInterval time.Duration) (SubscriptionHandle, error)

	// SubscribeDataChange registers a node for data-change notifications on sub,
	// invoking fn for every received notification.
	SubscribeDataChange(ctx context.Context, sub SubscriptionHandle, node NodeRef, tagHandle string, fn NotificationFunc) error

	// Probe performs a cheap liveness check (e.g. reading the namespace array).
	Probe(ctx context.Context) error

	// Disconnect closes the session.
	Disconnect(ctx context.Context) error
}
