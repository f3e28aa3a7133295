package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SimClient is a deterministic, in-memory Client used by tests and by
// cmd/bridge's wiring; values arrive only through Emit. It never touches
// the network.
type SimClient struct {
	mu        sync.Mutex
	connected bool
	endpoints []Endpoint

	subs []*simSubscription
}

// NewSimClient constructs a SimClient that advertises the given endpoints
// during ListEndpoints/negotiation.
func NewSimClient(endpoints []Endpoint) *SimClient {
	if len(endpoints) == 0 {
		endpoints = []Endpoint{
			{URL: "opc.tcp://sim:4840", SecurityPolicy: "Basic256Sha256", SecurityMode: "SignAndEncrypt"},
			{URL: "opc.tcp://sim:4840", SecurityPolicy: "None", SecurityMode: "None"},
		}
	}
	return &SimClient{endpoints: endpoints}
}

type simSubscription struct {
	interval time.Duration
	nodes    map[string]NotificationFunc // tagHandle -> callback
	mu       sync.Mutex
}

func (s *simSubscription) Unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = nil
	return nil
}

func (c *SimClient) Connect(ctx context.Context, endpoint string, profile SecurityProfile, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *SimClient) ListEndpoints(ctx context.Context, endpoint string) ([]Endpoint, error) {
	return c.endpoints, nil
}

func (c *SimClient) ResolveNamespace(ctx context.Context, uri string) (int, error) {
	return 2, nil
}

// ResolveNode mirrors the original client's textual node ID parsing: a full
// "ns=n;i=id"/"ns=n;s=id" passes through, bare numeric becomes ns=n;i=id,
// bare string becomes ns=n;s=id.
func (c *SimClient) ResolveNode(ctx context.Context, namespaceIndex int, nodeID string) (NodeRef, error) {
	if strings.HasPrefix(nodeID, "ns=") {
		parts := strings.SplitN(nodeID, ";", 2)
		if len(parts) != 2 {
			return NodeRef{}, fmt.Errorf("malformed node id %q", nodeID)
		}
		nsStr := strings.TrimPrefix(parts[0], "ns=")
		ns, err := strconv.Atoi(nsStr)
		if err != nil {
			return NodeRef{}, fmt.Errorf("malformed namespace in node id %q: %w", nodeID, err)
		}
		ident := strings.TrimPrefix(strings.TrimPrefix(parts[1], "i="), "s=")
		return NodeRef{NamespaceIndex: ns, Identifier: ident}, nil
	}
	if _, err := strconv.Atoi(nodeID); err == nil {
		return NodeRef{NamespaceIndex: namespaceIndex, Identifier: nodeID}, nil
	}
	return NodeRef{NamespaceIndex: namespaceIndex, Identifier: nodeID}, nil
}

func (c *SimClient) CreateSubscription(ctx context.Context, publishingInterval time.Duration) (SubscriptionHandle, error) {
	sub := &simSubscription{interval: publishingInterval, nodes: map[string]NotificationFunc{}}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub, nil
}

func (c *SimClient) SubscribeDataChange(ctx context.Context, sub SubscriptionHandle, node NodeRef, tagHandle string, fn NotificationFunc) error {
	s, ok := sub.(*simSubscription)
	if !ok {
		return fmt.Errorf("subscription handle is not a SimClient subscription")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[tagHandle] = fn
	return nil
}

func (c *SimClient) Probe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return fmt.Errorf("not connected")
	}
	return nil
}

func (c *SimClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.subs = nil
	return nil
}

// Emit delivers a notification for tagHandle to every subscription that
// registered it, simulating a server-side data change. Intended for tests.
func (c *SimClient) Emit(tagHandle string, value any, status Status) {
	c.mu.Lock()
	subs := append([]*simSubscription(nil), c.subs...)
	c.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		fn, ok := s.nodes[tagHandle]
		s.mu.Unlock()
		if ok {
			fn(Notification{TagHandle: tagHandle, Value: value, Status: status, ServerTimestamp: time.Now().UTC()})
		}
	}
}
