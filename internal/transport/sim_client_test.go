package transport

import (
	"context"
	"testing"
	"time"
)

func TestNewSimClientDefaultEndpoints(t *testing.T) {
	c := NewSimClient(nil)
	endpoints, err := c.ListEndpoints(context.Background(), "opc.tcp://sim:4840")
	if err != nil {
		t.Fatalf("ListEndpoints: %v", err)
	}
	if len(endpoints) != 2 {
		t.Fatalf("expected two default endpoints, got %d", len(endpoints))
	}
}

func TestResolveNodeParsesFullAndBareIdentifiers(t *testing.T) {
	c := NewSimClient(nil)
	ctx := context.Background()

	node, err := c.ResolveNode(ctx, 2, "ns=3;s=Temperature")
	if err != nil {
		t.Fatalf("ResolveNode full form: %v", err)
	}
	if node.NamespaceIndex != 3 || node.Identifier != "Temperature" {
		t.Errorf("got %+v, want ns=3 Temperature", node)
	}

	node, err = c.ResolveNode(ctx, 2, "ns=4;i=1001")
	if err != nil {
		t.Fatalf("ResolveNode numeric form: %v", err)
	}
	if node.NamespaceIndex != 4 || node.Identifier != "1001" {
		t.Errorf("got %+v, want ns=4 1001", node)
	}

	node, err = c.ResolveNode(ctx, 2, "BareString")
	if err != nil {
		t.Fatalf("ResolveNode bare string: %v", err)
	}
	if node.NamespaceIndex != 2 || node.Identifier != "BareString" {
		t.Errorf("got %+v, want ns=2 BareString", node)
	}
}

func TestResolveNodeRejectsMalformedFullForm(t *testing.T) {
	c := NewSimClient(nil)
	if _, err := c.ResolveNode(context.Background(), 2, "ns=2"); err == nil {
		t.Fatal("expected an error for a malformed full-form node id")
	}
}

func TestProbeFailsBeforeConnect(t *testing.T) {
	c := NewSimClient(nil)
	if err := c.Probe(context.Background()); err == nil {
		t.Fatal("expected Probe to fail before Connect")
	}
}

func TestConnectThenProbeSucceeds(t *testing.T) {
	c := NewSimClient(nil)
	ctx := context.Background()
	if err := c.Connect(ctx, "opc.tcp://sim:4840", SecurityProfile{}, time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Probe(ctx); err != nil {
		t.Errorf("expected Probe to succeed after Connect, got %v", err)
	}
	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := c.Probe(ctx); err == nil {
		t.Error("expected Probe to fail after Disconnect")
	}
}

func TestSubscribeDataChangeAndEmitDeliversNotification(t *testing.T) {
	c := NewSimClient(nil)
	ctx := context.Background()

	sub, err := c.CreateSubscription(ctx, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	received := make(chan Notification, 1)
	node := NodeRef{NamespaceIndex: 2, Identifier: "Temperature"}
	if err := c.SubscribeDataChange(ctx, sub, node, "temperature", func(n Notification) {
		received <- n
	}); err != nil {
		t.Fatalf("SubscribeDataChange: %v", err)
	}

	c.Emit("temperature", 42.5, StatusGood)

	select {
	case n := <-received:
		if n.TagHandle != "temperature" {
			t.Errorf("expected tag handle temperature, got %q", n.TagHandle)
		}
		if v, ok := n.Value.(float64); !ok || v != 42.5 {
			t.Errorf("expected value 42.5, got %v", n.Value)
		}
		if n.Status != StatusGood {
			t.Errorf("expected StatusGood, got %v", n.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for emitted notification")
	}
}

func TestEmitToUnsubscribedTagHandleIsANoop(t *testing.T) {
	c := NewSimClient(nil)
	// No subscription exists; Emit must not panic.
	c.Emit("nonexistent", 1.0, StatusGood)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	c := NewSimClient(nil)
	ctx := context.Background()

	sub, err := c.CreateSubscription(ctx, time.Second)
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	received := make(chan Notification, 1)
	if err := c.SubscribeDataChange(ctx, sub, NodeRef{}, "tag", func(n Notification) {
		received <- n
	}); err != nil {
		t.Fatalf("SubscribeDataChange: %v", err)
	}

	if err := sub.Unsubscribe(ctx); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	c.Emit("tag", 1.0, StatusGood)
	select {
	case <-received:
		t.Fatal("expected no notification after Unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}
