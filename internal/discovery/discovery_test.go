package discovery

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/danmuck/distfile/internal/peers"
	"github.com/danmuck/distfile/internal/wire"
)

func TestHandleDatagramIgnoresSelfOrigin(t *testing.T) {
	registry := peers.NewRegistry()
	s := New("node-a", 9000, 9050, registry, nil)

	payload := wire.DiscoveryPayload{NodeID: "node-a", TCPPort: 9000, Version: ProtocolVersion}
	msg := wire.NewDiscovery(payload.Encode(), "node-a")
	if err := msg.Sign(); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	s.handleDatagram(body, &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 9050})

	if registry.Count() != 0 {
		t.Fatalf("expected self-origin datagram to be ignored, registry has %d peers", registry.Count())
	}
}

func TestHandleDatagramRegistersPeer(t *testing.T) {
	registry := peers.NewRegistry()
	var discovered peers.Peer
	s := New("node-a", 9000, 9050, registry, func(p peers.Peer) { discovered = p })

	payload := wire.DiscoveryPayload{NodeID: "node-b", TCPPort: 9001, Version: ProtocolVersion}
	msg := wire.NewDiscovery(payload.Encode(), "node-b")
	if err := msg.Sign(); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	s.handleDatagram(body, &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 9050})

	if registry.Count() != 1 {
		t.Fatalf("expected 1 registered peer, got %d", registry.Count())
	}
	if discovered.NodeID != "node-b" || discovered.Port != 9001 {
		t.Fatalf("unexpected discovered peer: %+v", discovered)
	}
}

func TestHandleDatagramDropsMalformedPayload(t *testing.T) {
	registry := peers.NewRegistry()
	s := New("node-a", 9000, 9050, registry, nil)

	s.handleDatagram([]byte("not json"), &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 9050})

	if registry.Count() != 0 {
		t.Fatalf("expected malformed datagram to be dropped, registry has %d peers", registry.Count())
	}
}
