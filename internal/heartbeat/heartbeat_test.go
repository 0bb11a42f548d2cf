package heartbeat

import (
	"net"
	"testing"
	"time"

	"github.com/danmuck/distfile/internal/peers"
	"github.com/danmuck/distfile/internal/wire"
)

// startPongServer accepts one connection, reads a heartbeat/ping message,
// and replies with heartbeat/pong from originID.
func startPongServer(t *testing.T, originID string) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		if _, err := wire.ReadMessage(conn, wire.DefaultMaxFrameSize); err != nil {
			return
		}
		reply := wire.NewHeartbeat(wire.ActionPong, nil, originID)
		wire.WriteMessage(conn, reply)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func TestPingSucceedsAndUpdatesRegistry(t *testing.T) {
	host, port := startPongServer(t, "node-b")
	registry := peers.NewRegistry()
	registry.Observe("node-b", host, port)

	var aliveAgain peers.Peer
	s := New("node-a", 9000, registry, time.Second, 30*time.Second, nil, nil, func(p peers.Peer) { aliveAgain = p })

	p, _ := registry.Get(host, port)
	registry.MarkMissed(host, port)
	registry.MarkMissed(host, port)
	registry.MarkMissed(host, port)
	if err := s.ping(p); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	got, ok := registry.Get(host, port)
	if !ok {
		t.Fatal("expected peer still registered")
	}
	if got.State != peers.StateAlive {
		t.Fatalf("expected alive state, got %s", got.State)
	}
	if aliveAgain.NodeID != "node-b" {
		t.Fatalf("expected onPeerAlive to fire on the dead-to-alive transition, got %+v", aliveAgain)
	}
}

func TestPingFailsAgainstUnreachablePeer(t *testing.T) {
	registry := peers.NewRegistry()
	p, _ := registry.Observe("node-c", "127.0.0.1", unusedPort(t))

	s := New("node-a", 9000, registry, time.Second, 30*time.Second, nil, nil, nil)
	if err := s.ping(p); err == nil {
		t.Fatal("expected ping to an unreachable peer to fail")
	}
}

func unusedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestPingAllReapsUnresponsivePeers(t *testing.T) {
	registry := peers.NewRegistry()
	registry.Observe("node-c", "127.0.0.1", unusedPort(t))

	var lost peers.Peer
	s := New("node-a", 9000, registry, time.Second, 0, nil, func(p peers.Peer) { lost = p }, nil)

	s.pingAll()

	if registry.Count() != 0 {
		t.Fatalf("expected peer reaped after failed ping, registry has %d", registry.Count())
	}
	if lost.NodeID != "node-c" {
		t.Fatalf("expected onPeerLost to fire for node-c, got %+v", lost)
	}
}

func TestPingAllKeepsReachablePeers(t *testing.T) {
	host, port := startPongServer(t, "node-b")
	registry := peers.NewRegistry()
	registry.Observe("node-b", host, port)

	s := New("node-a", 9000, registry, time.Second, 30*time.Second, nil, nil, nil)
	s.pingAll()

	if registry.Count() != 1 {
		t.Fatalf("expected reachable peer to remain, got %d", registry.Count())
	}
}
