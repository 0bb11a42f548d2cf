// Package heartbeat keeps the peer registry honest by periodically
// dialing every known peer over TCP, generalizing the original
// peer_manager's _heartbeat_loop/_send_ping_to_peer pair into a
// reusable service that the daemon starts once at boot.
package heartbeat

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	logs "github.com/danmuck/smplog"

	"github.com/danmuck/distfile/internal/peers"
	"github.com/danmuck/distfile/internal/wire"
)

const dialTimeout = 3 * time.Second

// StatsFunc returns the opaque process-stats snapshot embedded in every
// outbound ping, letting a peer observe this node's load without a
// separate request.
type StatsFunc func() json.RawMessage

// Service periodically pings every known peer and reaps ones that stop
// answering.
type Service struct {
	nodeID   string
	tcpPort  int
	registry *peers.Registry
	stats    StatsFunc

	interval         time.Duration
	reconnectTimeout time.Duration

	exit chan struct{}
	wg   sync.WaitGroup

	onPeerLost  func(peers.Peer)
	onPeerAlive func(peers.Peer)
}

// New builds a heartbeat Service. tcpPort is this node's own listening
// port, advertised in every ping so the receiver can register this node
// at an address it can actually dial back into, rather than at the
// ephemeral source port the ping connection happens to use. interval is
// how often the full peer set is pinged; reconnectTimeout is how long a
// peer may go unseen before it is reaped from the registry. onPeerAlive
// fires on the alive-transition edge only — the first successful ping
// after a peer was unknown, suspect, or dead — not on every successful
// ping, so a caller can trigger reconciliation exactly once per outage
// instead of on a fixed poll cadence.
func New(nodeID string, tcpPort int, registry *peers.Registry, interval, reconnectTimeout time.Duration, stats StatsFunc, onPeerLost, onPeerAlive func(peers.Peer)) *Service {
	return &Service{
		nodeID:           nodeID,
		tcpPort:          tcpPort,
		registry:         registry,
		stats:            stats,
		interval:         interval,
		reconnectTimeout: reconnectTimeout,
		exit:             make(chan struct{}),
		onPeerLost:       onPeerLost,
		onPeerAlive:      onPeerAlive,
	}
}

// Start launches the periodic ping loop.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	close(s.exit)
	s.wg.Wait()
}

func (s *Service) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.exit:
			return
		case <-ticker.C:
			s.pingAll()
		}
	}
}

func (s *Service) pingAll() {
	for _, p := range s.registry.Snapshot() {
		if err := s.ping(p); err != nil {
			state := s.registry.MarkMissed(p.Address, p.Port)
			logs.Debugf("heartbeat: ping to %s failed (%s): %v", p.Key(), state, err)
		}
	}

	for _, lost := range s.registry.Reap(s.reconnectTimeout) {
		logs.Warnf("heartbeat: peer %s (%s) is unresponsive, dropping", lost.NodeID, lost.Key())
		if s.onPeerLost != nil {
			s.onPeerLost(lost)
		}
	}
}

// ping dials addr:port fresh, as the original implementation does rather
// than keeping long-lived connections open, sends one heartbeat/ping
// message, and waits for heartbeat/pong.
func (s *Service) ping(p peers.Peer) error {
	started := time.Now()
	conn, err := net.DialTimeout("tcp", p.Key(), dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(dialTimeout))

	var stats json.RawMessage
	if s.stats != nil {
		stats = s.stats()
	}
	payload := wire.HeartbeatPayload{NodeID: s.nodeID, TCPPort: s.tcpPort, Stats: stats}
	msg := wire.NewHeartbeat(wire.ActionPing, payload.Encode(), s.nodeID)

	if err := wire.WriteMessage(conn, msg); err != nil {
		return err
	}
	reply, err := wire.ReadMessage(conn, wire.DefaultMaxFrameSize)
	if err != nil {
		return err
	}
	if reply.Type != wire.TypeHeartbeat || reply.Action != wire.ActionPong {
		return wire.NewError(wire.KindProtocol, "heartbeat_ping", errUnexpectedReply(reply))
	}

	updated, transitioned := s.registry.Observe(reply.Origin, p.Address, p.Port)
	s.registry.RecordLatency(p.Address, p.Port, time.Since(started))
	if transitioned && s.onPeerAlive != nil {
		s.onPeerAlive(updated)
	}
	return nil
}

func errUnexpectedReply(m *wire.Message) error {
	return &unexpectedReplyError{typ: m.Type, action: m.Action}
}

type unexpectedReplyError struct {
	typ    string
	action string
}

func (e *unexpectedReplyError) Error() string {
	return "unexpected reply type=" + e.typ + " action=" + e.action
}
