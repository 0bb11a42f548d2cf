// Package discovery implements LAN peer discovery over UDP broadcast,
// generalizing the teacher's non-blocking accept-loop idiom
// (src/api/transport/tcp.go's SetDeadline-then-select pattern) from TCP
// accept onto a UDP read loop, and following the original peer_manager's
// announce/listen split and five-second cadence.
package discovery

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	logs "github.com/danmuck/smplog"
	"golang.org/x/sys/unix"

	"github.com/danmuck/distfile/internal/peers"
	"github.com/danmuck/distfile/internal/wire"
)

const (
	AnnounceInterval = 5 * time.Second
	readDeadline     = 500 * time.Millisecond
	maxDatagramSize  = 4096
)

// ProtocolVersion is advertised in every announce datagram so a future
// incompatible wire change can be detected before a TCP connection is
// attempted.
const ProtocolVersion = "1"

// Service runs the announcer and listener goroutines for one node.
type Service struct {
	nodeID        string
	tcpPort       int
	discoveryPort int
	registry      *peers.Registry

	conn *net.UDPConn
	exit chan struct{}
	wg   sync.WaitGroup

	onDiscovered func(peers.Peer)
}

// New builds a discovery Service bound to discoveryPort once Start is
// called.
func New(nodeID string, tcpPort, discoveryPort int, registry *peers.Registry, onDiscovered func(peers.Peer)) *Service {
	return &Service{
		nodeID:        nodeID,
		tcpPort:       tcpPort,
		discoveryPort: discoveryPort,
		registry:      registry,
		exit:          make(chan struct{}),
		onDiscovered:  onDiscovered,
	}
}

// Start opens the broadcast socket and launches the listener and
// announcer goroutines.
func (s *Service) Start() error {
	addr := &net.UDPAddr{Port: s.discoveryPort}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return wire.NewError(wire.KindUnavailable, "discovery_start", err)
	}
	if err := enableBroadcast(conn); err != nil {
		conn.Close()
		return wire.NewError(wire.KindUnavailable, "discovery_start", err)
	}
	s.conn = conn

	s.wg.Add(2)
	go s.listen()
	go s.announce()

	logs.Infof("discovery: listening on udp %d", s.discoveryPort)
	return nil
}

// Stop closes the socket and waits for both goroutines to exit.
func (s *Service) Stop() {
	close(s.exit)
	if s.conn != nil {
		s.conn.Close()
	}
	s.wg.Wait()
}

func (s *Service) listen() {
	defer s.wg.Done()
	buf := make([]byte, maxDatagramSize)

	for {
		select {
		case <-s.exit:
			return
		default:
			s.conn.SetReadDeadline(time.Now().Add(readDeadline))
			n, addr, err := s.conn.ReadFromUDP(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				select {
				case <-s.exit:
					return
				default:
					logs.Warnf("discovery: read error: %v", err)
					continue
				}
			}
			s.handleDatagram(buf[:n], addr)
		}
	}
}

func (s *Service) handleDatagram(data []byte, addr *net.UDPAddr) {
	m, err := wire.ParseMessage(data)
	if err != nil {
		logs.Debugf("discovery: dropping malformed datagram from %s: %v", addr, err)
		return
	}
	if m.Type != wire.TypeDiscovery || m.Origin == s.nodeID {
		return
	}
	payload, err := wire.DecodeDiscoveryPayload(m.Content)
	if err != nil {
		logs.Debugf("discovery: dropping bad payload from %s: %v", addr, err)
		return
	}

	p, _ := s.registry.Observe(m.Origin, addr.IP.String(), payload.TCPPort)
	if s.onDiscovered != nil {
		s.onDiscovered(p)
	}
}

func (s *Service) announce() {
	defer s.wg.Done()
	ticker := time.NewTicker(AnnounceInterval)
	defer ticker.Stop()

	s.sendAnnounce()
	for {
		select {
		case <-s.exit:
			return
		case <-ticker.C:
			s.sendAnnounce()
		}
	}
}

func (s *Service) sendAnnounce() {
	payload := wire.DiscoveryPayload{NodeID: s.nodeID, TCPPort: s.tcpPort, Version: ProtocolVersion}
	m := wire.NewDiscovery(payload.Encode(), s.nodeID)
	if err := m.Sign(); err != nil {
		logs.Warnf("discovery: failed to sign announce: %v", err)
		return
	}
	body, err := json.Marshal(m)
	if err != nil {
		logs.Warnf("discovery: failed to marshal announce: %v", err)
		return
	}

	broadcastAddr := &net.UDPAddr{IP: net.IPv4bcast, Port: s.discoveryPort}
	if _, err := s.conn.WriteToUDP(body, broadcastAddr); err != nil {
		logs.Debugf("discovery: announce send error: %v", err)
	}
}

// enableBroadcast sets SO_BROADCAST on the UDP socket, without which a
// send to the broadcast address is refused by the kernel.
func enableBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
