// Package daemon wires every subsystem into one running node,
// generalizing the teacher's DefaultNode (src/api/nodes/default.go):
// the same owned-value-with-exit-channel shape, extended from a single
// TCP handler into the full set of services a replicated file node
// needs, and the same non-blocking accept loop idiom
// (src/api/transport/tcp.go) generalized from RPC frames to the wire
// message schema.
package daemon

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	logs "github.com/danmuck/smplog"

	"github.com/danmuck/distfile/internal/commands"
	"github.com/danmuck/distfile/internal/config"
	"github.com/danmuck/distfile/internal/discovery"
	"github.com/danmuck/distfile/internal/heartbeat"
	"github.com/danmuck/distfile/internal/localstore"
	"github.com/danmuck/distfile/internal/metastore"
	"github.com/danmuck/distfile/internal/peers"
	"github.com/danmuck/distfile/internal/procstats"
	"github.com/danmuck/distfile/internal/replication"
	"github.com/danmuck/distfile/internal/wire"
)

const acceptPollInterval = 500 * time.Millisecond

// Daemon owns every long-lived service a node runs: the local store,
// metadata store, peer registry, discovery and heartbeat loops, the
// replication engine, and the TCP listener that serves all three wire
// message types.
type Daemon struct {
	cfg    config.Config
	nodeID string

	store *localstore.Store
	meta  *metastore.Store

	registry *peers.Registry
	disco    *discovery.Service
	hb       *heartbeat.Service
	repl     *replication.Engine
	cmds     *commands.Handler
	stats    *procstats.Collector

	listener net.Listener
	exit     chan struct{}
	ready    chan struct{}
	wg       sync.WaitGroup

	vacuumDone chan struct{}
}

// New constructs a Daemon from cfg without starting any network
// activity; call Start to bring it up.
func New(cfg config.Config) (*Daemon, error) {
	store, err := localstore.Open(cfg.Filesystem.RootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	dbPath := cfg.Filesystem.MetadataDB
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(cfg.Filesystem.RootPath, dbPath)
	}
	meta, err := metastore.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	registry := peers.NewRegistry()
	if err := registry.LoadStatic(cfg.Peers); err != nil {
		meta.Close()
		return nil, fmt.Errorf("failed to load static peers: %w", err)
	}

	d := &Daemon{
		cfg:        cfg,
		nodeID:     cfg.Node.Name,
		store:      store,
		meta:       meta,
		registry:   registry,
		exit:       make(chan struct{}),
		ready:      make(chan struct{}),
		vacuumDone: make(chan struct{}),
	}

	d.repl = replication.New(
		d.nodeID, store, meta, registry, d,
		cfg.Sync.BatchSize, cfg.Sync.MaxSyncThreads, cfg.Sync.VerifyChecksums,
		time.Duration(cfg.Sync.ResyncInterval)*time.Second,
	)
	d.cmds = commands.New(d.nodeID, store, meta, d.repl)
	d.stats = procstats.New(registry.Count, d.repl.ActiveSyncCount)

	if cfg.Network.DiscoveryEnabled {
		d.disco = discovery.New(d.nodeID, cfg.Network.TCPPort, cfg.Network.DiscoveryPort, registry, d.onPeerDiscovered)
	}
	d.hb = heartbeat.New(
		d.nodeID, cfg.Network.TCPPort, registry,
		time.Duration(cfg.Network.HeartbeatInterval)*time.Second,
		time.Duration(cfg.Network.ReconnectTimeout)*time.Second,
		d.stats.Snapshot, d.onPeerLost, d.onPeerAlive,
	)

	return d, nil
}

// onPeerDiscovered fires on every discovery announce datagram (roughly
// every five seconds per peer), so it only logs and registers; it must
// not trigger reconciliation itself or every announce would re-run a
// full diff against an already-known peer. onPeerAlive below is the
// reconciliation trigger.
func (d *Daemon) onPeerDiscovered(p peers.Peer) {
	logs.Debugf("daemon: discovery announce from %s (%s)", p.NodeID, p.Key())
}

// onPeerAlive fires once per alive-transition edge — the first
// successful heartbeat after a peer was unknown, suspect, or dead
// (§4.7(c)) — which is the right moment to reconcile with it, rather
// than on every periodic announce or ping.
func (d *Daemon) onPeerAlive(p peers.Peer) {
	logs.Infof("daemon: peer %s (%s) is alive, reconciling", p.NodeID, p.Key())
	go func() {
		if err := d.repl.Reconcile(p); err != nil {
			logs.Debugf("daemon: reconcile with %s failed: %v", p.Key(), err)
		}
	}()
}

func (d *Daemon) onPeerLost(p peers.Peer) {
	logs.Warnf("daemon: lost peer %s (%s)", p.NodeID, p.Key())
	d.repl.CancelPeer(p.NodeID)
}

// Start opens the TCP listener and launches every background service.
// It does not block; call Shutdown to stop the daemon.
func (d *Daemon) Start() error {
	addr := fmt.Sprintf("%s:%d", d.cfg.Network.BindAddress, d.cfg.Network.TCPPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	d.listener = ln

	d.wg.Add(1)
	go d.acceptLoop()

	if d.disco != nil {
		if err := d.disco.Start(); err != nil {
			return err
		}
	}
	d.hb.Start()
	d.repl.StartPeriodicResync()

	if d.cfg.Filesystem.VacuumInterval > 0 {
		d.wg.Add(1)
		go d.vacuumLoop()
	}

	if d.cfg.Filesystem.SyncOnStartup {
		go d.repl.ReconcileAll()
	}

	close(d.ready)
	logs.Infof("daemon: node %s listening on %s", d.nodeID, addr)
	return nil
}

// Ready returns a channel closed once Start has completed bringing up
// the TCP listener and background services.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Shutdown stops every background service and releases the metadata
// database, mirroring DefaultNode.Shutdown's close-then-join ordering.
func (d *Daemon) Shutdown() error {
	close(d.exit)
	if d.listener != nil {
		d.listener.Close()
	}
	if d.disco != nil {
		d.disco.Stop()
	}
	d.hb.Stop()
	d.repl.Stop()
	d.wg.Wait()
	return d.meta.Close()
}

func (d *Daemon) acceptLoop() {
	defer d.wg.Done()
	listener, ok := d.listener.(*net.TCPListener)
	for {
		select {
		case <-d.exit:
			return
		default:
			if ok {
				listener.SetDeadline(time.Now().Add(acceptPollInterval))
			}
			conn, err := d.listener.Accept()
			if err != nil {
				if ne, netErr := err.(net.Error); netErr && ne.Timeout() {
					continue
				}
				select {
				case <-d.exit:
					return
				default:
					logs.Warnf("daemon: accept error: %v", err)
					continue
				}
			}
			d.wg.Add(1)
			go d.handleConn(conn)
		}
	}
}

func (d *Daemon) handleConn(conn net.Conn) {
	defer d.wg.Done()
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(30 * time.Second))

	msg, err := wire.ReadMessage(conn, wire.DefaultMaxFrameSize)
	if err != nil {
		logs.Warnf("daemon: failed to read message from %s: %v", conn.RemoteAddr(), err)
		return
	}
	if err := msg.Verify(); err != nil {
		logs.Warnf("daemon: checksum verification failed from %s: %v", conn.RemoteAddr(), err)
		wire.WriteMessage(conn, wire.NewErrorResponse(wire.KindIntegrity, err.Error(), d.nodeID))
		return
	}
	if err := wire.CheckFresh(msg, time.Now()); err != nil {
		logs.Debugf("daemon: stale message from %s: %v", conn.RemoteAddr(), err)
		wire.WriteMessage(conn, wire.NewErrorResponse(wire.KindStale, err.Error(), d.nodeID))
		return
	}

	reply := d.route(conn, msg)
	if reply == nil {
		return
	}
	if err := wire.WriteMessage(conn, reply); err != nil {
		logs.Warnf("daemon: failed to write reply to %s: %v", conn.RemoteAddr(), err)
	}
}

func (d *Daemon) route(conn net.Conn, msg *wire.Message) *wire.Message {
	switch msg.Type {
	case wire.TypeCommand:
		select {
		case <-d.ready:
		default:
			return wire.NewErrorResponse(wire.KindUnavailable, "daemon is still starting up", d.nodeID)
		}
		return d.cmds.Dispatch(msg)
	case wire.TypeHeartbeat:
		return d.handleHeartbeat(conn, msg)
	case wire.TypeSync:
		return d.handleSync(msg)
	default:
		return wire.NewErrorResponse(wire.KindProtocol, "unsupported message type: "+msg.Type, d.nodeID)
	}
}

// handleHeartbeat registers the sender using the listening tcp_port it
// advertises in its own payload, never the source port of this inbound
// connection: an ephemeral source port is not something a later push can
// dial back into, and registering it would insert a phantom peer entry
// that every subsequent fan-out then wastes its retry budget on.
func (d *Daemon) handleHeartbeat(conn net.Conn, msg *wire.Message) *wire.Message {
	if msg.Action != wire.ActionPing {
		return wire.NewErrorResponse(wire.KindProtocol, "unexpected heartbeat action: "+msg.Action, d.nodeID)
	}
	payload, err := wire.DecodeHeartbeatPayload(msg.Content)
	if err == nil && msg.Origin != "" && msg.Origin != d.nodeID && payload.TCPPort > 0 {
		if host, _, addrErr := remoteTCPAddr(conn); addrErr == nil {
			p, transitioned := d.registry.Observe(msg.Origin, host, payload.TCPPort)
			if transitioned {
				d.onPeerAlive(p)
			}
		}
	}
	return wire.NewHeartbeat(wire.ActionPong, nil, d.nodeID)
}

func (d *Daemon) handleSync(msg *wire.Message) *wire.Message {
	switch msg.Action {
	case wire.ActionSyncFile:
		return d.repl.ApplyInbound(msg)
	case wire.ActionSyncMetadata:
		reply, err := d.repl.BuildMetadataSnapshot()
		if err != nil {
			return wire.NewErrorResponse(wire.KindWriteFailed, err.Error(), d.nodeID)
		}
		return reply
	case wire.ActionRequestFile:
		reply, err := d.repl.RequestFile(msg.Path)
		if err != nil {
			return wire.NewErrorResponse(wire.KindOf(err), err.Error(), d.nodeID)
		}
		return reply
	default:
		return wire.NewErrorResponse(wire.KindProtocol, "unexpected sync action: "+msg.Action, d.nodeID)
	}
}

// Send implements replication.Sender by dialing the peer fresh, per the
// original's connect-per-message style rather than keeping a pool of
// long-lived peer connections.
func (d *Daemon) Send(p peers.Peer, msg *wire.Message) (*wire.Message, error) {
	conn, err := net.DialTimeout("tcp", p.Key(), 5*time.Second)
	if err != nil {
		return nil, wire.NewError(wire.KindUnavailable, "send", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	if err := wire.WriteMessage(conn, msg); err != nil {
		return nil, err
	}
	return wire.ReadMessage(conn, wire.DefaultMaxFrameSize)
}

func (d *Daemon) vacuumLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(time.Duration(d.cfg.Filesystem.VacuumInterval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.exit:
			return
		case <-ticker.C:
			if err := d.meta.Vacuum(); err != nil {
				logs.Warnf("daemon: vacuum failed: %v", err)
			}
		}
	}
}

func remoteTCPAddr(conn net.Conn) (string, int, error) {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return "", 0, fmt.Errorf("not a tcp connection")
	}
	return addr.IP.String(), addr.Port, nil
}

// EnsureRootDir exists for callers (primarily cmd/distfiled) that want
// to fail fast with a clear error before constructing a full Daemon.
func EnsureRootDir(path string) error {
	return os.MkdirAll(path, 0o755)
}
