// Package peers tracks the set of other nodes this node currently
// believes are reachable. It generalizes the teacher's DefaultRouter
// (src/api/nodes/routing.go) from a single address-keyed map into the
// liveness-state machine the original peer_manager drives, since a
// router that only knows "present or absent" can't express the
// suspect-before-dead transition heartbeat loss needs.
package peers

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

// State is a peer's liveness as observed by this node.
type State string

const (
	StateAlive   State = "alive"
	StateSuspect State = "suspect"
	StateDead    State = "dead"
)

// Peer is one other node this node has heard from, directly or via
// discovery.
type Peer struct {
	NodeID          string
	Address         string
	Port            int
	LastSeen        time.Time
	State           State
	MissedHeartbeats int
	Latency         time.Duration
}

func (p Peer) Key() string { return fmt.Sprintf("%s:%d", p.Address, p.Port) }

// Registry is the set of known peers, keyed by address:port exactly as
// the original peer_manager keys its map — identity is the network
// endpoint, not the claimed node name, so a renamed node at the same
// address still collapses to one entry.
type Registry struct {
	mu    sync.Mutex
	peers map[string]*Peer

	// SuspectThreshold is how many consecutive missed heartbeats a peer
	// may accumulate while still suspect: the first miss moves it from
	// alive to suspect, and miss number SuspectThreshold+1 moves it from
	// suspect to dead and eligible for reaping.
	SuspectThreshold int
}

func NewRegistry() *Registry {
	return &Registry{
		peers:            make(map[string]*Peer),
		SuspectThreshold: 2,
	}
}

// Observe records that address:port (claiming nodeID) was just heard
// from, resetting its liveness back to alive. It is used by both the
// discovery listener and the heartbeat responder, and never performs
// I/O while holding the lock. The second return value reports whether
// this call is an alive-transition edge — the peer was previously
// unknown, suspect, or dead — so callers can trigger transition-only
// work (like reconciliation) instead of repeating it on every observe.
func (r *Registry) Observe(nodeID, address string, port int) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s:%d", address, port)
	p, exists := r.peers[key]
	transitioned := !exists
	if !exists {
		p = &Peer{NodeID: nodeID, Address: address, Port: port}
		r.peers[key] = p
	} else if p.State != StateAlive {
		transitioned = true
	}
	p.NodeID = nodeID
	p.LastSeen = time.Now()
	p.State = StateAlive
	p.MissedHeartbeats = 0
	return *p, transitioned
}

// RecordLatency updates a known peer's last observed round trip time.
func (r *Registry) RecordLatency(address string, port int, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[fmt.Sprintf("%s:%d", address, port)]; ok {
		p.Latency = latency
	}
}

// MarkMissed records a failed heartbeat attempt against a peer, moving
// it through alive -> suspect -> dead as misses accumulate. It returns
// the peer's new state.
func (r *Registry) MarkMissed(address string, port int) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s:%d", address, port)
	p, ok := r.peers[key]
	if !ok {
		return StateDead
	}
	p.MissedHeartbeats++
	switch {
	case p.MissedHeartbeats > r.SuspectThreshold:
		p.State = StateDead
	case p.MissedHeartbeats > 0:
		p.State = StateSuspect
	}
	return p.State
}

// Reap removes every peer whose last-seen time exceeds timeout and
// returns the removed peers, so the caller can fire disconnect
// notifications outside the lock.
func (r *Registry) Reap(timeout time.Duration) []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var removed []Peer
	for key, p := range r.peers {
		if now.Sub(p.LastSeen) > timeout || p.State == StateDead {
			removed = append(removed, *p)
			delete(r.peers, key)
		}
	}
	return removed
}

// Remove drops address:port unconditionally.
func (r *Registry) Remove(address string, port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, fmt.Sprintf("%s:%d", address, port))
}

// Snapshot returns every known peer, sorted by key, for callers that
// need to iterate without holding the registry lock (e.g. the
// replication engine fanning work out to all peers).
func (r *Registry) Snapshot() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Alive returns only peers currently in the alive state.
func (r *Registry) Alive() []Peer {
	all := r.Snapshot()
	out := make([]Peer, 0, len(all))
	for _, p := range all {
		if p.State == StateAlive {
			out = append(out, p)
		}
	}
	return out
}

// Count returns the number of known peers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Get returns the peer at address:port, if known.
func (r *Registry) Get(address string, port int) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[fmt.Sprintf("%s:%d", address, port)]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// LoadStatic seeds the registry from a list of "host:port" strings taken
// from configuration, mirroring the original's load_static_peers. These
// entries start in the alive state optimistically; the heartbeat loop
// will demote them if they turn out to be unreachable.
func (r *Registry) LoadStatic(addrs []string) error {
	for _, addr := range addrs {
		host, port, err := splitHostPort(addr)
		if err != nil {
			return err
		}
		r.Observe("", host, port)
	}
	return nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return "", 0, fmt.Errorf("invalid static peer address %q", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid static peer address %q", addr)
	}
	return host, port, nil
}
