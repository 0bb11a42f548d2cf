// Package procstats builds the opaque process-stats snapshot embedded
// in outbound heartbeats, generalizing the teacher's PrintMemUsage
// (src/key_store/config.go) from a debug printout into a JSON-encodable
// struct, and the original ProcessAgent's system-stats fields (cpu,
// memory, uptime) onto what the Go runtime actually exposes without an
// external process-monitoring dependency.
package procstats

import (
	"encoding/json"
	"runtime"
	"time"
)

// Snapshot is this node's self-reported load at the moment it was taken.
// It is never interpreted by the receiver beyond logging/display — the
// wire schema carries it as opaque content precisely so its shape can
// change without a protocol version bump.
type Snapshot struct {
	Timestamp    float64 `json:"timestamp"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Goroutines   int     `json:"goroutines"`
	AllocBytes   uint64  `json:"alloc_bytes"`
	SysBytes     uint64  `json:"sys_bytes"`
	NumGC        uint32  `json:"num_gc"`
	KnownPeers   int     `json:"known_peers"`
	ActiveSyncs  int     `json:"active_syncs"`
}

// Collector produces a Snapshot on demand, tracking process start time
// so uptime can be reported without a background ticker.
type Collector struct {
	startedAt  time.Time
	peerCount  func() int
	syncCount  func() int
}

// New builds a Collector. peerCount and syncCount are pulled lazily at
// snapshot time rather than pushed in, so the collector never needs to
// know about peers.Registry or replication.Engine directly.
func New(peerCount, syncCount func() int) *Collector {
	return &Collector{startedAt: time.Now(), peerCount: peerCount, syncCount: syncCount}
}

// Snapshot reads current runtime stats and returns a JSON-encoded
// snapshot suitable for embedding in a heartbeat payload.
func (c *Collector) Snapshot() json.RawMessage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	snap := Snapshot{
		Timestamp:     float64(time.Now().UnixNano()) / float64(time.Second),
		UptimeSeconds: time.Since(c.startedAt).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		AllocBytes:    m.Alloc,
		SysBytes:      m.Sys,
		NumGC:         m.NumGC,
	}
	if c.peerCount != nil {
		snap.KnownPeers = c.peerCount()
	}
	if c.syncCount != nil {
		snap.ActiveSyncs = c.syncCount()
	}

	raw, _ := json.Marshal(snap)
	return raw
}
