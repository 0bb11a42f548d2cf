// Package replication fans local changes out to peers and applies
// changes peers send back, generalizing the original SyncEngine
// (sync_file_to_peers/apply_remote_change/request_full_sync) and the
// teacher's LogManager (src/operations/log_manager.go) — the append/get
// shape LogManager names for a Raft log becomes the append/resolve shape
// SyncLogEntry needs for an audit trail, minus the commit-index concept
// a flat LWW store has no use for.
package replication

import (
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logs "github.com/danmuck/smplog"
	"github.com/google/uuid"

	"github.com/danmuck/distfile/internal/localstore"
	"github.com/danmuck/distfile/internal/metastore"
	"github.com/danmuck/distfile/internal/peers"
	"github.com/danmuck/distfile/internal/wire"
)

// MaxRetries and RetryBackoff describe the bounded exponential backoff
// applied to a push that a peer does not acknowledge: MaxRetries attempts
// in total, waiting RetryBackoff before the second and twice that before
// the third (1s, then 2s).
const MaxRetries = 3

var RetryBackoff = 1 * time.Second

// Sender delivers one message to a peer and returns its reply. The
// daemon supplies the real TCP implementation; tests can substitute a
// fake.
type Sender interface {
	Send(peer peers.Peer, msg *wire.Message) (*wire.Message, error)
}

// Engine owns local-change fan-out, inbound sync application, and
// peer reconciliation.
type Engine struct {
	nodeID string
	store  *localstore.Store
	meta   *metastore.Store
	reg    *peers.Registry
	sender Sender

	batchSize       int
	maxSyncThreads  int
	verifyChecksums bool
	resyncInterval  time.Duration

	exit chan struct{}
	wg   sync.WaitGroup

	cancelMu  sync.Mutex
	cancelGen map[string]int
	inFlight  int32
}

// New builds a replication Engine.
func New(nodeID string, store *localstore.Store, meta *metastore.Store, reg *peers.Registry, sender Sender, batchSize, maxSyncThreads int, verifyChecksums bool, resyncInterval time.Duration) *Engine {
	return &Engine{
		nodeID:          nodeID,
		store:           store,
		meta:            meta,
		reg:             reg,
		sender:          sender,
		batchSize:       batchSize,
		maxSyncThreads:  maxSyncThreads,
		verifyChecksums: verifyChecksums,
		resyncInterval:  resyncInterval,
		exit:            make(chan struct{}),
		cancelGen:       make(map[string]int),
	}
}

// StartPeriodicResync launches a goroutine that reconciles against every
// known peer every resyncInterval, independent of the initial
// sync_on_startup pass the daemon runs once at boot.
func (e *Engine) StartPeriodicResync() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.resyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.exit:
				return
			case <-ticker.C:
				e.ReconcileAll()
			}
		}
	}()
}

// Stop signals the periodic resync loop to exit and waits for it.
func (e *Engine) Stop() {
	close(e.exit)
	e.wg.Wait()
}

// ActiveSyncCount reports how many peer pushes are currently in flight,
// for embedding in the process-stats snapshot.
func (e *Engine) ActiveSyncCount() int {
	return int(atomic.LoadInt32(&e.inFlight))
}

// CancelPeer aborts any push retry loops currently targeting nodeID and
// resolves their sync-log entries as failed, rather than letting them
// drain by exhausting the retry budget against a peer the registry has
// already evicted.
func (e *Engine) CancelPeer(nodeID string) {
	e.cancelMu.Lock()
	e.cancelGen[nodeID]++
	e.cancelMu.Unlock()

	if err := e.meta.ResolvePendingForTarget(nodeID, metastore.SyncStatusFailed, "peer evicted"); err != nil {
		logs.Warnf("replication: failed to resolve pending sync log for evicted peer %s: %v", nodeID, err)
	}
}

func (e *Engine) cancelGeneration(nodeID string) int {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	return e.cancelGen[nodeID]
}

// recordToPayload converts a metastore.FileRecord into its wire form.
func recordToPayload(rec metastore.FileRecord) wire.SyncFileMetadata {
	return wire.SyncFileMetadata{
		Filepath:          rec.Filepath,
		Checksum:          rec.Checksum,
		Size:              rec.Size,
		Version:           rec.Version,
		ModifiedTime:      rec.ModifiedTime,
		CreatedTime:        rec.CreatedTime,
		OriginatingNodeID: rec.NodeID,
		LastOperation:     rec.OperationType,
		IsDeleted:         rec.IsDeleted,
	}
}

func payloadToRecord(p wire.SyncFileMetadata) metastore.FileRecord {
	return metastore.FileRecord{
		Filepath:      p.Filepath,
		Checksum:      p.Checksum,
		Size:          p.Size,
		Version:       p.Version,
		ModifiedTime:  p.ModifiedTime,
		CreatedTime:   p.CreatedTime,
		NodeID:        p.OriginatingNodeID,
		OperationType: p.LastOperation,
		IsDeleted:     p.IsDeleted,
	}
}

// PushLocalChange fans a locally-originated create/modify/delete out to
// every alive peer. Each peer delivery runs independently with its own
// bounded retry loop, so one unreachable peer never blocks delivery to
// the rest.
func (e *Engine) PushLocalChange(rec metastore.FileRecord) {
	targets := e.reg.Alive()
	if len(targets) == 0 {
		return
	}

	msg, err := e.buildSyncMessage(rec)
	if err != nil {
		logs.Warnf("replication: failed to build sync message for %s: %v", rec.Filepath, err)
		return
	}

	sem := make(chan struct{}, e.maxSyncThreads)
	var wg sync.WaitGroup
	for _, p := range targets {
		p := p
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			e.pushToPeer(p, rec, msg)
		}()
	}
	wg.Wait()
}

// isDirectoryRecord reports whether rec represents a directory rather
// than a file body: mkdir records carry the literal checksum "" and
// size 0 and have no bytes to read, hash, or write.
func isDirectoryRecord(rec metastore.FileRecord) bool {
	return rec.OperationType == wire.ActionMkdir
}

func (e *Engine) buildSyncMessage(rec metastore.FileRecord) (*wire.Message, error) {
	payload := wire.SyncFilePayload{Metadata: recordToPayload(rec)}
	if !rec.IsDeleted && !isDirectoryRecord(rec) {
		data, err := e.store.Read(rec.Filepath)
		if err != nil {
			return nil, err
		}
		payload.Data = base64.StdEncoding.EncodeToString(data)
	}
	action := wire.ActionSyncFile
	return wire.NewSync(action, rec.Filepath, payload.Encode(), e.nodeID), nil
}

func (e *Engine) pushToPeer(p peers.Peer, rec metastore.FileRecord, msg *wire.Message) {
	atomic.AddInt32(&e.inFlight, 1)
	defer atomic.AddInt32(&e.inFlight, -1)

	syncID := uuid.NewString()
	logID, err := e.meta.AppendSyncLog(metastore.SyncLogEntry{
		SyncID:     syncID,
		SourceNode: e.nodeID,
		TargetNode: p.NodeID,
		Filepath:   rec.Filepath,
		Action:     "push",
		Timestamp:  wire.Now(),
	})
	if err != nil {
		logs.Warnf("replication: failed to record sync log: %v", err)
	}

	startGen := e.cancelGeneration(p.NodeID)

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if e.cancelGeneration(p.NodeID) != startGen {
			lastErr = fmt.Errorf("peer %s evicted mid-send", p.NodeID)
			break
		}
		if attempt > 0 {
			time.Sleep(RetryBackoff * time.Duration(1<<(attempt-1)))
		}
		reply, err := e.sender.Send(p, msg)
		if err == nil && reply != nil && reply.Type == wire.TypeResponse {
			resp, decodeErr := wire.DecodeResponsePayload(reply.Content)
			if decodeErr == nil && resp.Success {
				if logID != 0 {
					e.meta.ResolveSyncLog(logID, metastore.SyncStatusSuccess, "")
				}
				return
			}
			lastErr = fmt.Errorf("peer rejected sync: %s", resp.Message)
			continue
		}
		lastErr = err
	}

	logs.Warnf("replication: push to %s failed after %d attempts: %v", p.Key(), MaxRetries, lastErr)
	if logID != 0 {
		msg := ""
		if lastErr != nil {
			msg = lastErr.Error()
		}
		e.meta.ResolveSyncLog(logID, metastore.SyncStatusFailed, msg)
	}
}

// ApplyInbound applies a sync/sync_file message received from a peer
// connection and returns the response to send back.
func (e *Engine) ApplyInbound(msg *wire.Message) *wire.Message {
	payload, err := wire.DecodeSyncFilePayload(msg.Content)
	if err != nil {
		return wire.NewErrorResponse(wire.KindProtocol, err.Error(), e.nodeID)
	}
	remote := payloadToRecord(payload.Metadata)

	local, found := metastore.FileRecord{}, false
	if rec, ok, getErr := e.meta.Get(remote.Filepath); getErr == nil {
		local, found = rec, ok
	}

	if found && !shouldApplyRemote(local, remote) {
		return wire.NewResponse(msg.Action, true, "already current", nil, e.nodeID)
	}

	if found && remote.Version == local.Version {
		// Both sides independently reached the same version: this is a
		// genuine conflict, not a forward advance, so the winner must come
		// out strictly ahead of both inputs instead of looking unchanged.
		remote.Version = local.Version + 1
	}

	if remote.IsDeleted {
		if err := e.store.Delete(remote.Filepath); err != nil {
			return e.failInbound(msg, remote, wire.KindWriteFailed, err)
		}
		if err := e.meta.ApplyRemote(remote); err != nil {
			return e.failInbound(msg, remote, wire.KindWriteFailed, err)
		}
		e.logInboundSuccess(msg, remote)
		return wire.NewResponse(msg.Action, true, "applied", nil, e.nodeID)
	}

	if found && local.Checksum == remote.Checksum && !isDirectoryRecord(remote) {
		e.logInboundSuccess(msg, remote)
		return wire.NewResponse(msg.Action, true, "already current", nil, e.nodeID)
	}

	if isDirectoryRecord(remote) {
		if err := e.store.Mkdir(remote.Filepath); err != nil {
			return e.failInbound(msg, remote, wire.KindWriteFailed, err)
		}
		if err := e.meta.ApplyRemote(remote); err != nil {
			return e.failInbound(msg, remote, wire.KindWriteFailed, err)
		}
		e.logInboundSuccess(msg, remote)
		return wire.NewResponse(msg.Action, true, "applied", nil, e.nodeID)
	}

	data, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return e.failInbound(msg, remote, wire.KindProtocol, err)
	}

	if e.verifyChecksums {
		if got := localstore.HashBytes(data); got != remote.Checksum {
			return e.failInbound(msg, remote, wire.KindIntegrity, fmt.Errorf("checksum mismatch: have %s want %s", got, remote.Checksum))
		}
	}

	if err := e.store.Write(remote.Filepath, data); err != nil {
		return e.failInbound(msg, remote, wire.KindWriteFailed, err)
	}

	actual, _, err := e.store.Hash(remote.Filepath)
	if err != nil || actual != remote.Checksum {
		e.store.Delete(remote.Filepath)
		return e.failInbound(msg, remote, wire.KindIntegrity, fmt.Errorf("post-write verification failed for %s", remote.Filepath))
	}

	if err := e.meta.ApplyRemote(remote); err != nil {
		return e.failInbound(msg, remote, wire.KindWriteFailed, err)
	}

	e.logInboundSuccess(msg, remote)
	return wire.NewResponse(msg.Action, true, "applied", nil, e.nodeID)
}

func (e *Engine) logInboundSuccess(msg *wire.Message, rec metastore.FileRecord) {
	e.meta.AppendSyncLog(metastore.SyncLogEntry{
		SyncID:     uuid.NewString(),
		SourceNode: msg.Origin,
		TargetNode: e.nodeID,
		Filepath:   rec.Filepath,
		Action:     msg.Action,
		Timestamp:  wire.Now(),
		Status:     metastore.SyncStatusSuccess,
	})
}

func (e *Engine) failInbound(msg *wire.Message, rec metastore.FileRecord, kind wire.Kind, err error) *wire.Message {
	logs.Warnf("replication: failed to apply remote change for %s: %v", rec.Filepath, err)
	e.meta.AppendSyncLog(metastore.SyncLogEntry{
		SyncID:       uuid.NewString(),
		SourceNode:   msg.Origin,
		TargetNode:   e.nodeID,
		Filepath:     rec.Filepath,
		Action:       msg.Action,
		Timestamp:    wire.Now(),
		Status:       metastore.SyncStatusFailed,
		ErrorMessage: err.Error(),
	})
	return wire.NewErrorResponse(kind, err.Error(), e.nodeID)
}

// shouldApplyRemote implements last-writer-wins: a higher version always
// wins; ties (concurrent writes not yet seen by either side) fall back
// to comparing modified_time, and a full tie on both falls back to a
// deterministic tie-break by origin node ID so every node reaches the
// same conclusion without coordination.
func shouldApplyRemote(local, remote metastore.FileRecord) bool {
	if remote.Version != local.Version {
		return remote.Version > local.Version
	}
	if remote.ModifiedTime != local.ModifiedTime {
		return remote.ModifiedTime > local.ModifiedTime
	}
	return remote.NodeID > local.NodeID
}

// ReconcileAll runs Reconcile against every alive peer.
func (e *Engine) ReconcileAll() {
	for _, p := range e.reg.Alive() {
		if err := e.Reconcile(p); err != nil {
			logs.Warnf("replication: reconcile with %s failed: %v", p.Key(), err)
		}
	}
}

// Reconcile requests peer's full metadata set, diffs it against the
// local store, pulls anything missing or outdated (batch_size at a
// time), and pushes every record this node holds at a newer version than
// the peer's snapshot. Records absent from the peer's snapshot are not
// pushed.
func (e *Engine) Reconcile(p peers.Peer) error {
	req := wire.NewSync(wire.ActionSyncMetadata, "", nil, e.nodeID)
	reply, err := e.sender.Send(p, req)
	if err != nil {
		return err
	}
	remotePayload, err := wire.DecodeSyncMetadataPayload(reply.Content)
	if err != nil {
		return err
	}

	remoteRecords := make([]metastore.FileRecord, 0, len(remotePayload.Records))
	for _, r := range remotePayload.Records {
		remoteRecords = append(remoteRecords, payloadToRecord(r))
	}

	diff, err := e.meta.Diff(remoteRecords)
	if err != nil {
		return err
	}

	toPull := append(append([]metastore.FileRecord{}, diff.Missing...), diff.Outdated...)
	e.pullBatched(p, toPull)

	for _, rec := range diff.Newer {
		msg, err := e.buildSyncMessage(rec)
		if err != nil {
			continue
		}
		e.pushToPeer(p, rec, msg)
	}
	return nil
}

// pullBatched requests at most batchSize files in flight at a time, the
// same cap the original sync_missing_files applies via its file_list
// slice.
func (e *Engine) pullBatched(p peers.Peer, records []metastore.FileRecord) {
	sem := make(chan struct{}, e.batchSize)
	var wg sync.WaitGroup
	for _, rec := range records {
		rec := rec
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			e.pullOne(p, rec)
		}()
	}
	wg.Wait()
}

func (e *Engine) pullOne(p peers.Peer, rec metastore.FileRecord) {
	req := wire.NewSync(wire.ActionRequestFile, rec.Filepath, nil, e.nodeID)
	reply, err := e.sender.Send(p, req)
	if err != nil {
		logs.Warnf("replication: request_file %s from %s failed: %v", rec.Filepath, p.Key(), err)
		return
	}
	e.ApplyInbound(reply)
}

// RequestFile builds the sync_file response to a peer's request_file
// command, used by the daemon's dispatch table.
func (e *Engine) RequestFile(relPath string) (*wire.Message, error) {
	rec, found, err := e.meta.Get(relPath)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, wire.NewError(wire.KindNotFound, "request_file", fmt.Errorf("no record for %s", relPath))
	}
	return e.buildSyncMessage(rec)
}

// BuildMetadataSnapshot builds the sync_metadata response carrying every
// record this node holds, tombstones included so deletions reach the
// peer's diff (see the Open Questions decision: this implementation
// always sends the full set, not a delta).
func (e *Engine) BuildMetadataSnapshot() (*wire.Message, error) {
	records, err := e.meta.All()
	if err != nil {
		return nil, err
	}
	payload := wire.SyncMetadataPayload{}
	for _, rec := range records {
		payload.Records = append(payload.Records, recordToPayload(rec))
	}
	return wire.NewSync(wire.ActionSyncMetadata, "", payload.Encode(), e.nodeID), nil
}
