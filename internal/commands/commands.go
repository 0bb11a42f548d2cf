// Package commands implements the six local file actions shared by
// client connections and peer-to-peer traffic, generalizing the
// teacher's fileserver command dispatch (cmd/fileserver/handlers.go's
// switch over upload/download/list/delete) from a fixed binary command
// byte onto the (type=command, action) pairs the wire schema carries,
// and routed to the flat localstore instead of key_store's chunk store.
package commands

import (
	"encoding/json"

	logs "github.com/danmuck/smplog"

	"github.com/danmuck/distfile/internal/localstore"
	"github.com/danmuck/distfile/internal/metastore"
	"github.com/danmuck/distfile/internal/replication"
	"github.com/danmuck/distfile/internal/wire"
)

// Handler dispatches command messages against the local store and
// metadata store, pushing successful writes out to peers.
type Handler struct {
	nodeID string
	store  *localstore.Store
	meta   *metastore.Store
	repl   *replication.Engine
}

func New(nodeID string, store *localstore.Store, meta *metastore.Store, repl *replication.Engine) *Handler {
	return &Handler{nodeID: nodeID, store: store, meta: meta, repl: repl}
}

// Dispatch routes one type=command message to its handler and returns
// the response to send back to the caller.
func (h *Handler) Dispatch(msg *wire.Message) *wire.Message {
	switch msg.Action {
	case wire.ActionCreate:
		return h.create(msg)
	case wire.ActionRead:
		return h.read(msg)
	case wire.ActionWrite:
		return h.write(msg)
	case wire.ActionDelete:
		return h.delete(msg)
	case wire.ActionMkdir:
		return h.mkdir(msg)
	case wire.ActionList:
		return h.list(msg)
	default:
		return wire.NewErrorResponse(wire.KindProtocol, "unknown command action: "+msg.Action, h.nodeID)
	}
}

func (h *Handler) create(msg *wire.Message) *wire.Message {
	data, err := wire.DecodeBytes(msg.Content)
	if err != nil {
		return wire.NewErrorResponse(wire.KindProtocol, err.Error(), h.nodeID)
	}
	if err := h.store.Create(msg.Path, data); err != nil {
		return wire.NewErrorResponse(wire.KindOf(err), err.Error(), h.nodeID)
	}
	return h.recordAndPush(msg.Path, localstore.HashBytes(data), int64(len(data)), "create")
}

func (h *Handler) write(msg *wire.Message) *wire.Message {
	data, err := wire.DecodeBytes(msg.Content)
	if err != nil {
		return wire.NewErrorResponse(wire.KindProtocol, err.Error(), h.nodeID)
	}
	if err := h.store.Write(msg.Path, data); err != nil {
		return wire.NewErrorResponse(wire.KindOf(err), err.Error(), h.nodeID)
	}
	return h.recordAndPush(msg.Path, localstore.HashBytes(data), int64(len(data)), "modify")
}

// recordAndPush upserts a metadata record for path and pushes it to peers.
// checksum/size are passed explicitly rather than derived from a body,
// since a directory record (mkdir) carries the literal checksum "" and
// size 0 and has no body to hash.
func (h *Handler) recordAndPush(path, checksum string, size int64, operation string) *wire.Message {
	now := wire.Now()
	rec, err := h.meta.UpsertLocal(path, checksum, size, h.nodeID, operation, now, now)
	if err != nil {
		logs.Warnf("commands: failed to record metadata for %s: %v", path, err)
		return wire.NewErrorResponse(wire.KindOf(err), err.Error(), h.nodeID)
	}
	if h.repl != nil {
		go h.repl.PushLocalChange(rec)
	}
	return wire.NewResponse(operation, true, "ok", nil, h.nodeID)
}

func (h *Handler) read(msg *wire.Message) *wire.Message {
	data, err := h.store.Read(msg.Path)
	if err != nil {
		return wire.NewErrorResponse(wire.KindOf(err), err.Error(), h.nodeID)
	}
	return wire.NewResponse(wire.ActionRead, true, "ok", wire.EncodeBytes(data), h.nodeID)
}

func (h *Handler) delete(msg *wire.Message) *wire.Message {
	if err := h.store.Delete(msg.Path); err != nil {
		return wire.NewErrorResponse(wire.KindOf(err), err.Error(), h.nodeID)
	}
	rec, err := h.meta.Delete(msg.Path, h.nodeID, wire.Now())
	if err != nil {
		logs.Warnf("commands: failed to tombstone %s: %v", msg.Path, err)
		return wire.NewErrorResponse(wire.KindOf(err), err.Error(), h.nodeID)
	}
	if h.repl != nil {
		go h.repl.PushLocalChange(rec)
	}
	return wire.NewResponse(wire.ActionDelete, true, "ok", nil, h.nodeID)
}

func (h *Handler) mkdir(msg *wire.Message) *wire.Message {
	if err := h.store.Mkdir(msg.Path); err != nil {
		return wire.NewErrorResponse(wire.KindOf(err), err.Error(), h.nodeID)
	}
	return h.recordAndPush(msg.Path, "", 0, wire.ActionMkdir)
}

func (h *Handler) list(msg *wire.Message) *wire.Message {
	entries, err := h.store.List(msg.Path)
	if err != nil {
		return wire.NewErrorResponse(wire.KindOf(err), err.Error(), h.nodeID)
	}
	out := make([]wire.ListEntry, len(entries))
	for i, e := range entries {
		out[i] = wire.ListEntry{Name: e.Name, IsDir: e.IsDir}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return wire.NewErrorResponse(wire.KindProtocol, err.Error(), h.nodeID)
	}
	return wire.NewResponse(wire.ActionList, true, "ok", data, h.nodeID)
}
