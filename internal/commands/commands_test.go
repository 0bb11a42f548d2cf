package commands

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/danmuck/distfile/internal/localstore"
	"github.com/danmuck/distfile/internal/metastore"
	"github.com/danmuck/distfile/internal/wire"
)

func newTestHandler(t *testing.T) (*Handler, *localstore.Store, *metastore.Store) {
	t.Helper()
	store, err := localstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("localstore.Open failed: %v", err)
	}
	meta, err := metastore.Open(filepath.Join(t.TempDir(), "metadata.db"))
	if err != nil {
		t.Fatalf("metastore.Open failed: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	return New("node-a", store, meta, nil), store, meta
}

func responseOf(t *testing.T, msg *wire.Message) wire.ResponsePayload {
	t.Helper()
	resp, err := wire.DecodeResponsePayload(msg.Content)
	if err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func TestCreateWritesFileAndMetadata(t *testing.T) {
	h, store, meta := newTestHandler(t)

	msg := wire.NewCommand(wire.ActionCreate, "a.txt", wire.EncodeBytes([]byte("hello")), "client", 0)
	reply := h.Dispatch(msg)
	if !responseOf(t, reply).Success {
		t.Fatalf("expected success, got %+v", responseOf(t, reply))
	}

	got, err := store.Read("a.txt")
	if err != nil || string(got) != "hello" {
		t.Fatalf("unexpected file contents: %q, err=%v", got, err)
	}
	rec, found, err := meta.Get("a.txt")
	if err != nil || !found || rec.Version != 1 {
		t.Fatalf("unexpected metadata: %+v found=%v err=%v", rec, found, err)
	}
}

func TestCreateRejectsDuplicate(t *testing.T) {
	h, _, _ := newTestHandler(t)

	msg := wire.NewCommand(wire.ActionCreate, "a.txt", wire.EncodeBytes([]byte("hello")), "client", 0)
	h.Dispatch(msg)
	reply := h.Dispatch(msg)
	if responseOf(t, reply).Success {
		t.Fatal("expected second create of same path to fail")
	}
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	h, _, _ := newTestHandler(t)

	write := wire.NewCommand(wire.ActionWrite, "a.txt", wire.EncodeBytes([]byte("v1")), "client", 0)
	if !responseOf(t, h.Dispatch(write)).Success {
		t.Fatal("expected write to succeed")
	}

	read := wire.NewCommand(wire.ActionRead, "a.txt", nil, "client", 0)
	reply := h.Dispatch(read)
	resp := responseOf(t, reply)
	if !resp.Success {
		t.Fatalf("expected read to succeed, got %+v", resp)
	}
	data, err := wire.DecodeBytes(resp.Data)
	if err != nil || string(data) != "v1" {
		t.Fatalf("unexpected read data: %q, err=%v", data, err)
	}
}

func TestDeleteTombstonesAndRemovesFile(t *testing.T) {
	h, store, meta := newTestHandler(t)

	create := wire.NewCommand(wire.ActionCreate, "a.txt", wire.EncodeBytes([]byte("x")), "client", 0)
	h.Dispatch(create)

	del := wire.NewCommand(wire.ActionDelete, "a.txt", nil, "client", 0)
	reply := h.Dispatch(del)
	if !responseOf(t, reply).Success {
		t.Fatal("expected delete to succeed")
	}

	if exists, _, _ := store.Exists("a.txt"); exists {
		t.Fatal("expected file removed from store")
	}
	rec, found, err := meta.Get("a.txt")
	if err != nil || !found || !rec.IsDeleted {
		t.Fatalf("expected tombstoned record, got %+v found=%v err=%v", rec, found, err)
	}
}

func TestMkdirThenListShowsDirectory(t *testing.T) {
	h, _, _ := newTestHandler(t)

	mkdir := wire.NewCommand(wire.ActionMkdir, "sub", nil, "client", 0)
	if !responseOf(t, h.Dispatch(mkdir)).Success {
		t.Fatal("expected mkdir to succeed")
	}

	list := wire.NewCommand(wire.ActionList, "", nil, "client", 0)
	reply := h.Dispatch(list)
	resp := responseOf(t, reply)
	if !resp.Success {
		t.Fatalf("expected list to succeed, got %+v", resp)
	}

	var entries []wire.ListEntry
	if err := json.Unmarshal(resp.Data, &entries); err != nil {
		t.Fatalf("failed to decode list entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "sub" || !entries[0].IsDir {
		t.Fatalf("unexpected list entries: %+v", entries)
	}
}

func TestMkdirRecordsMetadataWithEmptyChecksum(t *testing.T) {
	h, _, meta := newTestHandler(t)

	mkdir := wire.NewCommand(wire.ActionMkdir, "sub", nil, "client", 0)
	if !responseOf(t, h.Dispatch(mkdir)).Success {
		t.Fatal("expected mkdir to succeed")
	}

	rec, found, err := meta.Get("sub")
	if err != nil || !found {
		t.Fatalf("expected mkdir to leave a metadata record, found=%v err=%v", found, err)
	}
	if rec.Checksum != "" || rec.Size != 0 {
		t.Fatalf("expected empty checksum and zero size for a directory record, got %+v", rec)
	}
	if rec.OperationType != wire.ActionMkdir {
		t.Fatalf("expected operation type %q, got %q", wire.ActionMkdir, rec.OperationType)
	}
	if rec.Version != 1 {
		t.Fatalf("expected mkdir to start the record at version 1, got %d", rec.Version)
	}
}

func TestDispatchRejectsUnknownAction(t *testing.T) {
	h, _, _ := newTestHandler(t)

	msg := wire.NewCommand("frobnicate", "a.txt", nil, "client", 0)
	reply := h.Dispatch(msg)
	if responseOf(t, reply).Success {
		t.Fatal("expected unknown action to fail")
	}
}
