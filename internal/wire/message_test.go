package wire

import (
	"bytes"
	"testing"
	"time"
)

func TestChecksumRoundTrip(t *testing.T) {
	m := NewCommand(ActionWrite, "a.txt", EncodeBytes([]byte("hello")), "node-a", 0)
	if err := m.Sign(); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if m.Checksum == "" {
		t.Fatal("expected non-empty checksum")
	}
	if err := m.Verify(); err != nil {
		t.Fatalf("Verify failed on untampered message: %v", err)
	}
}

func TestChecksumDetectsTampering(t *testing.T) {
	m := NewCommand(ActionWrite, "a.txt", EncodeBytes([]byte("hello")), "node-a", 0)
	if err := m.Sign(); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	m.Path = "b.txt"

	err := m.Verify()
	if err == nil {
		t.Fatal("expected checksum mismatch after tampering")
	}
	if KindOf(err) != KindIntegrity {
		t.Fatalf("expected integrity error kind, got %v", KindOf(err))
	}
}

func TestCanonicalBytesSortsKeysRecursively(t *testing.T) {
	m := NewSync(ActionSyncFile, "a.txt", SyncFilePayload{
		Data: "aGVsbG8=",
		Metadata: SyncFileMetadata{
			Filepath: "a.txt",
			Checksum: "deadbeef",
		},
	}.Encode(), "node-a")

	first, err := m.CanonicalBytes()
	if err != nil {
		t.Fatalf("CanonicalBytes failed: %v", err)
	}
	second, err := m.CanonicalBytes()
	if err != nil {
		t.Fatalf("CanonicalBytes failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("CanonicalBytes is not deterministic:\n%s\n%s", first, second)
	}
	if !bytes.HasPrefix(first, []byte(`{"action":"sync_file","checksum":"","content":{"data":"aGVsbG8=","metadata":{"checksum":"deadbeef","created_time":0,"filepath":"a.txt",`)) {
		t.Fatalf("CanonicalBytes did not sort keys at every depth:\n%s", first)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	m := NewCommand(ActionCreate, "dir/new.txt", nil, "node-a", 0)
	if err := m.Sign(); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, m); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	got, err := ReadMessage(&buf, DefaultMaxFrameSize)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if got.Path != m.Path || got.Action != m.Action {
		t.Fatalf("round-tripped message differs: got %+v want %+v", got, m)
	}
	if err := got.Verify(); err != nil {
		t.Fatalf("round-tripped message failed checksum verification: %v", err)
	}
}

func TestReadFrameRejectsOversizeFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, make([]byte, 100)); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	_, err := ReadFrame(&buf, 10)
	if err == nil {
		t.Fatal("expected oversize frame to be rejected")
	}
	if KindOf(err) != KindProtocol {
		t.Fatalf("expected protocol error kind, got %v", KindOf(err))
	}
}

func TestParseMessageRejectsMissingFields(t *testing.T) {
	_, err := ParseMessage([]byte(`{"type":"command"}`))
	if err == nil {
		t.Fatal("expected missing-field message to be rejected")
	}
	if KindOf(err) != KindProtocol {
		t.Fatalf("expected protocol error kind, got %v", KindOf(err))
	}
}

func TestCheckFreshRejectsStaleTimestamp(t *testing.T) {
	m := NewCommand(ActionRead, "a.txt", nil, "node-a", 0)
	m.Timestamp = float64(time.Now().Add(-10 * time.Minute).UnixNano()) / float64(time.Second)

	err := CheckFresh(m, time.Now())
	if err == nil {
		t.Fatal("expected stale timestamp to be rejected")
	}
	if KindOf(err) != KindStale {
		t.Fatalf("expected stale error kind, got %v", KindOf(err))
	}
}

func TestCheckFreshAcceptsRecentTimestamp(t *testing.T) {
	m := NewCommand(ActionRead, "a.txt", nil, "node-a", 0)
	if err := CheckFresh(m, time.Now()); err != nil {
		t.Fatalf("expected fresh timestamp to be accepted: %v", err)
	}
}
