package metastore

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metadata.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertLocalStartsAtVersionOne(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.UpsertLocal("a.txt", "abc123", 10, "node-a", "create", 1000, 1000)
	if err != nil {
		t.Fatalf("UpsertLocal failed: %v", err)
	}
	if rec.Version != 1 {
		t.Fatalf("expected version 1, got %d", rec.Version)
	}
}

func TestUpsertLocalIncrementsVersion(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.UpsertLocal("a.txt", "abc123", 10, "node-a", "create", 1000, 1000); err != nil {
		t.Fatalf("UpsertLocal failed: %v", err)
	}
	rec, err := s.UpsertLocal("a.txt", "def456", 20, "node-a", "modify", 1001, 1000)
	if err != nil {
		t.Fatalf("UpsertLocal failed: %v", err)
	}
	if rec.Version != 2 {
		t.Fatalf("expected version 2, got %d", rec.Version)
	}
	if rec.Checksum != "def456" {
		t.Fatalf("expected updated checksum, got %s", rec.Checksum)
	}
}

func TestDeleteTombstonesRecord(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.UpsertLocal("a.txt", "abc123", 10, "node-a", "create", 1000, 1000); err != nil {
		t.Fatalf("UpsertLocal failed: %v", err)
	}
	rec, err := s.Delete("a.txt", "node-a", 1002)
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if !rec.IsDeleted || rec.Version != 2 {
		t.Fatalf("expected tombstoned version 2, got %+v", rec)
	}

	got, found, err := s.Get("a.txt")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found {
		t.Fatal("expected tombstoned record to still be retrievable by Get")
	}
	if !got.IsDeleted {
		t.Fatal("expected Get to report is_deleted")
	}
}

func TestAllActiveExcludesTombstones(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.UpsertLocal("a.txt", "abc123", 10, "node-a", "create", 1000, 1000); err != nil {
		t.Fatalf("UpsertLocal failed: %v", err)
	}
	if _, err := s.UpsertLocal("b.txt", "def456", 20, "node-a", "create", 1000, 1000); err != nil {
		t.Fatalf("UpsertLocal failed: %v", err)
	}
	if _, err := s.Delete("a.txt", "node-a", 1002); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	active, err := s.AllActive()
	if err != nil {
		t.Fatalf("AllActive failed: %v", err)
	}
	if len(active) != 1 || active[0].Filepath != "b.txt" {
		t.Fatalf("expected only b.txt active, got %+v", active)
	}
}

func TestDiffClassifiesMissingOutdatedNewer(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.UpsertLocal("same.txt", "x", 1, "node-a", "create", 1000, 1000); err != nil {
		t.Fatalf("UpsertLocal failed: %v", err)
	}
	if _, err := s.UpsertLocal("stale.txt", "x", 1, "node-a", "create", 1000, 1000); err != nil {
		t.Fatalf("UpsertLocal failed: %v", err)
	}
	if _, err := s.UpsertLocal("ahead.txt", "x", 1, "node-a", "create", 1000, 1000); err != nil {
		t.Fatalf("UpsertLocal failed: %v", err)
	}
	if _, err := s.UpsertLocal("ahead.txt", "y", 2, "node-a", "modify", 1001, 1000); err != nil {
		t.Fatalf("UpsertLocal failed: %v", err)
	}

	remote := []FileRecord{
		{Filepath: "same.txt", Version: 1, ModifiedTime: 1000, NodeID: "node-a"},
		{Filepath: "stale.txt", Version: 5},
		{Filepath: "ahead.txt", Version: 1},
		{Filepath: "new.txt", Version: 1},
	}

	diff, err := s.Diff(remote)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if len(diff.Missing) != 1 || diff.Missing[0].Filepath != "new.txt" {
		t.Fatalf("unexpected Missing: %+v", diff.Missing)
	}
	if len(diff.Outdated) != 1 || diff.Outdated[0].Filepath != "stale.txt" {
		t.Fatalf("unexpected Outdated: %+v", diff.Outdated)
	}
	if len(diff.Newer) != 1 || diff.Newer[0].Filepath != "ahead.txt" {
		t.Fatalf("unexpected Newer: %+v", diff.Newer)
	}
}

func TestDiffTieBreaksEqualVersionByModifiedTimeThenNodeID(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.UpsertLocal("conflict.txt", "local-sum", 1, "node-a", "create", 1000, 1000); err != nil {
		t.Fatalf("UpsertLocal failed: %v", err)
	}
	if _, err := s.UpsertLocal("tienode.txt", "local-sum", 1, "node-a", "create", 1000, 1000); err != nil {
		t.Fatalf("UpsertLocal failed: %v", err)
	}

	remote := []FileRecord{
		// Same version, later modified_time: remote wins, pull it.
		{Filepath: "conflict.txt", Version: 1, ModifiedTime: 2000, NodeID: "node-b"},
		// Same version and modified_time, tie-break by node id: "node-b" > "node-a" wins.
		{Filepath: "tienode.txt", Version: 1, ModifiedTime: 1000, NodeID: "node-b"},
	}

	diff, err := s.Diff(remote)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if len(diff.Outdated) != 2 {
		t.Fatalf("expected both conflicting records classified as Outdated (remote wins), got %+v", diff.Outdated)
	}
	if len(diff.Newer) != 0 || len(diff.Missing) != 0 {
		t.Fatalf("expected no Newer/Missing records, got newer=%+v missing=%+v", diff.Newer, diff.Missing)
	}
}

func TestResolvePendingForTargetFailsOnlyThatTargetsPending(t *testing.T) {
	s := openTestStore(t)
	idA, err := s.AppendSyncLog(SyncLogEntry{SyncID: "sync-a", TargetNode: "node-b", Filepath: "a.txt", Action: "push", Timestamp: 1000})
	if err != nil {
		t.Fatalf("AppendSyncLog failed: %v", err)
	}
	idB, err := s.AppendSyncLog(SyncLogEntry{SyncID: "sync-b", TargetNode: "node-c", Filepath: "b.txt", Action: "push", Timestamp: 1000})
	if err != nil {
		t.Fatalf("AppendSyncLog failed: %v", err)
	}
	if err := s.ResolveSyncLog(idB, SyncStatusSuccess, ""); err != nil {
		t.Fatalf("ResolveSyncLog failed: %v", err)
	}

	if err := s.ResolvePendingForTarget("node-b", SyncStatusFailed, "peer evicted"); err != nil {
		t.Fatalf("ResolvePendingForTarget failed: %v", err)
	}

	history, err := s.SyncHistory(10)
	if err != nil {
		t.Fatalf("SyncHistory failed: %v", err)
	}
	for _, e := range history {
		switch e.ID {
		case idA:
			if e.Status != SyncStatusFailed {
				t.Fatalf("expected node-b's pending entry to be failed, got %+v", e)
			}
		case idB:
			if e.Status != SyncStatusSuccess {
				t.Fatalf("expected node-c's already-resolved entry to be untouched, got %+v", e)
			}
		}
	}
}

func TestSyncLogLifecycle(t *testing.T) {
	s := openTestStore(t)
	id, err := s.AppendSyncLog(SyncLogEntry{
		SyncID:     "sync-1",
		SourceNode: "node-a",
		TargetNode: "node-b",
		Filepath:   "a.txt",
		Action:     "push",
		Timestamp:  1000,
	})
	if err != nil {
		t.Fatalf("AppendSyncLog failed: %v", err)
	}
	if err := s.ResolveSyncLog(id, SyncStatusSuccess, ""); err != nil {
		t.Fatalf("ResolveSyncLog failed: %v", err)
	}

	history, err := s.SyncHistory(10)
	if err != nil {
		t.Fatalf("SyncHistory failed: %v", err)
	}
	if len(history) != 1 || history[0].Status != SyncStatusSuccess {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestStatsCountsActiveFilesAndRecentSyncs(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.UpsertLocal("a.txt", "x", 100, "node-a", "create", 1000, 1000); err != nil {
		t.Fatalf("UpsertLocal failed: %v", err)
	}
	if _, err := s.AppendSyncLog(SyncLogEntry{SyncID: "s1", Filepath: "a.txt", Action: "push", Timestamp: 1000}); err != nil {
		t.Fatalf("AppendSyncLog failed: %v", err)
	}

	st, err := s.Stats(1500)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st.TotalFiles != 1 || st.TotalSize != 100 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if st.RecentSyncs != 1 {
		t.Fatalf("expected 1 recent sync, got %d", st.RecentSyncs)
	}
}
