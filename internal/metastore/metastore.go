// Package metastore is the versioned record of what this node believes
// about every file in the shared tree: current checksum, size, version,
// tombstone state, and the audit trail of sync attempts against peers.
// It generalizes the original metadata_store's sqlite schema into a
// Go store backed by the same engine, following the migration-driven
// sqlite wiring used elsewhere in the example pack.
package metastore

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/danmuck/distfile/internal/metastore/migrations"
	"github.com/danmuck/distfile/internal/wire"
)

// FileRecord is one row of the files table: this node's latest known
// state for a single path in the shared tree.
type FileRecord struct {
	ID            int64
	Filepath      string
	Checksum      string
	Size          int64
	Version       int64
	ModifiedTime  float64
	CreatedTime   float64
	NodeID        string
	OperationType string
	IsDeleted     bool
}

// SyncLogEntry is one row of the sync_log table: an attempted transfer of
// one file to or from one peer.
type SyncLogEntry struct {
	ID           int64
	SyncID       string
	SourceNode   string
	TargetNode   string
	Filepath     string
	Action       string
	Timestamp    float64
	Status       string
	ErrorMessage string
}

const (
	SyncStatusPending = "pending"
	SyncStatusSuccess = "success"
	SyncStatusFailed  = "failed"
)

// Store owns the single sqlite connection backing the metadata database.
// The files-table writes (UpsertLocal, ApplyRemote, Delete) are
// serialized through mu. The sync_log writes and Vacuum do not take mu;
// they are single statements, and because the pool is limited to one
// connection they still run one at a time with every other statement.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (and migrates) the metadata database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, wire.NewError(wire.KindFatal, "open_metastore", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, wire.NewError(wire.KindFatal, "open_metastore", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertLocal records a locally-originated create/modify, bumping the
// existing version by one (or starting at one for a new path). The read
// of the current version and the write of the new row happen inside one
// transaction under mu so two local writers can never race into the same
// version number, fixing the original's read-then-increment bug.
func (s *Store) UpsertLocal(filepath, checksum string, size int64, nodeID, operationType string, modifiedTime, createdTime float64) (FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return FileRecord{}, wire.NewError(wire.KindWriteFailed, "upsert_local", err)
	}
	defer tx.Rollback()

	var currentVersion int64
	err = tx.QueryRow(`SELECT version FROM files WHERE filepath = ?`, filepath).Scan(&currentVersion)
	nextVersion := int64(1)
	switch {
	case err == sql.ErrNoRows:
		nextVersion = 1
	case err != nil:
		return FileRecord{}, wire.NewError(wire.KindWriteFailed, "upsert_local", err)
	default:
		nextVersion = currentVersion + 1
	}

	rec := FileRecord{
		Filepath:      filepath,
		Checksum:      checksum,
		Size:          size,
		Version:       nextVersion,
		ModifiedTime:  modifiedTime,
		CreatedTime:   createdTime,
		NodeID:        nodeID,
		OperationType: operationType,
		IsDeleted:     false,
	}
	if err := upsertTx(tx, rec, createdTime); err != nil {
		return FileRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return FileRecord{}, wire.NewError(wire.KindWriteFailed, "upsert_local", err)
	}
	return rec, nil
}

// ApplyRemote writes rec verbatim (the version is whatever the caller
// already resolved, e.g. via conflict resolution against the local
// record) rather than deriving one from the current row.
func (s *Store) ApplyRemote(rec FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return wire.NewError(wire.KindWriteFailed, "apply_remote", err)
	}
	defer tx.Rollback()

	if err := upsertTx(tx, rec, rec.CreatedTime); err != nil {
		return err
	}
	return wrapCommit(tx, "apply_remote")
}

// Delete tombstones filepath: the row is never physically removed, only
// flagged is_deleted and bumped to a new version, so peers that last saw
// an older version learn of the deletion on their next sync.
func (s *Store) Delete(filepath, nodeID string, modifiedTime float64) (FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return FileRecord{}, wire.NewError(wire.KindWriteFailed, "delete", err)
	}
	defer tx.Rollback()

	var existing FileRecord
	found, err := scanOne(tx.QueryRow(selectByFilepath, filepath), &existing)
	if err != nil {
		return FileRecord{}, wire.NewError(wire.KindWriteFailed, "delete", err)
	}
	if !found {
		return FileRecord{}, wire.NewError(wire.KindNotFound, "delete", fmt.Errorf("no record for %s", filepath))
	}

	rec := existing
	rec.Version = existing.Version + 1
	rec.OperationType = "delete"
	rec.IsDeleted = true
	rec.NodeID = nodeID
	rec.ModifiedTime = modifiedTime

	if err := upsertTx(tx, rec, existing.CreatedTime); err != nil {
		return FileRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return FileRecord{}, wire.NewError(wire.KindWriteFailed, "delete", err)
	}
	return rec, nil
}

const selectByFilepath = `SELECT id, filepath, checksum, size, version, modified_time, created_time, node_id, operation_type, is_deleted FROM files WHERE filepath = ?`

// Get returns the current record for filepath, including tombstoned
// entries — callers that want only live files should check IsDeleted.
func (s *Store) Get(filepath string) (FileRecord, bool, error) {
	var rec FileRecord
	found, err := scanOne(s.db.QueryRow(selectByFilepath, filepath), &rec)
	if err != nil {
		return FileRecord{}, false, wire.NewError(wire.KindWriteFailed, "get", err)
	}
	return rec, found, nil
}

// AllActive returns every non-tombstoned record.
func (s *Store) AllActive() ([]FileRecord, error) {
	return s.queryRecords(`SELECT id, filepath, checksum, size, version, modified_time, created_time, node_id, operation_type, is_deleted FROM files WHERE is_deleted = 0 ORDER BY filepath`)
}

// All returns every record, tombstones included, needed for metadata
// comparison with peers so deletions are visible to the diff.
func (s *Store) All() ([]FileRecord, error) {
	return s.queryRecords(`SELECT id, filepath, checksum, size, version, modified_time, created_time, node_id, operation_type, is_deleted FROM files ORDER BY filepath`)
}

func (s *Store) queryRecords(query string, args ...any) ([]FileRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, wire.NewError(wire.KindWriteFailed, "query_records", err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		var rec FileRecord
		var isDeleted int
		if err := rows.Scan(&rec.ID, &rec.Filepath, &rec.Checksum, &rec.Size, &rec.Version,
			&rec.ModifiedTime, &rec.CreatedTime, &rec.NodeID, &rec.OperationType, &isDeleted); err != nil {
			return nil, wire.NewError(wire.KindWriteFailed, "query_records", err)
		}
		rec.IsDeleted = isDeleted != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Diff classifies remote's records against this store's records, mirroring
// the original compare_metadata: missing records this node doesn't have,
// outdated records this node has at an older version, and newer records
// this node has at a newer version than the remote claims (the caller
// uses this to decide what to push versus pull). An equal version on both
// sides is a genuine conflict (both nodes mutated the same path to the
// same version independently) and is tie-broken the same way
// compare_metadata falls back to modified_time, then a deterministic
// node-id comparison — never dropped, or the two nodes never converge.
type Diff struct {
	Missing  []FileRecord
	Outdated []FileRecord
	Newer    []FileRecord
}

func (s *Store) Diff(remote []FileRecord) (Diff, error) {
	local, err := s.All()
	if err != nil {
		return Diff{}, err
	}
	byPath := make(map[string]FileRecord, len(local))
	for _, rec := range local {
		byPath[rec.Filepath] = rec
	}

	var d Diff
	for _, r := range remote {
		l, ok := byPath[r.Filepath]
		if !ok {
			d.Missing = append(d.Missing, r)
			continue
		}
		switch {
		case l.Version < r.Version:
			d.Outdated = append(d.Outdated, r)
		case l.Version > r.Version:
			d.Newer = append(d.Newer, l)
		case r.ModifiedTime > l.ModifiedTime:
			d.Outdated = append(d.Outdated, r)
		case r.ModifiedTime < l.ModifiedTime:
			d.Newer = append(d.Newer, l)
		case r.NodeID > l.NodeID:
			d.Outdated = append(d.Outdated, r)
		case r.NodeID < l.NodeID:
			d.Newer = append(d.Newer, l)
		}
	}
	return d, nil
}

// AppendSyncLog inserts a new pending sync_log row and returns its id.
func (s *Store) AppendSyncLog(entry SyncLogEntry) (int64, error) {
	if entry.Status == "" {
		entry.Status = SyncStatusPending
	}
	res, err := s.db.Exec(
		`INSERT INTO sync_log (sync_id, source_node, target_node, filepath, action, timestamp, status, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.SyncID, entry.SourceNode, entry.TargetNode, entry.Filepath, entry.Action, entry.Timestamp, entry.Status, entry.ErrorMessage,
	)
	if err != nil {
		return 0, wire.NewError(wire.KindWriteFailed, "append_sync_log", err)
	}
	return res.LastInsertId()
}

// ResolveSyncLog transitions a pending sync_log row to its terminal
// status.
func (s *Store) ResolveSyncLog(id int64, status, errMsg string) error {
	_, err := s.db.Exec(`UPDATE sync_log SET status = ?, error_message = ? WHERE id = ?`, status, errMsg, id)
	if err != nil {
		return wire.NewError(wire.KindWriteFailed, "resolve_sync_log", err)
	}
	return nil
}

// ResolvePendingForTarget transitions every still-pending sync_log row
// addressed to targetNode to status/errMsg in one statement, for use
// when a peer is evicted and its in-flight sends are abandoned rather
// than individually resolved as each retry loop notices the eviction.
func (s *Store) ResolvePendingForTarget(targetNode, status, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE sync_log SET status = ?, error_message = ? WHERE target_node = ? AND status = ?`,
		status, errMsg, targetNode, SyncStatusPending,
	)
	if err != nil {
		return wire.NewError(wire.KindWriteFailed, "resolve_pending_for_target", err)
	}
	return nil
}

// SyncHistory returns the most recent sync_log rows, newest first.
func (s *Store) SyncHistory(limit int) ([]SyncLogEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, sync_id, source_node, target_node, filepath, action, timestamp, status, error_message
		 FROM sync_log ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wire.NewError(wire.KindWriteFailed, "sync_history", err)
	}
	defer rows.Close()
	return scanSyncLog(rows)
}

// OperationHistory returns the sync_log rows for one filepath, newest
// first.
func (s *Store) OperationHistory(filepath string, limit int) ([]SyncLogEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, sync_id, source_node, target_node, filepath, action, timestamp, status, error_message
		 FROM sync_log WHERE filepath = ? ORDER BY timestamp DESC LIMIT ?`, filepath, limit)
	if err != nil {
		return nil, wire.NewError(wire.KindWriteFailed, "operation_history", err)
	}
	defer rows.Close()
	return scanSyncLog(rows)
}

func scanSyncLog(rows *sql.Rows) ([]SyncLogEntry, error) {
	var out []SyncLogEntry
	for rows.Next() {
		var e SyncLogEntry
		if err := rows.Scan(&e.ID, &e.SyncID, &e.SourceNode, &e.TargetNode, &e.Filepath, &e.Action, &e.Timestamp, &e.Status, &e.ErrorMessage); err != nil {
			return nil, wire.NewError(wire.KindWriteFailed, "scan_sync_log", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats is an operator-facing summary, mirroring the original get_stats.
type Stats struct {
	TotalFiles  int64
	TotalSize   int64
	RecentSyncs int64
}

// Stats computes the current file count/size and sync activity in the
// last hour (3600 seconds of wire-format timestamp).
func (s *Store) Stats(nowSeconds float64) (Stats, error) {
	var st Stats
	row := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM files WHERE is_deleted = 0`)
	if err := row.Scan(&st.TotalFiles, &st.TotalSize); err != nil {
		return st, wire.NewError(wire.KindWriteFailed, "stats", err)
	}
	row = s.db.QueryRow(`SELECT COUNT(*) FROM sync_log WHERE timestamp > ?`, nowSeconds-3600)
	if err := row.Scan(&st.RecentSyncs); err != nil {
		return st, wire.NewError(wire.KindWriteFailed, "stats", err)
	}
	return st, nil
}

// Vacuum compacts the database file, reclaiming its free pages; it does
// not remove tombstoned rows or sync_log entries. It is invoked on a
// schedule from filesystem.vacuum_interval, not on every mutation.
func (s *Store) Vacuum() error {
	if _, err := s.db.Exec(`VACUUM`); err != nil {
		return wire.NewError(wire.KindWriteFailed, "vacuum", err)
	}
	return nil
}

func upsertTx(tx *sql.Tx, rec FileRecord, createdTime float64) error {
	_, err := tx.Exec(
		`INSERT INTO files (filepath, checksum, size, version, modified_time, created_time, node_id, operation_type, is_deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(filepath) DO UPDATE SET
		   checksum = excluded.checksum,
		   size = excluded.size,
		   version = excluded.version,
		   modified_time = excluded.modified_time,
		   node_id = excluded.node_id,
		   operation_type = excluded.operation_type,
		   is_deleted = excluded.is_deleted`,
		rec.Filepath, rec.Checksum, rec.Size, rec.Version, rec.ModifiedTime, createdTime, rec.NodeID, rec.OperationType, boolToInt(rec.IsDeleted),
	)
	if err != nil {
		return wire.NewError(wire.KindWriteFailed, "upsert", err)
	}
	return nil
}

func scanOne(row *sql.Row, rec *FileRecord) (bool, error) {
	var isDeleted int
	err := row.Scan(&rec.ID, &rec.Filepath, &rec.Checksum, &rec.Size, &rec.Version,
		&rec.ModifiedTime, &rec.CreatedTime, &rec.NodeID, &rec.OperationType, &isDeleted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	rec.IsDeleted = isDeleted != 0
	return true, nil
}

func wrapCommit(tx *sql.Tx, op string) error {
	if err := tx.Commit(); err != nil {
		return wire.NewError(wire.KindWriteFailed, op, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
