// Package store provides the SQLite-backed tables underlying the
// provenance ledger (C8) and the upload-resume manager (C12): the
// committed entry table, the session-flags table holding the sticky
// corruption bit, and the upload-session snapshot table. pkg/provenance
// opens one Store for the ledger and a separate one for the upload
// manager; internal/ledger and internal/upload are the only readers
// and writers of the tables.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Distinct from the entry table deliberately, per spec's requirement
// that the sticky corruption flag cannot be accidentally cleared by an
// entry-level operation.
const schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
    session_id      BLOB NOT NULL,
    seq             INTEGER NOT NULL,
    hash            BLOB NOT NULL,
    signed_bytes    BLOB NOT NULL,
    tree_head_before BLOB NOT NULL,
    tree_head_after BLOB NOT NULL,
    committed_at_ns INTEGER NOT NULL,
    PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS session_flags (
    session_id              BLOB PRIMARY KEY,
    corrupted_evidence_sticky INTEGER NOT NULL DEFAULT 0,
    first_corrupt_commit_hash BLOB,
    first_corrupt_ts        INTEGER
);

CREATE TABLE IF NOT EXISTS upload_sessions (
    upload_id       TEXT PRIMARY KEY,
    file_path       TEXT NOT NULL,
    total_size      INTEGER NOT NULL,
    bytes_uploaded  INTEGER NOT NULL,
    chunk_size      INTEGER NOT NULL,
    content_hash    BLOB,
    state           TEXT NOT NULL,
    snapshot_bytes  BLOB NOT NULL,
    created_at_ns   INTEGER NOT NULL,
    updated_at_ns   INTEGER NOT NULL,
    expires_at_ns   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_upload_expires ON upload_sessions(expires_at_ns);
`

// Store wraps one SQLite connection, used by the ledger or by the
// upload manager.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying *sql.DB for callers that need transactions
// spanning multiple statements (the ledger's commit path).
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
