// Package ledger implements the append-only, tamper-evident commit
// ledger (C8): entries progress appended_to_wal -> flushed_and_fsynced
// -> applied_to_table -> committed, with a running tree head mixed over
// each committed hash, crash-safe recovery, and a sticky per-session
// corruption flag that no later operation can clear.
package ledger

import (
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/capturemesh/captureproof/internal/clock"
	"github.com/capturemesh/captureproof/internal/wal"
)

// LedgerEntry is a single committed (or, during recovery, candidate)
// entry in the session's ledger.
type LedgerEntry struct {
	Seq              uint64
	SessionID        [32]byte
	Hash             [32]byte
	SignedEntryBytes []byte
	TreeHeadBefore   [32]byte
	TreeHeadAfter    [32]byte
	Committed        bool
}

// CorruptedEvidenceError is returned for any commit attempt on a session
// whose sticky corruption flag is already set, and when recovery detects
// a tree-head mismatch.
type CorruptedEvidenceError struct {
	SessionID [32]byte
}

func (e *CorruptedEvidenceError) Error() string {
	return fmt.Sprintf("ledger: corrupted evidence sticky for session %x", e.SessionID[:8])
}

// AppendFailedError is returned when the retry budget for an append is
// exhausted without success.
type AppendFailedError struct {
	Attempts int
	Last     error
}

func (e *AppendFailedError) Error() string {
	return fmt.Sprintf("ledger: append failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *AppendFailedError) Unwrap() error { return e.Last }

const (
	maxAppendAttempts  = 3
	appendBudgetTotal  = 300 * time.Millisecond
)

// Ledger is the single-owner append-only ledger for one capture
// session, backed by a WAL for durability and a SQLite table for
// queryable state. Ledger holds no lock of its own: only the
// underlying wal.WAL serializes its calls, and Append updates the tree
// head and next sequence number without synchronization.
type Ledger struct {
	wal       *wal.WAL
	db        *sql.DB
	sessionID [32]byte
	clock     clock.Source

	sleep func(time.Duration)

	treeHead [32]byte
	nextSeq  uint64
}

// Open opens (or creates) the WAL at walPath and attaches to db, then
// recovers any in-flight state from a prior crash.
func Open(walPath string, db *sql.DB, sessionID [32]byte, hmacKey []byte, clk clock.Source) (*Ledger, error) {
	w, err := wal.Open(walPath, sessionID, hmacKey)
	if err != nil {
		return nil, fmt.Errorf("ledger: open wal: %w", err)
	}

	l := &Ledger{
		wal:       w,
		db:        db,
		sessionID: sessionID,
		clock:     clk,
		sleep:     time.Sleep,
	}

	if err := l.recover(); err != nil {
		w.Close()
		return nil, err
	}

	return l, nil
}

// Close closes the underlying WAL.
func (l *Ledger) Close() error {
	return l.wal.Close()
}

// TreeHead returns the current running tree head.
func (l *Ledger) TreeHead() [32]byte { return l.treeHead }

// NextSeq returns the next sequence number that will be allocated.
func (l *Ledger) NextSeq() uint64 { return l.nextSeq }

// Append commits a new entry binding hash (and its pre-signed canonical
// bytes) into the ledger, retrying up to maxAppendAttempts times within
// a total budget of appendBudgetTotal on a unique-constraint conflict.
// A session whose sticky corruption flag is set fails immediately,
// before touching the WAL.
func (l *Ledger) Append(hash [32]byte, signedBytes []byte) (*LedgerEntry, error) {
	corrupted, err := l.isSticky()
	if err != nil {
		return nil, err
	}
	if corrupted {
		return nil, &CorruptedEvidenceError{SessionID: l.sessionID}
	}

	var lastErr error
	deadline := appendBudgetTotal
	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		entry, err := l.tryAppend(hash, signedBytes)
		if err == nil {
			return entry, nil
		}
		lastErr = err
		if !isUniqueConstraintErr(err) {
			return nil, err
		}
		if attempt == maxAppendAttempts {
			break
		}
		backoff := backoffFor(attempt, deadline)
		l.sleep(backoff)
		deadline -= backoff
	}

	return nil, &AppendFailedError{Attempts: maxAppendAttempts, Last: lastErr}
}

func backoffFor(attempt int, remaining time.Duration) time.Duration {
	step := remaining / time.Duration(maxAppendAttempts-attempt+1)
	if step < 0 {
		return 0
	}
	return step
}

func (l *Ledger) tryAppend(hash [32]byte, signedBytes []byte) (*LedgerEntry, error) {
	seq := l.nextSeq
	treeHeadBefore := l.treeHead
	treeHeadAfter := mixTreeHead(treeHeadBefore, hash)

	entry := LedgerEntry{
		Seq:              seq,
		SessionID:        l.sessionID,
		Hash:             hash,
		SignedEntryBytes: signedBytes,
		TreeHeadBefore:   treeHeadBefore,
		TreeHeadAfter:    treeHeadAfter,
	}

	payload := encodeEntry(&entry)
	if _, err := l.wal.Append(wal.EntryRecord, payload); err != nil {
		return nil, fmt.Errorf("ledger: wal append: %w", err)
	}

	now := l.clock.WallNow().UnixNano()
	if err := l.insertEntry(&entry, now); err != nil {
		return nil, err
	}

	seqPayload := make([]byte, 8)
	binary.BigEndian.PutUint64(seqPayload, seq)
	if _, err := l.wal.Append(wal.EntryCommitMarker, seqPayload); err != nil {
		return nil, fmt.Errorf("ledger: wal commit marker: %w", err)
	}

	entry.Committed = true
	l.treeHead = treeHeadAfter
	l.nextSeq++

	return &entry, nil
}

func (l *Ledger) insertEntry(entry *LedgerEntry, nowNS int64) error {
	_, err := l.db.Exec(`
		INSERT INTO ledger_entries (session_id, seq, hash, signed_bytes, tree_head_before, tree_head_after, committed_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID[:], entry.Seq, entry.Hash[:], entry.SignedEntryBytes,
		entry.TreeHeadBefore[:], entry.TreeHeadAfter[:], nowNS,
	)
	if err != nil {
		return fmt.Errorf("ledger: insert entry: %w", err)
	}
	return nil
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && (containsFold(err.Error(), "unique") || containsFold(err.Error(), "constraint"))
}

func containsFold(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if equalFold(s[i:i+len(substr)], substr) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// mixTreeHead computes the next running tree head as
// H(tree_head_before || hash), the identical computation on append and
// on replay.
func mixTreeHead(before, hash [32]byte) [32]byte {
	h := sha256.New()
	h.Write(before[:])
	h.Write(hash[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// recover replays the WAL: committed records are idempotently reapplied
// to the table; uncommitted records are rolled forward only if their
// tree-head linkage still matches, otherwise the session's sticky flag
// is set and the record is abandoned.
func (l *Ledger) recover() error {
	entries, err := l.wal.ReadAll()
	if err != nil {
		return fmt.Errorf("ledger: recover: read wal: %w", err)
	}

	committedSeqs := make(map[uint64]bool)
	records := make(map[uint64]*LedgerEntry)

	for _, e := range entries {
		switch e.Type {
		case wal.EntryRecord:
			entry, err := decodeEntry(e.Payload)
			if err != nil {
				continue // corrupted record frame; CRC already validated the WAL frame itself
			}
			entry.SessionID = l.sessionID
			records[entry.Seq] = entry
		case wal.EntryCommitMarker:
			if len(e.Payload) == 8 {
				committedSeqs[binary.BigEndian.Uint64(e.Payload)] = true
			}
		}
	}

	maxSeq := uint64(0)
	haveAny := false
	for seq := range records {
		if !haveAny || seq+1 > maxSeq {
			maxSeq = seq + 1
			haveAny = true
		}
	}

	for seq := uint64(0); seq < maxSeq; seq++ {
		entry, ok := records[seq]
		if !ok {
			break
		}

		if committedSeqs[seq] {
			if err := l.reapply(entry); err != nil {
				return err
			}
			l.treeHead = entry.TreeHeadAfter
			l.nextSeq = seq + 1
			continue
		}

		if entry.TreeHeadBefore == l.treeHead {
			if err := l.reapply(entry); err != nil {
				return err
			}
			l.treeHead = entry.TreeHeadAfter
			l.nextSeq = seq + 1
			continue
		}

		if err := l.setSticky(entry.Hash); err != nil {
			return err
		}
		break
	}

	return nil
}

func (l *Ledger) reapply(entry *LedgerEntry) error {
	now := l.clock.WallNow().UnixNano()
	_, err := l.db.Exec(`
		INSERT OR IGNORE INTO ledger_entries (session_id, seq, hash, signed_bytes, tree_head_before, tree_head_after, committed_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID[:], entry.Seq, entry.Hash[:], entry.SignedEntryBytes,
		entry.TreeHeadBefore[:], entry.TreeHeadAfter[:], now,
	)
	if err != nil {
		return fmt.Errorf("ledger: reapply entry %d: %w", entry.Seq, err)
	}
	return nil
}

func (l *Ledger) isSticky() (bool, error) {
	var sticky int
	err := l.db.QueryRow(`SELECT corrupted_evidence_sticky FROM session_flags WHERE session_id = ?`, l.sessionID[:]).Scan(&sticky)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger: read session flags: %w", err)
	}
	return sticky != 0, nil
}

// setSticky sets the monotonic corruption flag; it is never cleared by
// any later operation, enforced by living in its own table.
func (l *Ledger) setSticky(firstCorruptHash [32]byte) error {
	now := l.clock.WallNow().UnixNano()
	_, err := l.db.Exec(`
		INSERT INTO session_flags (session_id, corrupted_evidence_sticky, first_corrupt_commit_hash, first_corrupt_ts)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET corrupted_evidence_sticky = 1`,
		l.sessionID[:], firstCorruptHash[:], now,
	)
	if err != nil {
		return fmt.Errorf("ledger: set sticky flag: %w", err)
	}
	return nil
}

func encodeEntry(e *LedgerEntry) []byte {
	buf := make([]byte, 8+32+32+32+4+len(e.SignedEntryBytes))
	offset := 0
	binary.BigEndian.PutUint64(buf[offset:], e.Seq)
	offset += 8
	copy(buf[offset:], e.Hash[:])
	offset += 32
	copy(buf[offset:], e.TreeHeadBefore[:])
	offset += 32
	copy(buf[offset:], e.TreeHeadAfter[:])
	offset += 32
	binary.BigEndian.PutUint32(buf[offset:], uint32(len(e.SignedEntryBytes)))
	offset += 4
	copy(buf[offset:], e.SignedEntryBytes)
	return buf
}

func decodeEntry(data []byte) (*LedgerEntry, error) {
	const fixed = 8 + 32 + 32 + 32 + 4
	if len(data) < fixed {
		return nil, errors.New("ledger: entry payload too short")
	}
	e := &LedgerEntry{}
	offset := 0
	e.Seq = binary.BigEndian.Uint64(data[offset:])
	offset += 8
	copy(e.Hash[:], data[offset:offset+32])
	offset += 32
	copy(e.TreeHeadBefore[:], data[offset:offset+32])
	offset += 32
	copy(e.TreeHeadAfter[:], data[offset:offset+32])
	offset += 32
	n := binary.BigEndian.Uint32(data[offset:])
	offset += 4
	if len(data) < offset+int(n) {
		return nil, errors.New("ledger: entry payload truncated")
	}
	e.SignedEntryBytes = make([]byte, n)
	copy(e.SignedEntryBytes, data[offset:offset+int(n)])
	return e, nil
}
