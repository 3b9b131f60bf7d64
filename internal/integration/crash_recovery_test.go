//go:build integration

package integration

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/capturemesh/captureproof/internal/clock"
	"github.com/capturemesh/captureproof/internal/ledger"
	"github.com/capturemesh/captureproof/internal/store"
	"github.com/capturemesh/captureproof/internal/wal"
	"github.com/stretchr/testify/require"
)

// rawLedgerPayload reproduces internal/ledger's unexported wire layout
// for a WAL record body (seq, hash, tree_head_before, tree_head_after,
// len-prefixed signed bytes), so this test can inject a half-written
// record directly via the low-level WAL, bypassing Ledger.Append.
func rawLedgerPayload(seq uint64, hash, treeHeadBefore, treeHeadAfter [32]byte, signedBytes []byte) []byte {
	buf := make([]byte, 8+32+32+32+4+len(signedBytes))
	offset := 0
	binary.BigEndian.PutUint64(buf[offset:], seq)
	offset += 8
	copy(buf[offset:], hash[:])
	offset += 32
	copy(buf[offset:], treeHeadBefore[:])
	offset += 32
	copy(buf[offset:], treeHeadAfter[:])
	offset += 32
	binary.BigEndian.PutUint32(buf[offset:], uint32(len(signedBytes)))
	offset += 4
	copy(buf[offset:], signedBytes)
	return buf
}

func mixTreeHead(before, hash [32]byte) [32]byte {
	h := sha256.New()
	h.Write(before[:])
	h.Write(hash[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func newCrashTestStore(t *testing.T) (*store.Store, string, []byte, [32]byte) {
	t.Helper()
	dir := t.TempDir()

	dbPath := filepath.Join(dir, "ledger.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	hmacKey := []byte(pub)
	var sessionID [32]byte
	sessionID[0] = 0x77

	return st, filepath.Join(dir, "ledger.wal"), hmacKey, sessionID
}

// TestCrashRecoveryRollsForwardMatchingTreeHead commits 50 entries, then
// appends a 51st WAL record with no commit marker (simulating a crash
// mid-append) whose tree-head-before still matches the ledger's running
// head. On reopen the 51st record rolls forward and becomes entry 50
// (0-indexed next seq), and the sticky corruption flag stays clear.
func TestCrashRecoveryRollsForwardMatchingTreeHead(t *testing.T) {
	clk := clock.NewFake(epoch())
	st, walPath, hmacKey, sessionID := newCrashTestStore(t)

	l, err := ledger.Open(walPath, st.DB(), sessionID, hmacKey, clk)
	require.NoError(t, err)

	var lastEntry *ledger.LedgerEntry
	for i := 0; i < 50; i++ {
		var hash [32]byte
		hash[0] = byte(i + 1)
		entry, err := l.Append(hash, []byte("sig"))
		require.NoError(t, err)
		lastEntry = entry
	}
	require.Equal(t, uint64(49), lastEntry.Seq, "50 appends starting from seq 0 land the last one at seq 49")

	treeHeadBefore := l.TreeHead()
	var crashHash [32]byte
	crashHash[0] = 0xFE
	treeHeadAfter := mixTreeHead(treeHeadBefore, crashHash)
	nextSeq := l.NextSeq()

	require.NoError(t, l.Close())

	w, err := wal.Open(walPath, sessionID, hmacKey)
	require.NoError(t, err)
	payload := rawLedgerPayload(nextSeq, crashHash, treeHeadBefore, treeHeadAfter, []byte("sig"))
	_, err = w.Append(wal.EntryRecord, payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	recovered, err := ledger.Open(walPath, st.DB(), sessionID, hmacKey, clk)
	require.NoError(t, err)
	defer recovered.Close()

	require.Equal(t, nextSeq+1, recovered.NextSeq(), "the half-written record should roll forward since its tree-head linkage matched")
	require.Equal(t, treeHeadAfter, recovered.TreeHead())

	var next [32]byte
	next[0] = 0x99
	_, err = recovered.Append(next, []byte("sig"))
	require.NoError(t, err, "a session whose tree-head matched on recovery must not be sticky-flagged")
}

// TestCrashRecoverySetsStickyOnTreeHeadMismatch injects a half-written
// record whose tree-head-before does not match the ledger's actual
// running head (simulating a record written against a stale view): the
// session's sticky corruption flag is set and any later commit fails
// with CorruptedEvidence.
func TestCrashRecoverySetsStickyOnTreeHeadMismatch(t *testing.T) {
	clk := clock.NewFake(epoch())
	st, walPath, hmacKey, sessionID := newCrashTestStore(t)

	l, err := ledger.Open(walPath, st.DB(), sessionID, hmacKey, clk)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		var hash [32]byte
		hash[0] = byte(i + 1)
		_, err := l.Append(hash, []byte("sig"))
		require.NoError(t, err)
	}
	nextSeq := l.NextSeq()
	require.NoError(t, l.Close())

	w, err := wal.Open(walPath, sessionID, hmacKey)
	require.NoError(t, err)

	var staleBefore, crashHash [32]byte
	staleBefore[0] = 0xAA // deliberately wrong: does not match the ledger's real running head
	crashHash[0] = 0xFE
	staleAfter := mixTreeHead(staleBefore, crashHash)
	payload := rawLedgerPayload(nextSeq, crashHash, staleBefore, staleAfter, []byte("sig"))
	_, err = w.Append(wal.EntryRecord, payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	recovered, err := ledger.Open(walPath, st.DB(), sessionID, hmacKey, clk)
	require.NoError(t, err)
	defer recovered.Close()

	require.Equal(t, nextSeq, recovered.NextSeq(), "the mismatched record must not roll forward")

	var after [32]byte
	after[0] = 0x55
	_, err = recovered.Append(after, []byte("sig"))
	require.Error(t, err)
	var corrupted *ledger.CorruptedEvidenceError
	require.ErrorAs(t, err, &corrupted)
}
