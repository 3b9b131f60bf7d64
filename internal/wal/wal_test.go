package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey() []byte { return []byte("test-hmac-key-0123456789abcdef") }

func corruptMagic(t *testing.T, path string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteAt([]byte("XXXX"), 0)
	require.NoError(t, err)
}

func TestOpenCreatesHeaderOnNewFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.wal")

	w, err := Open(path, [32]byte{1}, testKey())
	require.NoError(t, err)
	defer w.Close()

	require.Equal(t, uint64(0), w.EntryCount())
	require.True(t, Exists(path))
}

func TestAppendAndReadAll(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.wal")

	w, err := Open(path, [32]byte{1}, testKey())
	require.NoError(t, err)
	defer w.Close()

	e1, err := w.Append(EntryRecord, []byte("payload-1"))
	require.NoError(t, err)
	require.Equal(t, uint64(0), e1.Sequence)

	e2, err := w.Append(EntryRecord, []byte("payload-2"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), e2.Sequence)
	require.Equal(t, e1.Hash(), e2.PrevHash)

	entries, err := w.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, []byte("payload-1"), entries[0].Payload)
	require.Equal(t, []byte("payload-2"), entries[1].Payload)
}

func TestReopenRecoversSequenceAndChain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.wal")

	w, err := Open(path, [32]byte{1}, testKey())
	require.NoError(t, err)
	_, err = w.Append(EntryRecord, []byte("a"))
	require.NoError(t, err)
	_, err = w.Append(EntryRecord, []byte("b"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w2, err := Open(path, [32]byte{1}, testKey())
	require.NoError(t, err)
	defer w2.Close()

	require.Equal(t, uint64(2), w2.EntryCount())
	require.Equal(t, uint64(1), w2.LastSequence())

	e3, err := w2.Append(EntryRecord, []byte("c"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), e3.Sequence)

	// ReadAll fails with ErrBrokenChain unless e3 links to the recovered tip.
	entries, err := w2.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.wal")

	w, err := Open(path, [32]byte{1}, testKey())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Corrupt the magic bytes directly.
	raw, err := filepath.Abs(path)
	require.NoError(t, err)
	corruptMagic(t, raw)

	_, err = Open(path, [32]byte{1}, testKey())
	require.ErrorIs(t, err, ErrInvalidMagic)
}

func TestDeserializeEntryRejectsShortBuffer(t *testing.T) {
	_, err := deserializeEntry([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestClosedWALRejectsAppend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.wal")

	w, err := Open(path, [32]byte{1}, testKey())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.Append(EntryRecord, []byte("x"))
	require.ErrorIs(t, err, ErrWALClosed)
}
