// Package wal implements the append-only write-ahead log underlying the
// provenance ledger (part of C8): a header-framed, hash-chained,
// HMAC-protected sequence of entries with crash-safe scan-to-end
// recovery. The ledger package (internal/ledger) is the only caller;
// this package has no opinion on what a ledger entry means.
//
// Entry layout lives in entry.go, the file header in header.go; this
// file is the log itself - opening, appending, reading back, and the
// scan that recovers tail state after a restart.
package wal

import (
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	ErrInvalidMagic   = errors.New("wal: invalid magic number")
	ErrInvalidVersion = errors.New("wal: unsupported version")
	ErrCorruptedEntry = errors.New("wal: corrupted entry (CRC mismatch)")
	ErrBrokenChain    = errors.New("wal: broken hash chain")
	ErrWALClosed      = errors.New("wal: log is closed")
)

// WAL is a write-ahead log file. All methods are safe for concurrent
// use; access is serialized behind a single mutex, matching the one
// logical executor per long-lived component rule.
type WAL struct {
	mu sync.Mutex

	path      string
	file      *os.File
	sessionID [32]byte
	hmacKey   []byte

	nextSequence uint64
	lastHash     [32]byte
	closed       bool

	entryCount uint64
}

// Open opens or creates a WAL file for sessionID, recovering its tail
// state by scanning to the end.
func Open(path string, sessionID [32]byte, hmacKey []byte) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create wal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open wal file: %w", err)
	}

	w := &WAL{path: path, file: file, sessionID: sessionID, hmacKey: hmacKey}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat wal file: %w", err)
	}

	if stat.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			file.Close()
			return nil, fmt.Errorf("write header: %w", err)
		}
		if _, err := file.Seek(HeaderSize, 0); err != nil {
			file.Close()
			return nil, fmt.Errorf("seek after header: %w", err)
		}
		return w, nil
	}

	if err := w.readHeader(); err != nil {
		file.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}
	if err := w.scanToEnd(); err != nil {
		file.Close()
		return nil, fmt.Errorf("scan wal: %w", err)
	}
	return w, nil
}

// readRecordAt reads the length-prefixed record starting at offset and
// returns its raw bytes (prefix included) and the byte offset one past
// its end. io.EOF (wrapped as a nil error, zero-length result) signals
// a clean end of log - either the file ends exactly at offset, or the
// next four bytes are a zero length placeholder that was never filled.
func (w *WAL) readRecordAt(offset int64) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := w.file.ReadAt(lenBuf, offset); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	recordLen := binary.BigEndian.Uint32(lenBuf)
	if recordLen == 0 {
		return nil, nil
	}

	buf := make([]byte, recordLen)
	if _, err := w.file.ReadAt(buf, offset); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	return buf, nil
}

// scanToEnd walks every record after the header to recover the next
// sequence number, the chain tip, and the write offset. A record that
// fails to parse or fails its CRC ends the scan where it stands -
// whatever follows is a torn write from a crash mid-append and is
// abandoned in place rather than repaired.
func (w *WAL) scanToEnd() error {
	offset := int64(HeaderSize)
	for {
		buf, err := w.readRecordAt(offset)
		if err != nil {
			return err
		}
		if buf == nil {
			break
		}

		entry, err := deserializeEntry(buf)
		if err != nil || entry.CRC32 != computeEntryCRC(entry) {
			break
		}

		w.nextSequence = entry.Sequence + 1
		w.lastHash = entry.Hash()
		w.entryCount++
		offset += int64(len(buf))
	}

	_, err := w.file.Seek(offset, 0)
	return err
}

// Append appends a new WAL record and fsyncs before returning.
func (w *WAL) Append(entryType EntryType, payload []byte) (Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Entry{}, ErrWALClosed
	}

	entry := &Entry{
		Sequence:  w.nextSequence,
		Timestamp: time.Now().UnixNano(),
		Type:      entryType,
		Payload:   payload,
		PrevHash:  w.lastHash,
	}
	entry.HMAC = computeHMAC(w.hmacKey, entry)
	entry.CRC32 = computeEntryCRC(entry)

	data := serializeEntry(entry)
	entry.Length = uint32(len(data))
	binary.BigEndian.PutUint32(data[0:4], entry.Length)

	if _, err := w.file.Write(data); err != nil {
		return Entry{}, fmt.Errorf("write entry: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return Entry{}, fmt.Errorf("sync entry: %w", err)
	}

	w.lastHash = entry.Hash()
	w.nextSequence++
	w.entryCount++

	return *entry, nil
}

// ReadAll reads every entry in the WAL, verifying CRC and chain linkage
// from the first entry onward.
func (w *WAL) ReadAll() ([]Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var entries []Entry
	offset := int64(HeaderSize)
	var prevHash [32]byte

	for {
		buf, err := w.readRecordAt(offset)
		if err != nil {
			return nil, err
		}
		if buf == nil {
			break
		}

		entry, err := deserializeEntry(buf)
		if err != nil {
			return nil, fmt.Errorf("deserialize entry at offset %d: %w", offset, err)
		}
		if entry.CRC32 != computeEntryCRC(entry) {
			return nil, fmt.Errorf("entry %d: %w", entry.Sequence, ErrCorruptedEntry)
		}
		if entry.Sequence > 0 && entry.PrevHash != prevHash {
			return nil, fmt.Errorf("entry %d: %w", entry.Sequence, ErrBrokenChain)
		}

		entries = append(entries, *entry)
		prevHash = entry.Hash()
		offset += int64(len(buf))
	}

	return entries, nil
}

// VerifyHMAC verifies an entry's HMAC against this WAL's key.
func (w *WAL) VerifyHMAC(entry *Entry) bool {
	expected := computeHMAC(w.hmacKey, entry)
	return hmac.Equal(entry.HMAC[:], expected[:])
}

// EntryCount returns the number of entries currently in the WAL.
func (w *WAL) EntryCount() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entryCount
}

// LastSequence returns the last sequence number written, or 0 if empty.
func (w *WAL) LastSequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.nextSequence == 0 {
		return 0
	}
	return w.nextSequence - 1
}

// Close closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

// Path returns the WAL file path.
func (w *WAL) Path() string { return w.path }

// Exists reports whether a WAL file exists at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
