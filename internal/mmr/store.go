// Package mmr implements an append-only Merkle Mountain Range: the
// inclusion-proof tree that backs every signed tree head this module
// issues. Leaves are appended one at a time, interior nodes are bagged
// into peaks as mountains complete, and any committed leaf can later be
// proven a member of the current root without needing a full rebuild.
//
// Node-position geometry (which index is whose sibling, where the
// current peaks sit) is handled entirely by the pure index arithmetic
// in geometry.go; this file and mmr.go are concerned with storage and
// hashing rather than coordinate math.
package mmr

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

const (
	leafDomain     = byte(0x00)
	internalDomain = byte(0x01)
	hashSize       = 32
	recordSize     = 1 + 8 + 1 + hashSize // domain + index + height + hash
)

// record is a single stored tree node: its domain tag, position, height,
// and hash. It never leaves this package; callers only ever see leaf
// data going in and InclusionProof/roots coming out.
type record struct {
	index  uint64
	height uint64
	hash   [hashSize]byte
}

func newLeafRecord(index uint64, data []byte) record {
	return record{index: index, height: 0, hash: hashLeaf(data)}
}

func newInternalRecord(index, height uint64, left, right [hashSize]byte) record {
	return record{index: index, height: height, hash: hashInternal(left, right)}
}

// hashLeaf domain-separates leaf hashing from interior hashing so a leaf
// can never be replayed as an interior node or vice versa.
func hashLeaf(data []byte) [hashSize]byte {
	h := sha256.New()
	h.Write([]byte{leafDomain})
	h.Write(data)
	var out [hashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

func hashInternal(left, right [hashSize]byte) [hashSize]byte {
	h := sha256.New()
	h.Write([]byte{internalDomain})
	h.Write(left[:])
	h.Write(right[:])
	var out [hashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (r record) marshal() []byte {
	buf := make([]byte, recordSize)
	if r.height == 0 {
		buf[0] = leafDomain
	} else {
		buf[0] = internalDomain
	}
	binary.BigEndian.PutUint64(buf[1:9], r.index)
	buf[9] = byte(r.height)
	copy(buf[10:], r.hash[:])
	return buf
}

func unmarshalRecord(buf []byte) (record, error) {
	if len(buf) != recordSize {
		return record{}, ErrInvalidNodeData
	}
	r := record{
		index:  binary.BigEndian.Uint64(buf[1:9]),
		height: uint64(buf[9]),
	}
	copy(r.hash[:], buf[10:])
	return r, nil
}

// backend is the append-only record log a tree is built on. Appends
// must assign sequential indices starting at 0; Get must return exactly
// what was appended at that index.
type backend interface {
	Append(r record) error
	Get(index uint64) (record, error)
	Size() (uint64, error)
	Sync() error
	Close() error
}

// FileStore is a backend backed by a single append-only file of
// fixed-size records, buffered for sequential writes and reopenable
// across process restarts.
type FileStore struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	size uint64
}

// OpenFileStore opens (creating if necessary) the tree file at path and
// positions it at the end of the last complete record. A file whose
// length isn't a whole number of records is rejected as corrupt rather
// than silently truncated, since a tree built on skipped bytes would
// produce proofs that verify against the wrong data.
func OpenFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("mmr: open store: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmr: stat store: %w", err)
	}
	if info.Size()%recordSize != 0 {
		f.Close()
		return nil, ErrCorruptedStore
	}
	size := uint64(info.Size()) / recordSize

	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		f.Close()
		return nil, fmt.Errorf("mmr: seek end: %w", err)
	}

	return &FileStore{file: f, w: bufio.NewWriterSize(f, 4096), size: size}, nil
}

func (s *FileStore) Append(r record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.index != s.size {
		return ErrCorruptedStore
	}
	if _, err := s.w.Write(r.marshal()); err != nil {
		return fmt.Errorf("mmr: append record: %w", err)
	}
	s.size++
	return nil
}

func (s *FileStore) Get(index uint64) (record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= s.size {
		return record{}, ErrIndexOutOfRange
	}
	if err := s.w.Flush(); err != nil {
		return record{}, fmt.Errorf("mmr: flush before read: %w", err)
	}

	buf := make([]byte, recordSize)
	n, err := s.file.ReadAt(buf, int64(index)*recordSize)
	if err != nil {
		return record{}, fmt.Errorf("mmr: read record %d: %w", index, err)
	}
	if n != recordSize {
		return record{}, ErrCorruptedStore
	}
	return unmarshalRecord(buf)
}

func (s *FileStore) Size() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size, nil
}

func (s *FileStore) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("mmr: flush: %w", err)
	}
	return s.file.Sync()
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("mmr: flush on close: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("mmr: sync on close: %w", err)
	}
	return s.file.Close()
}

// MemoryStore is an in-memory backend, used by tests and by short-lived
// verification tools that never persist a tree to disk.
type MemoryStore struct {
	mu      sync.Mutex
	records []record
}

// NewMemoryStore returns an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(r record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.index != uint64(len(s.records)) {
		return ErrCorruptedStore
	}
	s.records = append(s.records, r)
	return nil
}

func (s *MemoryStore) Get(index uint64) (record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= uint64(len(s.records)) {
		return record{}, ErrIndexOutOfRange
	}
	return s.records[index], nil
}

func (s *MemoryStore) Size() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.records)), nil
}

func (s *MemoryStore) Sync() error  { return nil }
func (s *MemoryStore) Close() error { return nil }

// Nodes returns a copy of every record currently held, oldest first.
// Used by tests that want to inspect tree shape directly.
func (s *MemoryStore) Nodes() []record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]record, len(s.records))
	copy(out, s.records)
	return out
}
