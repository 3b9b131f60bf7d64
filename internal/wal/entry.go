package wal

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// EntryType discriminates the kind of WAL record. The ledger layers its
// own record/commit-marker protocol on top of these.
type EntryType uint8

const (
	EntryRecord       EntryType = 1 // a ledger entry body, not yet committed
	EntryCommitMarker EntryType = 2 // marks a previously appended seq committed
	EntrySessionStart EntryType = 3
	EntrySessionEnd   EntryType = 4
)

// trailerSize is the fixed-size tail every serialized entry carries
// after its payload: PrevHash, HMAC, CRC32.
const trailerSize = 32 + 32 + 4

// fixedSize is every byte of a serialized entry other than the payload:
// the 4-byte length prefix, the 8+8+1 sequence/timestamp/type header,
// and the trailer. An entry's payload length is derived from its total
// on-disk length minus this constant, rather than stored separately -
// the outer length prefix already delimits the record, so a second
// length field would only duplicate it.
const fixedSize = 4 + 8 + 8 + 1 + trailerSize

// Entry is a single WAL record.
type Entry struct {
	Length    uint32
	Sequence  uint64
	Timestamp int64
	Type      EntryType
	Payload   []byte
	PrevHash  [32]byte
	HMAC      [32]byte
	CRC32     uint32
}

// coreBytes serializes the fields that feed every integrity check this
// package performs (chain hash, HMAC, CRC): sequence, timestamp, type,
// payload, and the previous entry's hash. Hash, computeHMAC, and
// computeEntryCRC all start from this so the header layout only needs
// to be encoded in one place.
func (e *Entry) coreBytes() []byte {
	buf := make([]byte, 8+8+1+len(e.Payload)+32)
	offset := 0
	binary.BigEndian.PutUint64(buf[offset:], e.Sequence)
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], uint64(e.Timestamp))
	offset += 8
	buf[offset] = byte(e.Type)
	offset++
	offset += copy(buf[offset:], e.Payload)
	copy(buf[offset:], e.PrevHash[:])
	return buf
}

// Hash computes the chain-link hash of an entry: the value the next
// entry in the log carries as its PrevHash.
func (e *Entry) Hash() [32]byte {
	return sha256.Sum256(e.coreBytes())
}

// computeHMAC authenticates an entry's core fields under the WAL's key,
// detecting tampering that a CRC alone cannot.
func computeHMAC(key []byte, e *Entry) [32]byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(e.coreBytes())
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// computeEntryCRC covers the core fields plus the HMAC itself, so a
// corrupted HMAC is caught by the cheaper CRC check before the more
// expensive constant-time comparison ever runs.
func computeEntryCRC(e *Entry) uint32 {
	crc := crc32.NewIEEE()
	crc.Write(e.coreBytes())
	crc.Write(e.HMAC[:])
	return crc.Sum32()
}

// serializeEntry lays out an entry as:
//
//	[4B total length][8B Sequence][8B Timestamp][1B Type][payload]
//	[32B PrevHash][32B HMAC][4B CRC32]
//
// entry.HMAC and entry.CRC32 must already be populated.
func serializeEntry(entry *Entry) []byte {
	buf := make([]byte, fixedSize+len(entry.Payload))
	offset := 4 // length filled in by the caller once the final size is known

	binary.BigEndian.PutUint64(buf[offset:], entry.Sequence)
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], uint64(entry.Timestamp))
	offset += 8
	buf[offset] = byte(entry.Type)
	offset++
	offset += copy(buf[offset:], entry.Payload)
	offset += copy(buf[offset:], entry.PrevHash[:])
	offset += copy(buf[offset:], entry.HMAC[:])
	binary.BigEndian.PutUint32(buf[offset:], entry.CRC32)

	return buf
}

// deserializeEntry reverses serializeEntry. data must be exactly one
// record, delimited by the caller using the 4-byte length prefix it
// read first.
func deserializeEntry(data []byte) (*Entry, error) {
	if len(data) < fixedSize {
		return nil, errors.New("wal: entry too short")
	}

	entry := &Entry{Length: uint32(len(data))}
	offset := 4

	entry.Sequence = binary.BigEndian.Uint64(data[offset:])
	offset += 8
	entry.Timestamp = int64(binary.BigEndian.Uint64(data[offset:]))
	offset += 8
	entry.Type = EntryType(data[offset])
	offset++

	payloadLen := len(data) - fixedSize
	entry.Payload = make([]byte, payloadLen)
	offset += copy(entry.Payload, data[offset:offset+payloadLen])

	copy(entry.PrevHash[:], data[offset:offset+32])
	offset += 32
	copy(entry.HMAC[:], data[offset:offset+32])
	offset += 32
	entry.CRC32 = binary.BigEndian.Uint32(data[offset:])

	return entry, nil
}
