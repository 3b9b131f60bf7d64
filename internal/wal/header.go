package wal

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	Version    = 1
	Magic      = "CPWL"
	HeaderSize = 64
)

// Header is the fixed-size WAL file header.
type Header struct {
	Magic     [4]byte
	Version   uint32
	SessionID [32]byte
	CreatedAt int64
	Reserved  [16]byte
}

func (w *WAL) writeHeader() error {
	header := Header{Version: Version, SessionID: w.sessionID, CreatedAt: time.Now().UnixNano()}
	copy(header.Magic[:], Magic)

	buf := make([]byte, HeaderSize)
	copy(buf[0:4], header.Magic[:])
	binary.BigEndian.PutUint32(buf[4:8], header.Version)
	copy(buf[8:40], header.SessionID[:])
	binary.BigEndian.PutUint64(buf[40:48], uint64(header.CreatedAt))

	if _, err := w.file.WriteAt(buf, 0); err != nil {
		return err
	}
	return w.file.Sync()
}

func (w *WAL) readHeader() error {
	buf := make([]byte, HeaderSize)
	if _, err := w.file.ReadAt(buf, 0); err != nil {
		return err
	}
	if string(buf[0:4]) != Magic {
		return ErrInvalidMagic
	}
	version := binary.BigEndian.Uint32(buf[4:8])
	if version != Version {
		return fmt.Errorf("%w: got %d, expected %d", ErrInvalidVersion, version, Version)
	}
	copy(w.sessionID[:], buf[8:40])
	return nil
}
