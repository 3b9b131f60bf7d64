//go:build !linux && !darwin

package triplehash

import (
	"bytes"
	"errors"
	"os"
)

// openMapped has no mapped-I/O implementation on this platform; callers
// fall back to buffered reads.
func openMapped(f *os.File, offset, length int64) (*bytes.Reader, func(), error) {
	return nil, nil, errors.New("triplehash: mapped I/O unavailable on this platform")
}
