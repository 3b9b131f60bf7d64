//go:build linux || darwin

package triplehash

import (
	"bytes"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// openMapped memory-maps the [offset, offset+length) window of f and
// returns a reader over it. mmap offsets must be page-aligned; this wraps
// the page containing offset and slices to the exact requested range.
func openMapped(f *os.File, offset, length int64) (*bytes.Reader, func(), error) {
	pageSize := int64(os.Getpagesize())
	aligned := offset - (offset % pageSize)
	pad := offset - aligned

	data, err := unix.Mmap(int(f.Fd()), aligned, int(pad+length), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMapFailed, err)
	}
	_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)

	window := data[pad : pad+length]
	closer := func() { _ = unix.Munmap(data) }
	return bytes.NewReader(window), closer, nil
}
