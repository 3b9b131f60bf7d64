//go:build linux

package triplehash

import (
	"os"

	"golang.org/x/sys/unix"
)

// hintSequential advises the OS of sequential access so repeated chunk
// hashing of large files does not thrash the page cache.
func hintSequential(f *os.File) {
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
}

// dontNeed asks the OS to drop the just-read pages from cache.
func dontNeed(f *os.File) {
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_DONTNEED)
}
