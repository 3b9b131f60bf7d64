//go:build linux || darwin

package triplehash

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// openNoFollow opens path with symlink-following disabled and returns the
// pre-read identity snapshot.
func openNoFollow(path string) (*os.File, snapshot, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NOFOLLOW, 0)
	if err != nil {
		return nil, snapshot{}, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	f := os.NewFile(uintptr(fd), path)

	snap, err := statSnapshot(f)
	if err != nil {
		f.Close()
		return nil, snapshot{}, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	return f, snap, nil
}

// lockShared acquires a shared (read) flock on f's descriptor.
func lockShared(f *os.File) (func(), error) {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	return func() { _ = unix.Flock(int(f.Fd()), unix.LOCK_UN) }, nil
}

func platformSnapshot(fi os.FileInfo) snapshot {
	st, ok := fi.Sys().(*unix.Stat_t)
	if !ok {
		return snapshot{size: fi.Size(), mtime: fi.ModTime().UnixNano()}
	}
	return snapshot{
		size:  fi.Size(),
		inode: uint64(st.Ino),
		dev:   uint64(st.Dev),
		mtime: fi.ModTime().UnixNano(),
	}
}
