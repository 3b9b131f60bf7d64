//go:build !linux && !darwin

package triplehash

import (
	"fmt"
	"os"
)

// openNoFollow opens path on platforms without O_NOFOLLOW support in this
// module's dependency set. Symlink resolution is instead checked by
// comparing os.Lstat and os.Stat results for the path.
func openNoFollow(path string) (*os.File, snapshot, error) {
	lst, err := os.Lstat(path)
	if err != nil {
		return nil, snapshot{}, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	if lst.Mode()&os.ModeSymlink != 0 {
		return nil, snapshot{}, fmt.Errorf("%w: refusing to follow symlink", ErrOpenFailed)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, snapshot{}, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	snap, err := statSnapshot(f)
	if err != nil {
		f.Close()
		return nil, snapshot{}, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	return f, snap, nil
}

// lockShared is a portable no-op fallback: this platform has no
// dependency-provided advisory locking primitive. Callers on Windows
// should rely on the default share-mode of os.Open, which already denies
// exclusive writers by default.
func lockShared(f *os.File) (func(), error) {
	return func() {}, nil
}

func platformSnapshot(fi os.FileInfo) snapshot {
	return snapshot{size: fi.Size(), mtime: fi.ModTime().UnixNano()}
}

func hintSequential(f *os.File) {}

func dontNeed(f *os.File) {}
