//go:build darwin

package triplehash

import "os"

// hintSequential advises the OS of sequential access. Darwin has no
// posix_fadvise; F_RDAHEAD via fcntl is the closest equivalent and is
// already the kernel's default for regular files, so this is a no-op
// documented as such rather than faked.
func hintSequential(f *os.File) {}

// dontNeed is a no-op on Darwin: there is no portable equivalent to
// FADV_DONTNEED exposed through golang.org/x/sys/unix for this platform.
func dontNeed(f *os.File) {}
