package security

import "runtime"

// Wipe overwrites data with zeros, defeating a compiler's dead-store
// elimination with an explicit runtime.KeepAlive so the wipe cannot be
// optimized away by a future caller-unaware refactor. Adapted from the
// teacher's internal/security/memory.go.
func Wipe(data []byte) {
	if len(data) == 0 {
		return
	}
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}

// GuardedExec runs fn with key, then wipes key regardless of whether
// fn returned an error.
func GuardedExec(key []byte, fn func([]byte) error) error {
	defer Wipe(key)
	return fn(key)
}
