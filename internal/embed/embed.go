// Package embed implements the bundle-embedding adapters (C11): one pure
// function per export container format, each splicing an opaque
// provenance bundle into that container's extras/metadata section with
// byte-exact alignment. No function in this package performs I/O; each
// takes payload bytes and a bundle string and returns a complete file
// image.
package embed

import "fmt"

// Options carries the fields every adapter shares. ExtensionName, when
// non-empty, is additionally declared by the glTF adapter in both
// extensionsUsed and extensionsRequired (the Gaussian-splat conformance
// point from spec.md's §6).
type Options struct {
	ExtensionName string
	Extra         map[string]any
}

// align4 returns n rounded up to the next multiple of 4.
func align4(n int) int {
	return (n + 3) &^ 3
}

// ErrEmptyBundle is returned when the caller supplies an empty bundle
// string; every adapter requires a non-empty provenance payload.
var ErrEmptyBundle = fmt.Errorf("embed: bundle string must not be empty")
