package embed

import (
	"bytes"
	"encoding/binary"
)

// e57ProvenanceMagic tags the trailing provenance section appended by
// E57. 4 octets so it reads like the rest of E57's chunk identifiers.
const e57ProvenanceMagic = "PRVE"

// E57 appends bundleJSON as a trailing, length-prefixed section after
// the existing E57 image. E57's physical layout records absolute byte
// offsets for its XML section in its own header; rewriting that header
// to splice a string into the XML tree would require re-deriving every
// offset in the file, which is a full E57 writer and out of scope here.
// Appending after the image avoids disturbing any offset the rest of
// the file depends on. The section is the "PRVE" magic, a 4-octet
// little-endian length, the bundle JSON, and, when opts.ExtensionName
// is set, a 4-octet little-endian length and that name; nothing at EOF
// points back to the section, so a reader finds it by its magic.
func E57(payload []byte, bundleJSON string, opts Options) ([]byte, error) {
	if bundleJSON == "" {
		return nil, ErrEmptyBundle
	}

	var out bytes.Buffer
	out.Write(payload)
	out.WriteString(e57ProvenanceMagic)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(bundleJSON)))
	out.Write(lenBuf[:])
	out.WriteString(bundleJSON)

	if opts.ExtensionName != "" {
		var extLenBuf [4]byte
		binary.LittleEndian.PutUint32(extLenBuf[:], uint32(len(opts.ExtensionName)))
		out.Write(extLenBuf[:])
		out.WriteString(opts.ExtensionName)
	}

	return out.Bytes(), nil
}
