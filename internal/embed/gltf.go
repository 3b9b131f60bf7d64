package embed

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

const (
	glbMagic      = "glTF"
	glbVersion    = uint32(2)
	glbHeaderSize = 12
	chunkTypeJSON = "JSON"
	chunkTypeBIN  = "BIN\x00"
)

// GLTF splices bundleJSON into a GLB container's extras.provenanceBundle
// as a string (per spec.md §6, never a parsed sub-object for the hashed
// copy), wrapping payload as the binary chunk. The layout is bit-exact:
// a 12-octet header (magic, version, backfilled total length), a JSON
// chunk padded with ASCII space, and a binary chunk padded with zero.
func GLTF(payload []byte, bundleJSON string, opts Options) ([]byte, error) {
	if bundleJSON == "" {
		return nil, ErrEmptyBundle
	}

	doc := map[string]any{
		"asset":  map[string]any{"version": "2.0"},
		"extras": map[string]any{"provenanceBundle": bundleJSON},
	}
	if len(payload) > 0 {
		doc["buffers"] = []any{
			map[string]any{"byteLength": len(payload)},
		}
	}
	if opts.ExtensionName != "" {
		doc["extensionsUsed"] = []any{opts.ExtensionName}
		doc["extensionsRequired"] = []any{opts.ExtensionName}
	}
	for k, v := range opts.Extra {
		doc[k] = v
	}

	jsonData, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("embed: marshal gltf document: %w", err)
	}
	jsonData = padRight(jsonData, 0x20)

	var buf bytes.Buffer
	buf.Grow(glbHeaderSize + 8 + len(jsonData) + 8 + align4(len(payload)))

	buf.WriteString(glbMagic)
	writeUint32LE(&buf, glbVersion)
	totalLenOffset := buf.Len()
	writeUint32LE(&buf, 0) // backfilled once the full length is known

	writeUint32LE(&buf, uint32(len(jsonData)))
	buf.WriteString(chunkTypeJSON)
	buf.Write(jsonData)

	if len(payload) > 0 {
		binData := padRight(append([]byte(nil), payload...), 0x00)
		writeUint32LE(&buf, uint32(len(binData)))
		buf.WriteString(chunkTypeBIN)
		buf.Write(binData)
	}

	out := buf.Bytes()
	binary.LittleEndian.PutUint32(out[totalLenOffset:], uint32(len(out)))
	return out, nil
}

// padRight appends padByte until len(data) is a multiple of 4.
func padRight(data []byte, padByte byte) []byte {
	want := align4(len(data))
	for len(data) < want {
		data = append(data, padByte)
	}
	return data
}

func writeUint32LE(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}
