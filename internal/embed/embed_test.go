package embed

import (
	"encoding/binary"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGLTFHeaderAndChunkLayout(t *testing.T) {
	payload := []byte{1, 2, 3} // not 4-octet aligned
	out, err := GLTF(payload, `{"manifest":{}}`, Options{})
	require.NoError(t, err)

	require.Equal(t, "glTF", string(out[0:4]))
	require.Equal(t, uint32(2), binary.LittleEndian.Uint32(out[4:8]))
	totalLen := binary.LittleEndian.Uint32(out[8:12])
	require.Equal(t, uint32(len(out)), totalLen)

	jsonLen := binary.LittleEndian.Uint32(out[12:16])
	require.Zero(t, jsonLen%4)
	jsonType := string(out[16:20])
	require.Equal(t, "JSON", jsonType)
	jsonData := out[20 : 20+jsonLen]

	var doc map[string]any
	require.NoError(t, json.Unmarshal(bytesTrimRight(jsonData, 0x20), &doc))
	extras := doc["extras"].(map[string]any)
	require.Equal(t, `{"manifest":{}}`, extras["provenanceBundle"])

	binOffset := 20 + int(jsonLen)
	binLen := binary.LittleEndian.Uint32(out[binOffset : binOffset+4])
	require.Zero(t, binLen%4)
	binType := string(out[binOffset+4 : binOffset+8])
	require.Equal(t, "BIN\x00", binType)
	binData := out[binOffset+8 : binOffset+8+int(binLen)]
	require.Equal(t, payload, binData[:len(payload)])
	for _, b := range binData[len(payload):] {
		require.Equal(t, byte(0), b)
	}
}

func TestGLTFRejectsEmptyBundle(t *testing.T) {
	_, err := GLTF(nil, "", Options{})
	require.ErrorIs(t, err, ErrEmptyBundle)
}

func TestGLTFDeclaresExtensionUsedAndRequired(t *testing.T) {
	out, err := GLTF(nil, `{"manifest":{}}`, Options{ExtensionName: "EXT_gaussian_splatting"})
	require.NoError(t, err)

	jsonLen := binary.LittleEndian.Uint32(out[12:16])
	jsonData := out[20 : 20+jsonLen]
	var doc map[string]any
	require.NoError(t, json.Unmarshal(bytesTrimRight(jsonData, 0x20), &doc))

	used := doc["extensionsUsed"].([]any)
	required := doc["extensionsRequired"].([]any)
	require.Equal(t, []any{"EXT_gaussian_splatting"}, used)
	require.Equal(t, []any{"EXT_gaussian_splatting"}, required)
}

func TestGLTFNoBufferChunkWhenPayloadEmpty(t *testing.T) {
	out, err := GLTF(nil, `{"manifest":{}}`, Options{})
	require.NoError(t, err)

	totalLen := binary.LittleEndian.Uint32(out[8:12])
	jsonLen := binary.LittleEndian.Uint32(out[12:16])
	require.Equal(t, int(totalLen), 20+int(jsonLen))
}

func TestUSDAppendsCustomLayerData(t *testing.T) {
	out, err := USD([]byte("#usda 1.0\n"), `{"manifest":{}}`, Options{})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(out), "#usda 1.0\n"))
	require.Contains(t, string(out), "customLayerData")
	require.Contains(t, string(out), `provenanceBundle = "{\"manifest\":{}}"`)
}

func TestUSDRejectsEmptyBundle(t *testing.T) {
	_, err := USD(nil, "", Options{})
	require.ErrorIs(t, err, ErrEmptyBundle)
}

func TestTiles3DInjectsExtrasIntoExistingTileset(t *testing.T) {
	existing := []byte(`{"asset":{"version":"1.1"},"geometricError":500}`)
	out, err := Tiles3D(existing, `{"manifest":{}}`, Options{})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	require.Equal(t, float64(500), doc["geometricError"])
	extras := doc["extras"].(map[string]any)
	require.Equal(t, `{"manifest":{}}`, extras["provenanceBundle"])
}

func TestTiles3DBuildsMinimalTilesetWhenPayloadEmpty(t *testing.T) {
	out, err := Tiles3D(nil, `{"manifest":{}}`, Options{ExtensionName: "3DTILES_provenance"})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	used := doc["extensionsUsed"].([]any)
	require.Equal(t, []any{"3DTILES_provenance"}, used)
}

func TestE57AppendsTrailingLengthPrefixedSection(t *testing.T) {
	payload := []byte("fake-e57-binary-image")
	bundle := `{"manifest":{}}`
	out, err := E57(payload, bundle, Options{})
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(string(out), string(payload)))
	trailer := out[len(payload):]
	require.Equal(t, e57ProvenanceMagic, string(trailer[0:4]))
	n := binary.LittleEndian.Uint32(trailer[4:8])
	require.Equal(t, bundle, string(trailer[8:8+n]))
}

func TestE57RejectsEmptyBundle(t *testing.T) {
	_, err := E57(nil, "", Options{})
	require.ErrorIs(t, err, ErrEmptyBundle)
}

func bytesTrimRight(b []byte, pad byte) []byte {
	end := len(b)
	for end > 0 && b[end-1] == pad {
		end--
	}
	return b[:end]
}
