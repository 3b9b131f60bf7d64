package embed

import (
	"encoding/json"
	"fmt"
)

// Tiles3D splices bundleJSON into a 3D Tiles tileset.json's top-level
// extras.provenanceBundle, the same extras convention glTF uses (3D
// Tiles tilesets are themselves JSON documents built on that
// convention). payload is the existing tileset document; an empty
// payload produces a minimal 1.1 tileset carrying only the bundle.
func Tiles3D(payload []byte, bundleJSON string, opts Options) ([]byte, error) {
	if bundleJSON == "" {
		return nil, ErrEmptyBundle
	}

	var doc map[string]any
	if len(payload) == 0 {
		doc = map[string]any{"asset": map[string]any{"version": "1.1"}}
	} else {
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, fmt.Errorf("embed: parse tileset json: %w", err)
		}
	}

	extras, _ := doc["extras"].(map[string]any)
	if extras == nil {
		extras = map[string]any{}
	}
	extras["provenanceBundle"] = bundleJSON
	doc["extras"] = extras

	if opts.ExtensionName != "" {
		doc["extensionsUsed"] = appendUniqueString(asStringList(doc["extensionsUsed"]), opts.ExtensionName)
		doc["extensionsRequired"] = appendUniqueString(asStringList(doc["extensionsRequired"]), opts.ExtensionName)
	}
	for k, v := range opts.Extra {
		doc[k] = v
	}

	return json.Marshal(doc)
}

func asStringList(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, elem := range raw {
		if s, ok := elem.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func appendUniqueString(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
