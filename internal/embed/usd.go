package embed

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// USD splices bundleJSON into a USDA (ASCII) stage's customLayerData
// metadata dictionary, the place USD itself reserves for arbitrary
// layer-level metadata that every consumer already ignores unless it
// knows the key. payload is the pre-existing stage text; the
// customLayerData block is appended after it, matching how USD authors
// layer-level metadata blocks at the top of a .usda file in practice.
func USD(payload []byte, bundleJSON string, opts Options) ([]byte, error) {
	if bundleJSON == "" {
		return nil, ErrEmptyBundle
	}

	keys := make([]string, 0, len(opts.Extra))
	for k := range opts.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var body bytes.Buffer
	fmt.Fprintf(&body, "    string provenanceBundle = %s\n", strconv.Quote(bundleJSON))
	for _, k := range keys {
		fmt.Fprintf(&body, "    string %s = %s\n", k, strconv.Quote(fmt.Sprint(opts.Extra[k])))
	}
	if opts.ExtensionName != "" {
		fmt.Fprintf(&body, "    string provenanceExtension = %s\n", strconv.Quote(opts.ExtensionName))
	}

	var out bytes.Buffer
	out.Write(payload)
	out.WriteString("\ncustomLayerData = {\n")
	out.Write(body.Bytes())
	out.WriteString("}\n")
	return out.Bytes(), nil
}
