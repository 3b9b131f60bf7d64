package bundle

import _ "embed"

// DefaultSchema is the JSON Schema every canonicalized bundle is
// validated against before it is handed to an embedding adapter.
//
//go:embed bundle.schema.json
var DefaultSchema []byte
