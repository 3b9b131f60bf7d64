// Package bundle implements the provenance bundle builder (C10): it
// assembles a ProvenanceBundle from a ledger commit's evidence,
// canonicalizes it via internal/canon (the bundle's hash is
// H(canonical_bytes)), and validates the result against the embedded
// JSON Schema before it is handed to an embedding adapter.
package bundle

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/capturemesh/captureproof/internal/binder"
	"github.com/capturemesh/captureproof/internal/canon"
	"github.com/capturemesh/captureproof/internal/fuser"
	"github.com/capturemesh/captureproof/internal/mmr"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Manifest is always present in a bundle.
type Manifest struct {
	Format         string
	Version        string
	ExportedAtUnix int64
	ExporterVersion string
}

// DeviceAttestation is an optional, opaque attestation blob from C13.
type DeviceAttestation struct {
	ProviderID string
	Evidence   []byte
}

// Bundle is the in-memory ProvenanceBundle, before canonicalization.
// Optional fields are pointers; a nil pointer means omitted, never
// null-emitted.
type Bundle struct {
	Manifest         Manifest
	SignedTreeHead   *[32]byte
	TimeProof        *fuser.TimeProof
	InclusionProof   *mmr.InclusionProof
	DeviceAttestation *DeviceAttestation
}

// Builder assembles bundles for committed ledger entries, backed by a
// Binder for tree-head and time-proof lookups.
type Builder struct {
	binder          *binder.Binder
	schema          *jsonschema.Schema
	exporterVersion string
}

// NewBuilder compiles schemaJSON once and returns a Builder. Pass
// DefaultSchema for the bundled schema, or a caller-supplied variant for
// a newer bundle format version.
func NewBuilder(b *binder.Binder, schemaJSON []byte, exporterVersion string) (*Builder, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("bundle.schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("bundle: add schema resource: %w", err)
	}
	schema, err := compiler.Compile("bundle.schema.json")
	if err != nil {
		return nil, fmt.Errorf("bundle: compile schema: %w", err)
	}
	return &Builder{binder: b, schema: schema, exporterVersion: exporterVersion}, nil
}

// Build assembles the bundle for seq, attaching the current signed tree
// head, the entry's TimeProof (if bound), its InclusionProof (if
// requested), and an optional device attestation.
func (bu *Builder) Build(seq uint64, format, formatVersion string, exportedAtUnix int64, attestation *DeviceAttestation, includeInclusionProof bool) (*Bundle, error) {
	b := &Bundle{
		Manifest: Manifest{
			Format:          format,
			Version:         formatVersion,
			ExportedAtUnix:  exportedAtUnix,
			ExporterVersion: bu.exporterVersion,
		},
		DeviceAttestation: attestation,
	}

	head, err := bu.binder.SignedTreeHead()
	if err == nil {
		b.SignedTreeHead = &head
	}

	if proof, ok := bu.binder.TimeProofFor(seq); ok {
		b.TimeProof = proof
	}

	if includeInclusionProof {
		incl, err := bu.binder.InclusionProof(seq)
		if err != nil {
			return nil, fmt.Errorf("bundle: inclusion proof for seq %d: %w", seq, err)
		}
		b.InclusionProof = incl
	}

	return b, nil
}

// Canonicalize encodes b via internal/canon, validates it against the
// compiled schema, and returns the canonical bytes plus their SHA-256
// hash (the bundle's identity per spec: hash = H(canonical_bytes)).
func (bu *Builder) Canonicalize(b *Bundle) (canonicalBytes []byte, hash [32]byte, err error) {
	value := toCanonValue(b)

	canonicalBytes, err = canon.Encode(value)
	if err != nil {
		return nil, hash, fmt.Errorf("bundle: canonicalize: %w", err)
	}

	if err := validateAgainstSchema(bu.schema, canonicalBytes); err != nil {
		return nil, hash, fmt.Errorf("bundle: schema validation: %w", err)
	}

	hash = sha256.Sum256(canonicalBytes)
	return canonicalBytes, hash, nil
}

func toCanonValue(b *Bundle) *canon.Object {
	manifest := canon.NewObject().
		Set("format", b.Manifest.Format).
		Set("version", b.Manifest.Version).
		Set("exported_at", b.Manifest.ExportedAtUnix).
		Set("exporter_version", b.Manifest.ExporterVersion)

	obj := canon.NewObject().Set("manifest", manifest)

	obj.SetOmitEmpty("signed_tree_head", bytesValue(b.SignedTreeHead), b.SignedTreeHead != nil)
	obj.SetOmitEmpty("time_proof", timeProofValue(b.TimeProof), b.TimeProof != nil)
	obj.SetOmitEmpty("inclusion_proof", inclusionProofValue(b.InclusionProof), b.InclusionProof != nil)
	obj.SetOmitEmpty("device_attestation", attestationValue(b.DeviceAttestation), b.DeviceAttestation != nil)

	return obj
}

func bytesValue(h *[32]byte) canon.Value {
	if h == nil {
		return nil
	}
	return h[:]
}

func timeProofValue(tp *fuser.TimeProof) canon.Value {
	if tp == nil {
		return nil
	}
	included := make([]canon.Value, len(tp.Included))
	for i, ev := range tp.Included {
		included[i] = canon.NewObject().
			Set("source", string(ev.Source)).
			Set("time_ns", int64(ev.TimeNS)).
			Set("status", string(ev.Status))
	}
	excluded := make([]canon.Value, len(tp.Excluded))
	for i, ex := range tp.Excluded {
		excluded[i] = canon.NewObject().
			Set("evidence", string(ex.Evidence)).
			Set("reason", ex.Reason)
	}
	return canon.NewObject().
		Set("data_hash", tp.DataHash[:]).
		Set("fused_lo", int64(tp.FusedLo)).
		Set("fused_hi", int64(tp.FusedHi)).
		Set("included", included).
		Set("excluded", excluded).
		Set("anchored_at", int64(tp.AnchoredAtNS))
}

func inclusionProofValue(p *mmr.InclusionProof) canon.Value {
	if p == nil {
		return nil
	}
	path := make([]canon.Value, len(p.MerklePath))
	for i, elem := range p.MerklePath {
		path[i] = canon.NewObject().
			Set("hash", elem.Hash[:]).
			Set("is_left", elem.IsLeft)
	}
	peaks := make([]canon.Value, len(p.Peaks))
	for i, peak := range p.Peaks {
		peaks[i] = peak[:]
	}
	return canon.NewObject().
		Set("leaf_index", int64(p.LeafIndex)).
		Set("leaf_hash", p.LeafHash[:]).
		Set("merkle_path", path).
		Set("peaks", peaks).
		Set("peak_position", int64(p.PeakPosition)).
		Set("mmr_size", int64(p.MMRSize)).
		Set("root", p.Root[:])
}

func validateAgainstSchema(schema *jsonschema.Schema, canonicalBytes []byte) error {
	var instance any
	if err := json.Unmarshal(canonicalBytes, &instance); err != nil {
		return fmt.Errorf("decode canonical bytes for validation: %w", err)
	}
	return schema.Validate(instance)
}

func attestationValue(a *DeviceAttestation) canon.Value {
	if a == nil {
		return nil
	}
	return canon.NewObject().
		Set("provider_id", a.ProviderID).
		Set("evidence", a.Evidence)
}
