// provverify is a standalone tool for verifying exported captureproof
// provenance bundles without a running pipeline: it re-validates the
// bundle against the embedded JSON Schema, checks the inclusion proof
// for the time proof's data hash against the root carried in the proof
// itself (the bundle's signed tree head is not consulted), and checks
// that every included time source's point estimate lies inside the
// fused interval and that at least two sources are included.
//
// Usage:
//
//	provverify [flags] <bundle.json>
package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/capturemesh/captureproof/internal/bundle"
	"github.com/capturemesh/captureproof/internal/mmr"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	version = "dev"
)

func main() {
	format := flag.String("format", "text", "output format: text, json")
	verbose := flag.Bool("verbose", false, "print every included/excluded time-anchor source")
	versionFlag := flag.Bool("version", false, "print version and exit")
	quiet := flag.Bool("quiet", false, "print nothing; report the result only through the exit status")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "provverify - verify a captureproof provenance bundle\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <bundle.json>\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *versionFlag {
		fmt.Printf("provverify %s\n", version)
		os.Exit(0)
	}

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: bundle file required")
		flag.Usage()
		os.Exit(2)
	}

	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading bundle: %v\n", err)
		os.Exit(1)
	}

	report := verify(data)

	if !*quiet {
		switch *format {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			enc.Encode(report)
		default:
			printText(report, *verbose)
		}
	}

	if !report.Valid {
		os.Exit(1)
	}
}

// Report is the outcome of verifying one bundle file.
type Report struct {
	Valid           bool     `json:"valid"`
	BundleHash      string   `json:"bundle_hash"`
	SchemaOK        bool     `json:"schema_ok"`
	InclusionOK     bool     `json:"inclusion_ok,omitempty"`
	TimeProofOK     bool     `json:"time_proof_ok,omitempty"`
	HasInclusion    bool     `json:"has_inclusion_proof"`
	HasTimeProof    bool     `json:"has_time_proof"`
	IncludedSources []string `json:"included_sources,omitempty"`
	ExcludedSources []string `json:"excluded_sources,omitempty"`
	Errors          []string `json:"errors,omitempty"`
}

func verify(data []byte) Report {
	var report Report
	report.BundleHash = hex.EncodeToString(sha256Sum(data))

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("bundle.schema.json", bytes.NewReader(bundle.DefaultSchema)); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("load schema: %v", err))
		return report
	}
	schema, err := compiler.Compile("bundle.schema.json")
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("compile schema: %v", err))
		return report
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("decode bundle: %v", err))
		return report
	}
	if err := schema.Validate(instance); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("schema validation: %v", err))
		return report
	}
	report.SchemaOK = true

	var decoded decodedBundle
	if err := json.Unmarshal(data, &decoded); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("decode bundle fields: %v", err))
		return report
	}

	if decoded.InclusionProof != nil {
		report.HasInclusion = true
		proof, err := decoded.InclusionProof.toMMR()
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("decode inclusion proof: %v", err))
		} else if decoded.TimeProof != nil {
			leafData, err := hex.DecodeString(decoded.TimeProof.DataHash)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("decode data_hash: %v", err))
			} else if err := proof.Verify(leafData); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("inclusion proof: %v", err))
			} else {
				report.InclusionOK = true
			}
		} else {
			report.Errors = append(report.Errors, "inclusion proof present without a time proof to check it against")
		}
	}

	if decoded.TimeProof != nil {
		report.HasTimeProof = true
		for _, inc := range decoded.TimeProof.Included {
			report.IncludedSources = append(report.IncludedSources, inc.Source)
		}
		for _, exc := range decoded.TimeProof.Excluded {
			report.ExcludedSources = append(report.ExcludedSources, exc.Evidence)
		}
		if err := decoded.TimeProof.checkAgreement(); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("time proof agreement: %v", err))
		} else if len(decoded.TimeProof.Included) < 2 {
			report.Errors = append(report.Errors, "time proof has fewer than two included sources")
		} else {
			report.TimeProofOK = true
		}
	}

	report.Valid = report.SchemaOK &&
		(!report.HasInclusion || report.InclusionOK) &&
		(!report.HasTimeProof || report.TimeProofOK) &&
		len(report.Errors) == 0

	return report
}

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

type decodedBundle struct {
	TimeProof      *decodedTimeProof      `json:"time_proof"`
	InclusionProof *decodedInclusionProof `json:"inclusion_proof"`
}

type decodedTimeEvidence struct {
	Source string `json:"source"`
	TimeNS uint64 `json:"time_ns"`
	Status string `json:"status"`
}

type decodedExcluded struct {
	Evidence string `json:"evidence"`
	Reason   string `json:"reason"`
}

type decodedTimeProof struct {
	DataHash string                `json:"data_hash"`
	FusedLo  uint64                `json:"fused_lo"`
	FusedHi  uint64                `json:"fused_hi"`
	Included []decodedTimeEvidence `json:"included"`
	Excluded []decodedExcluded     `json:"excluded"`
}

// checkAgreement re-derives pairwise overlap from the point-in-time
// evidences the bundle recorded. Uncertainty windows are not re-derived
// here (the canonical form omits them deliberately, since the fused
// interval already captures their effect); this instead re-checks that
// every included source's point estimate falls within the bundle's own
// fused interval, the externally-verifiable half of the fuser's
// agreement rule.
func (tp *decodedTimeProof) checkAgreement() error {
	for _, inc := range tp.Included {
		if inc.TimeNS < tp.FusedLo || inc.TimeNS > tp.FusedHi {
			return fmt.Errorf("included source %s (t=%d) falls outside fused interval [%d, %d]",
				inc.Source, inc.TimeNS, tp.FusedLo, tp.FusedHi)
		}
	}
	return nil
}

type decodedProofElement struct {
	Hash   string `json:"hash"`
	IsLeft bool   `json:"is_left"`
}

type decodedInclusionProof struct {
	LeafIndex    uint64                `json:"leaf_index"`
	LeafHash     string                `json:"leaf_hash"`
	MerklePath   []decodedProofElement `json:"merkle_path"`
	Peaks        []string              `json:"peaks"`
	PeakPosition int                   `json:"peak_position"`
	MMRSize      uint64                `json:"mmr_size"`
	Root         string                `json:"root"`
}

func (d *decodedInclusionProof) toMMR() (*mmr.InclusionProof, error) {
	leafHash, err := decodeHash32(d.LeafHash)
	if err != nil {
		return nil, fmt.Errorf("leaf_hash: %w", err)
	}
	root, err := decodeHash32(d.Root)
	if err != nil {
		return nil, fmt.Errorf("root: %w", err)
	}

	path := make([]mmr.ProofElement, len(d.MerklePath))
	for i, elem := range d.MerklePath {
		h, err := decodeHash32(elem.Hash)
		if err != nil {
			return nil, fmt.Errorf("merkle_path[%d]: %w", i, err)
		}
		path[i] = mmr.ProofElement{Hash: h, IsLeft: elem.IsLeft}
	}

	peaks := make([][32]byte, len(d.Peaks))
	for i, p := range d.Peaks {
		h, err := decodeHash32(p)
		if err != nil {
			return nil, fmt.Errorf("peaks[%d]: %w", i, err)
		}
		peaks[i] = h
	}

	return &mmr.InclusionProof{
		LeafIndex:    d.LeafIndex,
		LeafHash:     leafHash,
		MerklePath:   path,
		Peaks:        peaks,
		PeakPosition: d.PeakPosition,
		MMRSize:      d.MMRSize,
		Root:         root,
	}, nil
}

func decodeHash32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("want 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func printText(r Report, verbose bool) {
	if r.Valid {
		fmt.Println("VERIFICATION PASSED")
	} else {
		fmt.Println("VERIFICATION FAILED")
	}
	fmt.Printf("  bundle hash        %s\n", r.BundleHash)
	fmt.Printf("  schema valid       %v\n", r.SchemaOK)
	if r.HasInclusion {
		fmt.Printf("  inclusion proof    %v\n", r.InclusionOK)
	}
	if r.HasTimeProof {
		fmt.Printf("  time proof         %v\n", r.TimeProofOK)
		if verbose {
			fmt.Printf("  included sources   %v\n", r.IncludedSources)
			fmt.Printf("  excluded sources   %v\n", r.ExcludedSources)
		}
	}
	for _, e := range r.Errors {
		fmt.Printf("  error: %s\n", e)
	}
}
