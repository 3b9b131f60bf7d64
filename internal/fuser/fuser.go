// Package fuser implements the triple-anchor fuser (C4): it combines the
// three time-anchor clients' evidence into a single interval-intersected
// TimeProof, trusting no individual source.
package fuser

import (
	"context"
	"fmt"
	"sync"

	"github.com/capturemesh/captureproof/internal/anchors"
)

// Excluded records a source the fuser dropped, and why.
type Excluded struct {
	Evidence anchors.Source
	Reason   string
}

// TimeProof is the intersection of at least two agreeing evidences, per
// spec §3: a TimeProof with fewer than two included evidences never
// exists. Fuse returns an error instead of constructing one.
type TimeProof struct {
	DataHash      [32]byte
	FusedLo       uint64
	FusedHi       uint64
	Included      []anchors.TimeEvidence
	Excluded      []Excluded
	AnchoredAtNS  uint64
}

// InsufficientSourcesError is returned when fewer than two sources
// produce usable evidence.
type InsufficientSourcesError struct {
	Available int
	Required  int
}

func (e *InsufficientSourcesError) Error() string {
	return fmt.Sprintf("fuser: insufficient sources: have %d, need %d", e.Available, e.Required)
}

// DisagreementError is returned when two included evidences' intervals
// fail to overlap (or a point estimate falls outside a bounded peer).
type DisagreementError struct {
	SourceA      anchors.Source
	SourceB      anchors.Source
	DifferenceNS uint64
}

func (e *DisagreementError) Error() string {
	return fmt.Sprintf("fuser: time disagreement between %s and %s (%d ns)", e.SourceA, e.SourceB, e.DifferenceNS)
}

const minIncluded = 2

// Fuse awaits all of clients in parallel, requiring at least two of them
// to agree, and returns the interval-intersected TimeProof.
func Fuse(ctx context.Context, clients map[anchors.Source]anchors.Client, dataHash [32]byte, nowNS uint64) (*TimeProof, error) {
	type result struct {
		source   anchors.Source
		evidence anchors.TimeEvidence
		err      error
	}

	results := make(chan result, len(clients))
	var wg sync.WaitGroup
	for src, client := range clients {
		wg.Add(1)
		go func(src anchors.Source, client anchors.Client) {
			defer wg.Done()
			ev, err := client.Request(ctx, dataHash)
			results <- result{source: src, evidence: ev, err: err}
		}(src, client)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var included []anchors.TimeEvidence
	var excluded []Excluded
	for r := range results {
		if r.err != nil {
			excluded = append(excluded, Excluded{Evidence: r.source, Reason: r.err.Error()})
			continue
		}
		if r.evidence.Status != anchors.StatusVerified {
			excluded = append(excluded, Excluded{Evidence: r.source, Reason: "status:" + string(r.evidence.Status)})
			continue
		}
		included = append(included, r.evidence)
	}

	if len(included) < minIncluded {
		return nil, &InsufficientSourcesError{Available: len(included), Required: minIncluded}
	}

	if err := checkPairwiseAgreement(included); err != nil {
		return nil, err
	}

	lo, hi := intersect(included)

	return &TimeProof{
		DataHash:     dataHash,
		FusedLo:      lo,
		FusedHi:      hi,
		Included:     included,
		Excluded:     excluded,
		AnchoredAtNS: nowNS,
	}, nil
}

// checkPairwiseAgreement enforces spec's pairwise-overlap rule, with the
// stricter point-estimate rule: a point estimate (no uncertainty) must
// lie inside every other included interval.
func checkPairwiseAgreement(included []anchors.TimeEvidence) error {
	for i := 0; i < len(included); i++ {
		for j := i + 1; j < len(included); j++ {
			a, b := included[i], included[j]
			if !anchors.Agrees(a, b) {
				return &DisagreementError{
					SourceA:      a.Source,
					SourceB:      b.Source,
					DifferenceNS: diffNS(a.TimeNS, b.TimeNS),
				}
			}
		}
	}
	return nil
}

func intersect(included []anchors.TimeEvidence) (lo, hi uint64) {
	first := true
	for _, e := range included {
		eLo, eHi := e.Interval()
		if first {
			lo, hi = eLo, eHi
			first = false
			continue
		}
		if eLo > lo {
			lo = eLo
		}
		if eHi < hi {
			hi = eHi
		}
	}
	return lo, hi
}

func diffNS(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
