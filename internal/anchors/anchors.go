// Package anchors implements the three independent time-anchor clients
// (timestamp authority, Roughtime, blockchain calendar) that feed the
// triple-anchor fuser. Each client is side-effect-free on its caller and
// reentrant; none is trusted individually.
package anchors

import (
	"context"
	"fmt"
)

// Source names the three recognized time-evidence sources.
type Source string

const (
	SourceTSA        Source = "tsa"
	SourceRoughtime  Source = "roughtime"
	SourceCalendar   Source = "calendar"
)

// Status is the verification status attached to a TimeEvidence.
type Status string

const (
	StatusVerified   Status = "verified"
	StatusUnverified Status = "unverified"
	StatusFailed     Status = "failed"
)

// TimeEvidence is a proof-bearing time claim from a single source.
type TimeEvidence struct {
	Source        Source
	TimeNS        uint64
	UncertaintyNS *uint64
	Status        Status
	RawProof      []byte
}

// Interval returns the evidence's claimed time interval. When
// UncertaintyNS is nil the interval collapses to a single instant.
func (e TimeEvidence) Interval() (lo, hi uint64) {
	if e.UncertaintyNS == nil {
		return e.TimeNS, e.TimeNS
	}
	u := *e.UncertaintyNS
	lo = 0
	if e.TimeNS > u {
		lo = e.TimeNS - u
	}
	hi = e.TimeNS + u
	return lo, hi
}

// Agrees reports whether a and b's intervals overlap.
func Agrees(a, b TimeEvidence) bool {
	aLo, aHi := a.Interval()
	bLo, bHi := b.Interval()
	return aLo <= bHi && bLo <= aHi
}

// Client is the uniform interface the fuser depends on. The fuser reads
// only the shape (Source, TimeNS, UncertaintyNS, Status, RawProof) of the
// returned TimeEvidence and never assumes a particular implementation.
type Client interface {
	// Request submits hash (must be 32 octets) for time evidence.
	Request(ctx context.Context, hash [32]byte) (TimeEvidence, error)
}

// ErrInvalidHashLength is returned by every client when the supplied hash
// is not exactly 32 octets.
type ErrInvalidHashLength struct {
	Got int
}

func (e *ErrInvalidHashLength) Error() string {
	return fmt.Sprintf("anchors: invalid hash length: got %d, want 32", e.Got)
}

// NewHash validates a caller-supplied byte slice and converts it to the
// fixed-size array every Client.Request expects. This is the boundary
// check spec's "hash of length != 32 at any anchor entry point" exercises.
// Client.Request itself takes [32]byte, so the type system enforces
// length for any caller that already has a validated hash.
func NewHash(b []byte) ([32]byte, error) {
	var out [32]byte
	if len(b) != 32 {
		return out, &ErrInvalidHashLength{Got: len(b)}
	}
	copy(out[:], b)
	return out, nil
}
