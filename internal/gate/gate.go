// Package gate implements the two-phase quality gate (C6): a frame gate
// admits a candidate frame, recording a pending decision; a later patch
// gate confirms or rejects it before a deadline. Pending decisions are
// never persisted; they live only in this package's registry.
package gate

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/capturemesh/captureproof/internal/clock"
)

// Tunables are the profile-resolved parameters of the gate.
type Tunables struct {
	FrameThreshold float64
	PatchThreshold float64
	PatchTimeoutNS uint64
	MaxPending     int
}

// PendingGateDecision is the arena-like record held between frame-gate
// admission and patch-gate resolution.
type PendingGateDecision struct {
	DecisionID   string
	FrameID      string
	AdmittedAtNS uint64
	FrameQuality float64
	DeadlineNS   uint64
}

// FrameOutcome is the result of a frame-gate call.
type FrameOutcome struct {
	Pending  *PendingGateDecision
	Rejected bool
	Reason   string
	Overload bool
}

// PatchOutcome is the result of a patch-gate call.
type PatchOutcome struct {
	Confirmed *PendingGateDecision
	Rejected  bool
	Expired   bool
}

// Gate is the single-owner pending-decision registry. Access is
// serialized behind a mutex, matching the teacher's "one message at a
// time" executor discipline for long-lived mutable components.
type Gate struct {
	mu       sync.Mutex
	clock    clock.Source
	tunables Tunables
	pending  map[string]*PendingGateDecision
}

// New creates an empty Gate.
func New(clk clock.Source, tunables Tunables) *Gate {
	return &Gate{
		clock:    clk,
		tunables: tunables,
		pending:  make(map[string]*PendingGateDecision),
	}
}

// Frame evaluates a candidate frame against the frame threshold. It
// performs garbage collection of expired pending decisions before
// admitting, so every call keeps the registry bounded without a
// separate sweeper goroutine.
func (g *Gate) Frame(frameID string, q float64) FrameOutcome {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.NowNS()
	g.gc(now)

	if q < g.tunables.FrameThreshold {
		return FrameOutcome{Rejected: true, Reason: "below_frame_threshold"}
	}

	if g.tunables.MaxPending > 0 && len(g.pending) >= g.tunables.MaxPending {
		return FrameOutcome{Overload: true}
	}

	id, err := newDecisionID()
	if err != nil {
		return FrameOutcome{Rejected: true, Reason: "id_generation_failed"}
	}

	decision := &PendingGateDecision{
		DecisionID:   id,
		FrameID:      frameID,
		AdmittedAtNS: now,
		FrameQuality: q,
		DeadlineNS:   now + g.tunables.PatchTimeoutNS,
	}
	g.pending[id] = decision

	return FrameOutcome{Pending: decision}
}

// Patch resolves a pending decision against the patch threshold. A
// decision that has expired (deadline already passed, whether or not it
// was garbage-collected yet) is always reported Expired, never
// Confirmed or Rejected.
func (g *Gate) Patch(decisionID string, qPrime float64) PatchOutcome {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.NowNS()
	g.gc(now)

	decision, ok := g.pending[decisionID]
	if !ok {
		return PatchOutcome{Expired: true}
	}
	if now >= decision.DeadlineNS {
		delete(g.pending, decisionID)
		return PatchOutcome{Expired: true}
	}

	delete(g.pending, decisionID)
	if qPrime >= g.tunables.PatchThreshold {
		return PatchOutcome{Confirmed: decision}
	}
	return PatchOutcome{Rejected: true}
}

// Pending reports the current number of outstanding decisions, for
// overload monitoring.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// gc removes every decision whose deadline has passed. Called at the
// top of every Frame/Patch invocation per spec's GC-on-every-admission
// rule; never runs on a separate timer.
func (g *Gate) gc(now uint64) {
	for id, d := range g.pending {
		if now >= d.DeadlineNS {
			delete(g.pending, id)
		}
	}
}

func newDecisionID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("gate: decision id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
