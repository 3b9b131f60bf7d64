// Package drift implements the dual-anchor drift tracker (C7): a session
// anchor fixed at the first admitted frame, a current anchor updated per
// admitted frame, and a drift evaluation that flags provenance bundles
// without ever invalidating them.
package drift

import (
	"time"

	"github.com/capturemesh/captureproof/internal/clock"
)

// AnchorValue is a single anchor observation: a scalar value tied to the
// frame that produced it, with the wall-clock time it was observed.
type AnchorValue struct {
	Value   float64
	WallTS  time.Time
	FrameID string
}

// ReanchorEntry records a superseded session anchor, so the ledger
// remains continuous across an explicit re-anchor.
type ReanchorEntry struct {
	PreviousSessionAnchor AnchorValue
	ReanchoredAtFrameID   string
}

// Event is emitted when drift exceeds the configured threshold.
type Event struct {
	SessionAnchor AnchorValue
	CurrentAnchor AnchorValue
	Drift         float64
}

// Tracker is the single-owner dual-anchor state for one capture session.
type Tracker struct {
	clock          clock.Source
	driftThreshold float64

	haveSession   bool
	sessionAnchor AnchorValue
	currentAnchor AnchorValue

	drifted bool
	history []ReanchorEntry
}

// New creates an empty Tracker. The session anchor is unset until the
// first Update call.
func New(clk clock.Source, driftThreshold float64) *Tracker {
	return &Tracker{clock: clk, driftThreshold: driftThreshold}
}

// Update records a newly admitted frame's anchor value, evaluates drift
// against the session anchor, and returns a Drift event if the threshold
// was exceeded. The first call of a session's lifetime fixes the session
// anchor and never produces an event; after a Reanchor, the next call is
// evaluated against the new session anchor like any other.
func (t *Tracker) Update(value float64, frameID string) *Event {
	current := AnchorValue{Value: value, WallTS: t.clock.WallNow(), FrameID: frameID}
	t.currentAnchor = current

	if !t.haveSession {
		t.sessionAnchor = current
		t.haveSession = true
		return nil
	}

	d := diff(current.Value, t.sessionAnchor.Value)
	if d > t.driftThreshold {
		t.drifted = true
		return &Event{SessionAnchor: t.sessionAnchor, CurrentAnchor: current, Drift: d}
	}
	return nil
}

// Drifted reports whether any update since the last (re)anchor exceeded
// the drift threshold; a drifted bundle is still valid, merely flagged.
func (t *Tracker) Drifted() bool {
	return t.drifted
}

// SessionAnchor returns the current session anchor.
func (t *Tracker) SessionAnchor() AnchorValue { return t.sessionAnchor }

// CurrentAnchor returns the most recently observed anchor.
func (t *Tracker) CurrentAnchor() AnchorValue { return t.currentAnchor }

// History returns the re-anchor history recorded so far.
func (t *Tracker) History() []ReanchorEntry {
	return append([]ReanchorEntry(nil), t.history...)
}

// Reanchor is only invoked by explicit caller action (never automatically
// from Update). It records the previous session anchor as a historical
// entry, clears the drift flag, and sets the new session anchor to the
// current anchor.
func (t *Tracker) Reanchor() {
	t.history = append(t.history, ReanchorEntry{
		PreviousSessionAnchor: t.sessionAnchor,
		ReanchoredAtFrameID:   t.currentAnchor.FrameID,
	})
	t.sessionAnchor = t.currentAnchor
	t.drifted = false
}

func diff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
