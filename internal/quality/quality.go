// Package quality implements the hysteretic two-threshold frame quality
// state machine (C5): a single active/inactive state plus a tracking
// sub-state, gated by enter/exit thresholds, cooldown, minimum dwell, an
// emergency-override rate limit, and relocalization handling.
package quality

import (
	"fmt"
	"sync"

	"github.com/capturemesh/captureproof/internal/clock"
)

// MainState is the top-level operational state.
type MainState string

const (
	StateInactive MainState = "inactive"
	StateActive   MainState = "active"
)

// TrackingState is the active-only sub-state.
type TrackingState string

const (
	TrackingOK           TrackingState = "tracking"
	TrackingRelocalizing TrackingState = "relocalizing"
	TrackingLost         TrackingState = "lost"
)

// Tunables are the profile-resolved parameters of the state machine.
type Tunables struct {
	EnterThreshold      float64
	ExitThreshold       float64
	CooldownNS          uint64
	MinDwellFrames      uint64
	NominalFramePeriodNS uint64
	ConfidenceFloor     float64
	RelocalizationDeadlineNS uint64
	EmergencyRateLimit  int // max emergency transitions per sliding second
}

// PolicyProof records a transition decision for the auditor; the core
// never reads this back.
type PolicyProof struct {
	AtNS          uint64
	FromMain      MainState
	ToMain        MainState
	FromTracking  TrackingState
	ToTracking    TrackingState
	Quality       float64
	Confidence    float64
	Tunables      Tunables
	Emergency     bool
}

// Outcome is the result of processing one frame.
type Outcome struct {
	Main       MainState
	Tracking   TrackingState
	Proof      *PolicyProof
	// Exactly one of the following describes why no transition happened,
	// when Proof is nil.
	InCooldown  *uint64 // remaining ns
	InDwell     *uint64 // remaining ns
	RateLimited bool
	Maintained  bool
}

// Machine is the single-owner quality state machine. All methods take an
// internal mutex; callers must not share a Machine across goroutines
// without relying on that lock (it is safe to do so, but there is no
// additional concurrency beyond mutual exclusion).
type Machine struct {
	mu sync.Mutex

	clock    clock.Source
	tunables Tunables

	main     MainState
	tracking TrackingState

	lastTransitionNS uint64
	transitioned     bool // false until the first main transition
	enteredActiveNS  uint64
	relocDeadlineNS  uint64

	emergencyWindowStartNS uint64
	emergencyCount         int
}

// New creates a Machine in the initial Inactive+Tracking state.
func New(clk clock.Source, tunables Tunables) *Machine {
	return &Machine{
		clock:    clk,
		tunables: tunables,
		main:     StateInactive,
		tracking: TrackingOK,
	}
}

// Main returns the current main state.
func (m *Machine) Main() MainState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.main
}

// Tracking returns the current tracking sub-state.
func (m *Machine) Tracking() TrackingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracking
}

// Frame processes one frame arrival carrying quality q and tracking
// confidence c, both in [0,1]. emergency forces the hysteresis/dwell
// guards to be skipped, subject to the emergency rate limit.
func (m *Machine) Frame(q, c float64, emergency bool) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.NowNS()

	if emergency {
		if !m.allowEmergency(now) {
			return Outcome{Main: m.main, Tracking: m.tracking, RateLimited: true}
		}
		return m.applyMainTransition(now, q, c, true)
	}

	if m.transitioned && now-m.lastTransitionNS < m.tunables.CooldownNS {
		remaining := m.tunables.CooldownNS - (now - m.lastTransitionNS)
		return Outcome{Main: m.main, Tracking: m.tracking, InCooldown: &remaining}
	}

	return m.applyMainTransition(now, q, c, false)
}

func (m *Machine) allowEmergency(now uint64) bool {
	const slidingWindowNS = uint64(1_000_000_000)
	if now-m.emergencyWindowStartNS > slidingWindowNS {
		m.emergencyWindowStartNS = now
		m.emergencyCount = 0
	}
	if m.emergencyCount >= m.tunables.EmergencyRateLimit {
		return false
	}
	m.emergencyCount++
	return true
}

func (m *Machine) applyMainTransition(now uint64, q, c float64, emergency bool) Outcome {
	from := m.main
	fromTracking := m.tracking

	switch m.main {
	case StateInactive:
		if q >= m.tunables.EnterThreshold {
			m.main = StateActive
			m.tracking = TrackingOK
			m.lastTransitionNS = now
			m.transitioned = true
			m.enteredActiveNS = now
			proof := m.recordProof(now, from, m.main, fromTracking, m.tracking, q, c, emergency)
			m.applySubState(now, c)
			return Outcome{Main: m.main, Tracking: m.tracking, Proof: proof}
		}
		return Outcome{Main: m.main, Tracking: m.tracking, Maintained: true}

	case StateActive:
		if q < m.tunables.ExitThreshold {
			dwellElapsed := now - m.enteredActiveNS
			minDwellNS := m.tunables.MinDwellFrames * m.tunables.NominalFramePeriodNS
			if !emergency && dwellElapsed < minDwellNS {
				remaining := minDwellNS - dwellElapsed
				return Outcome{Main: m.main, Tracking: m.tracking, InDwell: &remaining}
			}
			m.main = StateInactive
			m.tracking = TrackingOK
			m.lastTransitionNS = now
			m.transitioned = true
			proof := m.recordProof(now, from, m.main, fromTracking, m.tracking, q, c, emergency)
			return Outcome{Main: m.main, Tracking: m.tracking, Proof: proof}
		}

		sub := m.applySubState(now, c)
		if sub != nil {
			return Outcome{Main: m.main, Tracking: m.tracking, Proof: sub}
		}
		return Outcome{Main: m.main, Tracking: m.tracking, Maintained: true}
	}

	return Outcome{Main: m.main, Tracking: m.tracking, Maintained: true}
}

// applySubState evaluates the relocalizing/lost sub-state machine, only
// reachable while main == Active. Returns a PolicyProof if the sub-state
// changed.
func (m *Machine) applySubState(now uint64, c float64) *PolicyProof {
	fromTracking := m.tracking

	switch m.tracking {
	case TrackingOK:
		if c < m.tunables.ConfidenceFloor {
			m.tracking = TrackingRelocalizing
			m.relocDeadlineNS = now + m.tunables.RelocalizationDeadlineNS
			return m.recordProof(now, m.main, m.main, fromTracking, m.tracking, 0, c, false)
		}
	case TrackingRelocalizing:
		if c >= m.tunables.ConfidenceFloor {
			m.tracking = TrackingOK
			return m.recordProof(now, m.main, m.main, fromTracking, m.tracking, 0, c, false)
		}
		if now >= m.relocDeadlineNS {
			m.tracking = TrackingLost
			return m.recordProof(now, m.main, m.main, fromTracking, m.tracking, 0, c, false)
		}
	case TrackingLost:
		if c >= m.tunables.ConfidenceFloor {
			m.tracking = TrackingOK
			return m.recordProof(now, m.main, m.main, fromTracking, m.tracking, 0, c, false)
		}
	}
	return nil
}

func (m *Machine) recordProof(now uint64, fromMain, toMain MainState, fromTracking, toTracking TrackingState, q, c float64, emergency bool) *PolicyProof {
	return &PolicyProof{
		AtNS:         now,
		FromMain:     fromMain,
		ToMain:       toMain,
		FromTracking: fromTracking,
		ToTracking:   toTracking,
		Quality:      q,
		Confidence:   c,
		Tunables:     m.tunables,
		Emergency:    emergency,
	}
}

func (o Outcome) String() string {
	switch {
	case o.InCooldown != nil:
		return fmt.Sprintf("in_cooldown(remaining=%dns)", *o.InCooldown)
	case o.InDwell != nil:
		return fmt.Sprintf("in_dwell(remaining=%dns)", *o.InDwell)
	case o.RateLimited:
		return "rate_limited"
	case o.Maintained:
		return fmt.Sprintf("maintained(%s)", o.Main)
	default:
		return fmt.Sprintf("transitioned(%s/%s)", o.Main, o.Tracking)
	}
}
